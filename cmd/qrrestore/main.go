// Command qrrestore re-renders QR artifacts from the code registry,
// for recovery after artifact storage loss. Codes are the source of
// truth; artifacts are always reproducible from them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/example/veriseal/internal/codes"
	"github.com/example/veriseal/internal/config"
	"github.com/example/veriseal/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	batchID := flag.String("batch", "", "restore only this batch (default: all batches)")
	flag.Parse()

	if err := run(logger, *batchID); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, batchID string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
	} else {
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer s.Close()
		st = s
	}

	binder := codes.NewQRBinder(cfg.ArtifactDir)
	svc := codes.NewService(st, codes.NewGenerator(), binder, logger)

	n, err := svc.RebindArtifacts(ctx, batchID)
	if err != nil {
		logger.Error("restore_incomplete", "restored", n, "error", err)
		return err
	}
	logger.Info("restore_complete", "restored", n, "batch", batchID)
	return nil
}
