package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the Postgres error code for a unique constraint
// violation.
const pgUniqueViolation = "23505"

// queryTimeout bounds every store round trip so a stalled database
// fails the request instead of hanging it.
const queryTimeout = 5 * time.Second

// Postgres implements Store on a pgx connection pool. Correctness under
// concurrent service instances rests on the schema's constraints and on
// rows-affected conditional updates, not on in-process locks.
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	manufacturer_id TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	withdrawn BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	batch_number TEXT NOT NULL,
	production_date TIMESTAMPTZ NOT NULL,
	expiry_date TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS codes (
	id TEXT PRIMARY KEY,
	value TEXT UNIQUE NOT NULL,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	artifact_ref TEXT NOT NULL,
	used BOOLEAN NOT NULL DEFAULT FALSE,
	redeemed_at TIMESTAMPTZ,
	redeemed_lat DOUBLE PRECISION,
	redeemed_lon DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_codes_batch ON codes(batch_id);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	manufacturer_id TEXT NOT NULL,
	reference TEXT NOT NULL,
	amount DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS disputes (
	id TEXT PRIMARY KEY,
	payment_id TEXT UNIQUE NOT NULL REFERENCES payments(id),
	manufacturer_id TEXT NOT NULL,
	payment_reference TEXT NOT NULL,
	payment_amount DOUBLE PRECISION NOT NULL,
	reason TEXT NOT NULL,
	description TEXT NOT NULL,
	claimed_amount DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL,
	resolution_notes TEXT NOT NULL DEFAULT '',
	resolved_by TEXT NOT NULL DEFAULT '',
	refunded_amount DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	refunded_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status);

CREATE TABLE IF NOT EXISTS verification_events (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT UNIQUE NOT NULL,
	code_value TEXT NOT NULL,
	verdict TEXT NOT NULL,
	lat DOUBLE PRECISION,
	lon DOUBLE PRECISION,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verification_code ON verification_events(code_value);
`

func (p *Postgres) Migrate(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := p.Pool.Exec(queryCtx, postgresSchema); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (p *Postgres) CreateProduct(ctx context.Context, pr *Product) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := p.Pool.Exec(queryCtx, `
		INSERT INTO products (id, manufacturer_id, name, category, withdrawn, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, pr.ID, pr.ManufacturerID, pr.Name, pr.Category, pr.Withdrawn, pr.CreatedAt)
	if err != nil {
		if isPgUnique(err) {
			return fmt.Errorf("product %s already exists: %w", pr.ID, ErrConflict)
		}
		return unavailable("insert product", err)
	}
	return nil
}

func (p *Postgres) GetProduct(ctx context.Context, id string) (*Product, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var pr Product
	err := p.Pool.QueryRow(queryCtx, `
		SELECT id, manufacturer_id, name, category, withdrawn, created_at
		FROM products WHERE id = $1
	`, id).Scan(&pr.ID, &pr.ManufacturerID, &pr.Name, &pr.Category, &pr.Withdrawn, &pr.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
		}
		return nil, unavailable("get product", err)
	}
	return &pr, nil
}

func (p *Postgres) WithdrawProduct(ctx context.Context, id string) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := p.Pool.Exec(queryCtx, `UPDATE products SET withdrawn = TRUE WHERE id = $1`, id)
	if err != nil {
		return unavailable("withdraw product", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) CreateBatch(ctx context.Context, b *Batch) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := p.Pool.Exec(queryCtx, `
		INSERT INTO batches (id, product_id, batch_number, production_date, expiry_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, b.ID, b.ProductID, b.BatchNumber, b.ProductionDate, b.ExpiryDate, b.CreatedAt)
	if err != nil {
		if isPgUnique(err) {
			return fmt.Errorf("batch %s already exists: %w", b.ID, ErrConflict)
		}
		return unavailable("insert batch", err)
	}
	return nil
}

func (p *Postgres) GetBatch(ctx context.Context, id string) (*Batch, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var b Batch
	err := p.Pool.QueryRow(queryCtx, `
		SELECT id, product_id, batch_number, production_date, expiry_date, created_at
		FROM batches WHERE id = $1
	`, id).Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.ProductionDate, &b.ExpiryDate, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, unavailable("get batch", err)
	}
	return &b, nil
}

func (p *Postgres) InsertCode(ctx context.Context, c *Code) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := p.Pool.Exec(queryCtx, `
		INSERT INTO codes (id, value, batch_id, artifact_ref, used, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, c.ID, c.Value, c.BatchID, c.ArtifactRef, c.CreatedAt)
	if err != nil {
		if isPgUnique(err) {
			return fmt.Errorf("code value collision: %w", ErrConflict)
		}
		return unavailable("insert code", err)
	}
	return nil
}

func (p *Postgres) DeleteUnissuedCode(ctx context.Context, value string) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := p.Pool.Exec(queryCtx, `DELETE FROM codes WHERE value = $1 AND used = FALSE`, value)
	if err != nil {
		return unavailable("delete unissued code", err)
	}
	return nil
}

func (p *Postgres) LookupCode(ctx context.Context, value string) (*CodeLookup, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var (
		l         CodeLookup
		batchID   *string
		productID *string
		withdrawn *bool
	)
	err := p.Pool.QueryRow(queryCtx, `
		SELECT c.id, c.value, c.batch_id, c.artifact_ref, c.used,
		       c.redeemed_at, c.redeemed_lat, c.redeemed_lon, c.created_at,
		       b.id, p.id, p.withdrawn
		FROM codes c
		LEFT JOIN batches b ON b.id = c.batch_id
		LEFT JOIN products p ON p.id = b.product_id
		WHERE c.value = $1
	`, value).Scan(
		&l.Code.ID, &l.Code.Value, &l.Code.BatchID, &l.Code.ArtifactRef, &l.Code.Used,
		&l.Code.RedeemedAt, &l.Code.RedeemedLat, &l.Code.RedeemedLon, &l.Code.CreatedAt,
		&batchID, &productID, &withdrawn,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("code %s: %w", value, ErrNotFound)
		}
		return nil, unavailable("lookup code", err)
	}
	l.BatchExists = batchID != nil
	l.ProductExists = productID != nil
	l.ProductWithdrawn = withdrawn != nil && *withdrawn
	return &l, nil
}

func (p *Postgres) MarkCodeUsed(ctx context.Context, value string, at time.Time, lat, lon *float64) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := p.Pool.Exec(queryCtx, `
		UPDATE codes
		SET used = TRUE, redeemed_at = $1, redeemed_lat = $2, redeemed_lon = $3
		WHERE value = $4 AND used = FALSE
	`, at, lat, lon, value)
	if err != nil {
		return false, unavailable("mark code used", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	err = p.Pool.QueryRow(queryCtx, `SELECT EXISTS(SELECT 1 FROM codes WHERE value = $1)`, value).Scan(&exists)
	if err != nil {
		return false, unavailable("mark code used", err)
	}
	if !exists {
		return false, fmt.Errorf("code %s: %w", value, ErrNotFound)
	}
	return false, nil
}

func (p *Postgres) ListCodes(ctx context.Context, f CodeFilter) ([]*Code, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query := `
		SELECT id, value, batch_id, artifact_ref, used,
		       redeemed_at, redeemed_lat, redeemed_lon, created_at
		FROM codes`
	args := []interface{}{}
	if f.BatchID != "" {
		query += ` WHERE batch_id = $1`
		args = append(args, f.BatchID)
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, f.Limit)
	}

	rows, err := p.Pool.Query(queryCtx, query, args...)
	if err != nil {
		return nil, unavailable("list codes", err)
	}
	defer rows.Close()

	var out []*Code
	for rows.Next() {
		var c Code
		if err := rows.Scan(&c.ID, &c.Value, &c.BatchID, &c.ArtifactRef, &c.Used,
			&c.RedeemedAt, &c.RedeemedLat, &c.RedeemedLon, &c.CreatedAt); err != nil {
			return nil, unavailable("list codes", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list codes", err)
	}
	return out, nil
}

func (p *Postgres) SeedPayment(ctx context.Context, pay *Payment) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := p.Pool.Exec(queryCtx, `
		INSERT INTO payments (id, manufacturer_id, reference, amount)
		VALUES ($1, $2, $3, $4)
	`, pay.ID, pay.ManufacturerID, pay.Reference, pay.Amount)
	if err != nil {
		if isPgUnique(err) {
			return fmt.Errorf("payment %s already exists: %w", pay.ID, ErrConflict)
		}
		return unavailable("seed payment", err)
	}
	return nil
}

func (p *Postgres) GetPayment(ctx context.Context, id string) (*Payment, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var pay Payment
	err := p.Pool.QueryRow(queryCtx, `
		SELECT id, manufacturer_id, reference, amount FROM payments WHERE id = $1
	`, id).Scan(&pay.ID, &pay.ManufacturerID, &pay.Reference, &pay.Amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
		}
		return nil, unavailable("get payment", err)
	}
	return &pay, nil
}

// InsertDispute relies on the UNIQUE constraint on payment_id for the
// one-dispute-per-payment invariant; a SERIALIZABLE transaction keeps
// the payment existence check and the insert consistent under
// concurrent creation attempts.
func (p *Postgres) InsertDispute(ctx context.Context, d *Dispute) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := p.Pool.BeginTx(queryCtx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return unavailable("insert dispute", err)
	}
	defer tx.Rollback(queryCtx)

	var exists bool
	err = tx.QueryRow(queryCtx, `SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, d.PaymentID).Scan(&exists)
	if err != nil {
		return unavailable("insert dispute", err)
	}
	if !exists {
		return fmt.Errorf("payment %s: %w", d.PaymentID, ErrNotFound)
	}

	_, err = tx.Exec(queryCtx, `
		INSERT INTO disputes (id, payment_id, manufacturer_id, payment_reference, payment_amount,
			reason, description, claimed_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.PaymentID, d.ManufacturerID, d.PaymentReference, d.PaymentAmount,
		d.Reason, d.Description, d.ClaimedAmount, d.Status, d.CreatedAt)
	if err != nil {
		if isPgUnique(err) {
			return fmt.Errorf("payment %s already disputed: %w", d.PaymentID, ErrConflict)
		}
		return unavailable("insert dispute", err)
	}

	if err := tx.Commit(queryCtx); err != nil {
		if isPgUnique(err) {
			return fmt.Errorf("payment %s already disputed: %w", d.PaymentID, ErrConflict)
		}
		return unavailable("insert dispute", err)
	}
	return nil
}

func (p *Postgres) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var d Dispute
	err := p.Pool.QueryRow(queryCtx, `
		SELECT id, payment_id, manufacturer_id, payment_reference, payment_amount,
		       reason, description, claimed_amount, status, resolution_notes,
		       resolved_by, refunded_amount, created_at, resolved_at, refunded_at
		FROM disputes WHERE id = $1
	`, id).Scan(&d.ID, &d.PaymentID, &d.ManufacturerID, &d.PaymentReference, &d.PaymentAmount,
		&d.Reason, &d.Description, &d.ClaimedAmount, &d.Status, &d.ResolutionNotes,
		&d.ResolvedBy, &d.RefundedAmount, &d.CreatedAt, &d.ResolvedAt, &d.RefundedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("dispute %s: %w", id, ErrNotFound)
		}
		return nil, unavailable("get dispute", err)
	}
	return &d, nil
}

func (p *Postgres) TransitionDispute(ctx context.Context, t DisputeTransition) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := p.Pool.Exec(queryCtx, `
		UPDATE disputes
		SET status = $1,
		    resolution_notes = COALESCE($2, resolution_notes),
		    resolved_by = COALESCE($3, resolved_by),
		    refunded_amount = COALESCE($4, refunded_amount),
		    resolved_at = COALESCE($5, resolved_at),
		    refunded_at = COALESCE($6, refunded_at)
		WHERE id = $7 AND status = $8
	`, t.ToStatus, t.ResolutionNotes, t.ResolvedBy, t.RefundedAmount, t.ResolvedAt, t.RefundedAt,
		t.DisputeID, t.FromStatus)
	if err != nil {
		return false, unavailable("transition dispute", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) AppendVerification(ctx context.Context, e *VerificationEvent) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := p.Pool.Exec(queryCtx, `
		INSERT INTO verification_events (id, code_value, verdict, lat, lon, prev_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.CodeValue, e.Verdict, e.Lat, e.Lon, e.PrevHash, e.Hash, e.CreatedAt)
	if err != nil {
		return unavailable("append verification", err)
	}
	return nil
}

func (p *Postgres) LastVerificationHash(ctx context.Context) (string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var hash string
	err := p.Pool.QueryRow(queryCtx, `
		SELECT hash FROM verification_events ORDER BY seq DESC LIMIT 1
	`).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", unavailable("last verification hash", err)
	}
	return hash, nil
}

func (p *Postgres) DisputeStatusCounts(ctx context.Context) (map[string]int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := p.Pool.Query(queryCtx, `SELECT status, COUNT(*) FROM disputes GROUP BY status`)
	if err != nil {
		return nil, unavailable("dispute status counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, unavailable("dispute status counts", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("dispute status counts", err)
	}
	return counts, nil
}

func (p *Postgres) DisputeAmountSums(ctx context.Context) (AmountSums, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var sums AmountSums
	err := p.Pool.QueryRow(queryCtx, `
		SELECT COALESCE(SUM(claimed_amount), 0), COALESCE(SUM(refunded_amount), 0)
		FROM disputes
	`).Scan(&sums.Disputed, &sums.Refunded)
	if err != nil {
		return AmountSums{}, unavailable("dispute amount sums", err)
	}
	return sums, nil
}

func (p *Postgres) RecentDisputes(ctx context.Context, n int) ([]*Dispute, error) {
	if n <= 0 {
		return nil, nil
	}
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := p.Pool.Query(queryCtx, `
		SELECT id, payment_id, manufacturer_id, payment_reference, payment_amount,
		       reason, description, claimed_amount, status, resolution_notes,
		       resolved_by, refunded_amount, created_at, resolved_at, refunded_at
		FROM disputes ORDER BY created_at DESC LIMIT $1
	`, n)
	if err != nil {
		return nil, unavailable("recent disputes", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		var d Dispute
		if err := rows.Scan(&d.ID, &d.PaymentID, &d.ManufacturerID, &d.PaymentReference, &d.PaymentAmount,
			&d.Reason, &d.Description, &d.ClaimedAmount, &d.Status, &d.ResolutionNotes,
			&d.ResolvedBy, &d.RefundedAmount, &d.CreatedAt, &d.ResolvedAt, &d.RefundedAt); err != nil {
			return nil, unavailable("recent disputes", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("recent disputes", err)
	}
	return out, nil
}

func (p *Postgres) VerdictCounts(ctx context.Context) (map[string]int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := p.Pool.Query(queryCtx, `SELECT verdict, COUNT(*) FROM verification_events GROUP BY verdict`)
	if err != nil {
		return nil, unavailable("verdict counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var verdict string
		var n int64
		if err := rows.Scan(&verdict, &n); err != nil {
			return nil, unavailable("verdict counts", err)
		}
		counts[verdict] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("verdict counts", err)
	}
	return counts, nil
}

func (p *Postgres) GeoClusters(ctx context.Context, n int) ([]GeoCluster, error) {
	if n <= 0 {
		return nil, nil
	}
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := p.Pool.Query(queryCtx, `
		SELECT ROUND(lat::numeric, 1)::float8, ROUND(lon::numeric, 1)::float8, COUNT(*)
		FROM verification_events
		WHERE lat IS NOT NULL AND lon IS NOT NULL
		GROUP BY 1, 2
		ORDER BY COUNT(*) DESC
		LIMIT $1
	`, n)
	if err != nil {
		return nil, unavailable("geo clusters", err)
	}
	defer rows.Close()

	var out []GeoCluster
	for rows.Next() {
		var c GeoCluster
		if err := rows.Scan(&c.Lat, &c.Lon, &c.Count); err != nil {
			return nil, unavailable("geo clusters", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("geo clusters", err)
	}
	return out, nil
}
