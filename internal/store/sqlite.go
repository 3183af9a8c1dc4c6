package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLite implements Store on a single SQLite database. It backs tests
// (":memory:") and single-node deployments; the semantics match the
// Postgres implementation, including constraint-driven Conflict errors
// and rows-affected conditional updates.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an opened database handle. Callers own the handle's
// lifecycle; Migrate must run before first use.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// OpenSQLite opens (or creates) a SQLite database at path. SQLite only
// allows one writer at a time, so the pool is capped at a single
// connection; this also makes ":memory:" databases safe to share.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLite{db: db}, nil
}

// Close closes the underlying handle.
func (s *SQLite) Close() error { return s.db.Close() }

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	manufacturer_id TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	withdrawn INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	batch_number TEXT NOT NULL,
	production_date TIMESTAMP NOT NULL,
	expiry_date TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS codes (
	id TEXT PRIMARY KEY,
	value TEXT UNIQUE NOT NULL,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	artifact_ref TEXT NOT NULL,
	used INTEGER NOT NULL DEFAULT 0,
	redeemed_at TIMESTAMP,
	redeemed_lat REAL,
	redeemed_lon REAL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_codes_batch ON codes(batch_id);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	manufacturer_id TEXT NOT NULL,
	reference TEXT NOT NULL,
	amount REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS disputes (
	id TEXT PRIMARY KEY,
	payment_id TEXT UNIQUE NOT NULL REFERENCES payments(id),
	manufacturer_id TEXT NOT NULL,
	payment_reference TEXT NOT NULL,
	payment_amount REAL NOT NULL,
	reason TEXT NOT NULL,
	description TEXT NOT NULL,
	claimed_amount REAL NOT NULL,
	status TEXT NOT NULL,
	resolution_notes TEXT NOT NULL DEFAULT '',
	resolved_by TEXT NOT NULL DEFAULT '',
	refunded_amount REAL,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP,
	refunded_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status);

CREATE TABLE IF NOT EXISTS verification_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	code_value TEXT NOT NULL,
	verdict TEXT NOT NULL,
	lat REAL,
	lon REAL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verification_code ON verification_events(code_value);
`

// Migrate creates the schema if it does not exist yet.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLite) CreateProduct(ctx context.Context, p *Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, manufacturer_id, name, category, withdrawn, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.ManufacturerID, p.Name, p.Category, p.Withdrawn, p.CreatedAt)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("product %s already exists: %w", p.ID, ErrConflict)
		}
		return unavailable("insert product", err)
	}
	return nil
}

func (s *SQLite) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, manufacturer_id, name, category, withdrawn, created_at
		FROM products WHERE id = ?
	`, id).Scan(&p.ID, &p.ManufacturerID, &p.Name, &p.Category, &p.Withdrawn, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
		}
		return nil, unavailable("get product", err)
	}
	return &p, nil
}

func (s *SQLite) WithdrawProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE products SET withdrawn = 1 WHERE id = ?`, id)
	if err != nil {
		return unavailable("withdraw product", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) CreateBatch(ctx context.Context, b *Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, product_id, batch_number, production_date, expiry_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.ID, b.ProductID, b.BatchNumber, b.ProductionDate, b.ExpiryDate, b.CreatedAt)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("batch %s already exists: %w", b.ID, ErrConflict)
		}
		return unavailable("insert batch", err)
	}
	return nil
}

func (s *SQLite) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, batch_number, production_date, expiry_date, created_at
		FROM batches WHERE id = ?
	`, id).Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.ProductionDate, &b.ExpiryDate, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, unavailable("get batch", err)
	}
	return &b, nil
}

func (s *SQLite) InsertCode(ctx context.Context, c *Code) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO codes (id, value, batch_id, artifact_ref, used, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, c.ID, c.Value, c.BatchID, c.ArtifactRef, c.CreatedAt)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("code value collision: %w", ErrConflict)
		}
		return unavailable("insert code", err)
	}
	return nil
}

// DeleteUnissuedCode removes a code that never completed issuance. The
// used guard keeps redeemed codes untouchable even if this is misused.
func (s *SQLite) DeleteUnissuedCode(ctx context.Context, value string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM codes WHERE value = ? AND used = 0`, value)
	if err != nil {
		return unavailable("delete unissued code", err)
	}
	return nil
}

func (s *SQLite) LookupCode(ctx context.Context, value string) (*CodeLookup, error) {
	var (
		l         CodeLookup
		redeemed  sql.NullTime
		lat, lon  sql.NullFloat64
		batchID   sql.NullString
		productID sql.NullString
		withdrawn sql.NullBool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.value, c.batch_id, c.artifact_ref, c.used,
		       c.redeemed_at, c.redeemed_lat, c.redeemed_lon, c.created_at,
		       b.id, p.id, p.withdrawn
		FROM codes c
		LEFT JOIN batches b ON b.id = c.batch_id
		LEFT JOIN products p ON p.id = b.product_id
		WHERE c.value = ?
	`, value).Scan(
		&l.Code.ID, &l.Code.Value, &l.Code.BatchID, &l.Code.ArtifactRef, &l.Code.Used,
		&redeemed, &lat, &lon, &l.Code.CreatedAt,
		&batchID, &productID, &withdrawn,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("code %s: %w", value, ErrNotFound)
		}
		return nil, unavailable("lookup code", err)
	}
	if redeemed.Valid {
		l.Code.RedeemedAt = &redeemed.Time
	}
	if lat.Valid {
		l.Code.RedeemedLat = &lat.Float64
	}
	if lon.Valid {
		l.Code.RedeemedLon = &lon.Float64
	}
	l.BatchExists = batchID.Valid
	l.ProductExists = productID.Valid
	l.ProductWithdrawn = withdrawn.Valid && withdrawn.Bool
	return &l, nil
}

// MarkCodeUsed flips the used flag false -> true exactly once. The
// WHERE used = 0 guard makes the read-then-mark sequence a single atomic
// statement: of any number of concurrent callers, exactly one sees a
// row affected.
func (s *SQLite) MarkCodeUsed(ctx context.Context, value string, at time.Time, lat, lon *float64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE codes
		SET used = 1, redeemed_at = ?, redeemed_lat = ?, redeemed_lon = ?
		WHERE value = ? AND used = 0
	`, at, nullFloat(lat), nullFloat(lon), value)
	if err != nil {
		return false, unavailable("mark code used", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("mark code used", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM codes WHERE value = ?)`, value).Scan(&exists)
	if err != nil {
		return false, unavailable("mark code used", err)
	}
	if !exists {
		return false, fmt.Errorf("code %s: %w", value, ErrNotFound)
	}
	return false, nil
}

func (s *SQLite) ListCodes(ctx context.Context, f CodeFilter) ([]*Code, error) {
	query := `
		SELECT id, value, batch_id, artifact_ref, used,
		       redeemed_at, redeemed_lat, redeemed_lon, created_at
		FROM codes`
	args := []interface{}{}
	if f.BatchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, f.BatchID)
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list codes", err)
	}
	defer rows.Close()

	var out []*Code
	for rows.Next() {
		var (
			c        Code
			redeemed sql.NullTime
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&c.ID, &c.Value, &c.BatchID, &c.ArtifactRef, &c.Used,
			&redeemed, &lat, &lon, &c.CreatedAt); err != nil {
			return nil, unavailable("list codes", err)
		}
		if redeemed.Valid {
			c.RedeemedAt = &redeemed.Time
		}
		if lat.Valid {
			c.RedeemedLat = &lat.Float64
		}
		if lon.Valid {
			c.RedeemedLon = &lon.Float64
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list codes", err)
	}
	return out, nil
}

func (s *SQLite) SeedPayment(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, manufacturer_id, reference, amount)
		VALUES (?, ?, ?, ?)
	`, p.ID, p.ManufacturerID, p.Reference, p.Amount)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("payment %s already exists: %w", p.ID, ErrConflict)
		}
		return unavailable("seed payment", err)
	}
	return nil
}

func (s *SQLite) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, manufacturer_id, reference, amount FROM payments WHERE id = ?
	`, id).Scan(&p.ID, &p.ManufacturerID, &p.Reference, &p.Amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
		}
		return nil, unavailable("get payment", err)
	}
	return &p, nil
}

func (s *SQLite) InsertDispute(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (id, payment_id, manufacturer_id, payment_reference, payment_amount,
			reason, description, claimed_amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.PaymentID, d.ManufacturerID, d.PaymentReference, d.PaymentAmount,
		d.Reason, d.Description, d.ClaimedAmount, d.Status, d.CreatedAt)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("payment %s already disputed: %w", d.PaymentID, ErrConflict)
		}
		return unavailable("insert dispute", err)
	}
	return nil
}

func (s *SQLite) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	var (
		d          Dispute
		refunded   sql.NullFloat64
		resolvedAt sql.NullTime
		refundedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, payment_id, manufacturer_id, payment_reference, payment_amount,
		       reason, description, claimed_amount, status, resolution_notes,
		       resolved_by, refunded_amount, created_at, resolved_at, refunded_at
		FROM disputes WHERE id = ?
	`, id).Scan(&d.ID, &d.PaymentID, &d.ManufacturerID, &d.PaymentReference, &d.PaymentAmount,
		&d.Reason, &d.Description, &d.ClaimedAmount, &d.Status, &d.ResolutionNotes,
		&d.ResolvedBy, &refunded, &d.CreatedAt, &resolvedAt, &refundedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("dispute %s: %w", id, ErrNotFound)
		}
		return nil, unavailable("get dispute", err)
	}
	if refunded.Valid {
		d.RefundedAmount = &refunded.Float64
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if refundedAt.Valid {
		d.RefundedAt = &refundedAt.Time
	}
	return &d, nil
}

// TransitionDispute advances a dispute's status only while it still
// equals FromStatus. A false result means the guard failed (missing row
// or concurrent transition); the caller re-reads to tell which.
func (s *SQLite) TransitionDispute(ctx context.Context, t DisputeTransition) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = ?,
		    resolution_notes = COALESCE(?, resolution_notes),
		    resolved_by = COALESCE(?, resolved_by),
		    refunded_amount = COALESCE(?, refunded_amount),
		    resolved_at = COALESCE(?, resolved_at),
		    refunded_at = COALESCE(?, refunded_at)
		WHERE id = ? AND status = ?
	`, t.ToStatus, nullString(t.ResolutionNotes), nullString(t.ResolvedBy),
		nullFloat(t.RefundedAmount), nullTime(t.ResolvedAt), nullTime(t.RefundedAt),
		t.DisputeID, t.FromStatus)
	if err != nil {
		return false, unavailable("transition dispute", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("transition dispute", err)
	}
	return n == 1, nil
}

func (s *SQLite) AppendVerification(ctx context.Context, e *VerificationEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_events (id, code_value, verdict, lat, lon, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CodeValue, e.Verdict, nullFloat(e.Lat), nullFloat(e.Lon), e.PrevHash, e.Hash, e.CreatedAt)
	if err != nil {
		return unavailable("append verification", err)
	}
	return nil
}

func (s *SQLite) LastVerificationHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT hash FROM verification_events ORDER BY seq DESC LIMIT 1
	`).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", unavailable("last verification hash", err)
	}
	return hash, nil
}

func (s *SQLite) DisputeStatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM disputes GROUP BY status`)
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

func (s *SQLite) DisputeAmountSums(ctx context.Context) (AmountSums, error) {
	var sums AmountSums
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(claimed_amount), 0), COALESCE(SUM(refunded_amount), 0)
		FROM disputes
	`).Scan(&sums.Disputed, &sums.Refunded)
	if err != nil {
		return AmountSums{}, unavailable("dispute amount sums", err)
	}
	return sums, nil
}

func (s *SQLite) RecentDisputes(ctx context.Context, n int) ([]*Dispute, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM disputes ORDER BY created_at DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, unavailable("recent disputes", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("recent disputes", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("recent disputes", err)
	}

	out := make([]*Dispute, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDispute(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLite) VerdictCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT verdict, COUNT(*) FROM verification_events GROUP BY verdict`)
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

func (s *SQLite) GeoClusters(ctx context.Context, n int) ([]GeoCluster, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ROUND(lat, 1), ROUND(lon, 1), COUNT(*)
		FROM verification_events
		WHERE lat IS NOT NULL AND lon IS NOT NULL
		GROUP BY ROUND(lat, 1), ROUND(lon, 1)
		ORDER BY COUNT(*) DESC
		LIMIT ?
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

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
