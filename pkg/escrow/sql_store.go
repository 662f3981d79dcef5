package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore keeps entries in an escrow_entries table. Timestamps are stored
// as unix nanoseconds, 0 meaning "never expires".
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens dsn with the dialect's driver and migrates the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("escrow: unknown sql dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("escrow: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing handle and migrates the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("escrow: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS escrow_entries (
			tenant_id   TEXT NOT NULL,
			author_uuid TEXT NOT NULL,
			raw_hash    TEXT NOT NULL,
			created_at  BIGINT NOT NULL,
			expires_at  BIGINT NOT NULL DEFAULT 0,
			run_id      TEXT NOT NULL,
			PRIMARY KEY (tenant_id, author_uuid)
		)`,
		`CREATE INDEX IF NOT EXISTS escrow_entries_expires_at ON escrow_entries (expires_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQLStore) Upsert(ctx context.Context, e Entry) (bool, error) {
	if err := e.validate(); err != nil {
		return false, err
	}
	q := s.rebind(`
		INSERT INTO escrow_entries (tenant_id, author_uuid, raw_hash, created_at, expires_at, run_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, author_uuid) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q,
		e.TenantID, e.AuthorUUID, e.RawHash, toNanos(e.CreatedAt), toNanos(e.ExpiresAt), e.RunID)
	if err != nil {
		return false, fmt.Errorf("escrow: insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("escrow: insert entry: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Get(ctx context.Context, tenantID, authorUUID string) (*Entry, error) {
	q := s.rebind(`
		SELECT tenant_id, author_uuid, raw_hash, created_at, expires_at, run_id
		FROM escrow_entries
		WHERE tenant_id = ? AND author_uuid = ?`)
	var (
		e                  Entry
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, q, tenantID, authorUUID).
		Scan(&e.TenantID, &e.AuthorUUID, &e.RawHash, &created, &expiresAt, &e.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: get entry: %w", err)
	}
	e.CreatedAt = fromNanos(created)
	e.ExpiresAt = fromNanos(expiresAt)
	return &e, nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	q := s.rebind(`DELETE FROM escrow_entries WHERE expires_at > 0 AND expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, q, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("escrow: delete expired: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Count(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	q := s.rebind(`SELECT COUNT(*) FROM escrow_entries WHERE tenant_id = ?`)
	if err := s.db.QueryRowContext(ctx, q, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("escrow: count entries: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Atomic() bool { return true }

func (s *SQLStore) Close() error {
	return s.db.Close()
}
