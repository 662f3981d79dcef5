package escrow

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(tenant, author string, expires time.Time) Entry {
	return Entry{
		TenantID:   tenant,
		AuthorUUID: author,
		RawHash:    "hash-" + tenant + "-" + author,
		CreatedAt:  t0,
		ExpiresAt:  expires,
		RunID:      "run-1",
	}
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(context.Background(), DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t)
			return s
		},
	}
}

func TestStore_Conformance(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			assert.True(t, s.Atomic())

			got, err := s.Get(ctx, "acme", "a1")
			require.NoError(t, err)
			assert.Nil(t, got)

			created, err := s.Upsert(ctx, entry("acme", "a1", future))
			require.NoError(t, err)
			assert.True(t, created)

			again := entry("acme", "a1", future)
			again.RawHash = "different"
			again.RunID = "run-2"
			created, err = s.Upsert(ctx, again)
			require.NoError(t, err)
			assert.False(t, created, "existing entry must not be overwritten")

			got, err = s.Get(ctx, "acme", "a1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "hash-acme-a1", got.RawHash)
			assert.Equal(t, "run-1", got.RunID)
			assert.True(t, got.CreatedAt.Equal(t0))
			assert.True(t, got.ExpiresAt.Equal(future))

			_, err = s.Upsert(ctx, entry("acme", "a2", future))
			require.NoError(t, err)
			_, err = s.Upsert(ctx, entry("other", "a1", future))
			require.NoError(t, err)

			n, err := s.Count(ctx, "acme")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
			n, err = s.Count(ctx, "other")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			_, err = s.Upsert(ctx, Entry{TenantID: "acme"})
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}
}

func TestStore_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			s := storeFactories()[name](t)
			_, _ = s.Upsert(ctx, entry("acme", "old", t0.Add(time.Hour)))
			_, _ = s.Upsert(ctx, entry("acme", "new", t0.Add(48*time.Hour)))
			_, _ = s.Upsert(ctx, entry("acme", "forever", time.Time{}))

			n, err := s.DeleteExpired(ctx, t0.Add(24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			got, _ := s.Get(ctx, "acme", "old")
			assert.Nil(t, got)
			got, _ = s.Get(ctx, "acme", "forever")
			assert.NotNil(t, got)
			c, _ := s.Count(ctx, "acme")
			assert.Equal(t, int64(2), c)
		})
	}
}

func TestRedisStore_ExpiresWithTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	_, err := s.Upsert(ctx, entry("acme", "a1", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, mr.Exists("irgate:escrow:acme:a1"))
	assert.Greater(t, mr.TTL("irgate:escrow:acme:a1"), 59*time.Minute)

	mr.FastForward(2 * time.Hour)
	got, err := s.Get(ctx, "acme", "a1")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_AlreadyExpiredIsNotWritten(t *testing.T) {
	s, mr := newRedisStore(t)
	created, err := s.Upsert(context.Background(), entry("acme", "a1", time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, mr.Exists("irgate:escrow:acme:a1"))
}

func TestRedisStore_TenantKeySpacesDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	_, _ = s.Upsert(ctx, entry("a", "x", time.Time{}))
	_, _ = s.Upsert(ctx, entry("a:b", "y", time.Time{}))
	_, _ = s.Upsert(ctx, entry("a*", "z", time.Time{}))

	n, err := s.Count(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLStore_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS escrow_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS escrow_entries_expires_at")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLStore(ctx, db, DialectPostgres)
	require.NoError(t, err)

	e := entry("acme", "a1", t0.Add(time.Hour))
	mock.ExpectExec(`VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)\s+ON CONFLICT \(tenant_id, author_uuid\) DO NOTHING`).
		WithArgs("acme", "a1", e.RawHash, t0.UnixNano(), t0.Add(time.Hour).UnixNano(), "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	created, err := s.Upsert(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	created, err = s.Upsert(ctx, e)
	require.NoError(t, err)
	assert.False(t, created)

	rows := sqlmock.NewRows([]string{"tenant_id", "author_uuid", "raw_hash", "created_at", "expires_at", "run_id"}).
		AddRow("acme", "a1", e.RawHash, t0.UnixNano(), int64(0), "run-1")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 AND author_uuid = $2")).
		WithArgs("acme", "a1").
		WillReturnRows(rows)
	got, err := s.Get(ctx, "acme", "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.True(t, got.ExpiresAt.IsZero())

	mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 AND author_uuid = $2")).
		WithArgs("acme", "zz").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "author_uuid", "raw_hash", "created_at", "expires_at", "run_id"}))
	got, err = s.Get(ctx, "acme", "zz")
	require.NoError(t, err)
	assert.Nil(t, got)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM escrow_entries WHERE expires_at > 0 AND expires_at <= $1")).
		WithArgs(t0.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := s.DeleteExpired(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM escrow_entries WHERE tenant_id = $1")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	n, err = s.Count(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSQL_UnknownDialect(t *testing.T) {
	_, err := OpenSQL(context.Background(), Dialect("oracle"), "")
	assert.ErrorContains(t, err, "unknown sql dialect")
}
