package access

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chatsync/internal/update"
)

func TestNewPostgresValidation(t *testing.T) {
	_, err := NewPostgres(nil, "u1")
	assert.ErrorContains(t, err, "nil pool")

	pool := &pgxpool.Pool{}
	_, err = NewPostgres(pool, "  ")
	assert.ErrorContains(t, err, "empty user id")

	_, err = NewPostgres(pool, "u1", WithSchema("bad-schema;"))
	assert.ErrorContains(t, err, "invalid schema")

	_, err = NewPostgres(pool, "u1", WithCacheTTL(-time.Second))
	assert.Error(t, err)

	p, err := NewPostgres(pool, "u1", WithSchema("members_it"), nil)
	require.NoError(t, err)
	assert.Equal(t, "members_it", p.schema)
}

func TestPostgresGlobalNeedsNoQuery(t *testing.T) {
	// The zero pool would panic if queried.
	p, err := NewPostgres(&pgxpool.Pool{}, "u1")
	require.NoError(t, err)
	ok, err := p.CanRead(context.Background(), update.GlobalScope)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresCacheExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p, err := NewPostgres(&pgxpool.Pool{}, "u1",
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	p.remember("c1", true)
	ok, hit := p.cached("c1")
	assert.True(t, hit)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, hit = p.cached("c1")
	assert.False(t, hit, "entry expires at ttl")

	p.remember("c1", false)
	p.Forget("c1")
	_, hit = p.cached("c1")
	assert.False(t, hit)
}

// Integration tests are opt-in and require CHATSYNC_TEST_DATABASE_URL.

func TestPostgresMembership(t *testing.T) {
	pool := mustOpenTestPool(t)
	schema := mustCreateMembersSchema(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	table := pgx.Identifier{schema, "conversation_members"}.Sanitize()
	_, err := pool.Exec(ctx, `INSERT INTO `+table+` (conversation_id, user_id) VALUES ('c1', 'u1'), ('c2', 'u2')`)
	require.NoError(t, err)

	p, err := NewPostgres(pool, "u1", WithSchema(schema), WithCacheTTL(0))
	require.NoError(t, err)

	ok, err := p.CanRead(ctx, update.ConversationScope("c1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.CanRead(ctx, update.ConversationScope("c2"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = pool.Exec(ctx, `DELETE FROM `+table+` WHERE conversation_id = 'c1'`)
	require.NoError(t, err)
	ok, err = p.CanRead(ctx, update.ConversationScope("c1"))
	require.NoError(t, err)
	assert.False(t, ok, "uncached oracle sees revocation")
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHATSYNC_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHATSYNC_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	pool, err := OpenPool(ctx, raw, 4)
	if err != nil {
		t.Skipf("integration test skipped: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func mustCreateMembersSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "chatsync_it_" + strings.ToLower(ulid.Make().String())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ident := pgx.Identifier{schema}.Sanitize()
	_, err := pool.Exec(ctx, `CREATE SCHEMA `+ident)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+ident+` CASCADE`)
	})

	_, err = pool.Exec(ctx, `CREATE TABLE `+pgx.Identifier{schema, "conversation_members"}.Sanitize()+` (
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`)
	require.NoError(t, err)
	return schema
}
