package access

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/chatsync/internal/update"
)

// Postgres checks membership in <schema>.conversation_members.
//
// The pool is owned by the caller and is never closed here. Answers are
// cached for CacheTTL so recovery retries do not hammer the database.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	userID string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedAnswer
}

type cachedAnswer struct {
	ok      bool
	expires time.Time
}

// PostgresOption configures a Postgres oracle.
type PostgresOption func(*Postgres) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema holding conversation_members (default "chat").
func WithSchema(schema string) PostgresOption {
	return func(p *Postgres) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("access: invalid schema identifier %q", schema)
		}
		p.schema = schema
		return nil
	}
}

// WithCacheTTL sets how long an answer is reused. Zero disables caching.
func WithCacheTTL(ttl time.Duration) PostgresOption {
	return func(p *Postgres) error {
		if ttl < 0 {
			return fmt.Errorf("access: negative cache ttl")
		}
		p.ttl = ttl
		return nil
	}
}

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) PostgresOption {
	return func(p *Postgres) error {
		p.now = now
		return nil
	}
}

// NewPostgres creates an oracle answering for userID.
func NewPostgres(pool *pgxpool.Pool, userID string, opts ...PostgresOption) (*Postgres, error) {
	p := &Postgres{
		pool:   pool,
		schema: "chat",
		userID: strings.TrimSpace(userID),
		ttl:    30 * time.Second,
		now:    time.Now,
		cache:  make(map[string]cachedAnswer),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("access: nil pool")
	}
	if p.userID == "" {
		return nil, errors.New("access: empty user id")
	}
	return p, nil
}

// CanRead implements engine.AccessOracle.
func (p *Postgres) CanRead(ctx context.Context, scope update.Scope) (bool, error) {
	if scope.IsGlobal() {
		return true, nil
	}
	conv, ok := scope.ConversationID()
	if !ok {
		return false, nil
	}
	if ok, hit := p.cached(conv); hit {
		return ok, nil
	}

	query := `SELECT 1 FROM ` + pgx.Identifier{p.schema, "conversation_members"}.Sanitize() +
		` WHERE conversation_id = $1 AND user_id = $2 LIMIT 1`
	var one int
	err := p.pool.QueryRow(ctx, query, conv, p.userID).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		ok = false
	case err != nil:
		return false, fmt.Errorf("access: check %s: %w", scope, err)
	default:
		ok = true
	}
	p.remember(conv, ok)
	return ok, nil
}

// Forget drops any cached answer for conv.
func (p *Postgres) Forget(conv string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, conv)
}

func (p *Postgres) cached(conv string) (ok, hit bool) {
	if p.ttl == 0 {
		return false, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a, found := p.cache[conv]
	if !found || !p.now().Before(a.expires) {
		return false, false
	}
	return a.ok, true
}

func (p *Postgres) remember(conv string, ok bool) {
	if p.ttl == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[conv] = cachedAnswer{ok: ok, expires: p.now().Add(p.ttl)}
}

// OpenPool builds a pool from url and checks it can acquire a connection.
func OpenPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("access: parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("access: connect: %w", err)
	}
	conn.Release()
	return pool, nil
}
