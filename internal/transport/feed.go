package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/chatsync/internal/engine"
	"github.com/roach88/chatsync/internal/update"
)

const (
	defaultReadLimit    = 4 << 20
	defaultWriteTimeout = 5 * time.Second
)

// Sink is the part of a Session the feed drives.
type Sink interface {
	Admit(u update.Update) error
	AdmitFresh(u update.Update) error
	ScopeState(ctx context.Context, scope update.Scope) (engine.ScopeSnapshot, bool, error)
}

// FeedOptions configures a Feed.
type FeedOptions struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// Origin is sent as the Origin header when set.
	Origin string
	// Token is sent as a bearer token when set.
	Token string
	// Reconnect shapes the delay between connection attempts.
	Reconnect engine.Backoff
	// ReadLimit caps a single frame. Defaults to 4 MiB.
	ReadLimit int64
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnMalformed is called for every dropped frame. Optional.
	OnMalformed func(err error)
}

// Feed reads updates from a websocket and admits them into a Sink.
type Feed struct {
	opts FeedOptions
	sink Sink
	log  *slog.Logger
	now  func() time.Time

	mu sync.Mutex
	// fresh holds scopes announced by the server for which the session has
	// no baseline; their next update is force-applied.
	fresh map[update.Scope]bool
}

// NewFeed creates a feed. It does not connect until Run.
func NewFeed(sink Sink, opts FeedOptions) (*Feed, error) {
	if sink == nil {
		return nil, errors.New("feed: nil sink")
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("feed: url is required")
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Reconnect.Base <= 0 {
		opts.Reconnect = engine.Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		opts:  opts,
		sink:  sink,
		log:   log.With("component", "feed"),
		now:   time.Now,
		fresh: make(map[update.Scope]bool),
	}, nil
}

// Run connects and reads until ctx ends, reconnecting after failures.
// It returns ctx.Err(), or engine.ErrClosed once the sink stops accepting
// updates.
func (f *Feed) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, engine.ErrClosed) {
			return err
		}
		var connected *connectedError
		if errors.As(err, &connected) {
			// The connection worked for a while; start the backoff over.
			attempt = 0
			err = connected.err
		}
		attempt++
		delay := f.opts.Reconnect.Delay(attempt)
		f.log.Warn("feed connection lost, reconnecting", "error", err, "attempt", attempt, "backoff", delay.String())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connectedError marks a failure after a successful handshake.
type connectedError struct{ err error }

func (e *connectedError) Error() string { return e.err.Error() }
func (e *connectedError) Unwrap() error { return e.err }

// session runs one connection from dial to failure.
func (f *Feed) session(ctx context.Context) error {
	conn, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(f.opts.ReadLimit)

	if err := f.hello(ctx, conn); err != nil {
		return fmt.Errorf("feed hello: %w", err)
	}
	f.log.Info("feed connected", "url", f.opts.URL)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return &connectedError{err: fmt.Errorf("feed read: %w", err)}
		}
		if typ != websocket.MessageText {
			f.malformed(fmt.Errorf("%w: binary frame", update.ErrMalformed))
			continue
		}
		if err := f.handle(data); err != nil {
			if errors.Is(err, engine.ErrClosed) {
				return err
			}
			f.malformed(err)
		}
	}
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	if o := strings.TrimSpace(f.opts.Origin); o != "" {
		h.Set("Origin", o)
	}
	if f.opts.Token != "" {
		h.Set("Authorization", "Bearer "+f.opts.Token)
	}
	conn, resp, err := websocket.Dial(ctx, f.opts.URL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("feed dial %s: %w", f.opts.URL, err)
	}
	if got := conn.Subprotocol(); got != Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return nil, fmt.Errorf("feed dial: server negotiated subprotocol %q", got)
	}
	return conn, nil
}

// hello tells the server where the global counter stands.
func (f *Feed) hello(ctx context.Context, conn *websocket.Conn) error {
	seqs := map[update.Scope]int64{}
	if snap, ok, err := f.sink.ScopeState(ctx, update.GlobalScope); err != nil {
		return err
	} else if ok {
		seqs[update.GlobalScope] = snap.Current
	}
	env, err := NewEnvelope(TypeHello, f.now(), SeqsPayload{Seqs: seqs})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// handle decodes and dispatches one frame.
func (f *Feed) handle(data []byte) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	switch env.Type {
	case TypeUpdate:
		u, err := env.decodeUpdate()
		if err != nil {
			return err
		}
		return f.admit(u)
	case TypeState:
		p, err := env.decodeSeqs()
		if err != nil {
			return err
		}
		f.announce(p.Seqs)
		return nil
	case TypePing, TypeHello:
		return nil
	}
	return fmt.Errorf("%w: unexpected envelope type %q", update.ErrMalformed, env.Type)
}

func (f *Feed) admit(u update.Update) error {
	f.mu.Lock()
	fresh := f.fresh[u.Scope]
	delete(f.fresh, u.Scope)
	f.mu.Unlock()

	admit := f.sink.Admit
	if fresh {
		admit = f.sink.AdmitFresh
	}
	err := admit(u)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrClosed):
		return err
	case engine.IsUnknownScope(err):
		f.log.Warn("update for unreadable scope dropped", "scope", u.Scope, "new_seq", u.NewSeq)
		return nil
	}
	return err
}

// announce marks scopes without a local baseline so their next update is
// taken as the baseline.
func (f *Feed) announce(seqs map[update.Scope]int64) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	for scope, seq := range seqs {
		if scope.Validate() != nil {
			continue
		}
		snap, ok, err := f.sink.ScopeState(ctx, scope)
		if err != nil {
			f.log.Warn("scope state unavailable", "scope", scope, "error", err)
			continue
		}
		if ok && snap.Current > 0 {
			continue
		}
		f.mu.Lock()
		f.fresh[scope] = true
		f.mu.Unlock()
		f.log.Debug("scope has no baseline, next update is fresh", "scope", scope, "server_seq", seq)
	}
}

func (f *Feed) malformed(err error) {
	f.log.Warn("feed frame dropped", "error", err)
	if f.opts.OnMalformed != nil {
		f.opts.OnMalformed(err)
	}
}
