// Package config loads chatsync configuration: a YAML file validated
// against an embedded CUE schema, then CHATSYNC_* environment overrides on
// top of defaults.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/chatsync/internal/engine"
)

// Backends.
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Config is the full configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Feed      FeedConfig      `yaml:"feed"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Client    ClientConfig    `yaml:"client"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Index     IndexConfig     `yaml:"index"`
	Access    AccessConfig    `yaml:"access"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type FeedConfig struct {
	URL    string `yaml:"url"`
	Origin string `yaml:"origin"`
	Token  string `yaml:"token"`
}

type RecoveryConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	WindowLimit int           `yaml:"window_limit"`
	Backoff     BackoffConfig `yaml:"backoff"`
	Limits      LimitsConfig  `yaml:"limits"`
}

type BackoffConfig struct {
	Base   Duration `yaml:"base"`
	Max    Duration `yaml:"max"`
	Jitter float64  `yaml:"jitter"`
}

// LimitsConfig is the difference batch size per client kind.
type LimitsConfig struct {
	User int `yaml:"user"`
	Bot  int `yaml:"bot"`
}

type ClientConfig struct {
	Kind string `yaml:"kind"`
}

type SequencerConfig struct {
	CoalesceDelay Duration `yaml:"coalesce_delay"`
}

type IndexConfig struct {
	EvictAfter Duration `yaml:"evict_after"`
	EchoTTL    Duration `yaml:"echo_ttl"`
}

// AccessConfig selects the access oracle: Postgres when DSN is set,
// otherwise a static allow list (allow-all when Allow is empty).
type AccessConfig struct {
	DSN      string   `yaml:"dsn"`
	Schema   string   `yaml:"schema"`
	UserID   string   `yaml:"user_id"`
	CacheTTL Duration `yaml:"cache_ttl"`
	Allow    []string `yaml:"allow"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	t := engine.DefaultTuning()
	return &Config{
		Database: DatabaseConfig{Backend: BackendSQLite, Path: "chatsync.db"},
		Recovery: RecoveryConfig{
			WindowLimit: t.WindowLimit,
			Backoff: BackoffConfig{
				Base:   Duration(t.Backoff.Base),
				Max:    Duration(t.Backoff.Max),
				Jitter: t.Backoff.Jitter,
			},
			Limits: LimitsConfig{
				User: engine.DifferenceLimitFor(engine.ClientUser),
				Bot:  engine.DifferenceLimitFor(engine.ClientBot),
			},
		},
		Client:    ClientConfig{Kind: engine.ClientUser},
		Sequencer: SequencerConfig{CoalesceDelay: Duration(t.CoalesceDelay)},
		Index:     IndexConfig{EvictAfter: Duration(t.EvictAfter), EchoTTL: Duration(t.EchoTTL)},
		Access:    AccessConfig{Schema: "chat", CacheTTL: Duration(30 * time.Second)},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (may be empty for defaults plus environment), validates
// it and applies CHATSYNC_* overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load for in-memory data, without environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if err := CheckSchema(data); err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

//go:embed schema.cue
var schemaCUE []byte

// CheckSchema validates raw YAML against the embedded CUE schema.
func CheckSchema(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		return nil
	}

	cctx := cuecontext.New()
	schema := cctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(cctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints the schema cannot express and
// values that may have come from the environment.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Backend {
	case BackendSQLite, BackendPebble:
	default:
		errs = append(errs, fmt.Errorf("database.backend: unknown backend %q", c.Database.Backend))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path: required"))
	}
	switch c.Client.Kind {
	case engine.ClientUser, engine.ClientBot:
	default:
		errs = append(errs, fmt.Errorf("client.kind: unknown kind %q", c.Client.Kind))
	}
	if c.Recovery.Backoff.Max < c.Recovery.Backoff.Base {
		errs = append(errs, errors.New("recovery.backoff: max is below base"))
	}
	if c.Access.DSN != "" && strings.TrimSpace(c.Access.UserID) == "" {
		errs = append(errs, errors.New("access.user_id: required with access.dsn"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Tuning converts the tunable values for the engine.
func (c *Config) Tuning() engine.Tuning {
	limit := c.Recovery.Limits.User
	if c.Client.Kind == engine.ClientBot {
		limit = c.Recovery.Limits.Bot
	}
	return engine.Tuning{
		CoalesceDelay: c.Sequencer.CoalesceDelay.Std(),
		Backoff: engine.Backoff{
			Base:   c.Recovery.Backoff.Base.Std(),
			Max:    c.Recovery.Backoff.Max.Std(),
			Jitter: c.Recovery.Backoff.Jitter,
		},
		DifferenceLimit: limit,
		WindowLimit:     c.Recovery.WindowLimit,
		EvictAfter:      c.Index.EvictAfter.Std(),
		EchoTTL:         c.Index.EchoTTL.Std(),
	}
}

// SlogLevel parses log.level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
