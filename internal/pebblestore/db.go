package pebblestore

import (
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble.
	FsyncModeNever
)

// Options configures the store.
type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything on an in-memory filesystem.
	InMemory bool
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group commit when Fsync is FsyncModeInterval.
	FsyncInterval time.Duration
	// Metrics observes reads and batch commits. Optional.
	Metrics MetricsHook
}

// MetricsHook is the storage observation surface.
type MetricsHook interface {
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// NoopMetrics is used when no hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// Store is a Pebble-backed message and seq store.
type Store struct {
	db      *pebble.DB
	sync    *pebble.WriteOptions
	metrics MetricsHook

	// seqMu serializes the read-compare-write in SaveSeq.
	seqMu sync.Mutex
}

// Open creates or opens a store.
func Open(opts Options) (*Store, error) {
	po := &pebble.Options{}
	if opts.InMemory {
		po.FS = vfs.NewMem()
	} else if opts.Dir == "" {
		return nil, errors.New("pebblestore: Options.Dir is required")
	}

	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, err
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	wo := pebble.NoSync
	if opts.Fsync == FsyncModeAlways {
		wo = pebble.Sync
	}
	return &Store{db: db, sync: wo, metrics: metrics}, nil
}

// Close closes the database. Safe on a nil store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// commit applies b with the configured sync policy.
func (s *Store) commit(b *pebble.Batch) error {
	start := time.Now()
	ops, size := int(b.Count()), b.Len()
	err := b.Commit(s.sync)
	s.metrics.ObserveBatchCommit(time.Since(start), ops, size)
	return err
}

// get copies the value for key. found is false for a missing key.
func (s *Store) get(key []byte) ([]byte, bool, error) {
	start := time.Now()
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	s.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, true, nil
}
