package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// SaveSeq records the counter for scope. Counters only move forward; a
// lower seq than the stored one is ignored.
func (s *Store) SaveSeq(ctx context.Context, scope update.Scope, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if seq < 0 {
		return fmt.Errorf("save seq %s: negative seq %d", scope, seq)
	}
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	key := seqKey(scope)
	raw, ok, err := s.get(key)
	if err != nil {
		return fmt.Errorf("save seq %s: %w", scope, err)
	}
	if ok {
		cur, err := decodeSeq(scope, raw)
		if err != nil {
			return err
		}
		if seq <= cur {
			return nil
		}
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, binary.BigEndian.AppendUint64(nil, uint64(seq)), nil); err != nil {
		return err
	}
	return s.commit(b)
}

// LoadSeqs reads every stored counter.
func (s *Store) LoadSeqs(ctx context.Context) (map[update.Scope]int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: seqPrefix, UpperBound: prefixEnd(seqPrefix)})
	if err != nil {
		return nil, fmt.Errorf("load seqs: %w", err)
	}
	defer iter.Close()

	seqs := make(map[update.Scope]int64)
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, _ := bytes.CutPrefix(iter.Key(), seqPrefix)
		scope, err := update.ParseScope(string(raw))
		if err != nil {
			return nil, fmt.Errorf("load seqs: %v: %w", err, msgindex.ErrCorrupt)
		}
		seq, err := decodeSeq(scope, iter.Value())
		if err != nil {
			return nil, err
		}
		seqs[scope] = seq
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("load seqs: %w", err)
	}
	return seqs, nil
}

func decodeSeq(scope update.Scope, raw []byte) (int64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("seq %s: %d-byte value: %w", scope, len(raw), msgindex.ErrCorrupt)
	}
	v := binary.BigEndian.Uint64(raw)
	if v > 1<<63-1 {
		return 0, fmt.Errorf("seq %s: out of range: %w", scope, msgindex.ErrCorrupt)
	}
	return int64(v), nil
}
