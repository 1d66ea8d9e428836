package testutil

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/roach88/chatsync/internal/update"
)

// ErrInjected is returned by FakeServer queries while failures are queued.
var ErrInjected = errors.New("injected query failure")

// FakeServer is an in-memory authority: it assigns seqs, keeps the event
// log of every scope and the message history of every conversation, and
// answers difference, window and history queries from them.
//
// Safe for concurrent use. Queries never block.
type FakeServer struct {
	mu       sync.Mutex
	heads    map[update.Scope]int64
	log      map[update.Scope][]update.Update
	messages map[string][]update.MessageNew
	tooLong  map[update.Scope]bool
	denied   map[update.Scope]bool
	failures int
	retry    time.Duration

	differenceCalls int
	windowCalls     int
	historyCalls    int
}

// NewFakeServer creates an empty server.
func NewFakeServer() *FakeServer {
	return &FakeServer{
		heads:    make(map[update.Scope]int64),
		log:      make(map[update.Scope][]update.Update),
		messages: make(map[string][]update.MessageNew),
		tooLong:  make(map[update.Scope]bool),
		denied:   make(map[update.Scope]bool),
	}
}

// Emit appends an event of count seq units to scope and returns the
// update as the feed would deliver it.
func (f *FakeServer) Emit(scope update.Scope, count int64, p update.Payload) update.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	head := f.heads[scope] + count
	f.heads[scope] = head
	u := update.MustNew(scope, head, count, p)
	f.log[scope] = append(f.log[scope], u)
	if m, ok := p.(update.MessageNew); ok {
		f.storeLocked(m)
	}
	return u
}

// SetHead moves a scope's counter without logging events, as if the
// server's history before it had been pruned.
func (f *FakeServer) SetHead(scope update.Scope, seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads[scope] = seq
}

// Head returns a scope's counter.
func (f *FakeServer) Head(scope update.Scope) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads[scope]
}

// AddHistory stores messages without emitting events, for backfill.
func (f *FakeServer) AddHistory(msgs ...update.MessageNew) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.storeLocked(m)
	}
}

func (f *FakeServer) storeLocked(m update.MessageNew) {
	list := f.messages[m.ConversationID]
	i, found := slices.BinarySearchFunc(list, m.ID, func(e update.MessageNew, id update.MessageID) int {
		return cmpID(e.ID, id)
	})
	if found {
		list[i] = m
	} else {
		list = slices.Insert(list, i, m)
	}
	f.messages[m.ConversationID] = list
}

// FailNext makes the next n queries fail with ErrInjected.
func (f *FakeServer) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// SetTooLong makes difference queries for scope answer too-long.
func (f *FakeServer) SetTooLong(scope update.Scope, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tooLong[scope] = on
}

// SetRetryAfter is attached to every non-final difference page.
func (f *FakeServer) SetRetryAfter(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retry = d
}

// Deny revokes read access to scope (see CanRead).
func (f *FakeServer) Deny(scope update.Scope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied[scope] = true
}

// CanRead answers as an access oracle.
func (f *FakeServer) CanRead(_ context.Context, scope update.Scope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.denied[scope], nil
}

// Calls returns how many difference, window and history queries were
// answered or failed.
func (f *FakeServer) Calls() (difference, window, history int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.differenceCalls, f.windowCalls, f.historyCalls
}

func (f *FakeServer) failLocked() error {
	if f.failures > 0 {
		f.failures--
		return ErrInjected
	}
	return nil
}

// Difference returns logged events after FromSeq, at most Limit of them.
func (f *FakeServer) Difference(_ context.Context, req update.DifferenceRequest) (update.DifferenceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.differenceCalls++
	if err := f.failLocked(); err != nil {
		return update.DifferenceResult{}, err
	}
	head := f.heads[req.Scope]
	if f.tooLong[req.Scope] {
		return update.DifferenceResult{TooLong: true, NewSeq: head}, nil
	}

	var out []update.Update
	for _, u := range f.log[req.Scope] {
		if u.NewSeq <= req.FromSeq {
			continue
		}
		if req.Limit > 0 && len(out) == req.Limit {
			return update.DifferenceResult{
				Updates:    out,
				NewSeq:     out[len(out)-1].NewSeq,
				RetryAfter: f.retry,
			}, nil
		}
		out = append(out, u)
	}
	return update.DifferenceResult{Updates: out, NewSeq: head, Final: true}, nil
}

// Window returns the newest messages of the conversations on scope.
func (f *FakeServer) Window(_ context.Context, req update.WindowRequest) (update.WindowResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowCalls++
	if err := f.failLocked(); err != nil {
		return update.WindowResult{}, err
	}
	res := update.WindowResult{Seq: f.heads[req.Scope]}
	if id, ok := req.Scope.ConversationID(); ok {
		res.Messages = newest(f.messages[id], req.Limit)
		return res, nil
	}
	for _, u := range f.log[req.Scope] {
		conv, err := u.ConversationID()
		if err != nil || slices.ContainsFunc(res.Messages, func(m update.MessageNew) bool { return m.ConversationID == conv }) {
			continue
		}
		res.Messages = append(res.Messages, newest(f.messages[conv], req.Limit)...)
	}
	return res, nil
}

// History pages through a conversation from AnchorID (exclusive).
func (f *FakeServer) History(_ context.Context, req update.HistoryRequest) (update.HistoryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	if err := f.failLocked(); err != nil {
		return update.HistoryResult{}, err
	}
	all := f.messages[req.ConversationID]
	var page []update.MessageNew
	if req.Direction == update.Backward {
		for i := len(all) - 1; i >= 0; i-- {
			if req.AnchorID != 0 && all[i].ID >= req.AnchorID {
				continue
			}
			if len(page) == req.Limit {
				return update.HistoryResult{Messages: page}, nil
			}
			page = append(page, all[i])
		}
	} else {
		for _, m := range all {
			if m.ID <= req.AnchorID {
				continue
			}
			if len(page) == req.Limit {
				return update.HistoryResult{Messages: page}, nil
			}
			page = append(page, m)
		}
	}
	return update.HistoryResult{Messages: page, Exhausted: true}, nil
}

func newest(msgs []update.MessageNew, limit int) []update.MessageNew {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs)
}

func cmpID(a, b update.MessageID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
