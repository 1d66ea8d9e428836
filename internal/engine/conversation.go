package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// Conversation owns the message index of one conversation and, for
// high-volume conversations, the sequencer of its dedicated scope. Both are
// only touched on the conversation's sequence.
type Conversation struct {
	id      string
	session *Session
	sched   Scheduler
	index   *msgindex.Index
	seq     *Sequencer

	unread        int64
	localByRandom map[string]update.MessageID
	evictCancel   func() bool
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	return c.id
}

// Index exposes the message index. Only use it on the conversation's
// sequence, or when no sequence is running (manual scheduling in tests).
func (c *Conversation) Index() *msgindex.Index {
	return c.index
}

// scope is the counter this conversation's updates arrive on.
func (c *Conversation) scope() update.Scope {
	if c.seq != nil {
		return c.seq.scope
	}
	return update.GlobalScope
}

// dedicated returns the sequencer of the conversation's own scope,
// creating it on first use.
func (c *Conversation) dedicated(current int64) *Sequencer {
	if c.seq == nil {
		c.seq = c.session.newSequencer(update.ConversationScope(c.id), c.sched, c, current)
	}
	return c.seq
}

// load restores the index from the durable store. Runs as the first task
// of the sequence.
func (c *Conversation) load() {
	ctx := c.session.context()
	if err := c.index.Load(ctx); err != nil {
		c.handleError("load index", err)
		return
	}
	for rec := range c.index.IterateFrom(update.LocalIDBase, update.Forward) {
		c.session.localIDs.Observe(rec.ID)
		var m update.MessageNew
		if err := json.Unmarshal(rec.Content, &m); err == nil && m.RandomID != "" {
			c.localByRandom[m.RandomID] = rec.ID
		}
	}
	c.session.log.Debug("conversation loaded", "conversation_id", c.id, "records", c.index.Len())
}

// Apply implements Applier for the dedicated scope.
func (c *Conversation) Apply(u update.Update) error {
	return c.apply(u)
}

// ResetWindow implements Applier for the dedicated scope.
func (c *Conversation) ResetWindow(res update.WindowResult) error {
	return c.resetWindow(res.Messages)
}

func (c *Conversation) apply(u update.Update) error {
	p, err := u.DecodePayload()
	if err != nil {
		return err
	}
	switch v := p.(type) {
	case update.MessageNew:
		err = c.applyNew(v, u.Payload)
	case update.MessageEdit:
		err = c.applyEdit(v)
	case update.MessageDelete:
		for _, id := range v.IDs {
			c.index.Delete(id)
		}
	case update.MessageAck:
		err = c.applyAck(v)
	case update.ReadInbox:
		delta := v.StillUnread - c.unread
		c.addUnread(delta)
	default:
		err = fmt.Errorf("no handler for %s", u.Kind)
	}
	if err != nil {
		return err
	}
	return c.flush()
}

func (c *Conversation) applyNew(m update.MessageNew, raw json.RawMessage) error {
	if m.RandomID != "" {
		if local, ok := c.localByRandom[m.RandomID]; ok {
			delete(c.localByRandom, m.RandomID)
			_, err := c.index.Relabel(local, m.ID, msgindex.Live())
			if err != nil && !errors.Is(err, msgindex.ErrNotFound) {
				return err
			}
		}
	}
	existed := c.index.Find(m.ID) != nil
	if _, err := c.index.Insert(msgindex.Record{ID: m.ID, Content: raw}, msgindex.Live()); err != nil {
		return err
	}
	if !existed && !m.Outgoing {
		c.addUnread(1)
	}
	return nil
}

func (c *Conversation) applyEdit(e update.MessageEdit) error {
	rec, ok, err := c.index.Get(c.session.context(), e.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Not loaded locally; the page fetch will bring the edited text.
		return nil
	}
	var m update.MessageNew
	if err := json.Unmarshal(rec.Content, &m); err != nil {
		return fmt.Errorf("edit %d: stored content: %w", e.ID, msgindex.ErrCorrupt)
	}
	m.Text = e.Text
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = c.index.Insert(msgindex.Record{ID: e.ID, Content: raw}, msgindex.Live())
	return err
}

func (c *Conversation) applyAck(a update.MessageAck) error {
	_, err := c.index.Relabel(a.LocalID, a.ID, msgindex.Live())
	if errors.Is(err, msgindex.ErrNotFound) {
		c.session.log.Debug("ack for unknown local message", "conversation_id", c.id, "local_id", int64(a.LocalID))
		return nil
	}
	if err != nil {
		return err
	}
	for k, id := range c.localByRandom {
		if id == a.LocalID {
			delete(c.localByRandom, k)
		}
	}
	return nil
}

// resetWindow replaces contiguity knowledge with a fresh window of the
// newest messages.
func (c *Conversation) resetWindow(msgs []update.MessageNew) error {
	c.index.ResetContiguity()
	if len(msgs) > 0 {
		recs, err := toRecords(msgs)
		if err != nil {
			return err
		}
		if _, err := c.index.InsertPage(recs, msgindex.PageBounds{AtNewest: true}); err != nil {
			return err
		}
	}
	return c.flush()
}

// insertHistory splices a fetched history page into the index.
func (c *Conversation) insertHistory(anchor update.MessageID, dir update.Direction, res update.HistoryResult) (msgindex.RangeResult, error) {
	recs, err := toRecords(res.Messages)
	if err != nil {
		return msgindex.RangeResult{}, err
	}
	var b msgindex.PageBounds
	if dir == update.Backward {
		b.NextID = anchor
		b.AtOldest = res.Exhausted
		b.AtNewest = anchor == 0
	} else {
		b.PrevID = anchor
		b.AtNewest = res.Exhausted
	}
	if len(recs) == 0 {
		return msgindex.RangeResult{Truncated: !res.Exhausted}, nil
	}
	out, err := c.index.InsertPage(recs, b)
	if err != nil {
		return msgindex.RangeResult{}, err
	}
	if err := c.flush(); err != nil {
		return msgindex.RangeResult{}, err
	}
	result := msgindex.RangeResult{Truncated: !res.Exhausted}
	for _, r := range out {
		result.Records = append(result.Records, r.Snapshot())
	}
	return result, nil
}

// insertLocal adds a locally authored message under a provisional id.
func (c *Conversation) insertLocal(m update.MessageNew) (update.MessageNew, error) {
	m.ConversationID = c.id
	m.ID = c.session.localIDs.Next()
	m.RandomID = c.session.echoKeys.Generate()
	m.Outgoing = true
	raw, err := json.Marshal(m)
	if err != nil {
		return update.MessageNew{}, err
	}
	if _, err := c.index.Insert(msgindex.Record{ID: m.ID, Content: raw}, msgindex.Page(0, 0)); err != nil {
		return update.MessageNew{}, err
	}
	c.localByRandom[m.RandomID] = m.ID
	return m, c.flush()
}

func (c *Conversation) addUnread(delta int64) {
	if delta == 0 {
		return
	}
	c.unread += delta
	c.session.postUnread(delta)
}

func (c *Conversation) flush() error {
	return c.index.Flush(c.session.context())
}

// scheduleMaintenance arms the periodic eviction of idle content and the
// expiry of awaited echoes.
func (c *Conversation) scheduleMaintenance() {
	every := c.session.Tuning().EvictAfter
	if every <= 0 {
		return
	}
	c.evictCancel = c.sched.AfterFunc(every, func() {
		cutoff := c.sched.Now().Add(-c.session.Tuning().EvictAfter)
		if n := c.index.Evict(cutoff); n > 0 {
			c.session.log.Debug("evicted idle messages", "conversation_id", c.id, "count", n)
		}
		if c.seq != nil {
			c.seq.ExpireEchoes()
		}
		c.scheduleMaintenance()
	})
}

// fail reports err from a task on the conversation's sequence and returns
// it. Errors caused by the caller giving up are returned but not reported.
func (c *Conversation) fail(ctx context.Context, op string, err error) error {
	if err != nil && ctx.Err() == nil {
		c.handleError(op, err)
	}
	return err
}

func (c *Conversation) handleError(op string, err error) {
	if errors.Is(err, msgindex.ErrCorrupt) {
		c.session.fault(NewCorruptError(c.scope(), fmt.Errorf("%s %s: %w", op, c.id, err)))
		return
	}
	c.session.log.Error(op+" failed", "conversation_id", c.id, "error", err)
}

func toRecords(msgs []update.MessageNew) ([]msgindex.Record, error) {
	sorted := slices.Clone(msgs)
	slices.SortFunc(sorted, func(a, b update.MessageNew) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	sorted = slices.CompactFunc(sorted, func(a, b update.MessageNew) bool { return a.ID == b.ID })
	recs := make([]msgindex.Record, 0, len(sorted))
	for _, m := range sorted {
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("marshal message %d: %w", m.ID, err)
		}
		recs = append(recs, msgindex.Record{ID: m.ID, Content: raw})
	}
	return recs, nil
}
