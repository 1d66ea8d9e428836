package msgindex

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/chatsync/internal/update"
)

// StoredMessage is the durable form of a Record.
type StoredMessage struct {
	ConversationID string           `json:"conversation_id"`
	ID             update.MessageID `json:"id"`
	Content        json.RawMessage  `json:"content"`
	HasPrevious    bool             `json:"has_previous"`
	HasNext        bool             `json:"has_next"`
}

// Backing is the durable store behind an Index.
//
// ScanMessages returns up to limit messages with id >= from in ascending
// order (Forward) or id <= from in descending order (Backward).
// Implementations wrap unreadable data in ErrCorrupt.
type Backing interface {
	GetMessage(ctx context.Context, conversationID string, id update.MessageID) (StoredMessage, bool, error)
	PutMessage(ctx context.Context, m StoredMessage) error
	DeleteMessage(ctx context.Context, conversationID string, id update.MessageID) error
	ScanMessages(ctx context.Context, conversationID string, from update.MessageID, limit int, dir update.Direction) ([]StoredMessage, error)
}

// loadPageSize bounds each scan issued by Load.
const loadPageSize = 512

// Dirty reports whether there are changes not yet written by Flush.
func (x *Index) Dirty() bool {
	return len(x.dirty) > 0 || len(x.removed) > 0
}

// Flush writes pending changes to the Backing: deletions first, then
// upserts, both in id order.
func (x *Index) Flush(ctx context.Context) error {
	if x.backing == nil {
		clear(x.dirty)
		clear(x.removed)
		return nil
	}

	removed := make([]update.MessageID, 0, len(x.removed))
	for id := range x.removed {
		removed = append(removed, id)
	}
	slices.Sort(removed)
	for _, id := range removed {
		if err := x.backing.DeleteMessage(ctx, x.conversationID, id); err != nil {
			return fmt.Errorf("flush delete %d: %w", id, err)
		}
		delete(x.removed, id)
	}

	dirty := make([]*Record, 0, len(x.dirty))
	for rec := range x.dirty {
		dirty = append(dirty, rec)
	}
	slices.SortFunc(dirty, func(a, b *Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	for _, rec := range dirty {
		if err := x.hydrate(ctx, rec); err != nil {
			return fmt.Errorf("flush %d: %w", rec.ID, err)
		}
		err := x.backing.PutMessage(ctx, StoredMessage{
			ConversationID: x.conversationID,
			ID:             rec.ID,
			Content:        rec.Content,
			HasPrevious:    rec.HasPrevious,
			HasNext:        rec.HasNext,
		})
		if err != nil {
			return fmt.Errorf("flush put %d: %w", rec.ID, err)
		}
		rec.persisted = true
		delete(x.dirty, rec)
	}
	return nil
}

// Load fills an empty index from the Backing, restoring flags verbatim.
func (x *Index) Load(ctx context.Context) error {
	if x.backing == nil {
		return nil
	}
	if x.size > 0 {
		return fmt.Errorf("load %s: index not empty", x.conversationID)
	}
	from := minID
	for {
		page, err := x.backing.ScanMessages(ctx, x.conversationID, from, loadPageSize, update.Forward)
		if err != nil {
			return fmt.Errorf("load %s: %w", x.conversationID, err)
		}
		for _, m := range page {
			h, _ := x.upsert(Record{ID: m.ID, Content: m.Content})
			rec := x.nodes[h].rec
			rec.HasPrevious = m.HasPrevious
			rec.HasNext = m.HasNext
			rec.persisted = true
		}
		if len(page) < loadPageSize {
			return nil
		}
		last := page[len(page)-1].ID
		if last == maxID {
			return nil
		}
		from = last + 1
	}
}
