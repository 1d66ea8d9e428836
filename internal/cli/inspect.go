package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/chatsync/internal/config"
	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/store"
	"github.com/roach88/chatsync/internal/update"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database     string
	Backend      string
	Conversation string
	From         int64
	Count        int
	Backward     bool

	fromSet bool
}

// ScopeSeq is one persisted counter.
type ScopeSeq struct {
	Scope string `json:"scope"`
	Seq   int64  `json:"seq"`
}

// StoredRecord is one persisted message as inspect shows it.
type StoredRecord struct {
	ID          int64           `json:"id"`
	Local       bool            `json:"local,omitempty"`
	HasPrevious bool            `json:"has_previous"`
	HasNext     bool            `json:"has_next"`
	Content     json.RawMessage `json:"content"`
}

// InspectResult is the output of inspect.
type InspectResult struct {
	Seqs          []ScopeSeq                `json:"seqs,omitempty"`
	Conversations []store.ConversationStats `json:"conversations,omitempty"`
	Conversation  string                    `json:"conversation,omitempty"`
	Records       []StoredRecord            `json:"records,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump persisted counters and messages",
		Long: `Read the durable store without starting a session.

Without --conv, lists the persisted scope counters and (SQLite only) a
summary of every stored conversation. With --conv, dumps a range of that
conversation's messages with their contiguity flags: '<' marks a record
known to follow its predecessor, '>' one known to precede its successor.

Examples:
  chatsync inspect --db chatsync.db
  chatsync inspect --db chatsync.db --conv c42 --count 20 --backward
  chatsync inspect --db ./pebble --backend pebble --conv c42 --from 1000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.fromSet = cmd.Flags().Changed("from")
			return runInspect(cmdContext(cmd), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the database (required)")
	cmd.Flags().StringVar(&opts.Backend, "backend", config.BackendSQLite, "storage backend (sqlite|pebble)")
	cmd.Flags().StringVar(&opts.Conversation, "conv", "", "conversation to dump")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "first message id (default: oldest, or newest with --backward)")
	cmd.Flags().IntVar(&opts.Count, "count", 50, "maximum number of messages")
	cmd.Flags().BoolVar(&opts.Backward, "backward", false, "walk from newer to older ids")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInspect(ctx context.Context, opts *InspectOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	if opts.Count <= 0 {
		_ = f.Error(ErrCodeInvalidArgs, "--count must be positive", nil)
		return NewExitError(ExitCommandError, "--count must be positive")
	}
	if _, err := os.Stat(opts.Database); err != nil {
		_ = f.Error(ErrCodeNotFound, fmt.Sprintf("database not found: %s", opts.Database), nil)
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	db, err := openDurable(config.DatabaseConfig{Backend: opts.Backend, Path: opts.Database}, nil)
	if err != nil {
		_ = f.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer db.Close()

	var result InspectResult
	if opts.Conversation == "" {
		seqs, err := db.LoadSeqs(ctx)
		if err != nil {
			return inspectFailed(f, err)
		}
		result.Seqs = sortedSeqs(seqs)
		if sq, ok := db.(*store.Store); ok {
			if result.Conversations, err = sq.Conversations(ctx); err != nil {
				return inspectFailed(f, err)
			}
		}
		f.VerboseLog("%d scope(s), %d conversation(s)", len(result.Seqs), len(result.Conversations))
		return f.Result(result, nil, func(w io.Writer) { printSummary(w, result) })
	}

	dir := update.Forward
	if opts.Backward {
		dir = update.Backward
	}
	from := update.MessageID(opts.From)
	if !opts.fromSet && dir == update.Backward {
		from = math.MaxInt64
	}
	msgs, err := db.ScanMessages(ctx, opts.Conversation, from, opts.Count, dir)
	if err != nil {
		return inspectFailed(f, err)
	}

	result.Conversation = opts.Conversation
	result.Records = make([]StoredRecord, len(msgs))
	for i, m := range msgs {
		result.Records[i] = StoredRecord{
			ID:          int64(m.ID),
			Local:       m.ID.IsLocal(),
			HasPrevious: m.HasPrevious,
			HasNext:     m.HasNext,
			Content:     m.Content,
		}
	}
	f.VerboseLog("scanned %s from %d %s: %d record(s)", opts.Conversation, from, dir, len(msgs))
	return f.Result(result, nil, func(w io.Writer) { printRecords(w, result) })
}

func inspectFailed(f *OutputFormatter, err error) error {
	code := ErrCodeDatabase
	if errors.Is(err, msgindex.ErrCorrupt) {
		code = ErrCodeCorruption
	}
	_ = f.Error(code, err.Error(), nil)
	return WrapExitError(ExitFailure, "inspect failed", err)
}

func sortedSeqs(seqs map[update.Scope]int64) []ScopeSeq {
	out := make([]ScopeSeq, 0, len(seqs))
	for scope, seq := range seqs {
		out = append(out, ScopeSeq{Scope: string(scope), Seq: seq})
	}
	slices.SortFunc(out, func(a, b ScopeSeq) int {
		switch {
		case a.Scope == string(update.GlobalScope):
			return -1
		case b.Scope == string(update.GlobalScope):
			return 1
		case a.Scope < b.Scope:
			return -1
		case a.Scope > b.Scope:
			return 1
		}
		return 0
	})
	return out
}

func printSummary(w io.Writer, r InspectResult) {
	fmt.Fprintln(w, "Scopes:")
	if len(r.Seqs) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, s := range r.Seqs {
		fmt.Fprintf(w, "  %-24s %d\n", s.Scope, s.Seq)
	}
	if r.Conversations == nil {
		return
	}
	fmt.Fprintln(w, "Conversations:")
	if len(r.Conversations) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, c := range r.Conversations {
		seq := "-"
		if c.HasScope {
			seq = fmt.Sprint(c.Seq)
		}
		fmt.Fprintf(w, "  %-24s messages=%d ids=%d..%d live_edges=%d seq=%s\n",
			c.ConversationID, c.Messages, c.OldestID, c.NewestID, c.LiveEdges, seq)
	}
}

func printRecords(w io.Writer, r InspectResult) {
	if len(r.Records) == 0 {
		fmt.Fprintf(w, "%s: no messages in range\n", r.Conversation)
		return
	}
	for _, rec := range r.Records {
		flags := []byte("  ")
		if rec.HasPrevious {
			flags[0] = '<'
		}
		if rec.HasNext {
			flags[1] = '>'
		}
		id := fmt.Sprint(rec.ID)
		if rec.Local {
			id = fmt.Sprintf("local+%d", rec.ID-int64(update.LocalIDBase))
		}
		fmt.Fprintf(w, "%-20s %s %s\n", id, flags, rec.Content)
	}
}
