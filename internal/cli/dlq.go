package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ivm/internal/ir"
)

// DLQEntry is one dead-lettered entry as printed by dlq list.
type DLQEntry struct {
	ID            string `json:"id"`
	EventType     string `json:"event_type"`
	AggregateID   string `json:"aggregate_id"`
	RetryCount    int    `json:"retry_count"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// NewDLQCommand creates the dlq command group.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered outbox entries",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List entries in the dead letter queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQList(rootOpts, limit, cmd)
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum entries to list (0 for all)")

	replay := &cobra.Command{
		Use:   "replay <entry-id>...",
		Short: "Move dead-lettered entries back to PENDING with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQReplay(rootOpts, args, cmd)
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func runDLQList(opts *RootOptions, limit int, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := opts.openStore()
	if err != nil {
		return f.Fail(ExitCommandError, "dlq list", err)
	}
	defer opts.closeStore(st)

	entries, err := st.FindDLQ(cmd.Context(), limit)
	if err != nil {
		return f.Fail(ExitFailure, "dlq list", err)
	}

	out := make([]DLQEntry, 0, len(entries))
	lines := []string{fmt.Sprintf("%d entries in dead letter queue", len(entries))}
	for _, e := range entries {
		d := toDLQEntry(e)
		out = append(out, d)
		lines = append(lines, fmt.Sprintf("  %s %s %s retries=%d: %s", d.ID, d.EventType, d.AggregateID, d.RetryCount, d.FailureReason))
	}
	return f.Success(out, lines...)
}

func toDLQEntry(e ir.OutboxEntry) DLQEntry {
	d := DLQEntry{
		ID:          e.ID,
		EventType:   e.EventType,
		AggregateID: e.AggregateID,
		RetryCount:  e.RetryCount,
	}
	if e.FailureReason != nil {
		d.FailureReason = *e.FailureReason
	}
	return d
}

func runDLQReplay(opts *RootOptions, ids []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := opts.openStore()
	if err != nil {
		return f.Fail(ExitCommandError, "dlq replay", err)
	}
	defer opts.closeStore(st)

	for _, id := range ids {
		if err := st.ReplayFromDLQ(cmd.Context(), id); err != nil {
			return f.Fail(ExitFailure, "dlq replay "+id, err)
		}
		f.VerboseLog("replayed %s", id)
	}
	return f.Success(map[string]any{"replayed": ids}, fmt.Sprintf("✓ replayed %d entries", len(ids)))
}
