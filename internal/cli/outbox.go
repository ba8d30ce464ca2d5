package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ivm/internal/ir"
)

var outboxStatuses = []ir.OutboxStatus{
	ir.OutboxPending,
	ir.OutboxProcessing,
	ir.OutboxProcessed,
	ir.OutboxFailed,
	ir.OutboxDLQ,
}

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the outbox",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count outbox entries by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxStats(rootOpts, cmd)
		},
	})
	return cmd
}

func runOutboxStats(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := opts.openStore()
	if err != nil {
		return f.Fail(ExitCommandError, "outbox stats", err)
	}
	defer opts.closeStore(st)

	counts, err := st.CountByStatus(cmd.Context())
	if err != nil {
		return f.Fail(ExitFailure, "outbox stats", err)
	}

	out := make(map[string]int, len(outboxStatuses))
	lines := make([]string, 0, len(outboxStatuses))
	for _, s := range outboxStatuses {
		out[string(s)] = counts[s]
		lines = append(lines, fmt.Sprintf("%-10s %d", s, counts[s]))
	}
	return f.Success(out, lines...)
}
