package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ivm/internal/contract"
)

// RuleSetSummary describes one loaded rule set.
type RuleSetSummary struct {
	ID         string   `json:"id"`
	Version    string   `json:"version"`
	Status     string   `json:"status"`
	EntityType string   `json:"entity_type"`
	Slices     []string `json:"slices"`
	Indexes    []string `json:"indexes,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [contracts-dir]",
		Short: "Load and validate rule set contracts",
		Long: `Load every CUE and YAML rule set in the contract directory and run
structural and semantic validation without touching the database.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.Config.ContractsDir
			if len(args) == 1 {
				dir = args[0]
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	f.VerboseLog("loading contracts from %s", dir)

	reg, err := contract.LoadDir(dir)
	if err != nil {
		return f.Fail(ExitFailure, "validation failed", err)
	}

	all := reg.All()
	summaries := make([]RuleSetSummary, 0, len(all))
	lines := make([]string, 0, len(all)+1)
	for _, rs := range all {
		s := RuleSetSummary{
			ID:         rs.ID,
			Version:    rs.Version,
			Status:     string(rs.Status),
			EntityType: rs.EntityType,
		}
		for _, t := range rs.SliceTypes() {
			s.Slices = append(s.Slices, string(t))
		}
		for _, idx := range rs.Indexes {
			s.Indexes = append(s.Indexes, idx.Type)
		}
		summaries = append(summaries, s)
		lines = append(lines, fmt.Sprintf("  %s@%s %s entity=%s slices=%v", s.ID, s.Version, s.Status, s.EntityType, s.Slices))
	}
	lines = append([]string{fmt.Sprintf("✓ %d rule set(s) valid", len(all))}, lines...)
	return f.Success(summaries, lines...)
}
