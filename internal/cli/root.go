package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/ivm/internal/config"
	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/engine"
	"github.com/roach88/ivm/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	Database  string
	Contracts string

	// Config is loaded from the environment before any command runs, then
	// overridden by explicitly set flags.
	Config config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ivm CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ivm",
		Short: "Incremental view maintenance for entity slices",
		Long: `ivm turns raw entity versions into typed, hashed slices and keeps
them fresh: every ingest is diffed against its predecessor, only impacted
slices are rebuilt, and downstream entities that join the changed one are
re-sliced through the reverse index.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.prepare(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $IVM_DB)")
	cmd.PersistentFlags().StringVar(&opts.Contracts, "contracts", "", "contract directory (default $IVM_CONTRACTS)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewWorkCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// prepare validates global flags, loads the environment configuration and
// installs the process logger.
func (o *RootOptions) prepare(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = o.Database
	}
	if cmd.Flags().Changed("contracts") {
		cfg.ContractsDir = o.Contracts
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	o.Config = cfg

	o.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(o.Logger)
	return nil
}

// formatter returns an output formatter bound to cmd's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openStore opens the configured database.
func (o *RootOptions) openStore() (*store.Store, error) {
	st, err := store.Open(o.Config.DBPath, store.WithLogger(o.Logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	return st, nil
}

// openEngine opens the database and loads the contract directory. The
// caller closes the returned store.
func (o *RootOptions) openEngine() (*engine.Engine, *store.Store, error) {
	reg, err := contract.LoadDir(o.Config.ContractsDir)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "load contracts", err)
	}
	st, err := o.openStore()
	if err != nil {
		return nil, nil, err
	}
	eng := engine.New(st, reg,
		engine.WithLogger(o.Logger),
		engine.WithFanoutConfig(o.Config.WorkflowConfig()))
	return eng, st, nil
}

// closeStore closes st, logging any error.
func (o *RootOptions) closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		o.Logger.Error("error closing database", "error", err)
	}
}
