package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/forksync/internal/config"
	"github.com/roach88/forksync/internal/meta"
)

// CheckpointsOptions holds flags for the checkpoints command.
type CheckpointsOptions struct {
	*RootOptions
	Database   string
	Collection string
	Identifier string
	Reset      bool
}

// CheckpointsResult shows the stored checkpoints of one replication.
type CheckpointsResult struct {
	Identifier string          `json:"identifier"`
	Key        string          `json:"key"`
	Push       json.RawMessage `json:"push,omitempty"`
	Pull       json.RawMessage `json:"pull,omitempty"`
	Reset      bool            `json:"reset,omitempty"`
}

func (r CheckpointsResult) renderText(w io.Writer, verbose bool) {
	if r.Reset {
		fmt.Fprintf(w, "Removed checkpoints of replication %s\n", r.Identifier)
		return
	}
	fmt.Fprintf(w, "Replication %s\n", r.Identifier)
	if verbose {
		fmt.Fprintf(w, "  key:  %s\n", r.Key)
	}
	fmt.Fprintf(w, "  push: %s\n", orNone(r.Push))
	fmt.Fprintf(w, "  pull: %s\n", orNone(r.Pull))
}

func orNone(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(none)"
	}
	return string(raw)
}

// NewCheckpointsCommand creates the checkpoints command.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Show or reset the checkpoints of a replication",
		Long: `Show the push and pull checkpoints stored for a replication.

With --reset the checkpoints and assumed master states are removed, so the
next sync with this identifier starts from the beginning.

Examples:
  forksync checkpoints --db ./fork.db
  forksync checkpoints --db ./fork.db --identifier laptop --reset`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoints(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Collection, "collection", config.DefaultCollection, "collection name")
	cmd.Flags().StringVar(&opts.Identifier, "identifier", config.DefaultIdentifier, "replication identifier")
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "remove the stored checkpoints")

	return cmd
}

func runCheckpoints(cmd *cobra.Command, opts *CheckpointsOptions) error {
	ctx := context.Background()

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	store, err := meta.Open(ctx, st, databaseName, opts.Collection, opts.Identifier)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open checkpoints", err)
	}

	result := CheckpointsResult{Identifier: opts.Identifier, Key: store.Key()}
	if opts.Reset {
		if err := store.Remove(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to remove checkpoints", err)
		}
		result.Reset = true
	} else {
		defer store.Close()
		if result.Push, err = store.Checkpoint(ctx, meta.Push); err != nil {
			return WrapExitError(ExitFailure, "failed to read push checkpoint", err)
		}
		if result.Pull, err = store.Checkpoint(ctx, meta.Pull); err != nil {
			return WrapExitError(ExitFailure, "failed to read pull checkpoint", err)
		}
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return formatter.Success(result)
}
