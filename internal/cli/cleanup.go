package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/forksync/internal/config"
	"github.com/roach88/forksync/internal/storage"
)

// DefaultMinRetention keeps tombstones for 30 days.
const DefaultMinRetention = 30 * 24 * time.Hour

// CleanupOptions holds flags for the cleanup command.
type CleanupOptions struct {
	*RootOptions
	Database     string
	Collection   string
	MinRetention time.Duration
}

// CleanupResult reports a finished cleanup.
type CleanupResult struct {
	Collection   string `json:"collection"`
	MinRetention string `json:"min_retention"`
	Removed      int    `json:"removed"`
	Passes       int    `json:"passes"`
}

func (r CleanupResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Removed %d tombstones older than %s from %s\n", r.Removed, r.MinRetention, r.Collection)
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old tombstones",
		Long: `Permanently remove deleted documents older than --min-retention.

Only run this when every replication of the collection is in sync: a
tombstone removed before it was pushed never reaches the master.

Examples:
  forksync cleanup --db ./fork.db
  forksync cleanup --db ./fork.db --min-retention 24h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Collection, "collection", config.DefaultCollection, "collection name")
	cmd.Flags().DurationVar(&opts.MinRetention, "min-retention", DefaultMinRetention, "keep tombstones younger than this")

	return cmd
}

func runCleanup(cmd *cobra.Command, opts *CleanupOptions) error {
	ctx := context.Background()
	if opts.MinRetention < 0 {
		return NewExitError(ExitCommandError, "--min-retention must not be negative")
	}

	st, in, err := openCollection(ctx, opts.Database, opts.Collection)
	if err != nil {
		return err
	}
	defer st.Close()
	defer in.Close()

	before, err := countTombstones(ctx, in)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read collection", err)
	}

	result := CleanupResult{Collection: opts.Collection, MinRetention: opts.MinRetention.String()}
	for done := false; !done; {
		result.Passes++
		if done, err = in.Cleanup(ctx, opts.MinRetention); err != nil {
			return WrapExitError(ExitFailure, "cleanup failed", err)
		}
	}

	after, err := countTombstones(ctx, in)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read collection", err)
	}
	result.Removed = before - after

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return formatter.Success(result)
}

func countTombstones(ctx context.Context, in storage.Instance) (int, error) {
	states, err := in.Query(ctx, storage.Query{IncludeDeleted: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range states {
		if s.Deleted {
			n++
		}
	}
	return n, nil
}
