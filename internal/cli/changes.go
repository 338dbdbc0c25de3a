package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/forksync/internal/config"
	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/storage"
)

// ChangesOptions holds flags for the changes command.
type ChangesOptions struct {
	*RootOptions
	Database   string
	Collection string
	Since      string
	Limit      int
}

// ChangeEntry is one changed document.
type ChangeEntry struct {
	ID          string `json:"id"`
	Rev         string `json:"rev"`
	LWT         int64  `json:"lwt"`
	Deleted     bool   `json:"deleted"`
	PayloadHash string `json:"payload_hash"`
}

// ChangesResult lists changes after a checkpoint.
type ChangesResult struct {
	Collection string          `json:"collection"`
	Changes    []ChangeEntry   `json:"changes"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

func (r ChangesResult) renderText(w io.Writer, verbose bool) {
	if len(r.Changes) == 0 {
		fmt.Fprintf(w, "No changes in %s\n", r.Collection)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREV\tDELETED\tHASH")
	for _, c := range r.Changes {
		hash := c.PayloadHash
		if !verbose && len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", c.ID, c.Rev, c.Deleted, hash)
	}
	tw.Flush()
	fmt.Fprintf(w, "Checkpoint: %s\n", r.Checkpoint)
}

// NewChangesCommand creates the changes command.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List documents changed after a checkpoint",
		Long: `List the change feed of a collection in (lwt, id) order.

The printed checkpoint can be passed to --since to continue from there.

Examples:
  forksync changes --db ./fork.db
  forksync changes --db ./fork.db --since '{"lwt":1700000000000000,"id":"a"}' --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChanges(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Collection, "collection", config.DefaultCollection, "collection name")
	cmd.Flags().StringVar(&opts.Since, "since", "", "checkpoint JSON to continue from")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of changes")

	return cmd
}

func runChanges(cmd *cobra.Command, opts *ChangesOptions) error {
	ctx := context.Background()

	since, err := storage.DecodeCheckpoint(json.RawMessage(opts.Since))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --since checkpoint", err)
	}
	if opts.Limit <= 0 {
		return NewExitError(ExitCommandError, "--limit must be positive")
	}

	st, in, err := openCollection(ctx, opts.Database, opts.Collection)
	if err != nil {
		return err
	}
	defer st.Close()
	defer in.Close()

	changed, err := in.ChangedDocumentsSince(ctx, opts.Limit, since)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read changes", err)
	}

	result := ChangesResult{Collection: opts.Collection, Changes: []ChangeEntry{}}
	for _, s := range changed.Documents {
		hash, err := doc.PayloadHash(s.Document)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to hash document "+s.ID, err)
		}
		result.Changes = append(result.Changes, ChangeEntry{
			ID:          s.ID,
			Rev:         s.Rev.String(),
			LWT:         s.Meta.LWT,
			Deleted:     s.Deleted,
			PayloadHash: hash,
		})
	}
	if result.Checkpoint, err = storage.EncodeCheckpoint(changed.Checkpoint); err != nil {
		return WrapExitError(ExitFailure, "failed to encode checkpoint", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return formatter.Success(result)
}
