package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/forksync/internal/collection"
	"github.com/roach88/forksync/internal/config"
	"github.com/roach88/forksync/internal/conflict"
	"github.com/roach88/forksync/internal/metrics"
	"github.com/roach88/forksync/internal/replication"
	"github.com/roach88/forksync/internal/storage"
	"github.com/roach88/forksync/internal/storage/sqlite"
)

// databaseName is the logical database of every collection the CLI opens.
const databaseName = "forksync"

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	ConfigPath string
	Config     config.Config

	// Ready, when set, is called with the running replication once a live
	// run finished its initial replication.
	Ready func(*replication.Replication)
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	Identifier string `json:"identifier"`
	Collection string `json:"collection"`
	Live       bool   `json:"live"`
	Pushed     int    `json:"pushed"`
	Pulled     int    `json:"pulled"`
	Errors     int    `json:"errors"`
}

func (r SyncResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Replication %s of %s: pushed %d, pulled %d", r.Identifier, r.Collection, r.Pushed, r.Pulled)
	if r.Errors > 0 {
		fmt.Fprintf(w, ", %d errors", r.Errors)
	}
	fmt.Fprintln(w)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return newSyncCommand(&SyncOptions{RootOptions: rootOpts})
}

func newSyncCommand(opts *SyncOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate a fork database with a master database",
		Long: `Replicate a collection between two SQLite databases.

Settings come from --config and are overridden by flags. Without --live
the command returns once both directions are drained; with --live it keeps
replicating until interrupted.

Examples:
  forksync sync --db ./fork.db --master ./master.db
  forksync sync --config ./forksync.yaml --live --metrics-addr :9102`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runSync(cmd, opts, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	f.StringVar(&opts.Config.Database, "db", "", "path to the fork SQLite database")
	f.StringVar(&opts.Config.Master, "master", "", "path to the master SQLite database")
	f.StringVar(&opts.Config.Collection, "collection", "", "collection name (default \""+config.DefaultCollection+"\")")
	f.StringVar(&opts.Config.Identifier, "identifier", "", "replication identifier (default \""+config.DefaultIdentifier+"\")")
	f.BoolVar(&opts.Config.Live, "live", false, "keep replicating until interrupted")
	f.DurationVar(&opts.Config.RetryTime, "retry-time", 0, "wait after a failed iteration (default 5s)")
	f.IntVar(&opts.Config.BatchSize, "batch-size", 0, "documents per push or pull call (default 100)")
	f.IntVar(&opts.Config.PushBatchSize, "push-batch-size", 0, "documents per push call")
	f.IntVar(&opts.Config.PullBatchSize, "pull-batch-size", 0, "documents per pull call")
	f.StringVar(&opts.Config.MetricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	f.StringVar(&opts.Config.Conflict, "conflict", "", "conflict handler (master-wins|merge)")

	return cmd
}

// resolveConfig merges the config file with the flags that were set.
func resolveConfig(cmd *cobra.Command, opts *SyncOptions) (*config.Config, error) {
	cfg := &config.Config{}
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}

	flags := opts.Config
	overrides := map[string]func(){
		"db":              func() { cfg.Database = flags.Database },
		"master":          func() { cfg.Master = flags.Master },
		"collection":      func() { cfg.Collection = flags.Collection },
		"identifier":      func() { cfg.Identifier = flags.Identifier },
		"live":            func() { cfg.Live = flags.Live },
		"retry-time":      func() { cfg.RetryTime = flags.RetryTime },
		"batch-size":      func() { cfg.BatchSize = flags.BatchSize },
		"push-batch-size": func() { cfg.PushBatchSize = flags.PushBatchSize },
		"pull-batch-size": func() { cfg.PullBatchSize = flags.PullBatchSize },
		"metrics-addr":    func() { cfg.MetricsAddr = flags.MetricsAddr },
		"conflict":        func() { cfg.Conflict = flags.Conflict },
	}
	for name, apply := range overrides {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

func runSync(cmd *cobra.Command, opts *SyncOptions, cfg *config.Config) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	reg := metrics.NewRegistry()

	forkStorage, err := sqlite.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open fork database", err)
	}
	defer closeLogged("fork database", forkStorage)

	masterStorage, err := sqlite.Open(cfg.Master)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open master database", err)
	}
	defer closeLogged("master database", masterStorage)

	coll, err := collection.Open(ctx, forkStorage, databaseName, cfg.Collection,
		collection.WithMetrics(reg),
		collection.WithLogger(slog.Default()),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open collection", err)
	}
	master, err := masterStorage.CreateInstance(ctx, storage.Params{DatabaseName: databaseName, CollectionName: cfg.Collection})
	if err != nil {
		coll.Close(context.Background())
		return WrapExitError(ExitCommandError, "failed to open master collection", err)
	}
	defer closeLogged("master collection", master)

	handler := replication.NewInstanceHandler(master)
	pull := &replication.PullOptions{Handler: handler, BatchSize: cfg.PullBatchSize}
	if cfg.Live {
		pull.Stream = handler.Stream(ctx)
	}

	r, err := coll.Replicate(ctx, replication.Options{
		Identifier:      cfg.Identifier,
		Live:            cfg.Live,
		RetryTime:       cfg.RetryTime,
		BatchSize:       cfg.BatchSize,
		ConflictHandler: conflictHandler(cfg.Conflict),
		Pull:            pull,
		Push:            &replication.PushOptions{Handler: handler, BatchSize: cfg.PushBatchSize},
	})
	if err != nil {
		coll.Close(context.Background())
		return WrapExitError(ExitCommandError, "failed to create replication", err)
	}

	counts := countEvents(r)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: newOpsRouter(reg, r), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("sync starting", "db", cfg.Database, "master", cfg.Master, "collection", cfg.Collection)
	if err := r.Start(ctx); err != nil {
		coll.Close(context.Background())
		return WrapExitError(ExitFailure, "failed to start replication", err)
	}

	runErr := awaitSync(ctx, r, cfg.Live, opts.Ready)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := coll.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	result := counts.result(cfg)

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if runErr != nil {
		formatter.Error(ErrCodeReplication, runErr.Error(), result)
		return WrapExitError(ExitFailure, "replication failed", runErr)
	}
	return formatter.Success(result)
}

// awaitSync blocks until a non-live replication finished, or until a live
// one is interrupted.
func awaitSync(ctx context.Context, r *replication.Replication, live bool, ready func(*replication.Replication)) error {
	if !live {
		select {
		case <-r.Done():
			return r.Err()
		case <-ctx.Done():
			return nil
		}
	}

	if err := r.AwaitInitialReplication(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("initial replication done, replicating live")
	if ready != nil {
		ready(r)
	}
	select {
	case <-r.Done():
		return r.Err()
	case <-ctx.Done():
		return nil
	}
}

func conflictHandler(name string) conflict.Handler {
	if name == config.ConflictMerge {
		return conflict.ThreeWayMerge
	}
	return conflict.MasterWins
}

// eventCounts consumes every event channel of a replication.
type eventCounts struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	pushed int
	pulled int
	errs   int
}

func countEvents(r *replication.Replication) *eventCounts {
	c := &eventCounts{}
	c.wg.Add(5)
	go func() {
		defer c.wg.Done()
		for range r.Sent() {
			c.add(&c.pushed)
		}
	}()
	go func() {
		defer c.wg.Done()
		for range r.Received() {
			c.add(&c.pulled)
		}
	}()
	go func() {
		defer c.wg.Done()
		for range r.Errors() {
			c.add(&c.errs)
		}
	}()
	go func() {
		defer c.wg.Done()
		for active := range r.Active() {
			slog.Debug("replication activity", "active", active)
		}
	}()
	go func() {
		defer c.wg.Done()
		for range r.Canceled() {
		}
	}()
	return c
}

func (c *eventCounts) add(n *int) {
	c.mu.Lock()
	*n++
	c.mu.Unlock()
}

// result waits until every channel is closed. The replication must be
// stopped.
func (c *eventCounts) result(cfg *config.Config) SyncResult {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return SyncResult{
		Identifier: cfg.Identifier,
		Collection: cfg.Collection,
		Live:       cfg.Live,
		Pushed:     c.pushed,
		Pulled:     c.pulled,
		Errors:     c.errs,
	}
}

// signalContext is canceled on SIGINT, SIGTERM or when the command's
// context is done.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func closeLogged(what string, c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Error("error closing "+what, "error", err)
	}
}
