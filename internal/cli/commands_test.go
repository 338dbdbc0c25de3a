package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/forksync/internal/collection"
	"github.com/roach88/forksync/internal/config"
	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/replication"
	"github.com/roach88/forksync/internal/storage"
	"github.com/roach88/forksync/internal/storage/sqlite"
)

// seed opens the default collection of the database at path and runs fn.
func seed(t *testing.T, path string, fn func(*collection.Collection)) {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(path)
	require.NoError(t, err)
	c, err := collection.Open(ctx, st, databaseName, config.DefaultCollection)
	require.NoError(t, err)
	fn(c)
	require.NoError(t, c.Close(ctx))
	require.NoError(t, st.Close())
}

func insert(t *testing.T, c *collection.Collection, id string, data doc.Data) {
	t.Helper()
	_, err := c.Insert(context.Background(), doc.Document{ID: id, Data: data})
	require.NoError(t, err)
}

// liveIDs lists the ids of non-deleted documents in the database at path.
func liveIDs(t *testing.T, path string) []string {
	t.Helper()
	var ids []string
	seed(t, path, func(c *collection.Collection) {
		states, err := c.Find(context.Background(), storage.Query{})
		require.NoError(t, err)
		for _, s := range states {
			ids = append(ids, s.ID)
		}
	})
	sort.Strings(ids)
	return ids
}

// decodeData unmarshals the data field of a JSON CLI response.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestSync_PushesAndPulls(t *testing.T) {
	dir := t.TempDir()
	fork := filepath.Join(dir, "fork.db")
	master := filepath.Join(dir, "master.db")
	seed(t, fork, func(c *collection.Collection) { insert(t, c, "local", doc.Data{"v": 1}) })
	seed(t, master, func(c *collection.Collection) { insert(t, c, "remote", doc.Data{"v": 2}) })

	out, err := execute(t, "sync", "--db", fork, "--master", master, "--format", "json")
	require.NoError(t, err)

	var result SyncResult
	decodeData(t, out, &result)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, 1, result.Pulled)
	assert.Zero(t, result.Errors)
	assert.Equal(t, config.DefaultIdentifier, result.Identifier)

	assert.Equal(t, []string{"local", "remote"}, liveIDs(t, fork))
	assert.Equal(t, []string{"local", "remote"}, liveIDs(t, master))

	// A second run has nothing left to do.
	out, err = execute(t, "sync", "--db", fork, "--master", master, "--format", "json")
	require.NoError(t, err)
	decodeData(t, out, &result)
	assert.Zero(t, result.Pushed)
	assert.Zero(t, result.Pulled)
}

func TestSync_ConfigFileAndFlagOverride(t *testing.T) {
	dir := t.TempDir()
	fork := filepath.Join(dir, "fork.db")
	master := filepath.Join(dir, "master.db")
	seed(t, fork, func(c *collection.Collection) { insert(t, c, "a", doc.Data{"v": 1}) })

	cfgPath := filepath.Join(dir, "forksync.yaml")
	cfg := "database: " + fork + "\nmaster: " + master + "\nidentifier: from-file\nbatch_size: 1\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out, err := execute(t, "sync", "--config", cfgPath, "--identifier", "from-flag", "--format", "json")
	require.NoError(t, err)

	var result SyncResult
	decodeData(t, out, &result)
	assert.Equal(t, "from-flag", result.Identifier)
	assert.Equal(t, 1, result.Pushed)
}

func TestSync_InvalidConfiguration(t *testing.T) {
	_, err := execute(t, "sync", "--db", filepath.Join(t.TempDir(), "fork.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")

	_, err = execute(t, "sync", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")

	_, err = execute(t, "sync", "--db", "a.db", "--master", "b.db", "--conflict", "newest")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSync_LiveStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	fork := filepath.Join(dir, "fork.db")
	master := filepath.Join(dir, "master.db")
	seed(t, master, func(c *collection.Collection) { insert(t, c, "remote", doc.Data{"v": 1}) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var readyState replication.State
	opts := &SyncOptions{
		RootOptions: &RootOptions{Format: "json"},
		Ready: func(r *replication.Replication) {
			readyState = r.State()
			cancel()
		},
	}
	cmd := newSyncCommand(opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetContext(ctx)
	cmd.SetArgs([]string{"--db", fork, "--master", master, "--live", "--conflict", "merge"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, replication.StateRunning, readyState)

	var result SyncResult
	decodeData(t, out.String(), &result)
	assert.True(t, result.Live)
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, []string{"remote"}, liveIDs(t, fork))
}

func TestChanges(t *testing.T) {
	fork := filepath.Join(t.TempDir(), "fork.db")
	seed(t, fork, func(c *collection.Collection) {
		insert(t, c, "a", doc.Data{"v": 1})
		insert(t, c, "b", doc.Data{"v": 2})
		_, err := c.Remove(context.Background(), "b")
		require.NoError(t, err)
	})

	out, err := execute(t, "changes", "--db", fork, "--format", "json")
	require.NoError(t, err)

	var result ChangesResult
	decodeData(t, out, &result)
	require.Len(t, result.Changes, 2)
	assert.Equal(t, "a", result.Changes[0].ID)
	assert.Equal(t, "b", result.Changes[1].ID)
	assert.True(t, result.Changes[1].Deleted)

	wantHash, err := doc.PayloadHash(doc.Document{ID: "a", Data: doc.Data{"v": 1}})
	require.NoError(t, err)
	assert.Equal(t, wantHash, result.Changes[0].PayloadHash)

	// Continue after the first change.
	first, err := storage.EncodeCheckpoint(&storage.Checkpoint{LWT: result.Changes[0].LWT, ID: "a"})
	require.NoError(t, err)
	out, err = execute(t, "changes", "--db", fork, "--since", string(first), "--format", "json")
	require.NoError(t, err)
	var rest ChangesResult
	decodeData(t, out, &rest)
	require.Len(t, rest.Changes, 1)
	assert.Equal(t, "b", rest.Changes[0].ID)
	assert.JSONEq(t, string(result.Checkpoint), string(rest.Checkpoint))
}

func TestChanges_TextOutput(t *testing.T) {
	fork := filepath.Join(t.TempDir(), "fork.db")
	seed(t, fork, func(c *collection.Collection) { insert(t, c, "a", doc.Data{"v": 1}) })

	out, err := execute(t, "changes", "--db", fork)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "Checkpoint:")

	empty := filepath.Join(t.TempDir(), "empty.db")
	seed(t, empty, func(*collection.Collection) {})
	out, err = execute(t, "changes", "--db", empty)
	require.NoError(t, err)
	assert.Contains(t, out, "No changes in docs")
}

func TestChanges_Errors(t *testing.T) {
	_, err := execute(t, "changes", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")

	fork := filepath.Join(t.TempDir(), "fork.db")
	seed(t, fork, func(*collection.Collection) {})
	_, err = execute(t, "changes", "--db", fork, "--since", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --since checkpoint")

	_, err = execute(t, "changes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestCheckpoints_ShowAndReset(t *testing.T) {
	dir := t.TempDir()
	fork := filepath.Join(dir, "fork.db")
	master := filepath.Join(dir, "master.db")
	seed(t, fork, func(c *collection.Collection) { insert(t, c, "a", doc.Data{"v": 1}) })
	seed(t, master, func(c *collection.Collection) { insert(t, c, "m", doc.Data{"v": 2}) })

	_, err := execute(t, "sync", "--db", fork, "--master", master)
	require.NoError(t, err)

	out, err := execute(t, "checkpoints", "--db", fork, "--format", "json")
	require.NoError(t, err)
	var result CheckpointsResult
	decodeData(t, out, &result)
	assert.Equal(t, doc.IdentityKey(databaseName, config.DefaultCollection, config.DefaultIdentifier), result.Key)
	var a doc.State
	seed(t, fork, func(c *collection.Collection) {
		a, err = c.Get(context.Background(), "a")
		require.NoError(t, err)
	})
	push, err := storage.DecodeCheckpoint(result.Push)
	require.NoError(t, err)
	require.NotNil(t, push)
	// Pull may write m into the fork before push drains; push then skips it
	// and moves past a.
	assert.GreaterOrEqual(t, push.Compare(storage.CheckpointOf(a)), 0, "push checkpoint covers a")
	assert.NotEmpty(t, result.Pull)

	out, err = execute(t, "checkpoints", "--db", fork, "--reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed checkpoints of replication cli")

	out, err = execute(t, "checkpoints", "--db", fork)
	require.NoError(t, err)
	assert.Contains(t, out, "push: (none)")
	assert.Contains(t, out, "pull: (none)")
}

func TestCleanup(t *testing.T) {
	fork := filepath.Join(t.TempDir(), "fork.db")
	seed(t, fork, func(c *collection.Collection) {
		insert(t, c, "keep", doc.Data{"v": 1})
		insert(t, c, "gone", doc.Data{"v": 2})
		_, err := c.Remove(context.Background(), "gone")
		require.NoError(t, err)
	})
	time.Sleep(5 * time.Millisecond)

	out, err := execute(t, "cleanup", "--db", fork, "--min-retention", "1h", "--format", "json")
	require.NoError(t, err)
	var result CleanupResult
	decodeData(t, out, &result)
	assert.Zero(t, result.Removed, "tombstone is younger than the retention")

	out, err = execute(t, "cleanup", "--db", fork, "--min-retention", "0s", "--format", "json")
	require.NoError(t, err)
	decodeData(t, out, &result)
	assert.Equal(t, 1, result.Removed)
	assert.GreaterOrEqual(t, result.Passes, 1)

	assert.Equal(t, []string{"keep"}, liveIDs(t, fork))

	_, err = execute(t, "cleanup", "--db", fork, "--min-retention", "-1s")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
