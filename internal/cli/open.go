package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/forksync/internal/storage"
	"github.com/roach88/forksync/internal/storage/sqlite"
)

// openExisting opens a SQLite database that must already exist. Read
// commands use it so a mistyped path is not silently created.
func openExisting(path string) (*sqlite.Storage, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path), err)
	}
	st, err := sqlite.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// openCollection opens the instance of collection in the database at path.
func openCollection(ctx context.Context, path, collection string) (*sqlite.Storage, storage.Instance, error) {
	st, err := openExisting(path)
	if err != nil {
		return nil, nil, err
	}
	in, err := st.CreateInstance(ctx, storage.Params{DatabaseName: databaseName, CollectionName: collection})
	if err != nil {
		st.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open collection", err)
	}
	return st, in, nil
}
