// Command forksync replicates a local SQLite fork with a master database.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/forksync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
