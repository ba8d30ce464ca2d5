// Command ivm is the incremental view maintenance CLI.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ivm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
