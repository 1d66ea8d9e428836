// Command chatsync runs and inspects the chat state sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/chatsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
