// Command kbai is the entry point for the knowledge-base question answering
// service. It provides a CLI interface (via Cobra) for ingesting documents
// and asking questions, and an HTTP server exposing the same operations.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/kbai-go/cmd/kbai/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
