// Command memex is the entry point for the local RAG memory server.
// It serves the framed JSON-RPC protocol on stdio and offers a few CLI
// commands (via Cobra) for indexing and searching outside a client session.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/memex-go/cmd/memex/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
