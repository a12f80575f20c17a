// Package main is the engram command: worker, MCP server, agent hooks and
// maintenance tools for engram-context.
package main

import (
	"fmt"
	"os"

	"github.com/thebtf/engram-context/internal/cli"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := cli.NewRootCmd(Version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
