// Package main provides the entry point for the myagents CLI.
package main

import (
	"fmt"
	"os"

	"github.com/walkley/myagents/cmd/myagents/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
