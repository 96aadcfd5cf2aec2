// Package main provides the entry point for the ingestctl CLI.
package main

import (
	"fmt"
	"os"

	"github.com/raphaelgruber/ingestd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprint(os.Stderr, cli.FormatError(err))
		os.Exit(cli.ExitCode(err))
	}
}
