// Package main is SPECTRA's CLI entry point. Flags are parsed by cobra;
// configuration is loaded per-command from the path the --config flag
// names, following the teacher's one-root-command-per-binary layout
// (cmd/devclaw, cmd/copilot).
package main

import (
	"fmt"
	"os"

	"github.com/swordintel/spectra/cmd/spectra/commands"
	"github.com/swordintel/spectra/pkg/spectra/errs"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	root := commands.NewRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errs.ExitCode(err))
	}
}
