package main

import (
	"fmt"
	"os"

	"github.com/gmpsuite/gmpauth/cmd/gmp-auth/commands"
)

// Set at build time with -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gmp-auth:", err)
		os.Exit(1)
	}
}
