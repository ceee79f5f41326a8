package main

import (
	"os"

	"github.com/seantiz/anvil/cmd/anvil/commands"
)

// Set during build.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.SetVersionInfo(version, commit)
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
