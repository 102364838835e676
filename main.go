package main

import (
	"os"

	"github.com/tphakala/perch/cmd"
	"github.com/tphakala/perch/internal/conf"
)

// version is overridden at build time via ldflags.
var version = "dev"

func main() {
	settings := &conf.Settings{Version: version}

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
