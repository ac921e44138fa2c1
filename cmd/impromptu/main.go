// Command impromptu fetches, inspects, packs and serves plugin packages.
package main

import (
	"fmt"
	"os"

	"github.com/platinummonkey/impromptu/pkg/sandbox"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if sandbox.IsWorker() {
		os.Exit(sandbox.RunWorker())
	}

	versionString := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	if err := newRootCmd(versionString).Execute(); err != nil {
		os.Exit(1)
	}
}
