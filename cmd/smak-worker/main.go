// Command smak-worker connects to a job server's master port and
// executes tasks until SHUTDOWN (spec.md §4.6). Carries no build
// logic beyond wiring flags/env to internal/worker.
package main

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/smak-build/smak/internal/diag"
	"github.com/smak-build/smak/internal/envcfg"
	"github.com/smak-build/smak/internal/worker"
)

func main() {
	addr := pflag.StringP("connect", "c", "", "job server master address (host:port)")
	dry := pflag.BoolP("dry-run", "n", false, "never execute recipes, only print them")
	pflag.Parse()

	target := *addr
	if target == "" {
		target = envcfg.Load().JobServer
	}
	if target == "" {
		diag.Errorf("smak-worker: no job server address given (-c or SMAK_JOB_SERVER)")
		os.Exit(1)
	}

	if err := worker.Run(worker.Config{Address: worker.ParseAddress(target), Dry: *dry}); err != nil {
		diag.Errorf("smak-worker: %v", err)
		os.Exit(1)
	}
}
