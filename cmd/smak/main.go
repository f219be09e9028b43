// Command smak is the control-client / single-shot build entry point:
// on an ordinary invocation it starts an embedded job server and
// worker pool, submits a BUILD for the requested targets, streams
// output, and exits with the build's status (spec.md §4.8). The job
// server is always embedded in this process; -cli only skips the
// deferred shutdown, and the command never attaches to a server that
// is already running. Carries no build logic of its own; it wires flags and
// environment to the internal packages.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/smak-build/smak/internal/diag"
	"github.com/smak-build/smak/internal/jobserver"
	"github.com/smak-build/smak/internal/rcfile"
	"github.com/smak-build/smak/internal/rules"
	"github.com/smak-build/smak/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	file := pflag.StringP("file", "f", "", "rule file to read (default: Smakfile or Makefile)")
	dir := pflag.StringP("directory", "C", "", "change to directory before anything else")
	jobs := pflag.IntP("jobs", "j", runtime.NumCPU(), "maximum number of concurrent recipes")
	dryRun := pflag.BoolP("dry-run", "n", false, "print recipes without executing them")
	cli := pflag.Bool("cli", false, "stay attached to a persistent job server")
	verbose := pflag.BoolP("verbose", "v", false, "print informational messages")
	pflag.Parse()

	diag.Verbose = *verbose

	if *dir != "" {
		if err := os.Chdir(*dir); err != nil {
			diag.Errorf("smak: %v", err)
			return 1
		}
	}

	targets, overrides := splitArgs(pflag.Args())

	if rc, ok := rcfile.Find("."); ok {
		if _, err := rcfile.Parse(rc); err != nil {
			diag.Errorf("smak: %v", err)
			return 1
		}
	}

	ruleFile := *file
	if ruleFile == "" {
		ruleFile = defaultRuleFile()
	}
	p := rules.NewParser(overrides)
	if err := p.ParseFile(ruleFile); err != nil {
		diag.Errorf("smak: %v", err)
		return 1
	}

	root, err := os.Getwd()
	if err != nil {
		diag.Errorf("smak: %v", err)
		return 1
	}

	s := jobserver.New(p.RuleSet(), root, *jobs)
	go s.ListenAndServe()
	addr := s.WaitReady()
	if !*cli {
		defer s.Shutdown()
	}

	for i := 0; i < *jobs; i++ {
		go func() {
			worker.Run(worker.Config{Address: addr, Dry: *dryRun})
		}()
	}
	time.Sleep(50 * time.Millisecond) // let workers finish their READY handshake before BUILD

	client, err := jobserver.Dial(addr, envForClient())
	if err != nil {
		diag.Errorf("smak: %v", err)
		return 1
	}
	defer client.Close()

	exit := 0
	outcomes, err := client.Build(targets, func(line string) {
		fmt.Println(line)
	})
	if err != nil {
		diag.Errorf("smak: %v", err)
		return 1
	}
	for _, o := range outcomes {
		if !o.Success {
			diag.Errorf("smak: %s: %s", o.Target, o.Message)
			exit = 1
		}
	}
	return exit
}

func splitArgs(args []string) (targets []string, overrides map[string]string) {
	overrides = make(map[string]string)
	for _, a := range args {
		if name, value, ok := strings.Cut(a, "="); ok && isIdentifier(name) {
			overrides[name] = value
			continue
		}
		targets = append(targets, a)
	}
	return targets, overrides
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func defaultRuleFile() string {
	for _, name := range []string{"Smakfile", "smakfile", "Makefile", "makefile"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return "Smakfile"
}

func envForClient() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok {
			env[name] = value
		}
	}
	return env
}
