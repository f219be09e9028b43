// Command smak-jobserver starts the persistent build daemon: it
// parses the rule file once, then serves the master and observer TCP
// ports until SHUTDOWN (spec.md §4.5). This binary carries no build
// logic of its own; it wires flags to internal/jobserver.
package main

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/smak-build/smak/internal/diag"
	"github.com/smak-build/smak/internal/jobserver"
	"github.com/smak-build/smak/internal/rules"
)

func main() {
	file := pflag.StringP("file", "f", "", "rule file to read (default: Smakfile or Makefile)")
	dir := pflag.StringP("directory", "C", "", "change to directory before reading the rule file")
	jobs := pflag.IntP("jobs", "j", runtime.NumCPU(), "maximum number of concurrent recipes")
	verbose := pflag.BoolP("verbose", "v", false, "print informational messages")
	pflag.Parse()

	diag.Verbose = *verbose

	if *dir != "" {
		if err := os.Chdir(*dir); err != nil {
			diag.Errorf("smak-jobserver: %v", err)
			os.Exit(1)
		}
	}

	ruleFile := *file
	if ruleFile == "" {
		ruleFile = defaultRuleFile()
	}

	var overrides map[string]string
	p := rules.NewParser(overrides)
	if err := p.ParseFile(ruleFile); err != nil {
		diag.Errorf("smak-jobserver: %v", err)
		os.Exit(1)
	}

	root, err := os.Getwd()
	if err != nil {
		diag.Errorf("smak-jobserver: %v", err)
		os.Exit(1)
	}

	s := jobserver.New(p.RuleSet(), root, *jobs)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		s.Shutdown()
	}()

	if err := s.ListenAndServe(); err != nil {
		diag.Errorf("smak-jobserver: %v", err)
		os.Exit(1)
	}
}

func defaultRuleFile() string {
	for _, name := range []string{"Smakfile", "smakfile", "Makefile", "makefile"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return "Smakfile"
}
