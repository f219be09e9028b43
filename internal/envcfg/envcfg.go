// Package envcfg reads the environment variables spec.md §6 names,
// centralizing the os.Getenv calls the teacher otherwise scatters
// across mk.go so each variable's meaning is documented once.
package envcfg

import (
	"os"
	"strconv"
	"strings"
)

// Options is a snapshot of every smak-relevant environment variable.
type Options struct {
	UserOpts       []string // USR_SMAK_OPT: extra default CLI flags
	RCFile         string   // SMAK_RCFILE: path override for .smak.rc
	RecursionLevel int      // SMAK_RECURSION_LEVEL: depth of $(MAKE) -C nesting
	JobServer      string   // SMAK_JOB_SERVER: host:port to submit into instead of forking
	CLIPID         int      // SMAK_CLI_PID: owning control client's PID
	NoBuiltins     bool     // SMAK_NO_BUILTINS: force every external command through a shell
	AssertNoSpawn  bool     // SMAK_ASSERT_NO_SPAWN: fail any subprocess spawn, for no-op tests
	FuseAutoRescan bool     // SMAK_FUSE_AUTORESCAN: rescan rule files on detected fs-watch events
}

// Load reads Options from the process environment.
func Load() Options {
	var o Options
	if v := os.Getenv("USR_SMAK_OPT"); v != "" {
		o.UserOpts = strings.Fields(v)
	}
	o.RCFile = os.Getenv("SMAK_RCFILE")
	if v := os.Getenv("SMAK_RECURSION_LEVEL"); v != "" {
		o.RecursionLevel, _ = strconv.Atoi(v)
	}
	o.JobServer = os.Getenv("SMAK_JOB_SERVER")
	if v := os.Getenv("SMAK_CLI_PID"); v != "" {
		o.CLIPID, _ = strconv.Atoi(v)
	}
	o.NoBuiltins = os.Getenv("SMAK_NO_BUILTINS") != ""
	o.AssertNoSpawn = os.Getenv("SMAK_ASSERT_NO_SPAWN") != ""
	o.FuseAutoRescan = os.Getenv("SMAK_FUSE_AUTORESCAN") != ""
	return o
}

// ChildEnviron builds the environment for a forked recursive-make
// child, bumping SMAK_RECURSION_LEVEL and setting SMAK_JOB_SERVER so
// the fallback path (spec.md §4.7 step 4) can connect back.
func ChildEnviron(base []string, level int, jobServerAddr string) []string {
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, "SMAK_RECURSION_LEVEL=") || strings.HasPrefix(kv, "SMAK_JOB_SERVER=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "SMAK_RECURSION_LEVEL="+strconv.Itoa(level))
	if jobServerAddr != "" {
		env = append(env, "SMAK_JOB_SERVER="+jobServerAddr)
	}
	return env
}
