// Package rcfile parses ".smak.rc", a bespoke "set name = value"
// configuration format (spec.md §6) restricted to a fixed option
// whitelist. Not YAML/TOML/JSON, so it gets a small hand-rolled parser
// in the teacher's own line-oriented style (rules.go's attribute
// parsing, parse.go's token loop) rather than a third-party config
// library.
package rcfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// whitelist is the fixed set of recognized option names (spec.md §6).
var whitelist = map[string]bool{
	"jobs": true, "verbose": true, "silent": true, "dry_run": true,
	"makefile": true, "directory": true, "ssh_host": true, "remote_cd": true,
	"cli": true, "yes": true, "reconnect": true, "kill_old_js": true,
}

// Options is the parsed set name -> value mapping.
type Options map[string]string

// Find searches upward from dir for ".smak.rc", then falls back to
// $HOME/.smak.rc, per spec.md §6.
func Find(dir string) (string, bool) {
	for d := dir; ; {
		candidate := filepath.Join(d, ".smak.rc")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".smak.rc")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// Parse reads a ".smak.rc" file: blank lines and '#' comments are
// ignored, other lines must read "set name = value". An unrecognized
// name is a syntax error so typos surface immediately instead of
// silently doing nothing.
func Parse(path string) (Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	opts := make(Options)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rest, ok := strings.CutPrefix(line, "set ")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected \"set name = value\", got %q", path, lineNo, line)
		}
		name, value, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected \"set name = value\", got %q", path, lineNo, line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !whitelist[name] {
			return nil, fmt.Errorf("%s:%d: unknown option %q", path, lineNo, name)
		}
		opts[name] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return opts, nil
}
