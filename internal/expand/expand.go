// Package expand implements variable and function expansion over a
// frozen rules.Store (spec.md §4.2). Grounded on the teacher's
// sigil-scanning expander (expand.go's expandSigil/expandRecipeSigils)
// but retargeted from plan9 "$foo"/"${foo:a%b=c%d}" syntax to GNU
// "$(NAME)"/"${NAME}" syntax plus the function-call forms spec.md §3
// names.
package expand

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/smak-build/smak/internal/builderr"
	"github.com/smak-build/smak/internal/rules"
)

// maxDepth bounds recursive expansion so a cyclic $(VAR) definition
// fails fast instead of looping forever (spec.md §3: "at least 50").
const maxDepth = 64

// Auto carries the automatic variables substituted only at
// recipe-execution time (spec.md §4.2 step 3): $@, $<, $^, $*.
type Auto struct {
	Target string   // $@
	First  string   // $<
	All    []string // $^ (duplicates removed, first-seen order)
	Stem   string   // $*
}

// Expander expands strings against a store, resolving recursive
// $(VAR) references and the GNU function table. The expander does
// not write files itself, but $(wildcard ...) reads the filesystem and
// $(shell ...) runs an arbitrary command through the shell, which may
// do anything.
type Expander struct {
	vars *rules.Store
	auto *Auto
}

func New(vars *rules.Store, auto *Auto) *Expander {
	return &Expander{vars: vars, auto: auto}
}

// init wires rules.ExpandFunc so ":=" assignments are resolved
// immediately at parse time, matching GNU make semantics, without
// rules importing expand (which would cycle).
func init() {
	rules.ExpandFunc = func(vars *rules.Store, raw string) (string, error) {
		return New(vars, nil).Expand(raw)
	}
}

// Expand fully expands s, returning an error if recursive expansion
// exceeds maxDepth (a cyclic variable definition).
func (e *Expander) Expand(s string) (string, error) {
	return e.expandDepth(s, 0)
}

// ExpandWords expands s and splits the result into whitespace
// separated words, matching how prerequisite lists are consumed.
func (e *Expander) ExpandWords(s string) ([]string, error) {
	out, err := e.Expand(s)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

func (e *Expander) expandDepth(s string, depth int) (string, error) {
	if depth > maxDepth {
		return "", &builderr.BuildError{Kind: builderr.KindExpandOverflow, Message: "variable expansion exceeded depth limit (possible cycle)"}
	}

	if !strings.ContainsAny(s, "$") && e.auto == nil {
		return s, nil
	}

	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' {
			out.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			out.WriteByte('$')
			break
		}
		next := s[i+1]
		switch next {
		case '$':
			out.WriteByte('$')
			i++
		case '@', '<', '^', '*':
			out.WriteString(e.expandAutoVar(next))
			i++
		case '(', '{':
			closing := byte(')')
			if next == '{' {
				closing = '}'
			}
			end := matchParen(s, i+1, next, closing)
			if end < 0 {
				out.WriteString(s[i:])
				i = len(s)
				break
			}
			inner := s[i+2 : end]
			expanded, err := e.expandReference(inner, depth)
			if err != nil {
				return "", err
			}
			out.WriteString(expanded)
			i = end
		default:
			// A bare single-letter variable name, e.g. "$X".
			name := string(next)
			val, err := e.lookupOrExpandFunction(name, depth)
			if err != nil {
				return "", err
			}
			out.WriteString(val)
			i++
		}
	}
	return out.String(), nil
}

func (e *Expander) expandAutoVar(c byte) string {
	if e.auto == nil {
		return ""
	}
	switch c {
	case '@':
		return e.auto.Target
	case '<':
		return e.auto.First
	case '^':
		return strings.Join(e.auto.All, " ")
	case '*':
		return e.auto.Stem
	}
	return ""
}

// matchParen finds the index of the matching closing delimiter for
// the opening delimiter at s[openIdx], honoring nested $(...)/${...}.
func matchParen(s string, openIdx int, open, closeC byte) int {
	depth := 0
	for i := openIdx; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case closeC:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// expandReference expands the contents of a "$(...)"/"${...}" group:
// either a function call ("name arg1,arg2,...") or a variable
// reference, possibly itself containing nested references.
func (e *Expander) expandReference(inner string, depth int) (string, error) {
	name, rest, isCall := splitFunctionCall(inner)
	if isCall {
		return e.callFunction(name, rest, depth)
	}
	return e.lookupOrExpandFunction(strings.TrimSpace(inner), depth)
}

// splitFunctionCall recognizes "funcname arg..." where funcname is
// one of the known forms and is followed by whitespace (the
// convention spec.md §4.2 names: "argument splitting is by the
// function's convention").
func splitFunctionCall(inner string) (name, rest string, ok bool) {
	sp := strings.IndexAny(inner, " \t")
	var head string
	if sp < 0 {
		head = inner
	} else {
		head = inner[:sp]
	}
	if _, known := functionTable[head]; !known {
		return "", "", false
	}
	if sp < 0 {
		return head, "", true
	}
	return head, strings.TrimLeft(inner[sp+1:], " \t"), true
}

func (e *Expander) lookupOrExpandFunction(name string, depth int) (string, error) {
	if v, ok := e.vars.Get(name); ok {
		if e.vars.IsDeferred(name) {
			return e.expandDepth(v, depth+1)
		}
		return v, nil
	}
	if v, ok := os.LookupEnv(name); ok {
		return v, nil
	}
	return "", nil
}

var functionTable = map[string]bool{
	"patsubst": true, "subst": true, "strip": true, "filter": true,
	"filter-out": true, "words": true, "word": true, "firstword": true,
	"lastword": true, "dir": true, "notdir": true, "basename": true,
	"suffix": true, "addprefix": true, "addsuffix": true, "sort": true,
	"wildcard": true, "if": true, "shell": true,
}

// callFunction dispatches one of the functions named in spec.md §3.
// Arguments are comma-separated per function convention ("first comma
// for two-arg, first comma then rest" — spec.md §4.2); each argument
// is expanded before use, except $(if)'s branches, which are expanded
// conditionally.
func (e *Expander) callFunction(name, argstr string, depth int) (string, error) {
	// $(if)'s branches are expanded conditionally by callIf itself;
	// expanding them here first would run both branches eagerly
	// (including any side-effecting $(shell ...)) before the taken one
	// is even chosen.
	if name == "if" {
		return e.callIf(argstr, depth)
	}

	args, err := e.expandArgs(argstr, depth)
	if err != nil {
		return "", err
	}

	switch name {
	case "patsubst":
		if len(args) < 3 {
			return "", nil
		}
		pat, repl, words := args[0], args[1], strings.Fields(args[2])
		out := make([]string, len(words))
		for i, w := range words {
			out[i] = patsubstOne(pat, repl, w)
		}
		return strings.Join(out, " "), nil

	case "subst":
		if len(args) < 3 {
			return "", nil
		}
		return strings.ReplaceAll(args[2], args[0], args[1]), nil

	case "strip":
		if len(args) < 1 {
			return "", nil
		}
		return strings.Join(strings.Fields(args[0]), " "), nil

	case "filter":
		if len(args) < 2 {
			return "", nil
		}
		return strings.Join(filterWords(strings.Fields(args[0]), strings.Fields(args[1]), true), " "), nil

	case "filter-out":
		if len(args) < 2 {
			return "", nil
		}
		return strings.Join(filterWords(strings.Fields(args[0]), strings.Fields(args[1]), false), " "), nil

	case "words":
		if len(args) < 1 {
			return "0", nil
		}
		return strconv.Itoa(len(strings.Fields(args[0]))), nil

	case "word":
		if len(args) < 2 {
			return "", nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil || n < 1 {
			return "", nil
		}
		words := strings.Fields(args[1])
		if n > len(words) {
			return "", nil
		}
		return words[n-1], nil

	case "firstword":
		if len(args) < 1 {
			return "", nil
		}
		words := strings.Fields(args[0])
		if len(words) == 0 {
			return "", nil
		}
		return words[0], nil

	case "lastword":
		if len(args) < 1 {
			return "", nil
		}
		words := strings.Fields(args[0])
		if len(words) == 0 {
			return "", nil
		}
		return words[len(words)-1], nil

	case "dir":
		return mapWords(args, func(w string) string { return filepath.Dir(w) + string(filepath.Separator) }), nil

	case "notdir":
		return mapWords(args, filepath.Base), nil

	case "basename":
		return mapWords(args, trimSuffixExt), nil

	case "suffix":
		return mapWords(args, func(w string) string {
			ext := filepath.Ext(w)
			return ext
		}), nil

	case "addprefix":
		if len(args) < 2 {
			return "", nil
		}
		prefix := args[0]
		words := strings.Fields(args[1])
		out := make([]string, len(words))
		for i, w := range words {
			out[i] = prefix + w
		}
		return strings.Join(out, " "), nil

	case "addsuffix":
		if len(args) < 2 {
			return "", nil
		}
		suffix := args[0]
		words := strings.Fields(args[1])
		out := make([]string, len(words))
		for i, w := range words {
			out[i] = w + suffix
		}
		return strings.Join(out, " "), nil

	case "sort":
		if len(args) < 1 {
			return "", nil
		}
		words := strings.Fields(args[0])
		sort.Strings(words)
		return strings.Join(dedupSorted(words), " "), nil

	case "wildcard":
		if len(args) < 1 {
			return "", nil
		}
		var matches []string
		for _, pat := range strings.Fields(args[0]) {
			m, _ := filepath.Glob(pat)
			matches = append(matches, m...)
		}
		return strings.Join(matches, " "), nil

	case "shell":
		if len(args) < 1 {
			return "", nil
		}
		return runShell(args[0])
	}

	return "", nil
}

// expandArgs splits argstr on top-level commas (respecting nested
// $(...)) and expands each piece.
func (e *Expander) expandArgs(argstr string, depth int) ([]string, error) {
	if argstr == "" {
		return nil, nil
	}
	raw := splitTopLevelCommas(argstr)
	out := make([]string, len(raw))
	for i, a := range raw {
		v, err := e.expandDepth(a, depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func splitTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '{':
			depth++
		case ')', '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// callIf implements $(if cond,then,else) with lazy branch expansion:
// only the taken branch's raw text is ever expanded.
func (e *Expander) callIf(argstr string, depth int) (string, error) {
	raw := splitTopLevelCommas(argstr)
	if len(raw) == 0 {
		return "", nil
	}
	cond, err := e.expandDepth(raw[0], depth+1)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cond) != "" {
		if len(raw) > 1 {
			return e.expandDepth(strings.TrimLeft(raw[1], " \t"), depth+1)
		}
		return "", nil
	}
	if len(raw) > 2 {
		return e.expandDepth(strings.TrimLeft(raw[2], " \t"), depth+1)
	}
	return "", nil
}

func patsubstOne(pat, repl, word string) string {
	idx := strings.IndexByte(pat, '%')
	if idx < 0 {
		if word == pat {
			return repl
		}
		return word
	}
	pre, post := pat[:idx], pat[idx+1:]
	if !strings.HasPrefix(word, pre) || !strings.HasSuffix(word, post) {
		return word
	}
	stem := word[len(pre) : len(word)-len(post)]
	return strings.Replace(repl, "%", stem, 1)
}

func filterWords(patterns, words []string, keep bool) []string {
	var out []string
	for _, w := range words {
		matched := false
		for _, p := range patterns {
			if _, ok := (rules.Pattern{Raw: p}).Match(w); ok {
				matched = true
				break
			}
		}
		if matched == keep {
			out = append(out, w)
		}
	}
	return out
}

func mapWords(args []string, f func(string) string) string {
	if len(args) < 1 {
		return ""
	}
	words := strings.Fields(args[0])
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = f(w)
	}
	return strings.Join(out, " ")
}

func trimSuffixExt(w string) string {
	ext := filepath.Ext(w)
	if ext == "" {
		return w
	}
	return strings.TrimSuffix(w, ext)
}

func dedupSorted(words []string) []string {
	out := words[:0:0]
	for i, w := range words {
		if i == 0 || w != words[i-1] {
			out = append(out, w)
		}
	}
	return out
}

// runShell executes cmdline with $SHELL (or /bin/sh) and returns its
// stdout with trailing newlines trimmed and its lines joined by single
// spaces, grounded on the teacher's own
// backtick-expansion helper (expandBackQuoted in expand.go).
func runShell(cmdline string) (string, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-c", cmdline)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("$(shell %s): %w", cmdline, err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	return strings.Join(lines, " "), nil
}
