// Package recurse implements spec.md §4.7's recursive-make
// fork-and-expand: a recipe composed solely of "$(MAKE) -C dir target"
// clauses is handled in-process rather than by spawning a real child
// make, by snapshotting the rule store, chdir-ing, reparsing, and
// merging the resulting layered jobs back with root-relative paths.
// The backtick-laden fallback spawns a real child process instead.
// Grounded on the teacher's subdirectory handling convention
// (mk.go/parse.go's directory-qualified rule files) and on
// golang.org/x/sync/errgroup for the parent-side wait-and-merge.
package recurse

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/smak-build/smak/internal/graph"
	"github.com/smak-build/smak/internal/rules"
)

// clausePattern matches one "(smak|make)( -Xxx)* -C <dir> <target>"
// clause, per spec.md §4.7.
var clausePattern = regexp.MustCompile(`^(?:\S*/)?(?:smak|make)(?:\s+-\S+)*\s+-C\s+(\S+)\s+(\S+)$`)

// Clause is one parsed recursive-make invocation.
type Clause struct {
	Dir    string
	Target string
}

// Classify reports whether recipe (already variable-expanded) is
// composed solely of recursive-make clauses separated by "&&" or
// no-ops ("true", ":"), returning the clauses in order if so.
func Classify(recipe string) (clauses []Clause, ok bool) {
	parts := strings.Split(recipe, "&&")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || part == "true" || part == ":" {
			continue
		}
		m := clausePattern.FindStringSubmatch(part)
		if m == nil {
			return nil, false
		}
		clauses = append(clauses, Clause{Dir: m[1], Target: m[2]})
	}
	return clauses, len(clauses) > 0
}

// ImportedJob is one job pulled in from a child scope, with its
// directory and target already rewritten root-relative (spec.md §4.7
// step 2's "rewrite every target and directory to root-relative
// paths").
type ImportedJob struct {
	Dir              string
	Target           string
	Layer            int
	ExternalCommands []string
	TrailingBuiltins []string
	Exclusive        bool
}

// Expand runs every clause's child scope and merges the resulting
// jobs in clause order. Each job keeps the layer number it had in its
// child graph; Expand applies no offset relative to the caller.
func Expand(callerDir string, clauses []Clause, overrides map[string]string, toCommands func(*graph.Node, *rules.RuleSet) ([]string, []string)) ([]ImportedJob, error) {
	results := make([][]ImportedJob, len(clauses))
	var g errgroup.Group
	for i, c := range clauses {
		i, c := i, c
		g.Go(func() error {
			jobs, err := expandOne(callerDir, c, overrides, toCommands)
			if err != nil {
				return fmt.Errorf("recurse: -C %s %s: %w", c.Dir, c.Target, err)
			}
			results[i] = jobs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []ImportedJob
	for _, jobs := range results {
		merged = append(merged, jobs...)
	}
	return merged, nil
}

func expandOne(callerDir string, c Clause, overrides map[string]string, toCommands func(*graph.Node, *rules.RuleSet) ([]string, []string)) ([]ImportedJob, error) {
	childDir := NormalizePath(filepath.Join(callerDir, c.Dir))

	p := rules.NewParser(overrides)
	childFile := filepath.Join(childDir, "Smakfile")
	if _, err := os.Stat(childFile); err != nil {
		childFile = filepath.Join(childDir, "Makefile")
	}
	if err := p.ParseFile(childFile); err != nil {
		return nil, err
	}
	rs := p.RuleSet()

	g := graph.New(rs, childDir, nil)
	n, err := g.Resolve(c.Target)
	if err != nil {
		return nil, err
	}

	var imported []ImportedJob
	for _, node := range graph.Flatten(n) {
		var externals, trailing []string
		if node.Compound != nil {
			trailing = []string{"touch " + node.Target}
		} else {
			externals, trailing = toCommands(node, rs)
		}
		imported = append(imported, ImportedJob{
			Dir:              RootRelative(callerDir, node.Dir),
			Target:           node.Target,
			Layer:            node.Layer,
			ExternalCommands: externals,
			TrailingBuiltins: trailing,
			Exclusive:        node.Exclusive,
		})
	}
	return imported, nil
}

// NormalizePath collapses "./" and "../" components with
// filepath.Clean. A repeated directory prefix such as sub/sub/foo.o is
// left as it is.
func NormalizePath(path string) string {
	return filepath.Clean(path)
}

// RootRelative rewrites dir as a path relative to root (the top-level
// caller's directory); dir is returned unchanged when filepath.Rel
// cannot relate the two.
func RootRelative(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return dir
	}
	return NormalizePath(rel)
}
