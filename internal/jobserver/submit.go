// Translates a resolved graph.Node into the external-command and
// trailing-builtin lists the wire protocol dispatches to a worker,
// expanding automatic variables ($@ $< $^ $*) against the node that
// earned them. Grounded on the teacher's dorecipe (recipe.go), which
// assembles the same per-target variable set before exec.
package jobserver

import (
	"fmt"
	"strings"

	"github.com/smak-build/smak/internal/expand"
	"github.com/smak-build/smak/internal/graph"
	"github.com/smak-build/smak/internal/rules"
)

// toCommands expands n's recipe into worker-ready command strings. A
// compound node's placeholder callers (graph.Node.Compound != nil)
// carry no recipe of their own; they are satisfied by a trailing
// "touch" once the shared compound job completes, so this is only
// called for nodes that actually own a recipe.
func toCommands(n *graph.Node, rs *rules.RuleSet) (externals []string, trailing []string) {
	if n.Rule == nil || len(n.Rule.Recipe) == 0 {
		return nil, nil
	}

	auto := &expand.Auto{Target: n.Target, Stem: n.Stem}
	if len(n.Prereqs) > 0 {
		auto.First = n.Prereqs[0].Target
	}
	seen := make(map[string]bool, len(n.Prereqs))
	for _, p := range n.Prereqs {
		if seen[p.Target] {
			continue
		}
		seen[p.Target] = true
		auto.All = append(auto.All, p.Target)
	}
	ex := expand.New(rs.Vars, auto)

	for _, line := range n.Rule.Recipe {
		text, err := ex.Expand(line.Text)
		if err != nil {
			text = line.Text
		}
		if line.Ignore && needsShellWrap(text) {
			text = "{ " + text + "; } ; true"
		}
		externals = append(externals, text)
	}

	if n.IsCompoundParent() {
		for _, t := range n.Rule.Targets {
			trailing = append(trailing, fmt.Sprintf("touch %s", t.Subst(n.Stem)))
		}
	}
	return externals, trailing
}

// placeholderTrailing builds the single-builtin trailing list for a
// compound placeholder node: once its backing compound job is done,
// just touch this node's own target.
func placeholderTrailing(n *graph.Node) []string {
	return []string{fmt.Sprintf("touch %s", n.Target)}
}

func needsShellWrap(cmd string) bool {
	return !strings.Contains(cmd, "||") // a command already handling its own failure doesn't need wrapping
}
