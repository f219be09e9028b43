// Package graph implements the staleness and layering analysis of
// spec.md §4.3: resolving a requested target against the rule store,
// detecting cycles, deciding what is stale from filesystem timestamps
// plus phony/force flags, and assigning each stale target a layer.
// Grounded on the teacher's two pattern-matching styles (graph.go's
// Target.match closures, mk.go's nodeStatus state machine) but
// reshaped into a single flat resolve pass that hands a layered job
// list to internal/queue, keeping the concurrency model in one place
// (spec.md §5).
package graph

import (
	"os"
	"time"

	"github.com/smak-build/smak/internal/builderr"
	"github.com/smak-build/smak/internal/rules"
)

// Node is one resolved target in the dependency graph.
type Node struct {
	Target  string
	Dir     string
	Rule    *rules.Rule // nil for a leaf (plain existing file, no applicable rule)
	Stem      string
	Phony     bool
	Exclusive bool
	Exists    bool
	ModTime time.Time
	Stale   bool
	Prereqs []*Node
	Layer   int

	// Compound is set on a placeholder node standing in for one
	// output of a multi-output pattern rule: the node actually
	// carrying the recipe is Compound, and this node is satisfied by
	// a touch builtin once Compound completes (spec.md §3/§4.3).
	Compound *Node
}

// Graph resolves targets against one rule store, scoped to one
// directory (a recursive-make child gets its own Graph rooted at its
// subdirectory's rule store).
type Graph struct {
	rs         *rules.RuleSet
	dir        string
	forceStale map[string]bool

	nodes     map[string]*Node // by target, within this Graph's dir
	compounds map[*rules.Rule]map[string]*Node // rule -> stem -> shared compound node
	visiting  map[string]bool
}

func New(rs *rules.RuleSet, dir string, forceStale map[string]bool) *Graph {
	if forceStale == nil {
		forceStale = map[string]bool{}
	}
	return &Graph{
		rs:         rs,
		dir:        dir,
		forceStale: forceStale,
		nodes:      make(map[string]*Node),
		compounds:  make(map[*rules.Rule]map[string]*Node),
		visiting:   make(map[string]bool),
	}
}

// Resolve implements spec.md §4.3's resolve(target, dir) operation
// for this Graph's directory.
func (g *Graph) Resolve(target string) (*Node, error) {
	if n, ok := g.nodes[target]; ok {
		return n, nil
	}
	if g.visiting[target] {
		return nil, builderr.Cycle(append(g.cycleTrail(), target))
	}
	g.visiting[target] = true
	defer delete(g.visiting, target)

	n, err := g.resolveUncached(target)
	if err != nil {
		return nil, err
	}
	g.nodes[target] = n
	return n, nil
}

func (g *Graph) cycleTrail() []string {
	trail := make([]string, 0, len(g.visiting))
	for t := range g.visiting {
		trail = append(trail, t)
	}
	return trail
}

func (g *Graph) resolveUncached(target string) (*Node, error) {
	if r := g.lastFixedRule(target); r != nil {
		return g.buildFromRule(target, r, "")
	}

	if r, stem, ok := g.matchPattern(target); ok {
		if r.IsCompound() {
			return g.resolveCompoundOutput(target, r, stem)
		}
		return g.buildFromRule(target, r, stem)
	}

	info, err := os.Stat(filepathJoin(g.dir, target))
	if err == nil {
		return &Node{Target: target, Dir: g.dir, Exists: true, ModTime: info.ModTime()}, nil
	}
	return nil, builderr.NoRule(target)
}

// lastFixedRule returns the rule store's fixed-target rule for
// target, taking the last definition when duplicates exist from the
// same file (spec.md §4.1: "later wins").
func (g *Graph) lastFixedRule(target string) *rules.Rule {
	rs := g.rs.Fixed[target]
	if len(rs) == 0 {
		return nil
	}
	return rs[len(rs)-1]
}

// matchPattern returns the first pattern rule with a target pattern
// that matches target. When target does not exist on disk, the first
// match wins and its prerequisites are not checked. When target
// already exists, a match counts only if at least one of its
// prerequisites (with the stem substituted) exists on disk or has a
// rule of its own (spec.md §4.3 step 2's parse_misc.cc / parse%cc
// example).
func (g *Graph) matchPattern(target string) (*rules.Rule, string, bool) {
	targetExists := g.fileExists(target)

	for _, r := range g.rs.Pattern {
		for _, t := range r.Targets {
			stem, ok := t.Match(target)
			if !ok {
				continue
			}
			if !targetExists {
				return r, stem, true
			}
			if g.anyPrereqResolvable(r, stem) {
				return r, stem, true
			}
		}
	}
	return nil, "", false
}

func (g *Graph) anyPrereqResolvable(r *rules.Rule, stem string) bool {
	if len(r.Prereqs) == 0 {
		return false
	}
	for _, p := range r.Prereqs {
		name := p.Subst(stem)
		if g.fileExists(name) {
			return true
		}
		if g.lastFixedRule(name) != nil {
			return true
		}
		if _, _, ok := g.matchPattern(name); ok {
			return true
		}
	}
	return false
}

func (g *Graph) fileExists(target string) bool {
	_, err := os.Stat(filepathJoin(g.dir, target))
	return err == nil
}

// buildFromRule resolves a single-output rule (fixed or non-compound
// pattern) into a fully linked Node.
func (g *Graph) buildFromRule(target string, r *rules.Rule, stem string) (*Node, error) {
	n := &Node{Target: target, Dir: g.dir, Rule: r, Stem: stem, Phony: g.rs.IsPhony(target), Exclusive: g.rs.IsExclusive(target)}

	for _, p := range r.Prereqs {
		name := p.Subst(stem)
		pn, err := g.Resolve(name)
		if err != nil {
			return nil, err
		}
		n.Prereqs = append(n.Prereqs, pn)
	}

	info, err := os.Stat(filepathJoin(g.dir, target))
	n.Exists = err == nil
	if err == nil {
		n.ModTime = info.ModTime()
	}

	n.Stale = g.isStale(n)
	return n, nil
}

// resolveCompoundOutput handles one output of a multi-output pattern
// rule "x%a y%b: ...": the shared recipe runs once per (rule, stem),
// and each requested output is a thin placeholder depending on that
// shared compound node (spec.md §3's "Invariant: the recipe runs at
// most once per compound per build").
func (g *Graph) resolveCompoundOutput(target string, r *rules.Rule, stem string) (*Node, error) {
	byStem, ok := g.compounds[r]
	if !ok {
		byStem = make(map[string]*Node)
		g.compounds[r] = byStem
	}

	compound, ok := byStem[stem]
	if !ok {
		compound = &Node{Target: r.CompoundName(stem), Dir: g.dir, Rule: r, Stem: stem}
		byStem[stem] = compound

		for _, p := range r.Prereqs {
			name := p.Subst(stem)
			pn, err := g.Resolve(name)
			if err != nil {
				return nil, err
			}
			compound.Prereqs = append(compound.Prereqs, pn)
		}

		stale := false
		for _, t := range r.Targets {
			out := t.Subst(stem)
			info, err := os.Stat(filepathJoin(g.dir, out))
			if err != nil {
				stale = true
				continue
			}
			if g.staleAgainst(info.ModTime(), compound.Prereqs) {
				stale = true
			}
		}
		compound.Stale = stale || g.forceStale[compound.Target]
	}

	placeholder := &Node{
		Target:   target,
		Dir:      g.dir,
		Rule:     r,
		Stem:     stem,
		Compound: compound,
		Prereqs:  []*Node{compound},
	}
	info, err := os.Stat(filepathJoin(g.dir, target))
	placeholder.Exists = err == nil
	if err == nil {
		placeholder.ModTime = info.ModTime()
	}
	placeholder.Stale = compound.Stale || !placeholder.Exists
	return placeholder, nil
}

// isStale implements spec.md §4.3 step 5: a phony target is always
// stale; otherwise a target is stale if it doesn't exist, a
// prerequisite is newer or itself scheduled for rebuild, or an
// explicit dirty flag was set via the control channel.
func (g *Graph) isStale(n *Node) bool {
	if n.Phony {
		return true
	}
	if g.forceStale[n.Target] {
		return true
	}
	if !n.Exists {
		return true
	}
	return g.staleAgainst(n.ModTime, n.Prereqs)
}

// staleAgainst compares a target's mtime against its prerequisites'
// (spec.md §4.3 step 6: whole-second precision, ties are not stale —
// GNU convention).
func (g *Graph) staleAgainst(targetTime time.Time, prereqs []*Node) bool {
	tt := targetTime.Truncate(time.Second)
	for _, p := range prereqs {
		if p.Stale {
			return true
		}
		if !p.Exists {
			continue
		}
		pt := p.ModTime.Truncate(time.Second)
		if pt.After(tt) {
			return true
		}
	}
	return false
}

func filepathJoin(dir, target string) string {
	if dir == "" {
		return target
	}
	if len(target) > 0 && target[0] == '/' {
		return target
	}
	return dir + "/" + target
}

// IsCompoundParent reports whether n is the shared node carrying a
// multi-output pattern rule's recipe (as opposed to one of the thin
// per-output placeholders that depend on it).
func (n *Node) IsCompoundParent() bool {
	return n.Rule != nil && n.Rule.IsCompound() && n.Compound == nil
}

// Layer computes spec.md §4.3's layer(t) = 1 + max(layer(p)) across
// stale prerequisites, with fresh leaves at layer 0.
func Layer(n *Node) int {
	if n.Layer != 0 {
		return n.Layer
	}
	if !n.Stale {
		return 0
	}
	max := 0
	for _, p := range n.Prereqs {
		if !p.Stale {
			continue
		}
		if l := Layer(p); l+1 > max {
			max = l + 1
		}
	}
	if max == 0 {
		max = 1
	}
	n.Layer = max
	return max
}

// Flatten walks the DAG rooted at n and returns every stale node
// exactly once (deduplicated by pointer identity, so a shared
// compound node is listed once), each tagged with its computed layer.
func Flatten(n *Node) []*Node {
	seen := make(map[*Node]bool)
	var order []*Node
	var visit func(*Node)
	visit = func(node *Node) {
		if seen[node] {
			return
		}
		seen[node] = true
		for _, p := range node.Prereqs {
			visit(p)
		}
		if node.Stale {
			Layer(node)
			order = append(order, node)
		}
	}
	visit(n)
	return order
}
