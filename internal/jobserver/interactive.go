// Interactive rule-editing commands (spec.md §4.8's ADD_RULE/MOD_RULE/
// MOD_DEPS/DEL_RULE/SAVE table entry): a control client can mutate the
// live rule store without restarting the job server, and persist it
// back out with SAVE. ADD_RULE/MOD_RULE/MOD_DEPS carry a variable
// number of prerequisites and recipe lines, so each is a small
// PREREQ/RECIPE block framed by RULE_END rather than a single control
// line (spec.md §4.8's line-oriented framing already does this for ENV
// and STATUS_DETAIL).
package jobserver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/smak-build/smak/internal/protocol"
	"github.com/smak-build/smak/internal/rules"
)

type ruleBlock struct {
	prereqs []string
	recipe  []string
}

func readRuleBlock(r *protocol.Reader) (ruleBlock, error) {
	var blk ruleBlock
	for {
		line, err := r.Line()
		if err != nil {
			return blk, err
		}
		switch {
		case line == "RULE_END":
			return blk, nil
		case strings.HasPrefix(line, "PREREQ "):
			blk.prereqs = append(blk.prereqs, strings.TrimPrefix(line, "PREREQ "))
		case strings.HasPrefix(line, "RECIPE "):
			blk.recipe = append(blk.recipe, strings.TrimPrefix(line, "RECIPE "))
		}
	}
}

func (s *Server) cmdAddRule(w *protocol.Writer, r *protocol.Reader, args []string) {
	if len(args) != 1 {
		w.Line("ADD_RULE_ERROR expected exactly one target")
		return
	}
	target := args[0]
	blk, err := readRuleBlock(r)
	if err != nil {
		return
	}

	s.mu.Lock()
	rule := buildRule(target, blk)
	s.rs.AddRule(rule)
	s.mu.Unlock()

	w.Line("ADD_RULE_ACK %s", target)
}

func (s *Server) cmdModRule(w *protocol.Writer, r *protocol.Reader, args []string) {
	if len(args) != 1 {
		w.Line("MOD_RULE_ERROR expected exactly one target")
		return
	}
	target := args[0]
	blk, err := readRuleBlock(r)
	if err != nil {
		return
	}

	s.mu.Lock()
	rs := s.rs.Fixed[target]
	if len(rs) == 0 {
		s.mu.Unlock()
		w.Line("MOD_RULE_ERROR no existing rule for %s", target)
		return
	}
	existing := rs[len(rs)-1]
	existing.Prereqs = toPatterns(blk.prereqs)
	existing.Recipe = toRecipeLines(blk.recipe)
	existing.HasRecipe = len(existing.Recipe) > 0
	s.mu.Unlock()

	w.Line("MOD_RULE_ACK %s", target)
}

func (s *Server) cmdModDeps(w *protocol.Writer, r *protocol.Reader, args []string) {
	if len(args) != 1 {
		w.Line("MOD_DEPS_ERROR expected exactly one target")
		return
	}
	target := args[0]
	blk, err := readRuleBlock(r)
	if err != nil {
		return
	}

	s.mu.Lock()
	rs := s.rs.Fixed[target]
	if len(rs) == 0 {
		s.mu.Unlock()
		w.Line("MOD_DEPS_ERROR no existing rule for %s", target)
		return
	}
	rs[len(rs)-1].Prereqs = toPatterns(blk.prereqs)
	s.mu.Unlock()

	w.Line("MOD_DEPS_ACK %s", target)
}

func (s *Server) cmdDelRule(w *protocol.Writer, args []string) {
	if len(args) != 1 {
		w.Line("DEL_RULE_ERROR expected exactly one target")
		return
	}
	target := args[0]

	s.mu.Lock()
	_, ok := s.rs.Fixed[target]
	delete(s.rs.Fixed, target)
	delete(s.rs.Pseudo, target)
	s.mu.Unlock()

	if !ok {
		w.Line("DEL_RULE_ERROR no existing rule for %s", target)
		return
	}
	w.Line("DEL_RULE_ACK %s", target)
}

// rescan implements RESCAN (spec.md §4.1/§4.8): every rule file this
// rule set was built from is re-parsed from scratch, then every rule
// added purely interactively (ADD_RULE, never backed by a file) is
// re-applied on top, matching §4.1's "must preserve any
// interactively-added rules unless the caller explicitly resets."
// MOD_RULE/MOD_DEPS edits to a file-backed rule are not preserved,
// since a rescan's whole purpose is to pick up what the file now says.
func (s *Server) rescan() error {
	s.mu.Lock()
	files := append([]string(nil), s.rs.Files...)
	added := interactiveRules(s.rs)
	s.mu.Unlock()

	p := rules.NewParser(nil)
	for _, f := range files {
		if err := p.ParseFile(f); err != nil {
			return err
		}
	}
	rs := p.RuleSet()
	for _, r := range added {
		rs.AddRule(r)
	}

	s.mu.Lock()
	*s.rs = *rs
	s.mu.Unlock()
	return nil
}

// interactiveRules collects every distinct rule in rs with no owning
// file, i.e. one that only ever existed because ADD_RULE created it.
func interactiveRules(rs *rules.RuleSet) []*rules.Rule {
	seen := make(map[*rules.Rule]bool)
	var out []*rules.Rule
	for _, list := range rs.Fixed {
		for _, r := range list {
			if r.File == "" && !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	for _, r := range rs.Pattern {
		if r.File == "" && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) cmdSave(w *protocol.Writer, args []string) {
	if len(args) != 1 {
		w.Line("SAVE_ERROR expected exactly one file argument")
		return
	}
	path := args[0]
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.rootDir, path)
	}

	s.mu.Lock()
	text := rules.Serialize(s.rs)
	s.mu.Unlock()

	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		w.Line("SAVE_ERROR %v", err)
		return
	}
	w.Line("SAVE_ACK %s", args[0])
}

func buildRule(target string, blk ruleBlock) *rules.Rule {
	pat := rules.Pattern{Raw: target}
	kind := rules.KindFixed
	if pat.IsPattern() {
		kind = rules.KindPattern
	}
	return &rules.Rule{
		Kind:      kind,
		Targets:   []rules.Pattern{pat},
		Prereqs:   toPatterns(blk.prereqs),
		Recipe:    toRecipeLines(blk.recipe),
		HasRecipe: len(blk.recipe) > 0,
	}
}

func toPatterns(raws []string) []rules.Pattern {
	out := make([]rules.Pattern, len(raws))
	for i, r := range raws {
		out[i] = rules.Pattern{Raw: r}
	}
	return out
}

func toRecipeLines(lines []string) []rules.RecipeLine {
	out := make([]rules.RecipeLine, len(lines))
	for i, l := range lines {
		out[i] = rules.RecipeLine{Text: l}
	}
	return out
}
