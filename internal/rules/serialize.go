package rules

import (
	"fmt"
	"sort"
	"strings"
)

// Serialize re-emits rs in the grammar parse.go reads, backing the
// SAVE control command (spec.md §4.8) and its testable property: the
// result re-parses to an equivalent rule store, modulo comment and
// whitespace differences. Variables come first, sorted by name, then
// .PHONY and .NOTPARALLEL directives, then the fixed and pseudo rules
// sorted by target name, then the pattern rules in definition order.
func Serialize(rs *RuleSet) string {
	var b strings.Builder

	names := rs.Vars.Names()
	sort.Strings(names)
	for _, name := range names {
		value, _ := rs.Vars.Get(name)
		op := "="
		if !rs.Vars.IsDeferred(name) {
			op = ":="
		}
		fmt.Fprintf(&b, "%s %s %s\n", name, op, value)
	}
	if len(names) > 0 {
		b.WriteByte('\n')
	}

	if phony := sortedKeys(rs.Pseudo); len(phony) > 0 {
		fmt.Fprintf(&b, ".PHONY: %s\n", strings.Join(phony, " "))
	}
	if rs.NotParallel[""] {
		b.WriteString(".NOTPARALLEL:\n")
	} else if excl := sortedKeys(rs.NotParallel); len(excl) > 0 {
		fmt.Fprintf(&b, ".NOTPARALLEL: %s\n", strings.Join(excl, " "))
	}
	b.WriteByte('\n')

	seen := make(map[*Rule]bool)
	for _, target := range sortedRuleTargets(rs) {
		for _, r := range rs.Fixed[target] {
			if seen[r] {
				continue
			}
			seen[r] = true
			writeRule(&b, r)
		}
	}
	for _, r := range rs.Pattern {
		writeRule(&b, r)
	}
	return b.String()
}

func writeRule(b *strings.Builder, r *Rule) {
	targets := make([]string, len(r.Targets))
	for i, t := range r.Targets {
		targets[i] = t.Raw
	}
	prereqs := make([]string, len(r.Prereqs))
	for i, p := range r.Prereqs {
		prereqs[i] = p.Raw
	}
	fmt.Fprintf(b, "%s:", strings.Join(targets, " "))
	if len(prereqs) > 0 {
		fmt.Fprintf(b, " %s", strings.Join(prereqs, " "))
	}
	b.WriteByte('\n')
	for _, line := range r.Recipe {
		b.WriteByte('\t')
		if line.Silent {
			b.WriteByte('@')
		}
		if line.Ignore {
			b.WriteByte('-')
		}
		b.WriteString(line.Text)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// sortedRuleTargets lists every fixed-target key in a stable order so
// Serialize's output (and thus a round-tripped re-parse) is
// deterministic across runs.
func sortedRuleTargets(rs *RuleSet) []string {
	out := make([]string, 0, len(rs.Fixed))
	for k := range rs.Fixed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
