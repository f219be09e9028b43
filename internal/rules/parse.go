// Rule-file parser. Reads a rule file line-oriented (spec.md §4.1):
// blank lines and '#' comments are ignored, "NAME op value" lines
// assign variables, "target...: prereq..." lines open a rule whose
// immediately-following tab-indented lines are its recipe, and
// "include"/"-include" recurse. Grounded on the teacher's
// continuation-style parser (parse.go) but line-oriented rather than
// token-by-token, since GNU-make rule files don't need the teacher's
// nested-quote states at this level.
package rules

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/smak-build/smak/internal/builderr"
)

// Parser assembles a RuleSet from one or more rule files.
type Parser struct {
	rs        *RuleSet
	overrides map[string]string // command-line NAME=VALUE, outrank rule-file assignments
}

// NewParser creates a parser seeded with command-line variable
// overrides and the process environment (lowest priority, applied
// lazily by the expander when a name is otherwise unset).
func NewParser(overrides map[string]string) *Parser {
	p := &Parser{rs: NewRuleSet(), overrides: overrides}
	for name, val := range overrides {
		p.rs.Vars.SetOverride(name, val)
	}
	return p
}

// RuleSet returns the rule set assembled so far.
func (p *Parser) RuleSet() *RuleSet { return p.rs }

// ParseFile parses path into the parser's rule set. Parsing the same
// file twice into one Parser is not idempotent: its rules are added
// again (the last fixed-target definition wins) and its path is listed
// again in Files.
func (p *Parser) ParseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	abspath, err := filepath.Abs(path)
	if err != nil {
		abspath = path
	}
	p.rs.Files = append(p.rs.Files, abspath)
	return p.parseReader(f, path, filepath.Dir(abspath))
}

type parseState struct {
	file    string
	dir     string
	line    int
	current *Rule // rule awaiting recipe lines
}

func (p *Parser) parseReader(r io.Reader, file, dir string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	st := &parseState{file: file, dir: dir}

	for scanner.Scan() {
		st.line++
		raw := scanner.Text()

		if strings.HasPrefix(raw, "\t") {
			if st.current == nil {
				return builderr.Syntax(file, st.line, "recipe line without a preceding rule")
			}
			p.appendRecipeLine(st.current, raw[1:])
			continue
		}

		// A non-tab line (even blank) closes any in-progress recipe.
		st.current = nil

		trimmed := strings.TrimSpace(stripComment(raw))
		if trimmed == "" {
			continue
		}

		if err := p.parseLine(st, raw, trimmed); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (p *Parser) appendRecipeLine(r *Rule, text string) {
	silent := false
	ignore := false
	for len(text) > 0 {
		switch text[0] {
		case '@':
			silent = true
			text = text[1:]
			continue
		case '-':
			ignore = true
			text = text[1:]
			continue
		}
		break
	}
	r.Recipe = append(r.Recipe, RecipeLine{Text: text, Silent: silent, Ignore: ignore})
	r.HasRecipe = true
}

func (p *Parser) parseLine(st *parseState, raw, trimmed string) error {
	if strings.HasPrefix(trimmed, "include ") || trimmed == "include" {
		return p.parseInclude(st, strings.TrimSpace(trimmed[len("include"):]), false)
	}
	if strings.HasPrefix(trimmed, "-include ") || trimmed == "-include" {
		return p.parseInclude(st, strings.TrimSpace(trimmed[len("-include"):]), true)
	}

	if op, name, value, ok := classifyAssignment(trimmed); ok {
		p.applyAssignment(op, name, value)
		return nil
	}

	return p.parseRuleLine(st, trimmed)
}

func (p *Parser) parseInclude(st *parseState, arglist string, optional bool) error {
	for _, name := range splitWords(arglist) {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(st.dir, path)
		}
		if err := p.ParseFile(path); err != nil {
			if optional && os.IsNotExist(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func (p *Parser) applyAssignment(op, name, value string) {
	switch op {
	case ":=":
		if ExpandFunc == nil {
			p.rs.Vars.Set(name, value, true)
			break
		}
		if expanded, err := ExpandFunc(p.rs.Vars, value); err == nil {
			value = expanded
		}
		p.rs.Vars.Set(name, value, false)
	case "+=":
		p.rs.Vars.Append(name, value)
	case "?=":
		p.rs.Vars.SetConditional(name, value)
	default: // "="
		p.rs.Vars.Set(name, value, true)
	}
}

// classifyAssignment scans trimmed for a top-level assignment
// operator that precedes any rule colon, per spec.md §4.1's
// "NAME = value" / ":=" / "+=" / "?=" forms.
func classifyAssignment(trimmed string) (op, name, value string, ok bool) {
	depth := 0
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		switch {
		case c == '(' || c == '{':
			depth++
		case c == ')' || c == '}':
			if depth > 0 {
				depth--
			}
		case depth == 0 && c == ':':
			if i+1 < len(trimmed) && trimmed[i+1] == '=' {
				return ":=", strings.TrimSpace(trimmed[:i]), strings.TrimSpace(trimmed[i+2:]), true
			}
			return "", "", "", false // a bare rule colon: not an assignment
		case depth == 0 && c == '+' && i+1 < len(trimmed) && trimmed[i+1] == '=':
			return "+=", strings.TrimSpace(trimmed[:i]), strings.TrimSpace(trimmed[i+2:]), true
		case depth == 0 && c == '?' && i+1 < len(trimmed) && trimmed[i+1] == '=':
			return "?=", strings.TrimSpace(trimmed[:i]), strings.TrimSpace(trimmed[i+2:]), true
		case depth == 0 && c == '=':
			return "=", strings.TrimSpace(trimmed[:i]), strings.TrimSpace(trimmed[i+1:]), true
		}
	}
	return "", "", "", false
}

func (p *Parser) parseRuleLine(st *parseState, trimmed string) error {
	idx := strings.IndexByte(trimmed, ':')
	if idx < 0 {
		return builderr.Syntax(st.file, st.line, fmt.Sprintf("expected a rule or assignment, found %q", trimmed))
	}
	targetWords := splitWords(trimmed[:idx])
	prereqWords := splitWords(trimmed[idx+1:])

	if len(targetWords) == 1 && targetWords[0] == ".PHONY" {
		p.rs.MarkPhony(prereqWords)
		return nil
	}
	if len(targetWords) == 1 && targetWords[0] == ".NOTPARALLEL" {
		p.rs.MarkExclusive(prereqWords)
		return nil
	}

	r := &Rule{File: st.file, Line: st.line}
	isPattern := false
	for _, w := range targetWords {
		pat := Pattern{Raw: w}
		if pat.IsPattern() {
			isPattern = true
		}
		r.Targets = append(r.Targets, pat)
	}
	if len(r.Targets) == 0 {
		return builderr.Syntax(st.file, st.line, "rule with no targets")
	}
	for _, w := range prereqWords {
		r.Prereqs = append(r.Prereqs, Pattern{Raw: w})
	}

	if isPattern {
		r.Kind = KindPattern
	} else if p.rs.IsPhony(targetWords[0]) {
		r.Kind = KindPseudo
	} else {
		r.Kind = KindFixed
	}

	st.current = r
	p.rs.AddRule(r)
	return nil
}
