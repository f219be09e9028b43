package rules

import (
	"strings"
	"unicode"
)

type tokenType int

const (
	tokenWord tokenType = iota
	tokenColon
	tokenAssign // value holds the operator: "=", ":=", "+=", "?="
	tokenNewline
	tokenRecipe
)

type token struct {
	typ  tokenType
	val  string
	line int
}

// lineLexer and the token types above have no methods and are not used
// by the parser. Lines are split by splitWords below, a direct,
// word-oriented simplification of the teacher's rune-at-a-time
// lex.go: GNU-make rule files don't need the teacher's nested
// quoting/backtick states at the target/prereq level, but splitting on
// whitespace still has to respect $(...)/${...} nesting so a function
// call containing spaces (e.g. "$(if $(X), a, b)") isn't torn apart.
type lineLexer struct {
	line int
}

// splitWords splits s into whitespace-separated fields, treating
// $(...)/${...} as opaque (nesting-aware) so embedded spaces don't
// split a word, and stripping an unquoted '#' comment to end of line.
func splitWords(s string) []string {
	s = stripComment(s)
	var words []string
	var cur strings.Builder
	depth := 0
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '(' || c == '{':
			depth++
			cur.WriteByte(c)
		case c == ')' || c == '}':
			if depth > 0 {
				depth--
			}
			cur.WriteByte(c)
		case depth == 0 && unicode.IsSpace(rune(c)):
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return words
}

// stripComment removes a '#' comment, honoring $(...) nesting so a
// function argument containing '#' (rare, but e.g. a shell fragment)
// isn't truncated mid-expansion.
func stripComment(s string) string {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '{':
			depth++
		case ')', '}':
			if depth > 0 {
				depth--
			}
		case '#':
			if depth == 0 {
				return s[:i]
			}
		}
	}
	return s
}

// assignOp checks whether s is (or begins with) a recognized
// assignment operator, as when the operator arrives as its own word or
// glued to its value (":=value"). It returns the operator and the
// leftover suffix glued to it, if any.
func assignOp(s string) (op string, rest string, ok bool) {
	for _, candidate := range []string{":=", "+=", "?=", "="} {
		if strings.HasPrefix(s, candidate) {
			return candidate, s[len(candidate):], true
		}
	}
	return "", "", false
}
