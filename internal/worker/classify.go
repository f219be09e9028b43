// Shell-avoidance classifier: decides whether a command string can run
// directly via os/exec (fork/exec, no shell) or needs a real shell.
// Grounded on the teacher's direct exec.Command path in recipe.go,
// generalized from plan9 rc invocation to POSIX-shell syntax detection
// per spec.md §4.6.
package worker

import "strings"

// shellKeywords requires a real shell: these are shell-grammar
// keywords, not ordinary command names.
var shellKeywords = map[string]bool{
	"if": true, "then": true, "else": true, "elif": true, "fi": true,
	"while": true, "do": true, "done": true, "for": true,
	"case": true, "esac": true, "until": true, "select": true, "function": true,
}

// shellBuiltins only make sense inside a shell (they mutate shell
// state or depend on it), so they force the shell fallback too.
var shellBuiltins = map[string]bool{
	"cd": true, "export": true, "source": true, ".": true,
}

// needsShell implements spec.md §4.6 step 2's rejection list:
// pipes/backticks/substitution/redirection/globs/braces/double-bracket
// tests/logical-and-or/subshells/keywords/shell builtins.
func needsShell(cmd string) bool {
	if containsUnquotedAny(cmd, "|`$;") {
		return true
	}
	if containsUnquotedSubstr(cmd, "&&") || containsUnquotedSubstr(cmd, "||") {
		return true
	}
	if containsUnquotedSubstr(cmd, "[[") {
		return true
	}
	if containsUnquotedAny(cmd, "(") {
		return true
	}
	if hasUnescapedRedirect(cmd) {
		return true
	}
	if containsUnquotedAny(cmd, "*?") || containsUnquotedSubstr(cmd, "{") {
		return true
	}
	for _, word := range fieldsRespectingQuotes(cmd) {
		if shellKeywords[word] || shellBuiltins[word] {
			return true
		}
	}
	return false
}

// hasUnescapedRedirect looks for '<' or '>' outside quotes, except the
// accepted "stderr merge" form ">&".
func hasUnescapedRedirect(cmd string) bool {
	inSingle, inDouble, escaped := false, false, false
	runes := []rune(cmd)
	for i, c := range runes {
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if !inSingle {
				escaped = true
			}
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '<':
			if !inSingle && !inDouble {
				return true
			}
		case '>':
			if !inSingle && !inDouble {
				if i+1 < len(runes) && runes[i+1] == '&' {
					continue
				}
				return true
			}
		}
	}
	return false
}

func containsUnquotedAny(cmd, chars string) bool {
	inSingle, inDouble, escaped := false, false, false
	for _, c := range cmd {
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if !inSingle {
				escaped = true
			}
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		default:
			// '$' and '`' keep their meaning inside double quotes.
			active := !inDouble || c == '$' || c == '`'
			if !inSingle && active && strings.ContainsRune(chars, c) {
				return true
			}
		}
	}
	return false
}

func containsUnquotedSubstr(cmd, substr string) bool {
	inSingle, inDouble, escaped := false, false, false
	runes := []rune(cmd)
	target := []rune(substr)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if !inSingle {
				escaped = true
			}
			continue
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
			continue
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
			continue
		}
		if inSingle || inDouble {
			continue
		}
		if i+len(target) <= len(runes) && string(runes[i:i+len(target)]) == substr {
			return true
		}
	}
	return false
}

// fieldsRespectingQuotes splits cmd on unquoted whitespace.
func fieldsRespectingQuotes(cmd string) []string {
	var fields []string
	var cur strings.Builder
	inSingle, inDouble, escaped := false, false, false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for _, c := range cmd {
		if escaped {
			cur.WriteRune(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case !inSingle && !inDouble && (c == ' ' || c == '\t'):
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return fields
}

// tokenize splits cmd into argv, honoring '...', "...", and backslash
// quoting, for the direct fork/exec path (spec.md §4.6 step 2).
func tokenize(cmd string) []string {
	return fieldsRespectingQuotes(cmd)
}
