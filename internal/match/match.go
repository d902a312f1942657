// Package match holds the stateless line predicates and line-numbering helpers
// shared by the tailer, the watch context and the search handlers.
package match

import (
	"regexp"
	"strconv"
	"strings"
)

// InvalidPattern is the sole search result returned when a regex pattern does
// not compile.
const InvalidPattern = "loggyxp: invalid regex pattern"

// ContainsFold reports whether s contains substr, ignoring case. An empty
// substr never matches.
func ContainsFold(s, substr string) bool {
	if substr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Compile compiles a user-supplied regex pattern.
func Compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

// Number renders a line as "<n>: <content>".
func Number(n int, content string) string {
	return strconv.Itoa(n) + ": " + content
}

// Content strips the "<n>: " prefix from a numbered line. Lines without the
// prefix are returned unchanged.
func Content(line string) string {
	if _, rest, ok := strings.Cut(line, ": "); ok {
		return rest
	}
	return line
}

// SplitLines splits text on '\n'. A trailing '\r' is stripped from each line
// and a trailing newline does not produce a final empty line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	parts := strings.Split(text, "\n")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return parts
}

// Literal returns every line of text whose content contains needle (case
// insensitively), numbered from 1. An empty needle yields no matches.
func Literal(text, needle string) []string {
	if needle == "" {
		return nil
	}
	lowered := strings.ToLower(needle)
	var out []string
	for i, line := range SplitLines(text) {
		if strings.Contains(strings.ToLower(line), lowered) {
			out = append(out, Number(i+1, line))
		}
	}
	return out
}

// Regex returns every line of text matching re, numbered from 1.
func Regex(text string, re *regexp.Regexp) []string {
	var out []string
	for i, line := range SplitLines(text) {
		if re.MatchString(line) {
			out = append(out, Number(i+1, line))
		}
	}
	return out
}
