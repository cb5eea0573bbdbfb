package processing

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
	underlineBold = regexp.MustCompile(`__([^_\n]+?)__`)
	paddedBold    = regexp.MustCompile(`\*\*[ \t]*([^*\n]*?[^*\s])[ \t]*\*\*`)
	emptyFence    = regexp.MustCompile("```[ \t]*\n(?:[ \t]*\n)*```")
)

// Normalize canonicalises whitespace and markdown emphasis:
// line endings become \n, trailing spaces are dropped, runs of blank lines
// collapse to one, __bold__ becomes **bold**, padding inside ** markers is
// removed, empty code fences are dropped, and the result is trimmed.
//
// Emphasis is only rewritten where it stands apart from surrounding text,
// so identifiers like __init__ or my__var__x and expressions like
// 2 ** 3 ** 4 are left alone.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = trailingSpace.ReplaceAllString(s, "\n")
	s = rebold(underlineBold, s, underlineEmphasis)
	s = rebold(paddedBold, s, paddedEmphasis)
	s = emptyFence.ReplaceAllString(s, "")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// rebold rewrites each match of re accepted by keep as **$1**.
func rebold(re *regexp.Regexp, s string, keep func(s string, i, j int) bool) string {
	var b strings.Builder
	last := 0
	for _, m := range re.FindAllStringSubmatchIndex(s, -1) {
		if !keep(s, m[0], m[1]) {
			continue
		}
		b.WriteString(s[last:m[0]])
		b.WriteString("**")
		b.WriteString(s[m[2]:m[3]])
		b.WriteString("**")
		last = m[1]
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

// underlineEmphasis accepts __x__ at s[i:j] only when it opens after
// whitespace or an opening bracket or quote, and closes before whitespace
// or trailing punctuation.
func underlineEmphasis(s string, i, j int) bool {
	if i > 0 {
		prev, _ := utf8.DecodeLastRuneInString(s[:i])
		if !unicode.IsSpace(prev) && !strings.ContainsRune("([{\"'", prev) {
			return false
		}
	}
	if j < len(s) {
		next, _ := utf8.DecodeRuneInString(s[j:])
		if !unicode.IsSpace(next) && !strings.ContainsRune(".,;:!?)]}\"'", next) {
			return false
		}
	}
	return true
}

// paddedEmphasis accepts ** x ** at s[i:j] when it is not glued to a word.
// A free-standing opening marker after an operand reads as an operator.
func paddedEmphasis(s string, i, j int) bool {
	if !wordBoundary(s, i, j) {
		return false
	}
	if open := s[i+2]; open != ' ' && open != '\t' {
		return true
	}
	before := strings.TrimRight(s[:i], " \t")
	if before == "" || strings.HasSuffix(before, "\n") {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(before)
	return !isWordRune(prev) && prev != ')' && prev != ']'
}
