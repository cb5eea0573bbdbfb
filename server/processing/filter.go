package processing

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/teilomillet/lorebridge/chat"
)

type wordRule struct {
	re          *regexp.Regexp
	replacement string
}

// wordFilter redacts forbidden words and phrases. Matching is
// case-insensitive and whole-word: a match is only accepted when the
// characters on both sides are not letters, digits or underscores.
type wordFilter struct {
	rules []wordRule
}

func newWordFilter(words []string, replacements map[string]string) (*wordFilter, error) {
	repl := make(map[string]string, len(replacements))
	for k, v := range replacements {
		repl[strings.ToLower(strings.TrimSpace(k))] = v
	}

	seen := make(map[string]struct{}, len(words))
	uniq := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		uniq = append(uniq, w)
	}
	// Longer phrases first so "butterflies in stomach" wins over "butterflies".
	sort.SliceStable(uniq, func(i, j int) bool {
		if len(uniq[i]) != len(uniq[j]) {
			return len(uniq[i]) > len(uniq[j])
		}
		return uniq[i] < uniq[j]
	})

	f := &wordFilter{}
	for _, w := range uniq {
		parts := strings.Fields(w)
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(p)
		}
		re, err := regexp.Compile(`(?i)` + strings.Join(parts, `\s+`))
		if err != nil {
			return nil, err
		}
		f.rules = append(f.rules, wordRule{re: re, replacement: repl[w]})
	}
	return f, nil
}

func (f *wordFilter) apply(c chat.Conversation) chat.Conversation {
	if len(f.rules) == 0 {
		return c.Clone()
	}
	return c.Map(f.Redact)
}

// Redact applies every rule to s.
func (f *wordFilter) Redact(s string) string {
	for _, r := range f.rules {
		s = r.apply(s)
	}
	return s
}

func (r wordRule) apply(s string) string {
	var b strings.Builder
	last, start := 0, 0
	for start <= len(s) {
		loc := r.re.FindStringIndex(s[start:])
		if loc == nil {
			break
		}
		i, j := start+loc[0], start+loc[1]
		if j == i {
			break
		}
		if !wordBoundary(s, i, j) {
			_, size := utf8.DecodeRuneInString(s[i:])
			start = i + size
			continue
		}
		if b.Len() == 0 {
			b.Grow(len(s))
		}
		b.WriteString(s[last:i])
		b.WriteString(r.substitute(s[i:j]))
		last, start = j, j
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

// substitute returns the configured replacement, capitalised like the
// match, or a mask of the same rune length.
func (r wordRule) substitute(match string) string {
	if r.replacement == "" {
		return strings.Repeat("*", utf8.RuneCountInString(match))
	}
	first, _ := utf8.DecodeRuneInString(match)
	if unicode.IsUpper(first) {
		rr, size := utf8.DecodeRuneInString(r.replacement)
		return string(unicode.ToUpper(rr)) + r.replacement[size:]
	}
	return r.replacement
}

func wordBoundary(s string, i, j int) bool {
	if i > 0 {
		prev, _ := utf8.DecodeLastRuneInString(s[:i])
		if isWordRune(prev) {
			return false
		}
	}
	if j < len(s) {
		next, _ := utf8.DecodeRuneInString(s[j:])
		if isWordRune(next) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
