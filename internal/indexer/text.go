package indexer

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// normalizeTitle folds case and compatibility forms and reduces text to
// letters, digits and single spaces so titles can be matched against
// page text regardless of typography.
func normalizeTitle(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// appearsIn reports whether title occurs in text after normalisation.
func appearsIn(title, text string) bool {
	t := normalizeTitle(title)
	if t == "" {
		return false
	}
	return strings.Contains(" "+normalizeTitle(text)+" ", " "+t+" ")
}

// startsPage reports whether title appears near the top of a page.
func startsPage(title, text string) bool {
	lines := strings.Split(text, "\n")
	if len(lines) > 8 {
		lines = lines[:8]
	}
	return appearsIn(title, strings.Join(lines, "\n"))
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
