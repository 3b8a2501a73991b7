package indexer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/pageindex/internal/model"
)

var (
	tocHeading = regexp.MustCompile(`(?im)^\s*(?:table\s+of\s+)?contents\s*$`)
	tocLine    = regexp.MustCompile(`^\s*(?:(?i:chapter|section|part|article)\s+)?(?:(\d+(?:\.\d+)*)[.):]?\s+)?(\S.*?\S)(?:\s*[.·…_]{2,}\s*|\s+)(\d{1,4})\s*$`)
	tocBare    = regexp.MustCompile(`^\s*(?:(?i:chapter|section|part|article)\s+)?(\d+(?:\.\d+)*)[.):]?\s+(\p{L}.{1,100})$`)
	leaderLine = regexp.MustCompile(`[.·…_]{3,}\s*\d{1,4}\s*$`)
	numbered   = regexp.MustCompile(`^\s*(\d+(?:\.\d+)*)[.)]?\s+(\p{Lu}.{1,78})$`)
	markdown   = regexp.MustCompile(`^\s*(#{1,6})\s+(.{2,80})$`)
	hasLetter  = regexp.MustCompile(`\p{L}`)
)

// hint is a heading line found in the body text.
type hint struct {
	Structure string `json:"structure,omitempty"`
	Title     string `json:"title"`
	Page      int    `json:"page"`
}

// scan is everything the heuristic pass learned about a document.
type scan struct {
	tocPages  []int
	entries   []entry
	withPages bool
	offset    int
	hints     []hint
}

// scanDocument looks for a table of contents in the first checkPages pages
// and collects heading hints from the whole document.
func scanDocument(pages []model.PageContent, checkPages int) *scan {
	s := &scan{}
	limit := len(pages)
	if checkPages > 0 && checkPages < limit {
		limit = checkPages
	}

	for i := 0; i < limit; i++ {
		headed := tocHeading.MatchString(pages[i].Text)
		lines := tocLines(pages[i].Text, headed)
		if !isTOCPage(pages[i].Text, headed, lines) {
			if len(s.tocPages) > 0 {
				break
			}
			continue
		}
		s.tocPages = append(s.tocPages, pages[i].PageNumber)
		s.entries = append(s.entries, lines...)
	}

	if len(s.entries) > 0 {
		numberEntries(s.entries)
		for _, e := range s.entries {
			if e.Page > 0 {
				s.withPages = true
				break
			}
		}
	}
	if s.withPages {
		s.offset = pageOffset(s.entries, pages, s.lastTOCPage())
	}
	s.hints = headingHints(pages, s.tocPages)
	return s
}

func (s *scan) lastTOCPage() int {
	if len(s.tocPages) == 0 {
		return 0
	}
	return s.tocPages[len(s.tocPages)-1]
}

// isTOCPage accepts a page with a contents heading and at least two entry
// lines, or any page with three or more dot-leader lines.
func isTOCPage(text string, headed bool, lines []entry) bool {
	if headed && len(lines) >= 2 {
		return true
	}
	leaders := 0
	for _, l := range strings.Split(text, "\n") {
		if leaderLine.MatchString(l) {
			leaders++
		}
	}
	return leaders >= 3
}

// tocLines parses "title .... page" lines on a page. Under a contents
// heading, numbered lines without a page number are kept as titles only.
func tocLines(text string, headed bool) []entry {
	var out []entry
	for _, line := range strings.Split(text, "\n") {
		m := tocLine.FindStringSubmatch(line)
		if m == nil || !hasLetter.MatchString(m[2]) {
			if b := tocBare.FindStringSubmatch(line); headed && b != nil {
				out = append(out, entry{Structure: b[1], Title: strings.TrimSpace(b[2])})
			}
			continue
		}
		title := strings.TrimRight(strings.TrimSpace(m[2]), ".·…_ ")
		if tocHeading.MatchString(title) || len(title) > 120 {
			continue
		}
		page, _ := strconv.Atoi(m[3])
		out = append(out, entry{Structure: m[1], Title: title, Page: flexInt(page)})
	}
	return out
}

// numberEntries gives flat sequential codes to entries that carry none.
func numberEntries(entries []entry) {
	n := 0
	for i := range entries {
		if entries[i].Structure == "" {
			n++
			entries[i].Structure = strconv.Itoa(n)
		}
	}
}

// pageOffset returns the most common difference between the physical page
// where a TOC title opens a page and its printed page number.
func pageOffset(entries []entry, pages []model.PageContent, afterPage int) int {
	votes := make(map[int]int)
	for _, e := range entries {
		if e.Page <= 0 {
			continue
		}
		for _, p := range pages {
			if p.PageNumber <= afterPage {
				continue
			}
			if startsPage(e.Title, p.Text) {
				votes[p.PageNumber-int(e.Page)]++
				break
			}
		}
	}
	if len(votes) == 0 {
		return 0
	}
	offsets := make([]int, 0, len(votes))
	for o := range votes {
		offsets = append(offsets, o)
	}
	sort.Slice(offsets, func(i, j int) bool {
		a, b := offsets[i], offsets[j]
		if votes[a] != votes[b] {
			return votes[a] > votes[b]
		}
		if abs(a) != abs(b) {
			return abs(a) < abs(b)
		}
		return a < b
	})
	return offsets[0]
}

// physicalEntries applies the page offset to TOC entries.
func (s *scan) physicalEntries() []entry {
	out := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Page <= 0 {
			continue
		}
		e.Physical = physicalIndex(int(e.Page) + s.offset)
		out = append(out, e)
	}
	return out
}

// headingHints collects numbered and markdown headings outside TOC pages,
// keeping the first page each normalised title appears on.
func headingHints(pages []model.PageContent, skip []int) []hint {
	skipped := make(map[int]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}
	seen := make(map[string]bool)
	var out []hint
	for _, p := range pages {
		if skipped[p.PageNumber] {
			continue
		}
		for _, line := range strings.Split(p.Text, "\n") {
			h, ok := headingLine(line)
			if !ok {
				continue
			}
			key := normalizeTitle(h.Title)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			h.Page = p.PageNumber
			out = append(out, h)
		}
	}
	return out
}

func headingLine(line string) (hint, bool) {
	if m := markdown.FindStringSubmatch(line); m != nil {
		return hint{Title: strings.TrimSpace(strings.Trim(m[2], "#"))}, true
	}
	m := numbered.FindStringSubmatch(line)
	if m == nil || len(strings.Fields(m[2])) > 12 {
		return hint{}, false
	}
	title := strings.TrimSpace(m[2])
	if strings.HasSuffix(title, ".") || leaderLine.MatchString(title) {
		return hint{}, false
	}
	return hint{Structure: m[1], Title: title}, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
