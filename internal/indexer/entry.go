package indexer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// entry is one flat table-of-contents item before tree construction.
type entry struct {
	Structure string        `json:"structure,omitempty"`
	Title     string        `json:"title"`
	Page      flexInt       `json:"page,omitempty"`
	Physical  physicalIndex `json:"physical_index,omitempty"`
}

var digitsPattern = regexp.MustCompile(`\d+`)

// physicalIndex is a 1-based physical page. The model may answer with
// "<physical_index_7>", "7" or 7. Zero means unknown.
type physicalIndex int

func (p *physicalIndex) UnmarshalJSON(b []byte) error {
	*p = 0
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] != '"' {
		var f float64
		if err := json.Unmarshal(b, &f); err != nil {
			return nil
		}
		*p = physicalIndex(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	if i := strings.LastIndex(s, "physical_index"); i >= 0 {
		s = s[i:]
	}
	if m := digitsPattern.FindString(s); m != "" {
		n, _ := strconv.Atoi(m)
		*p = physicalIndex(n)
	}
	return nil
}

func (p physicalIndex) MarshalJSON() ([]byte, error) {
	if p <= 0 {
		return []byte("null"), nil
	}
	return json.Marshal(fmt.Sprintf("<physical_index_%d>", int(p)))
}

// flexInt accepts numbers and numeric strings such as "12" or "p. 12".
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	*f = 0
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] != '"' {
		var v float64
		if err := json.Unmarshal(b, &v); err == nil {
			*f = flexInt(v)
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	if m := digitsPattern.FindString(s); m != "" {
		n, _ := strconv.Atoi(m)
		*f = flexInt(n)
	}
	return nil
}

// UnmarshalJSON tolerates numeric structure codes.
func (e *entry) UnmarshalJSON(b []byte) error {
	type plain entry
	var raw struct {
		plain
		Structure json.RawMessage `json:"structure"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = entry(raw.plain)
	e.Structure = ""
	if len(raw.Structure) > 0 && !bytes.Equal(raw.Structure, []byte("null")) {
		var s string
		if json.Unmarshal(raw.Structure, &s) == nil {
			e.Structure = s
		} else {
			e.Structure = strings.Trim(string(raw.Structure), `"`)
		}
	}
	e.Structure = strings.TrimSuffix(strings.TrimSpace(e.Structure), ".")
	e.Title = strings.TrimSpace(e.Title)
	return nil
}

// tocResponse accepts either a bare array or {"table_of_contents": [...]}.
type tocResponse []entry

func (t *tocResponse) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []entry
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*t = list
		return nil
	}
	var wrapped struct {
		TOC      []entry `json:"table_of_contents"`
		Sections []entry `json:"sections"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	if wrapped.TOC != nil {
		*t = wrapped.TOC
	} else {
		*t = wrapped.Sections
	}
	return nil
}

func sortByPhysical(entries []entry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Physical < entries[j].Physical })
}

// cleanEntries drops untitled entries, physical indices outside [1,total]
// and entries that go backwards relative to the previous kept entry.
func cleanEntries(entries []entry, total int) []entry {
	out := make([]entry, 0, len(entries))
	last := 0
	for _, e := range entries {
		if e.Title == "" {
			continue
		}
		p := int(e.Physical)
		if p < 1 || p > total {
			continue
		}
		if p < last {
			continue
		}
		last = p
		out = append(out, e)
	}
	return out
}

// withPreface inserts a preface entry when the first section starts after page 1.
func withPreface(entries []entry) []entry {
	if len(entries) == 0 || entries[0].Physical <= 1 {
		return entries
	}
	preface := entry{Structure: "0", Title: "Preface", Physical: 1}
	return append([]entry{preface}, entries...)
}

// mergeEntries unions entries found in different page groups, dropping
// repeats of the same title on the same page and ordering by physical page.
func mergeEntries(lists ...[]entry) []entry {
	seen := make(map[string]bool)
	var out []entry
	for _, list := range lists {
		for _, e := range list {
			if e.Physical <= 0 || e.Title == "" {
				continue
			}
			key := normalizeTitle(e.Title) + "|" + strconv.Itoa(int(e.Physical))
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
	}
	sortByPhysical(out)
	return out
}

// section is a mutable tree node used while building.
type section struct {
	structure string
	title     string
	start     int
	end       int
	children  []*section
	synthetic bool
	tokens    int
}

// buildSections nests entries by structure code prefix and assigns page
// ranges so that siblings never overlap and children stay inside parents.
func buildSections(entries []entry, total int) []*section {
	var roots []*section
	var stack []*section
	for _, e := range entries {
		s := &section{structure: e.Structure, title: e.Title, start: int(e.Physical)}
		for len(stack) > 0 && !isChildCode(stack[len(stack)-1].structure, s.structure) {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, s)
		} else {
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, s)
		}
		stack = append(stack, s)
	}
	return assignRanges(roots, 1, total)
}

func isChildCode(parent, child string) bool {
	return parent != "" && child != "" && strings.HasPrefix(child, parent+".")
}

// assignRanges fits siblings into [lo, hi]. Siblings starting on the same page
// are merged into the first; siblings starting after hi are dropped.
func assignRanges(siblings []*section, lo, hi int) []*section {
	var kept []*section
	for _, s := range siblings {
		if s.start < lo {
			s.start = lo
		}
		if s.start > hi {
			continue
		}
		if n := len(kept); n > 0 && kept[n-1].start == s.start {
			prev := kept[n-1]
			prev.title = prev.title + " / " + s.title
			prev.children = append(prev.children, s.children...)
			continue
		}
		kept = append(kept, s)
	}
	for i, s := range kept {
		s.end = hi
		if i+1 < len(kept) {
			s.end = kept[i+1].start - 1
		}
		s.children = assignRanges(s.children, s.start, s.end)
	}
	return kept
}

// walkSections visits sections depth-first.
func walkSections(sections []*section, fn func(s *section, depth int)) {
	var visit func(list []*section, depth int)
	visit = func(list []*section, depth int) {
		for _, s := range list {
			fn(s, depth)
			visit(s.children, depth+1)
		}
	}
	visit(sections, 0)
}
