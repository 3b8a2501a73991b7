package compress

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/sells-group/pageindex/internal/tokens"
)

var (
	sentenceEnd = regexp.MustCompile(`[.!?]\s+`)
	wordPattern = regexp.MustCompile(`[a-z]+`)
)

// Entropic keeps the sentences with the rarest vocabulary, scored by mean
// -log(p(word)) over the whole text, and restores their original order.
type Entropic struct {
	MinTokens int
	Counter   tokens.Counter
}

// Compress implements Compressor.
func (e *Entropic) Compress(text string, targetRatio float64) Result {
	if text == "" || targetRatio >= 1 || targetRatio <= 0 {
		return unchanged(text, MethodEntropic, false)
	}
	counter := e.Counter
	if counter == nil {
		counter = tokens.Estimate{}
	}
	if counter.Count(text) < e.MinTokens {
		return unchanged(text, MethodEntropic, true)
	}

	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return unchanged(text, MethodEntropic, false)
	}

	freq := map[string]int{}
	total := 0
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		freq[w]++
		total++
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		ranked[i] = scored{idx: i, score: sentenceScore(s, freq, total)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	target := int(float64(len(text)) * targetRatio)
	keep := make([]bool, len(sentences))
	length := 0
	for _, r := range ranked {
		added := len(sentences[r.idx])
		if length > 0 {
			added++ // joining space
		}
		if abs(length+added-target) < abs(length-target) {
			keep[r.idx] = true
			length += added
		}
	}

	kept := make([]string, 0, len(sentences))
	for i, s := range sentences {
		if keep[i] {
			kept = append(kept, s)
		}
	}
	return finish(text, strings.Join(kept, " "), MethodEntropic)
}

func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[start : loc[0]+1]); s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func sentenceScore(sentence string, freq map[string]int, total int) float64 {
	words := wordPattern.FindAllString(strings.ToLower(sentence), -1)
	if len(words) == 0 || total == 0 {
		return 0
	}
	sum := 0.0
	for _, w := range words {
		f := freq[w]
		if f == 0 {
			f = 1
		}
		sum += -math.Log(float64(f)/float64(total) + 1e-10)
	}
	return sum / float64(len(words))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
