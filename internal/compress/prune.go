package compress

import "sort"

// Codec converts text to token ids and back. tokens.Tiktoken satisfies it.
type Codec interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// TokenPruner drops the most frequent tokens until the kept token count
// reaches the target ratio. Surviving tokens keep their order.
type TokenPruner struct {
	MinTokens int
	Codec     Codec
}

// Compress implements Compressor.
func (p *TokenPruner) Compress(text string, targetRatio float64) Result {
	if text == "" || targetRatio >= 1 || targetRatio <= 0 {
		return unchanged(text, MethodTokenPrune, false)
	}
	ids := p.Codec.Encode(text)
	if len(ids) < p.MinTokens {
		return unchanged(text, MethodTokenPrune, true)
	}

	freq := make(map[int]int, len(ids))
	for _, id := range ids {
		freq[id]++
	}
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	// Most frequent first; later positions are dropped before earlier ones.
	sort.SliceStable(order, func(a, b int) bool {
		fa, fb := freq[ids[order[a]]], freq[ids[order[b]]]
		if fa != fb {
			return fa > fb
		}
		return order[a] > order[b]
	})

	drop := len(ids) - int(float64(len(ids))*targetRatio)
	dropped := make([]bool, len(ids))
	for _, pos := range order[:drop] {
		dropped[pos] = true
	}
	kept := make([]int, 0, len(ids)-drop)
	for i, id := range ids {
		if !dropped[i] {
			kept = append(kept, id)
		}
	}
	return finish(text, p.Codec.Decode(kept), MethodTokenPrune)
}
