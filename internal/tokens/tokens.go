// Package tokens estimates the token length of text spans for budget decisions.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Counter returns the token length of a text span.
type Counter interface {
	Count(text string) int
}

// Estimate approximates tokens as characters divided by CharsPerToken.
type Estimate struct {
	CharsPerToken int
}

// Count returns the estimated token count.
func (e Estimate) Count(text string) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}
	return len(text) / per
}

// Tiktoken counts tokens with a BPE encoding.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the encoding for model, falling back to cl100k_base.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return &Tiktoken{enc: enc}, nil
}

// Count returns the number of BPE tokens in text.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// Encode returns the BPE token ids for text.
func (t *Tiktoken) Encode(text string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(text, nil, nil)
}

// Decode converts token ids back into text.
func (t *Tiktoken) Decode(ids []int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Decode(ids)
}

// New returns a counter for method ("tiktoken" or "estimate"). A tiktoken
// encoding that cannot be loaded degrades to the estimate.
func New(method, model string) Counter {
	if method != "tiktoken" {
		return Estimate{}
	}
	tk, err := NewTiktoken(model)
	if err != nil {
		zap.L().Warn("tokens: tiktoken unavailable, using estimate", zap.String("model", model), zap.Error(err))
		return Estimate{}
	}
	return tk
}

// Sum counts every text and returns the total.
func Sum(c Counter, texts ...string) int {
	n := 0
	for _, t := range texts {
		n += c.Count(t)
	}
	return n
}
