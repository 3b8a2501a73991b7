package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		per  int
		text string
		want int
	}{
		{"empty", 0, "", 0},
		{"default ratio", 0, strings.Repeat("a", 40), 10},
		{"custom ratio", 2, strings.Repeat("a", 40), 20},
		{"short text", 0, "abc", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate{CharsPerToken: tt.per}.Count(tt.text))
		})
	}
}

func TestNew_EstimateMethod(t *testing.T) {
	c := New("estimate", "gpt-4o")
	_, ok := c.(Estimate)
	assert.True(t, ok)
}

func TestSum(t *testing.T) {
	assert.Equal(t, 3, Sum(Estimate{}, "aaaa", "bbbbbbbb"))
}
