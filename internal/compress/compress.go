// Package compress reduces context blobs toward a target size ratio.
package compress

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/pageindex/internal/tokens"
)

// Methods accepted by New.
const (
	MethodNone       = "none"
	MethodEntropic   = "entropic"
	MethodTokenPrune = "token_prune"
)

// Result describes one compression. Lengths are in bytes.
type Result struct {
	Text             string  `json:"text"`
	OriginalLength   int     `json:"original_length"`
	CompressedLength int     `json:"compressed_length"`
	Ratio            float64 `json:"ratio"`
	Method           string  `json:"method"`
	Skipped          bool    `json:"skipped,omitempty"`
}

// Compressor shrinks text to roughly targetRatio of its original length.
type Compressor interface {
	Compress(text string, targetRatio float64) Result
}

// New returns the compressor named by method. Token pruning needs a codec.
func New(method string, minTokens int, counter tokens.Counter, codec Codec) (Compressor, error) {
	switch method {
	case "", MethodNone, "noop":
		return Noop{}, nil
	case MethodEntropic:
		return &Entropic{MinTokens: minTokens, Counter: counter}, nil
	case MethodTokenPrune:
		if codec == nil {
			return nil, eris.New("compress: token_prune requires the tiktoken tokenizer")
		}
		return &TokenPruner{MinTokens: minTokens, Codec: codec}, nil
	default:
		return nil, eris.Errorf("compress: unknown method %q", method)
	}
}

// Noop returns its input unchanged.
type Noop struct{}

// Compress implements Compressor.
func (Noop) Compress(text string, _ float64) Result {
	return unchanged(text, MethodNone, false)
}

func unchanged(text, method string, skipped bool) Result {
	return Result{
		Text:             text,
		OriginalLength:   len(text),
		CompressedLength: len(text),
		Ratio:            1.0,
		Method:           method,
		Skipped:          skipped,
	}
}

func finish(original, compressed, method string) Result {
	r := Result{
		Text:             compressed,
		OriginalLength:   len(original),
		CompressedLength: len(compressed),
		Method:           method,
		Ratio:            1.0,
	}
	if len(original) > 0 {
		r.Ratio = float64(len(compressed)) / float64(len(original))
	}
	return r
}
