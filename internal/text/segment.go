package text

import (
	"errors"
	"fmt"

	"github.com/example/go-vits-stream/internal/stream"
)

// ErrNoTokens is returned when no segment of the input maps to any token.
var ErrNoTokens = errors.New("text produced no tokens")

// Tokenizer is the minimal interface required by Prepare.
// It is satisfied by tokenizer.Tokenizer from the tokenizer package.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
}

// Prepare normalizes input, splits it into sentence chunks of at most
// maxChars runes and encodes each chunk. Chunks that encode to no tokens
// are dropped.
func Prepare(input string, tok Tokenizer, maxChars int) ([]stream.Segment, error) {
	normalized, err := Normalize(input)
	if err != nil {
		return nil, err
	}

	var segments []stream.Segment
	for _, chunk := range ChunkBySentence(normalized, maxChars) {
		ids, err := tok.Encode(chunk)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", chunk, err)
		}
		if len(ids) == 0 {
			continue
		}

		segments = append(segments, stream.Segment{Text: chunk, Tokens: ids})
	}

	if len(segments) == 0 {
		return nil, ErrNoTokens
	}

	return segments, nil
}
