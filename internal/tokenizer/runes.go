package tokenizer

import "unicode"

// RuneTokenizer maps every non-space rune to its lower-cased code point. It
// needs no model file and is the fallback front-end for the tone backend.
type RuneTokenizer struct{}

// Encode implements Tokenizer.
func (RuneTokenizer) Encode(text string) ([]int64, error) {
	tokens := make([]int64, 0, len(text))
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}

		tokens = append(tokens, int64(unicode.ToLower(r)))
	}

	return tokens, nil
}
