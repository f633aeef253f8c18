package tokenizer

import (
	"errors"
	"fmt"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
)

// ErrEmptyPath is returned when NewSentencePieceTokenizer is called with an empty path.
var ErrEmptyPath = errors.New("tokenizer model path must not be empty")

// SentencePieceTokenizer encodes text with a UNIGRAM SentencePiece model for
// VITS checkpoints trained on subword vocabularies.
type SentencePieceTokenizer struct {
	proc     gosp.Sentencepiece
	offset   int64
	addBlank bool
}

// SentencePieceOption configures a SentencePieceTokenizer.
type SentencePieceOption func(*SentencePieceTokenizer)

// WithIDOffset shifts every piece id, for graphs that reserve the low ids
// for padding or the blank symbol.
func WithIDOffset(n int64) SentencePieceOption {
	return func(t *SentencePieceTokenizer) { t.offset = n }
}

// WithBlank intersperses BlankID around every piece, matching add_blank in
// the model hyper-parameters.
func WithBlank(on bool) SentencePieceOption {
	return func(t *SentencePieceTokenizer) { t.addBlank = on }
}

// NewSentencePieceTokenizer loads a SentencePiece model from modelPath.
func NewSentencePieceTokenizer(modelPath string, opts ...SentencePieceOption) (*SentencePieceTokenizer, error) {
	if modelPath == "" {
		return nil, ErrEmptyPath
	}

	proc, err := gosp.NewSentencepieceFromFile(modelPath, false)
	if err != nil {
		return nil, fmt.Errorf("load sentencepiece model %q: %w", modelPath, err)
	}

	t := &SentencePieceTokenizer{proc: proc}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Encode implements Tokenizer.
func (t *SentencePieceTokenizer) Encode(text string) ([]int64, error) {
	if text == "" {
		return []int64{}, nil
	}

	return pieceIDs(t.proc.TokenizeToIDs(text), t.offset, t.addBlank), nil
}

func pieceIDs[T ~int32 | ~int | ~int64](pieces []T, offset int64, addBlank bool) []int64 {
	ids := make([]int64, len(pieces))
	for i, id := range pieces {
		ids[i] = int64(id) + offset
	}

	if addBlank {
		return Intersperse(ids, BlankID)
	}

	return ids
}
