// Package tokenizer maps front-end text to the integer token ids consumed by
// a VITS acoustic model. SymbolTokenizer follows the model's own symbol table;
// SentencePieceTokenizer serves models trained on SentencePiece vocabularies.
package tokenizer

// Tokenizer encodes text into model token ids.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
}
