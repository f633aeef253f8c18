package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// BlankID is the id interspersed between symbols when add_blank is set.
const BlankID int64 = 0

// ErrEmptySymbols is returned when a symbol table has no entries.
var ErrEmptySymbols = errors.New("symbol table is empty")

// SymbolTokenizer maps text onto a VITS symbol table. Whitespace-separated
// fields that match a whole symbol (phonemes such as "sh" or "ang1") map
// directly; anything else is looked up rune by rune. Unknown runes are
// skipped.
type SymbolTokenizer struct {
	ids      map[string]int64
	addBlank bool
	space    int64
	hasSpace bool
}

// NewSymbolTokenizer builds a tokenizer from the ordered symbol list of a
// model's hyper-parameters. Symbol i gets id i.
func NewSymbolTokenizer(symbols []string, addBlank bool) (*SymbolTokenizer, error) {
	if len(symbols) == 0 {
		return nil, ErrEmptySymbols
	}

	ids := make(map[string]int64, len(symbols))
	for i, s := range symbols {
		if _, dup := ids[s]; dup {
			return nil, fmt.Errorf("duplicate symbol %q at index %d", s, i)
		}
		ids[s] = int64(i)
	}

	t := &SymbolTokenizer{ids: ids, addBlank: addBlank}
	t.space, t.hasSpace = ids[" "]

	return t, nil
}

// Size returns the number of symbols in the table.
func (t *SymbolTokenizer) Size() int { return len(t.ids) }

// Encode implements Tokenizer.
func (t *SymbolTokenizer) Encode(text string) ([]int64, error) {
	var seq []int64

	fields := strings.FieldsFunc(text, unicode.IsSpace)
	for i, f := range fields {
		if i > 0 && t.hasSpace {
			seq = append(seq, t.space)
		}

		if id, ok := t.ids[f]; ok {
			seq = append(seq, id)
			continue
		}

		for _, r := range f {
			if id, ok := t.ids[string(r)]; ok {
				seq = append(seq, id)
			}
		}
	}

	if t.addBlank {
		seq = Intersperse(seq, BlankID)
	}

	return seq, nil
}

// Intersperse returns seq with item placed before, between and after every
// element, so len(out) == 2*len(seq)+1. An empty seq stays empty.
func Intersperse(seq []int64, item int64) []int64 {
	if len(seq) == 0 {
		return seq
	}

	out := make([]int64, 2*len(seq)+1)
	for i := range out {
		out[i] = item
	}
	for i, v := range seq {
		out[2*i+1] = v
	}

	return out
}
