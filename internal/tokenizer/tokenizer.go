// Package tokenizer converts between prompt text and token ids.
package tokenizer

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

// ErrUnknownID is returned by Decode for an id outside the vocabulary.
var ErrUnknownID = errors.New("unknown token id")

// Tokenizer is the boundary the orchestrator talks to.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

// SpecialSkipper is implemented by tokenizers that can leave special tokens
// out of decoded text.
type SpecialSkipper interface {
	DecodeSkipSpecial(ids []int) (string, error)
}

// DecodeText decodes ids for display, dropping special tokens when tok can.
func DecodeText(tok Tokenizer, ids []int) (string, error) {
	if s, ok := tok.(SpecialSkipper); ok {
		return s.DecodeSkipSpecial(ids)
	}
	return tok.Decode(ids)
}

// NumericSource selects the Numeric tokenizer in Open.
const NumericSource = "numeric"

// Open picks a tokenizer from source: "numeric" for Numeric, an http(s) URL
// for Remote, or empty to load tokenizer.json from dir in fsys.
func Open(source string, fsys fs.FS, dir string) (Tokenizer, error) {
	switch {
	case source == NumericSource:
		return Numeric{}, nil
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return NewRemote(source), nil
	case source == "":
		if fsys == nil {
			return nil, errors.New("no tokenizer configured and no checkpoint to load one from")
		}
		return LoadHF(fsys, dir)
	default:
		return nil, fmt.Errorf("unrecognised tokenizer source %q", source)
	}
}

// Numeric treats text as whitespace-separated integer ids. It lets a
// pipeline run without a vocabulary.
type Numeric struct{}

// Encode implements Tokenizer.
func (Numeric) Encode(text string) ([]int, error) {
	fields := strings.Fields(text)
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("numeric tokenizer: %q is not a token id", f)
		}
		if id < 0 {
			return nil, fmt.Errorf("numeric tokenizer: negative id %d", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode implements Tokenizer.
func (Numeric) Decode(ids []int) (string, error) {
	var b strings.Builder
	for i, id := range ids {
		if id < 0 {
			return "", fmt.Errorf("%w: %d", ErrUnknownID, id)
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(id))
	}
	return b.String(), nil
}
