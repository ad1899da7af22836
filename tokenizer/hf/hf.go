// Package hf encodes text with the HuggingFace tokenizers library through
// its Rust bindings. It needs libtokenizers at link time.
package hf

import (
	"fmt"
	"path/filepath"

	"github.com/daulet/tokenizers"

	"nano-genai-go/tokenizer"
)

// Encoder is a native tokenizer.json encoder.
type Encoder struct {
	tk *tokenizers.Tokenizer
}

// Open loads tokenizer.json from dir.
func Open(dir string) (*Encoder, error) {
	tk, err := tokenizers.FromFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load native tokenizer: %w", err)
	}
	return &Encoder{tk: tk}, nil
}

// Encode tokenizes text without adding special tokens.
func (e *Encoder) Encode(text string) ([]int32, error) {
	ids, _ := e.tk.Encode(text, false)
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out, nil
}

// Close frees the native tokenizer.
func (e *Encoder) Close() error {
	return e.tk.Close()
}

// Load reads the token table with package tokenizer and encodes natively.
func Load(dir string, eos []int32) (*tokenizer.Tokenizer, error) {
	tok, err := tokenizer.Load(dir, eos)
	if err != nil {
		return nil, err
	}
	enc, err := Open(dir)
	if err != nil {
		return nil, err
	}
	tok.SetEncoder(enc)
	return tok, nil
}
