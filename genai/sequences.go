package genai

import (
	"fmt"

	"nano-genai-go/device"
)

// Sequences holds the token history of every batch row. All rows share one
// length; rows that finished early are padded by the search.
type Sequences struct {
	rows      int
	maxLength int
	length    int
	buf       device.Span[int32]
	scratch   []int32
}

// NewSequences allocates rows*maxLength tokens on iface.
func NewSequences(iface device.Interface, rows, maxLength int) (*Sequences, error) {
	buf, err := device.Allocate[int32](iface, rows*maxLength)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate sequences: %w: %w", ErrAllocation, err)
	}
	return &Sequences{rows: rows, maxLength: maxLength, buf: buf}, nil
}

// Len returns the number of tokens in every row
func (s *Sequences) Len() int { return s.length }

// Rows returns the number of rows
func (s *Sequences) Rows() int { return s.rows }

// MaxLength returns the row capacity
func (s *Sequences) MaxLength() int { return s.maxLength }

// Row returns a device view of row i up to the current length.
func (s *Sequences) Row(i int) device.Span[int32] {
	return s.buf.Subspan(i*s.maxLength, s.length)
}

// RowCPU returns the host tokens of row i.
func (s *Sequences) RowCPU(i int) []int32 {
	return s.buf.CPU()[i*s.maxLength : i*s.maxLength+s.length]
}

// LastTokens returns the last token of every row, or nil when empty.
func (s *Sequences) LastTokens() []int32 {
	if s.length == 0 {
		return nil
	}
	host := s.buf.CPU()
	last := make([]int32, s.rows)
	for i := range last {
		last[i] = host[i*s.maxLength+s.length-1]
	}
	return last
}

// Append adds len(tokens)/rows tokens to every row. tokens is row-major.
func (s *Sequences) Append(tokens []int32) error {
	if len(tokens)%s.rows != 0 {
		return configErrorf("%d tokens is not a multiple of %d rows", len(tokens), s.rows)
	}
	k := len(tokens) / s.rows
	if s.length+k > s.maxLength {
		return fmt.Errorf("%w: %d + %d > %d", ErrMaxLength, s.length, k, s.maxLength)
	}
	host := s.buf.CPU()
	for r := 0; r < s.rows; r++ {
		copy(host[r*s.maxLength+s.length:], tokens[r*k:(r+1)*k])
	}
	for r := 0; r < s.rows; r++ {
		if err := s.buf.Subspan(r*s.maxLength+s.length, k).CopyCPUToDevice(); err != nil {
			return resourceError("failed to upload tokens", err)
		}
	}
	s.length += k
	return nil
}

// Reorder replaces row i with the previous row src[i], for beam search.
func (s *Sequences) Reorder(src []int32) error {
	if len(src) != s.rows {
		return configErrorf("reorder needs %d indices, got %d", s.rows, len(src))
	}
	if s.length == 0 {
		return nil
	}
	host := s.buf.CPU()
	if cap(s.scratch) < s.rows*s.length {
		s.scratch = make([]int32, s.rows*s.length)
	}
	tmp := s.scratch[:s.rows*s.length]
	for r := 0; r < s.rows; r++ {
		copy(tmp[r*s.length:(r+1)*s.length], host[r*s.maxLength:r*s.maxLength+s.length])
	}
	for r, from := range src {
		copy(host[r*s.maxLength:r*s.maxLength+s.length], tmp[int(from)*s.length:(int(from)+1)*s.length])
		if err := s.Row(r).CopyCPUToDevice(); err != nil {
			return resourceError("failed to upload reordered row", err)
		}
	}
	return nil
}

// Truncate shortens every row to n tokens.
func (s *Sequences) Truncate(n int) error {
	if n < 0 || n > s.length {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidRewind, n, s.length)
	}
	s.length = n
	return nil
}

// Release frees the token buffer. Row spans obtained earlier panic on access.
func (s *Sequences) Release() {
	if buf := s.buf.Buffer(); buf != nil {
		buf.Release()
	}
}

// TokenSequences is a ragged batch of token ids.
type TokenSequences [][]int32

// LastTokenInSequence returns the last token of sequence i.
func (ts TokenSequences) LastTokenInSequence(i int) (int32, error) {
	if i < 0 || i >= len(ts) {
		return 0, fmt.Errorf("%w: sequence %d of %d", ErrIndexOutOfRange, i, len(ts))
	}
	if len(ts[i]) == 0 {
		return 0, fmt.Errorf("%w: sequence %d is empty", ErrIndexOutOfRange, i)
	}
	return ts[i][len(ts[i])-1], nil
}

// PadInputs left-pads ragged sequences into one row-major batch and returns
// it with the unpadded length of every row.
func PadInputs(seqs TokenSequences, padTokenID int32) ([]int32, []int32) {
	width := 0
	for _, seq := range seqs {
		width = max(width, len(seq))
	}
	out := make([]int32, len(seqs)*width)
	lens := make([]int32, len(seqs))
	for i, seq := range seqs {
		row := out[i*width : (i+1)*width]
		pad := width - len(seq)
		for j := 0; j < pad; j++ {
			row[j] = padTokenID
		}
		copy(row[pad:], seq)
		lens[i] = int32(len(seq))
	}
	return out, lens
}
