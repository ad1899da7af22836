package genai

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"nano-genai-go/device"
)

func newTestSequences(t *testing.T, rows, maxLength int) *Sequences {
	t.Helper()
	seqs, err := NewSequences(device.MustGet(device.CUDA), rows, maxLength)
	if err != nil {
		t.Fatalf("NewSequences failed: %v", err)
	}
	t.Cleanup(seqs.Release)
	return seqs
}

func TestSequencesAppend(t *testing.T) {
	seqs := newTestSequences(t, 2, 4)
	if err := seqs.Append([]int32{1, 2, 3, 4}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := seqs.Append([]int32{5, 6}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if seqs.Len() != 3 {
		t.Errorf("Expected length 3, got %d", seqs.Len())
	}
	row, err := seqs.Row(1).CopyDeviceToCPU()
	if err != nil {
		t.Fatalf("CopyDeviceToCPU failed: %v", err)
	}
	if diff := cmp.Diff([]int32{3, 4, 6}, row); diff != "" {
		t.Errorf("Row 1 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{5, 6}, seqs.LastTokens()); diff != "" {
		t.Errorf("LastTokens mismatch (-want +got):\n%s", diff)
	}

	if err := seqs.Append([]int32{7, 8, 9, 10}); !errors.Is(err, ErrMaxLength) {
		t.Errorf("Expected ErrMaxLength, got %v", err)
	}
	if err := seqs.Append([]int32{7}); !IsConfigError(err) {
		t.Errorf("Expected a config error for a ragged append, got %v", err)
	}
}

func TestSequencesReorderAndTruncate(t *testing.T) {
	seqs := newTestSequences(t, 3, 4)
	if err := seqs.Append([]int32{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := seqs.Reorder([]int32{2, 2, 0}); err != nil {
		t.Fatalf("Reorder failed: %v", err)
	}
	var got [][]int32
	for r := 0; r < 3; r++ {
		got = append(got, append([]int32(nil), seqs.RowCPU(r)...))
	}
	if diff := cmp.Diff([][]int32{{5, 6}, {5, 6}, {1, 2}}, got); diff != "" {
		t.Errorf("Reorder mismatch (-want +got):\n%s", diff)
	}

	if err := seqs.Truncate(1); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if diff := cmp.Diff([]int32{5}, seqs.RowCPU(0)); diff != "" {
		t.Errorf("Truncate mismatch (-want +got):\n%s", diff)
	}
	if err := seqs.Truncate(2); !errors.Is(err, ErrInvalidRewind) {
		t.Errorf("Expected ErrInvalidRewind, got %v", err)
	}
}

func TestPadInputs(t *testing.T) {
	ids, lens := PadInputs(TokenSequences{{1, 2, 3}, {4}, {5, 6}}, 0)
	want := []int32{
		1, 2, 3,
		0, 0, 4,
		0, 5, 6,
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("PadInputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{3, 1, 2}, lens); diff != "" {
		t.Errorf("Lengths mismatch (-want +got):\n%s", diff)
	}
}

func TestLastTokenInSequence(t *testing.T) {
	seqs := TokenSequences{{1, 2}, {}}
	if tok, err := seqs.LastTokenInSequence(0); err != nil || tok != 2 {
		t.Errorf("Expected 2, got %d (%v)", tok, err)
	}
	if _, err := seqs.LastTokenInSequence(1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange for an empty sequence, got %v", err)
	}
	if _, err := seqs.LastTokenInSequence(2); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
}
