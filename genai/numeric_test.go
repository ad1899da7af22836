package genai

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTopKIndices(t *testing.T) {
	scores := []float32{0.1, 0.9, 0.5, 0.9, -1}
	out := make([]int32, 3)
	TopKIndices(out, scores)
	// Equal scores keep ascending index order.
	if diff := cmp.Diff([]int32{1, 3, 2}, out); diff != "" {
		t.Errorf("TopKIndices mismatch (-want +got):\n%s", diff)
	}
}

func TestTopKIndicesShortInput(t *testing.T) {
	out := make([]int32, 4)
	TopKIndices(out, []float32{2, 3})
	if diff := cmp.Diff([]int32{1, 0, -1, -1}, out); diff != "" {
		t.Errorf("TopKIndices mismatch (-want +got):\n%s", diff)
	}
}

func TestTopKSelectionPath(t *testing.T) {
	// k*4 < n takes the partial selection path; it must agree with a full sort.
	scores := make([]float32, 100)
	for i := range scores {
		scores[i] = float32((i * 37) % 100)
	}
	scores[10] = 99 // ties with index 27
	got := TopK(5, scores)
	want := []int32{10, 27, 54, 81, 8}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TopK mismatch (-want +got):\n%s", diff)
	}
}

func TestTopKNaNRanksLast(t *testing.T) {
	nan := float32(math.NaN())
	got := TopK(3, []float32{nan, 1, float32(math.Inf(-1)), 2})
	if diff := cmp.Diff([]int32{3, 1, 2}, got); diff != "" {
		t.Errorf("TopK mismatch (-want +got):\n%s", diff)
	}
}

func TestTopKEdges(t *testing.T) {
	if got := TopK(0, []float32{1, 2}); len(got) != 0 {
		t.Errorf("Expected no indices for k=0, got %v", got)
	}
	if got := TopK(5, []float32{1, 2}); len(got) != 2 {
		t.Errorf("Expected 2 indices, got %v", got)
	}
}

func TestFloat16ToFloat32(t *testing.T) {
	tests := []struct {
		in   uint16
		want float32
	}{
		{0x3C00, 1},
		{0xC000, -2},
		{0x3800, 0.5},
		{0x7BFF, 65504},
		{0x0000, 0},
	}
	for _, tt := range tests {
		if got := Float16ToFloat32(tt.in); got != tt.want {
			t.Errorf("Float16ToFloat32(%#04x): expected %v, got %v", tt.in, tt.want, got)
		}
	}
	if got := Float16ToFloat32(0x7E00); !math.IsNaN(float64(got)) {
		t.Errorf("Expected NaN, got %v", got)
	}
}
