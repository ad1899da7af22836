package ortmodel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// seqBytes returns n bytes counting up from start.
func seqBytes(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(start + i)
	}
	return b
}

func TestKVCacheCreation(t *testing.T) {
	kv := NewKVCache(2, 3, 4, 8, 2)
	if kv.NumLayers() != 2 {
		t.Errorf("Expected 2 layers, got %d", kv.NumLayers())
	}
	if diff := cmp.Diff([]int64{3, 4, 0, 8}, kv.Shape()); diff != "" {
		t.Errorf("Shape mismatch (-want +got):\n%s", diff)
	}
}

func TestKVCacheSetLayer(t *testing.T) {
	kv := NewKVCache(1, 1, 1, 2, 1)
	if err := kv.SetLayer(0, 3, seqBytes(0, 6), seqBytes(10, 6)); err != nil {
		t.Fatalf("SetLayer failed: %v", err)
	}
	if kv.Len() != 3 {
		t.Errorf("Expected length 3, got %d", kv.Len())
	}
	if err := kv.SetLayer(0, 4, seqBytes(0, 6), seqBytes(0, 6)); err == nil {
		t.Errorf("Expected an error for a size mismatch")
	}
}

func TestKVCacheTruncate(t *testing.T) {
	// 2 rows x 1 head x 3 positions x 2 values.
	kv := NewKVCache(1, 2, 1, 2, 1)
	if err := kv.SetLayer(0, 3, seqBytes(0, 12), seqBytes(100, 12)); err != nil {
		t.Fatalf("SetLayer failed: %v", err)
	}
	if err := kv.Truncate(1); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0, 1, 6, 7}, kv.Keys[0]); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{100, 101, 106, 107}, kv.Values[0]); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
	if err := kv.Truncate(2); err == nil {
		t.Errorf("Expected an error when growing through Truncate")
	}
}

func TestKVCacheGather(t *testing.T) {
	kv := NewKVCache(1, 3, 1, 1, 1)
	if err := kv.SetLayer(0, 2, seqBytes(0, 6), seqBytes(10, 6)); err != nil {
		t.Fatalf("SetLayer failed: %v", err)
	}
	if err := kv.Gather([]int32{2, 0, 0}); err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if diff := cmp.Diff([]byte{4, 5, 0, 1, 0, 1}, kv.Keys[0]); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
	if err := kv.Gather([]int32{0}); err == nil {
		t.Errorf("Expected an error for a short index list")
	}
}

func TestKVCacheClear(t *testing.T) {
	kv := NewKVCache(1, 1, 1, 1, 4)
	if err := kv.SetLayer(0, 1, seqBytes(0, 4), seqBytes(0, 4)); err != nil {
		t.Fatalf("SetLayer failed: %v", err)
	}
	kv.Clear()
	if kv.Len() != 0 || kv.Keys[0] != nil {
		t.Errorf("Expected an empty cache after Clear")
	}
}
