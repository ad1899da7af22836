package ortmodel

import "fmt"

// KVCache stores the past key/value tensors of every layer on the host.
// Each entry is laid out [rows, heads, length, headSize] with elemSize-byte elements.
type KVCache struct {
	Keys   [][]byte
	Values [][]byte

	rows     int
	heads    int
	headSize int
	elemSize int
	length   int
}

// NewKVCache creates an empty cache for numLayers layers.
func NewKVCache(numLayers, rows, heads, headSize, elemSize int) *KVCache {
	return &KVCache{
		Keys:     make([][]byte, numLayers),
		Values:   make([][]byte, numLayers),
		rows:     rows,
		heads:    heads,
		headSize: headSize,
		elemSize: elemSize,
	}
}

// Len returns the number of cached positions.
func (kv *KVCache) Len() int { return kv.length }

// NumLayers returns the number of layers
func (kv *KVCache) NumLayers() int { return len(kv.Keys) }

// Shape returns the tensor shape of one layer entry.
func (kv *KVCache) Shape() []int64 {
	return []int64{int64(kv.rows), int64(kv.heads), int64(kv.length), int64(kv.headSize)}
}

// SetLayer replaces the entries of layer with present tensors of length positions.
func (kv *KVCache) SetLayer(layer, length int, k, v []byte) error {
	want := kv.rows * kv.heads * length * kv.headSize * kv.elemSize
	if len(k) != want || len(v) != want {
		return fmt.Errorf("layer %d: expected %d bytes for %d positions, got %d and %d", layer, want, length, len(k), len(v))
	}
	kv.Keys[layer] = append(kv.Keys[layer][:0], k...)
	kv.Values[layer] = append(kv.Values[layer][:0], v...)
	kv.length = length
	return nil
}

// Gather makes row i a copy of row src[i], following beam reordering.
func (kv *KVCache) Gather(src []int32) error {
	if len(src) != kv.rows {
		return fmt.Errorf("gather needs %d rows, got %d", kv.rows, len(src))
	}
	rowBytes := kv.heads * kv.length * kv.headSize * kv.elemSize
	if rowBytes == 0 {
		return nil
	}
	gather := func(data []byte) []byte {
		out := make([]byte, len(data))
		for r, from := range src {
			copy(out[r*rowBytes:(r+1)*rowBytes], data[int(from)*rowBytes:(int(from)+1)*rowBytes])
		}
		return out
	}
	for l := range kv.Keys {
		kv.Keys[l] = gather(kv.Keys[l])
		kv.Values[l] = gather(kv.Values[l])
	}
	return nil
}

// Truncate keeps the first n positions of every row and head.
func (kv *KVCache) Truncate(n int) error {
	if n < 0 || n > kv.length {
		return fmt.Errorf("cannot truncate %d cached positions to %d", kv.length, n)
	}
	if n == kv.length {
		return nil
	}
	old := kv.headSize * kv.elemSize * kv.length
	keep := kv.headSize * kv.elemSize * n
	trim := func(data []byte) []byte {
		out := make([]byte, kv.rows*kv.heads*keep)
		for i := 0; i < kv.rows*kv.heads; i++ {
			copy(out[i*keep:(i+1)*keep], data[i*old:i*old+keep])
		}
		return out
	}
	for l := range kv.Keys {
		kv.Keys[l] = trim(kv.Keys[l])
		kv.Values[l] = trim(kv.Values[l])
	}
	kv.length = n
	return nil
}

// Clear drops every cached position.
func (kv *KVCache) Clear() {
	for i := range kv.Keys {
		kv.Keys[i] = nil
		kv.Values[i] = nil
	}
	kv.length = 0
}
