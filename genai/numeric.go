package genai

import (
	"math"
	"sort"

	"nano-genai-go/device"
)

// Float16ToFloat32 widens an IEEE 754 binary16 bit pattern.
func Float16ToFloat32(v uint16) float32 {
	return device.Float16ToFloat32(v)
}

// TopKIndices fills topK with the indices of the len(topK) highest scores in
// descending order. Ties go to the lower index and NaN ranks below every number.
// Slots beyond len(scores) are set to -1.
func TopKIndices(topK []int32, scores []float32) {
	k := len(topK)
	if k == 0 {
		return
	}
	n := min(k, len(scores))

	order := make([]int32, len(scores))
	for i := range order {
		order[i] = int32(i)
	}
	// Sort fully when k covers a large share of the input.
	if n*4 >= len(scores) {
		sort.SliceStable(order, func(a, b int) bool {
			return scoreGreater(scores[order[a]], scores[order[b]])
		})
		copy(topK, order[:n])
	} else {
		selectTopK(topK[:n], scores)
	}
	for i := n; i < k; i++ {
		topK[i] = -1
	}
}

// TopK returns the indices of the k highest scores, fewer when scores is short.
func TopK(k int, scores []float32) []int32 {
	if k <= 0 {
		return []int32{}
	}
	out := make([]int32, k)
	TopKIndices(out, scores)
	return out[:min(k, len(scores))]
}

// scoreGreater orders by value descending with NaN last.
func scoreGreater(a, b float32) bool {
	an, bn := math.IsNaN(float64(a)), math.IsNaN(float64(b))
	switch {
	case an:
		return false
	case bn:
		return true
	default:
		return a > b
	}
}

// selectTopK keeps a sorted window of the best len(out) indices, scanning in
// index order so equal scores keep the earlier index first.
func selectTopK(out []int32, scores []float32) {
	n := 0
	for i, s := range scores {
		if n == len(out) && !scoreGreater(s, scores[out[n-1]]) {
			continue
		}
		pos := n
		if n < len(out) {
			n++
		} else {
			pos = n - 1
		}
		for pos > 0 && scoreGreater(s, scores[out[pos-1]]) {
			out[pos] = out[pos-1]
			pos--
		}
		out[pos] = int32(i)
	}
}
