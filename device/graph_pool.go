package device

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// GraphKey identifies the static shapes a captured graph was recorded for.
type GraphKey struct {
	Device       Type
	MaxBatchSize int
	NumBeams     int
	MaxLength    int
	VocabSize    int
}

// Hash computes the pool key of k.
func (k GraphKey) Hash() uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)
	for _, v := range []int{int(k.Device), k.MaxBatchSize, k.NumBeams, k.MaxLength, k.VocabSize} {
		binary.LittleEndian.PutUint64(buf, uint64(v))
		h.Write(buf)
	}
	return h.Sum64()
}

// GraphInfo is a captured graph slot. Replays reuse the same annotation id.
type GraphInfo struct {
	Key          GraphKey
	AnnotationID int
	Replays      int
}

// GraphPool hands out captured graphs by shape, reusing released ones.
type GraphPool struct {
	mu     sync.Mutex
	free   map[uint64][]*GraphInfo
	nextID int
}

// NewGraphPool creates an empty pool.
func NewGraphPool() *GraphPool {
	return &GraphPool{free: make(map[uint64][]*GraphInfo)}
}

// Acquire returns a released graph for key, or a new one with a fresh annotation id.
func (p *GraphPool) Acquire(key GraphKey) *GraphInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := key.Hash()
	if infos := p.free[hash]; len(infos) > 0 {
		info := infos[len(infos)-1]
		p.free[hash] = infos[:len(infos)-1]
		info.Replays++
		return info
	}
	p.nextID++
	return &GraphInfo{Key: key, AnnotationID: p.nextID}
}

// Release returns info to the pool. Nil is ignored.
func (p *GraphPool) Release(info *GraphInfo) {
	if info == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := info.Key.Hash()
	p.free[hash] = append(p.free[hash], info)
}

// Len returns the number of released graphs waiting for reuse.
func (p *GraphPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, infos := range p.free {
		n += len(infos)
	}
	return n
}
