package genai

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"nano-genai-go/device"
)

// MockModel is a deterministic in-process model for tests and benchmarks.
// Its logits are a pure function of each row's token history.
type MockModel struct {
	cfg       *Config
	iface     device.Interface
	tokenizer *MockTokenizer
	graphs    *device.GraphPool
	refs      atomic.Int32
	untrack   func()

	eosAfter int
	failAt   int64
	runs     atomic.Int64
}

// MockOption is a functional option for MockModel
type MockOption func(*MockModel)

// WithEOSAfter makes EOS the best token once a row has generated n tokens
func WithEOSAfter(n int) MockOption {
	return func(m *MockModel) {
		m.eosAfter = n
	}
}

// WithFailureAt makes the n-th Run call (1-based) fail
func WithFailureAt(n int) MockOption {
	return func(m *MockModel) {
		m.failAt = int64(n)
	}
}

// ErrMockFailure is returned by Run when failure injection triggers.
var ErrMockFailure = errors.New("mock backend failure")

// NewMockModel creates a mock model on the configured device.
func NewMockModel(cfg *Config, opts ...MockOption) (*MockModel, error) {
	t, err := device.ParseType(cfg.Engine.Device)
	if err != nil {
		return nil, configErrorf("%v", err)
	}
	iface, err := GetGlobals().Allocator(t)
	if err != nil {
		return nil, err
	}
	if cfg.Engine.MemoryLimit > 0 {
		iface.SetMemoryLimit(cfg.Engine.MemoryLimit)
	}
	m := &MockModel{
		cfg:       cfg,
		iface:     iface,
		tokenizer: NewMockTokenizer(cfg.Model.VocabSize, cfg.Model.EOSTokenIDs),
		graphs:    device.NewGraphPool(),
		untrack:   TrackInstance(),
	}
	m.refs.Store(1)
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *MockModel) Config() *Config               { return m.cfg }
func (m *MockModel) Device() device.Interface      { return m.iface }
func (m *MockModel) Tokenizer() (Tokenizer, error) { return m.tokenizer, nil }

// Retain adds a reference.
func (m *MockModel) Retain() { m.refs.Add(1) }

// Release drops a reference; the last one stops tracking the model.
func (m *MockModel) Release() {
	if m.refs.Add(-1) == 0 {
		m.untrack()
	}
}

// CreateState allocates the logits buffer for every row.
func (m *MockModel) CreateState(seqLens device.Span[int32], params *GeneratorParams) (State, error) {
	rows := params.BatchBeamSize()
	logits, err := device.Allocate[float32](m.iface, rows*m.cfg.Model.VocabSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate logits: %w: %w", ErrAllocation, err)
	}
	s := &MockState{
		model:   m,
		rows:    rows,
		history: make([][]int32, rows),
		logits:  logits,
		inputs:  params.ModelInputs(),
	}
	if params.IsGraphCaptureEnabled() {
		s.graph = m.graphs.Acquire(device.GraphKey{
			Device:       m.iface.Type(),
			MaxBatchSize: params.MaxBatchSize,
			NumBeams:     params.Search.NumBeams,
			MaxLength:    params.Search.MaxLength,
			VocabSize:    m.cfg.Model.VocabSize,
		})
	}
	return s, nil
}

// MockState is the running state of one generator over a MockModel.
type MockState struct {
	BaseState
	model     *MockModel
	rows      int
	history   [][]int32
	promptLen int
	logits    device.Span[float32]
	inputs    []Input
	graph     *device.GraphInfo
}

func (s *MockState) Run(totalLength int, nextTokens device.Span[int32], nextIndices device.Span[int32]) (device.Span[float32], error) {
	if err := CheckSessionTerminated(s.Terminated()); err != nil {
		return device.Span[float32]{}, err
	}
	if n := s.model.runs.Add(1); s.model.failAt > 0 && n == s.model.failAt {
		return device.Span[float32]{}, ErrMockFailure
	}
	if nextTokens.Len()%s.rows != 0 {
		return device.Span[float32]{}, fmt.Errorf("%d tokens for %d rows", nextTokens.Len(), s.rows)
	}

	if !nextIndices.Empty() {
		src, err := nextIndices.CopyDeviceToCPU()
		if err != nil {
			return device.Span[float32]{}, err
		}
		reordered := make([][]int32, s.rows)
		for r, from := range src {
			reordered[r] = append([]int32(nil), s.history[from]...)
		}
		s.history = reordered
	}

	tokens, err := nextTokens.CopyDeviceToCPU()
	if err != nil {
		return device.Span[float32]{}, err
	}
	k := len(tokens) / s.rows
	for r := range s.history {
		s.history[r] = append(s.history[r], tokens[r*k:(r+1)*k]...)
		if len(s.history[r]) != totalLength {
			return device.Span[float32]{}, fmt.Errorf("row %d has %d tokens, expected %d", r, len(s.history[r]), totalLength)
		}
	}
	if s.promptLen == 0 {
		s.promptLen = totalLength
	}

	vocab := s.model.cfg.Model.VocabSize
	host := s.logits.CPU()
	for r, hist := range s.history {
		s.fillLogits(host[r*vocab:(r+1)*vocab], hist)
	}
	if err := s.logits.CopyCPUToDevice(); err != nil {
		return device.Span[float32]{}, err
	}
	if s.graph != nil {
		s.graph.Replays++
	}
	return s.logits, nil
}

// fillLogits derives logits in [-4, 4) from a hash of the history.
func (s *MockState) fillLogits(row []float32, hist []int32) {
	h := xxhash.New()
	buf := make([]byte, 4)
	for _, id := range hist {
		binary.LittleEndian.PutUint32(buf, uint32(id))
		h.Write(buf)
	}
	for _, in := range s.inputs {
		h.WriteString(in.Name)
		h.Write(in.Tensor.Bytes())
	}
	state := h.Sum64()
	for i := range row {
		state += 0x9E3779B97F4A7C15
		z := state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z ^= z >> 31
		row[i] = float32(z>>40)/float32(1<<24)*8 - 4
	}
	if m := s.model; m.eosAfter > 0 && len(hist)-s.promptLen >= m.eosAfter {
		row[m.cfg.EOS()] = 100
	}
}

func (s *MockState) RewindTo(n int) error {
	for r := range s.history {
		if n > len(s.history[r]) {
			return fmt.Errorf("cannot rewind row %d of %d tokens to %d", r, len(s.history[r]), n)
		}
		s.history[r] = s.history[r][:n]
	}
	if n < s.promptLen {
		s.promptLen = n
	}
	return nil
}

func (s *MockState) GraphInfo() *device.GraphInfo { return s.graph }

// Finalize returns the captured graph to the pool.
func (s *MockState) Finalize() {
	if s.graph != nil {
		s.model.graphs.Release(s.graph)
		s.graph = nil
	}
}

func (s *MockState) Close() error {
	s.Finalize()
	if buf := s.logits.Buffer(); buf != nil {
		buf.Release()
	}
	return nil
}

// MockTokenizer is a simple mock tokenizer for demonstration.
// EOS ids decode to nothing, ids 1..95 are printable ASCII characters and
// the rest are two-character digit/letter pairs followed by placeholders.
// The last id is an unknown-byte token that, like EOS, has no text.
type MockTokenizer struct {
	tokens []string
	ids    map[string]int32
	eos    []int32
	unk    int32
	maxLen int
}

const mockPairAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewMockTokenizer creates a mock tokenizer with vocabSize tokens
func NewMockTokenizer(vocabSize int, eos []int32) *MockTokenizer {
	t := &MockTokenizer{
		tokens: make([]string, vocabSize),
		ids:    make(map[string]int32),
		eos:    append([]int32(nil), eos...),
		unk:    int32(vocabSize - 1),
	}
	special := map[int32]bool{t.unk: true}
	for _, id := range eos {
		special[id] = true
	}
	pair := 0
	for id := 0; id < vocabSize; id++ {
		var s string
		switch {
		case special[int32(id)]:
			continue
		case id >= 1 && id <= 95:
			s = string(rune(id - 1 + ' '))
		case pair < len(mockPairAlphabet)*len(mockPairAlphabet):
			s = string([]byte{mockPairAlphabet[pair/len(mockPairAlphabet)], mockPairAlphabet[pair%len(mockPairAlphabet)]})
			pair++
		default:
			s = fmt.Sprintf("<%d>", id)
		}
		t.tokens[id] = s
		if _, dup := t.ids[s]; !dup {
			t.ids[s] = int32(id)
		}
		t.maxLen = max(t.maxLen, len(s))
	}
	return t
}

// Encode performs greedy longest-match tokenization. Bytes without a token
// become the unknown token.
func (t *MockTokenizer) Encode(text string) ([]int32, error) {
	var ids []int32
	for len(text) > 0 {
		id, n := t.unk, 1
		for l := min(t.maxLen, len(text)); l > 0; l-- {
			if tok, ok := t.ids[text[:l]]; ok {
				id, n = tok, l
				break
			}
		}
		if id < 0 {
			return nil, fmt.Errorf("no token for %q", text[:1])
		}
		ids = append(ids, id)
		text = text[n:]
	}
	return ids, nil
}

// UnknownTokenID returns the id unknown bytes encode to.
func (t *MockTokenizer) UnknownTokenID() int32 { return t.unk }

// Decode performs mock detokenization
func (t *MockTokenizer) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.tokens) {
			return "", fmt.Errorf("token %d outside vocabulary", id)
		}
		sb.WriteString(t.tokens[id])
	}
	return sb.String(), nil
}

// TokenBytes returns the bytes of a token
func (t *MockTokenizer) TokenBytes(id int32) ([]byte, error) {
	if id < 0 || int(id) >= len(t.tokens) {
		return nil, fmt.Errorf("token %d outside vocabulary", id)
	}
	return []byte(t.tokens[id]), nil
}

// VocabSize returns the number of tokens
func (t *MockTokenizer) VocabSize() int { return len(t.tokens) }

// EOSTokenIDs returns the end-of-sequence ids
func (t *MockTokenizer) EOSTokenIDs() []int32 { return t.eos }
