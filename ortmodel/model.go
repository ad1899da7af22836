package ortmodel

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	ort "github.com/yalue/onnxruntime_go"

	"nano-genai-go/device"
	"nano-genai-go/genai"
	"nano-genai-go/logger"
	"nano-genai-go/tokenizer"
)

// ErrNotInitialized is returned by Load before the runtime environment exists.
var ErrNotInitialized = errors.New("ONNX runtime not initialized, call genai.InitGlobals with an ortmodel.Environment")

// TokenizerLoader opens the tokenizer of a model directory.
type TokenizerLoader func(dir string, cfg *genai.Config) (genai.Tokenizer, error)

// Option is a functional option for Load
type Option func(*Model)

// WithIntraOpThreads sets the number of threads ONNX Runtime uses per operator
func WithIntraOpThreads(n int) Option {
	return func(m *Model) {
		m.threads = n
	}
}

// WithTokenizerLoader replaces the default tokenizer.json loader
func WithTokenizerLoader(fn TokenizerLoader) Option {
	return func(m *Model) {
		m.loadTokenizer = fn
	}
}

// Model is a decoder graph loaded into an ONNX Runtime session.
type Model struct {
	cfg     *genai.Config
	iface   device.Interface
	session *ort.DynamicAdvancedSession
	info    *sessionInfo
	graphs  *device.GraphPool
	threads int

	loadTokenizer TokenizerLoader
	tokOnce       sync.Once
	tok           genai.Tokenizer
	tokErr        error

	refs    atomic.Int32
	untrack func()
}

// Load opens cfg.Model.Decoder.Filename under cfg.Dir on the configured device.
func Load(cfg *genai.Config, opts ...Option) (*Model, error) {
	if !ort.IsInitialized() {
		return nil, ErrNotInitialized
	}
	t, err := device.ParseType(cfg.Engine.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", genai.ErrConfig, err)
	}
	iface, err := genai.GetGlobals().Allocator(t)
	if err != nil {
		return nil, err
	}
	if cfg.Engine.MemoryLimit > 0 {
		iface.SetMemoryLimit(cfg.Engine.MemoryLimit)
	}

	m := &Model{
		cfg:           cfg,
		iface:         iface,
		graphs:        device.NewGraphPool(),
		loadTokenizer: defaultTokenizer,
	}
	for _, opt := range opts {
		opt(m)
	}

	path := filepath.Join(cfg.Dir, cfg.Model.Decoder.Filename)
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model signature: %w", err)
	}
	if m.info, err = newSessionInfo(cfg.Model.Decoder, inputs, outputs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", genai.ErrConfig, path, err)
	}

	options, err := sessionOptions(t, m.threads, cfg.Engine.EnableCUDAGraph)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()
	m.session, err = ort.NewDynamicAdvancedSession(path, m.info.inputNames, m.info.outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.refs.Store(1)
	m.untrack = genai.TrackInstance()
	logger.Log.Info("model loaded", "path", path, "device", t.String(), "layers", m.info.numLayers,
		"logits", m.info.logitsType.String(), "kv", m.info.kvType.String())
	return m, nil
}

func defaultTokenizer(dir string, cfg *genai.Config) (genai.Tokenizer, error) {
	tok, err := tokenizer.Load(dir, cfg.Model.EOSTokenIDs)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (m *Model) Config() *genai.Config    { return m.cfg }
func (m *Model) Device() device.Interface { return m.iface }

// Tokenizer loads the model directory's tokenizer on first use.
func (m *Model) Tokenizer() (genai.Tokenizer, error) {
	m.tokOnce.Do(func() {
		m.tok, m.tokErr = m.loadTokenizer(m.cfg.Dir, m.cfg)
	})
	return m.tok, m.tokErr
}

// Retain adds a reference.
func (m *Model) Retain() { m.refs.Add(1) }

// Release drops a reference; the last one destroys the session.
func (m *Model) Release() {
	if m.refs.Add(-1) != 0 {
		return
	}
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if c, ok := m.tok.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			logger.Log.Warn("failed to close tokenizer", "err", err)
		}
	}
	m.untrack()
}

// CreateState prepares the key/value cache for params.BatchBeamSize() rows.
// seqLens holds the unpadded prompt length of each batch item, or zeros.
func (m *Model) CreateState(seqLens device.Span[int32], params *genai.GeneratorParams) (genai.State, error) {
	extras := params.ModelInputs()
	if missing := m.info.missingInputs(extras); len(missing) > 0 {
		return nil, fmt.Errorf("%w: graph inputs %v are not provided", genai.ErrInvalidInput, missing)
	}

	rows := params.BatchBeamSize()
	logits, err := device.Allocate[float32](m.iface, rows*m.cfg.Model.VocabSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate logits: %w: %w", genai.ErrAllocation, err)
	}
	lens, err := seqLens.CopyDeviceToCPU()
	if err != nil {
		logits.Buffer().Release()
		return nil, fmt.Errorf("failed to read sequence lengths: %w", err)
	}
	s := &decoderState{
		model:   m,
		rows:    rows,
		kv:      NewKVCache(m.info.numLayers, rows, m.info.heads, m.info.headSize, m.info.kvType.Size()),
		extras:  extras,
		logits:  logits,
		promptN: make([]int, rows),
	}
	beams := params.Search.NumBeams
	for r := range s.promptN {
		if b := r / beams; b < len(lens) {
			s.promptN[r] = int(lens[b])
		}
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
