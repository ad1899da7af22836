package genai

import (
	"sync/atomic"

	"nano-genai-go/device"
	"nano-genai-go/metrics"
)

// Model is a loaded model that can create per-generator running state.
// The backend (ONNX Runtime, a mock) lives behind this interface.
type Model interface {
	Config() *Config
	Device() device.Interface

	// CreateState allocates the running state for one generator. seqLens holds the
	// initial unpadded length of every batch item.
	CreateState(seqLens device.Span[int32], params *GeneratorParams) (State, error)

	Tokenizer() (Tokenizer, error)

	Retain()
	Release()
}

// State is the backend running state of a single generator.
type State interface {
	// Run feeds nextTokens (batch*beams rows of equal length, flattened) and returns
	// the logits of the last position of every row, [batch*beams, vocab].
	// nextIndices holds the source beam of every row when beams were reordered.
	Run(totalLength int, nextTokens device.Span[int32], nextIndices device.Span[int32]) (device.Span[float32], error)

	// RewindTo drops cached positions at and after n.
	RewindTo(n int) error

	GraphInfo() *device.GraphInfo
	Finalize()

	SetTerminate()
	UnsetTerminate()
	Terminated() bool

	Close() error
}

// Tokenizer maps text to token ids and exposes the raw bytes of every token.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	Decode(ids []int32) (string, error)
	// TokenBytes returns the exact bytes token id decodes to, which may be a partial UTF-8 sequence.
	TokenBytes(id int32) ([]byte, error)
	VocabSize() int
	EOSTokenIDs() []int32
}

// BaseState implements the session termination flag shared by all states.
type BaseState struct {
	terminated atomic.Bool
}

// SetTerminate asks the running session to stop at the next step.
func (s *BaseState) SetTerminate() { s.terminated.Store(true) }

// UnsetTerminate clears a previous SetTerminate.
func (s *BaseState) UnsetTerminate() { s.terminated.Store(false) }

// Terminated reports whether termination was requested.
func (s *BaseState) Terminated() bool { return s.terminated.Load() }

// CheckSessionTerminated fails fast when a session was terminated.
func CheckSessionTerminated(terminated bool) error {
	if terminated {
		metrics.SessionTerminations.Inc()
		return ErrSessionTerminated
	}
	return nil
}
