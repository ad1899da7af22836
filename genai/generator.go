package genai

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nano-genai-go/device"
	"nano-genai-go/logger"
	"nano-genai-go/metrics"
)

// Phase is the lifecycle position of a Generator.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseTokensAppended
	PhaseLogitsComputed
	PhaseTokenGenerated
	PhaseDone
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "CREATED"
	case PhaseTokensAppended:
		return "TOKENS_APPENDED"
	case PhaseLogitsComputed:
		return "LOGITS_COMPUTED"
	case PhaseTokenGenerated:
		return "TOKEN_GENERATED"
	case PhaseDone:
		return "DONE"
	case PhaseFailed:
		return "FAILED"
	case PhaseClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Generator drives token-by-token generation for one request.
// It is not safe for concurrent use.
type Generator struct {
	ID string

	model    Model
	params   *GeneratorParams
	state    State
	search   search
	pipeline *Pipeline
	log      *logger.Logger
	untrack  func()

	phase   Phase
	failErr error

	// computedLogits is set once logits exist for the current position and
	// cleared by every append, so logits are computed once per token.
	computedLogits bool
	// justRewound is set by RewindToLength until the next append; logits held
	// by the search are stale meanwhile.
	justRewound bool

	fedLen      int // sequence length the State has seen
	promptLen   int // -1 until the first logits are computed
	nextIndices []int32

	feed      device.Span[int32]
	indices   device.Span[int32]
	overrides device.Span[float32]
}

// NewGenerator creates a generator for model with params. Input ids set
// through params.SetInputs are appended as the prompt.
func NewGenerator(model Model, params *GeneratorParams) (*Generator, error) {
	GetGlobals()

	if params.Device == nil {
		params.Device = model.Device()
	}
	if err := params.Search.validate(); err != nil {
		return nil, err
	}
	// Beam and sampling options may have changed since params were built.
	params.TryGraphCapture(max(params.graphMaxBatch, params.Search.BatchSize))

	id := uuid.NewString()
	log := logger.Log.With("generator", id)
	g := &Generator{
		ID:        id,
		model:     model,
		params:    params,
		log:       log,
		promptLen: -1,
	}

	var err error
	if g.search, err = newSearch(params, log); err != nil {
		return nil, err
	}
	rows := params.BatchBeamSize()
	lens := make([]int32, rows)
	if len(params.AuxInputIDs) > 0 {
		for r := range lens {
			lens[r] = int32(len(params.AuxInputIDs) / params.Search.BatchSize)
		}
	}
	if g.state, err = model.CreateState(device.Wrap(device.MustGet(device.CPU), lens), params); err != nil {
		g.search.Release()
		return nil, resourceError("failed to create state", err)
	}

	var tok Tokenizer
	if params.Guidance.Type != "" {
		if tok, err = model.Tokenizer(); err != nil {
			g.release()
			return nil, configErrorf("guidance needs the model tokenizer: %v", err)
		}
	}
	if g.pipeline, err = NewPipeline(params, g.search.Sequences(), tok); err != nil {
		g.release()
		return nil, err
	}

	if g.feed, err = device.Allocate[int32](params.Device, rows*params.Search.MaxLength); err != nil {
		g.release()
		return nil, fmt.Errorf("failed to allocate input ids: %w: %w", ErrAllocation, err)
	}
	if g.indices, err = device.Allocate[int32](params.Device, rows); err != nil {
		g.release()
		return nil, fmt.Errorf("failed to allocate beam indices: %w: %w", ErrAllocation, err)
	}

	model.Retain()
	g.untrack = TrackInstance()
	metrics.LiveGenerators.Inc()
	log.Debug("generator created", "rows", rows, "max_length", params.Search.MaxLength,
		"device", params.Device.Type().String(), "graph_capture", params.IsGraphCaptureEnabled())

	if len(params.AuxInputIDs) > 0 {
		if err := g.AppendTokens(params.AuxInputIDs); err != nil {
			g.Close()
			return nil, err
		}
	}
	return g, nil
}

// Phase returns the lifecycle phase.
func (g *Generator) Phase() Phase { return g.phase }

// IsDone reports whether generation finished, failed or the generator was closed.
func (g *Generator) IsDone() bool {
	return g.phase == PhaseDone || g.phase == PhaseFailed || g.phase == PhaseClosed
}

func (g *Generator) checkUsable() error {
	switch g.phase {
	case PhaseClosed:
		return ErrGeneratorClosed
	case PhaseFailed:
		return fmt.Errorf("%w: %w", ErrGeneratorFailed, g.failErr)
	}
	return nil
}

// fail records a step error. Terminated sessions are reported without
// poisoning the generator since the State was not touched.
func (g *Generator) fail(op string, err error) error {
	if errors.Is(err, ErrSessionTerminated) {
		g.log.Warn("step rejected, session terminated", "op", op)
		return err
	}
	g.failErr = fmt.Errorf("%s: %w", op, err)
	g.phase = PhaseFailed
	g.log.Error("generator failed", "op", op, "err", err)
	return fmt.Errorf("%w: %w", ErrGeneratorFailed, g.failErr)
}

// AppendTokens appends ids to every batch item; len(ids) must be a multiple of
// the batch size. The model runs over them on the next logits computation.
func (g *Generator) AppendTokens(ids []int32) error {
	if err := g.checkUsable(); err != nil {
		return err
	}
	if g.phase == PhaseDone {
		return ErrGeneratorDone
	}
	if g.computedLogits {
		return ErrLogitsAlreadyComputed
	}
	if len(ids) == 0 {
		return configErrorf("no tokens to append")
	}
	batch := g.params.Search.BatchSize
	if len(ids)%batch != 0 {
		return configErrorf("%d tokens is not a multiple of batch size %d", len(ids), batch)
	}

	prevLen := g.search.Sequences().Len()
	if err := g.search.AppendTokens(ids); err != nil {
		return err
	}
	if g.promptLen >= 0 {
		if err := g.pipeline.CommitTokens(ids); err != nil {
			// The State has not seen ids yet, so undoing the append restores the step.
			if rerr := g.rollbackAppend(prevLen); rerr != nil {
				return g.fail("roll back rejected tokens", rerr)
			}
			return err
		}
	}
	metrics.TokensAppended.Add(float64(len(ids)))

	g.justRewound = false
	g.phase = PhaseTokensAppended
	if g.search.IsDone() {
		g.phase = PhaseDone
	}
	return nil
}

// ComputeLogits runs the model over the tokens appended since the last step and
// processes the resulting logits. It may be called once per appended position.
func (g *Generator) ComputeLogits() error {
	if err := g.checkUsable(); err != nil {
		return err
	}
	if g.phase == PhaseDone {
		return ErrGeneratorDone
	}
	if g.computedLogits {
		return ErrLogitsAlreadyComputed
	}
	return g.computeLogits()
}

func (g *Generator) computeLogits() error {
	seqs := g.search.Sequences()
	k := seqs.Len() - g.fedLen
	if k <= 0 {
		return ErrNoTokens
	}

	rows := seqs.Rows()
	feed := g.feed.Subspan(0, rows*k)
	host := feed.CPU()
	for r := 0; r < rows; r++ {
		copy(host[r*k:(r+1)*k], seqs.RowCPU(r)[g.fedLen:])
	}
	if err := feed.CopyCPUToDevice(); err != nil {
		return g.fail("upload input ids", err)
	}

	var indices device.Span[int32]
	if len(g.nextIndices) > 0 && !g.justRewound {
		indices = g.indices
		copy(indices.CPU(), g.nextIndices)
		if err := indices.CopyCPUToDevice(); err != nil {
			return g.fail("upload beam indices", err)
		}
	}

	start := time.Now()
	logits, err := g.state.Run(seqs.Len(), feed, indices)
	metrics.StepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return g.fail("run", err)
	}
	g.nextIndices = nil
	g.fedLen = seqs.Len()
	if g.promptLen < 0 {
		g.promptLen = seqs.Len()
	}

	g.search.SetLogits(logits)
	if err := g.pipeline.ProcessLogits(logits); err != nil {
		return g.fail("process logits", err)
	}
	g.computedLogits = true
	g.phase = PhaseLogitsComputed
	return nil
}

// GenerateNextToken selects and appends the next token of every row,
// computing logits first when they were not computed for this position.
func (g *Generator) GenerateNextToken() error {
	if err := g.checkUsable(); err != nil {
		return err
	}
	if g.phase == PhaseDone {
		return ErrGeneratorDone
	}
	if !g.computedLogits {
		if err := g.computeLogits(); err != nil {
			return err
		}
	}

	if err := g.search.SelectNext(); err != nil {
		return g.fail("select next token", err)
	}
	g.nextIndices = append(g.nextIndices[:0], g.search.NextIndices()...)
	if err := g.pipeline.CommitTokens(g.search.NextTokens()); err != nil {
		return g.fail("commit tokens", err)
	}

	g.computedLogits = false
	g.justRewound = false
	g.phase = PhaseTokenGenerated
	if g.search.IsDone() {
		g.phase = PhaseDone
		g.log.Debug("generation done", "length", g.search.Sequences().Len())
	}
	return nil
}

// RewindToLength truncates every sequence to n tokens. The model state is
// rewound to n-1 and the last kept token is fed again on the next step.
// Rewinding to 0 returns the generator to its initial phase.
func (g *Generator) RewindToLength(n int) error {
	if err := g.checkUsable(); err != nil {
		return err
	}
	seqs := g.search.Sequences()
	if n < 0 || n > seqs.Len() {
		return fmt.Errorf("%w: %d with sequence length %d", ErrInvalidRewind, n, seqs.Len())
	}
	if err := g.search.Rewind(n); err != nil {
		return err
	}

	stateLen := min(max(n-1, 0), g.fedLen)
	if err := g.state.RewindTo(stateLen); err != nil {
		return g.fail("rewind state", err)
	}
	g.fedLen = stateLen
	g.nextIndices = nil
	g.computedLogits = false
	g.justRewound = true
	if n == 0 {
		g.promptLen = -1
		if err := g.pipeline.Reset(); err != nil {
			return g.fail("reset processors", err)
		}
		g.phase = PhaseCreated
		return nil
	}

	// Rewinding into the prompt reopens it: tokens appended before the next
	// logits computation are prompt, not generated text.
	if n <= g.promptLen {
		g.promptLen = -1
	}
	if err := g.replayGenerated(n); err != nil {
		return g.fail("replay tokens", err)
	}
	g.phase = PhaseTokensAppended
	if g.search.IsDone() {
		g.phase = PhaseDone
	}
	return nil
}

// replayGenerated resets the logits processors and commits the generated
// tokens of the first n positions again.
func (g *Generator) replayGenerated(n int) error {
	if err := g.pipeline.Reset(); err != nil {
		return err
	}
	if g.promptLen < 0 || n <= g.promptLen {
		return nil
	}
	seqs := g.search.Sequences()
	rows := seqs.Rows()
	replay := make([]int32, 0, rows*(n-g.promptLen))
	for r := 0; r < rows; r++ {
		replay = append(replay, seqs.RowCPU(r)[g.promptLen:n]...)
	}
	return g.pipeline.CommitTokens(replay)
}

// rollbackAppend drops tokens appended after length n and restores the
// processors to the state they had at n.
func (g *Generator) rollbackAppend(n int) error {
	if err := g.search.Rewind(n); err != nil {
		return err
	}
	return g.replayGenerated(n)
}

// GetSequence returns sequence i. The span aliases generator memory and must
// not be read after Close.
func (g *Generator) GetSequence(i int) (device.Span[int32], error) {
	if g.phase == PhaseClosed {
		return device.Span[int32]{}, ErrGeneratorClosed
	}
	span, err := g.search.Output(i)
	if err != nil {
		return device.Span[int32]{}, fmt.Errorf("%w: sequence %d of %d", ErrIndexOutOfRange, i, g.search.NumOutputs())
	}
	return span, nil
}

// NumSequences returns the number of sequences GetSequence accepts.
func (g *Generator) NumSequences() int { return g.search.NumOutputs() }

// SequenceLength returns the current length of every row.
func (g *Generator) SequenceLength() int { return g.search.Sequences().Len() }

// GetLogits returns the processed logits of the current position, [rows, vocab].
func (g *Generator) GetLogits() (device.Span[float32], error) {
	if err := g.ensureLogits(); err != nil {
		return device.Span[float32]{}, err
	}
	return g.search.Logits(), nil
}

// SetLogits replaces the logits the next GenerateNextToken selects from.
func (g *Generator) SetLogits(logits device.Span[float32]) error {
	if err := g.checkUsable(); err != nil {
		return err
	}
	want := g.search.Sequences().Rows() * g.params.Config.Model.VocabSize
	if logits.Len() != want {
		return configErrorf("logits have %d values, expected %d", logits.Len(), want)
	}
	if g.overrides.Empty() {
		var err error
		if g.overrides, err = device.Allocate[float32](g.params.Device, want); err != nil {
			return fmt.Errorf("failed to allocate logits: %w: %w", ErrAllocation, err)
		}
	}
	if err := g.overrides.CopyFrom(logits); err != nil {
		return resourceError("failed to copy logits", err)
	}
	g.search.SetLogits(g.overrides)
	if g.promptLen < 0 {
		g.promptLen = g.search.Sequences().Len()
	}
	g.computedLogits = true
	g.phase = PhaseLogitsComputed
	return nil
}

func (g *Generator) ensureLogits() error {
	if err := g.checkUsable(); err != nil {
		return err
	}
	if g.computedLogits {
		return nil
	}
	if g.phase == PhaseDone {
		return ErrGeneratorDone
	}
	return g.computeLogits()
}

// SetRuntimeOption changes a generator setting while it runs. Known keys are
// "terminate_session" ("0" or "1") and "log_level".
func (g *Generator) SetRuntimeOption(key, value string) error {
	if g.phase == PhaseClosed {
		return ErrGeneratorClosed
	}
	switch key {
	case "terminate_session":
		switch value {
		case "1":
			g.state.SetTerminate()
		case "0":
			g.state.UnsetTerminate()
		default:
			return configErrorf("terminate_session must be 0 or 1, got %q", value)
		}
	case "log_level":
		g.log = g.log.Level(value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRuntimeOption, key)
	}
	return nil
}

// IsSessionTerminated reports whether terminate_session is set.
func (g *Generator) IsSessionTerminated() bool {
	return g.state != nil && g.state.Terminated()
}

// ForcedTokens returns the continuation the grammar forces for batch item i,
// or nil without guidance or when the grammar allows a choice.
func (g *Generator) ForcedTokens(i int) ([]int32, error) {
	gp := g.pipeline.Guidance()
	if gp == nil {
		return nil, nil
	}
	return gp.ForcedTokens(i)
}

// Close releases the state, the search buffers and the model reference.
// Spans returned by GetSequence are invalid afterwards.
func (g *Generator) Close() {
	if g.phase == PhaseClosed {
		return
	}
	g.release()
	g.model.Release()
	g.untrack()
	metrics.LiveGenerators.Dec()
	g.phase = PhaseClosed
	g.log.Debug("generator closed")
}

func (g *Generator) release() {
	if g.pipeline != nil {
		g.pipeline.Close()
	}
	if g.state != nil {
		g.state.Finalize()
		if err := g.state.Close(); err != nil {
			g.log.Warn("failed to close state", "err", err)
		}
	}
	if g.search != nil {
		g.search.Release()
	}
	for _, buf := range []device.Buffer{g.feed.Buffer(), g.indices.Buffer(), g.overrides.Buffer()} {
		if buf != nil {
			buf.Release()
		}
	}
}
