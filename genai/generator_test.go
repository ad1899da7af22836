package genai

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"nano-genai-go/device"
)

var testPrompt = []int32{17, 18, 19}

func TestGeneratorLifecycle(t *testing.T) {
	m := newTestModel(t, testConfig(t, WithMaxLength(12)))
	g := newTestGenerator(t, m, nil)

	if g.Phase() != PhaseCreated {
		t.Errorf("Expected phase CREATED, got %v", g.Phase())
	}
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}
	if g.Phase() != PhaseTokensAppended {
		t.Errorf("Expected phase TOKENS_APPENDED, got %v", g.Phase())
	}
	if err := g.ComputeLogits(); err != nil {
		t.Fatalf("ComputeLogits failed: %v", err)
	}
	if g.Phase() != PhaseLogitsComputed {
		t.Errorf("Expected phase LOGITS_COMPUTED, got %v", g.Phase())
	}
	if err := g.GenerateNextToken(); err != nil {
		t.Fatalf("GenerateNextToken failed: %v", err)
	}
	if g.SequenceLength() != 4 {
		t.Errorf("Expected length 4, got %d", g.SequenceLength())
	}

	runToCompletion(t, g)
	if g.Phase() != PhaseDone {
		t.Errorf("Expected phase DONE, got %v", g.Phase())
	}
	seq := sequence(t, g, 0)
	if len(seq) > 12 {
		t.Errorf("Expected at most 12 tokens, got %d", len(seq))
	}
	if diff := cmp.Diff(testPrompt, seq[:3]); diff != "" {
		t.Errorf("Prompt mismatch (-want +got):\n%s", diff)
	}
	if err := g.GenerateNextToken(); !errors.Is(err, ErrGeneratorDone) {
		t.Errorf("Expected ErrGeneratorDone, got %v", err)
	}
}

func TestComputeLogitsOncePerStep(t *testing.T) {
	m := newTestModel(t, testConfig(t, WithMinLength(8)))
	g := newTestGenerator(t, m, nil)

	if err := g.ComputeLogits(); !errors.Is(err, ErrNoTokens) {
		t.Errorf("Expected ErrNoTokens, got %v", err)
	}
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}
	if err := g.ComputeLogits(); err != nil {
		t.Fatalf("ComputeLogits failed: %v", err)
	}

	err := g.ComputeLogits()
	if !errors.Is(err, ErrLogitsAlreadyComputed) {
		t.Errorf("Expected ErrLogitsAlreadyComputed, got %v", err)
	}
	if !IsProtocolError(err) {
		t.Errorf("Expected a protocol error, got %v", err)
	}
	if err := g.AppendTokens([]int32{20}); !errors.Is(err, ErrLogitsAlreadyComputed) {
		t.Errorf("Expected ErrLogitsAlreadyComputed on append, got %v", err)
	}
	if g.Phase() == PhaseFailed {
		t.Errorf("Protocol errors must not fail the generator")
	}

	if err := g.GenerateNextToken(); err != nil {
		t.Fatalf("GenerateNextToken failed: %v", err)
	}
	if err := g.ComputeLogits(); err != nil {
		t.Errorf("Expected logits for the next position, got %v", err)
	}
}

func TestAppendTokensBatchMultiple(t *testing.T) {
	m := newTestModel(t, testConfig(t, WithBatchSize(2)))
	g := newTestGenerator(t, m, nil)

	if err := g.AppendTokens([]int32{1, 2, 3}); !IsConfigError(err) {
		t.Errorf("Expected a config error for 3 tokens over 2 rows, got %v", err)
	}
	if err := g.AppendTokens([]int32{17, 18, 19, 20}); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}
	if diff := cmp.Diff([]int32{19, 20}, sequence(t, g, 1)); diff != "" {
		t.Errorf("Row 1 mismatch (-want +got):\n%s", diff)
	}
}

func TestIsDoneWithinMaxLength(t *testing.T) {
	m := newTestModel(t, testConfig(t, WithMaxLength(8)))
	g := newTestGenerator(t, m, nil)
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}

	steps := 0
	for !g.IsDone() {
		if err := g.GenerateNextToken(); err != nil {
			t.Fatalf("GenerateNextToken failed: %v", err)
		}
		steps++
		if steps > 5 {
			t.Fatalf("Generator ran past max_length")
		}
	}
	if g.SequenceLength() > 8 {
		t.Errorf("Expected length <= 8, got %d", g.SequenceLength())
	}
}

func TestEOSFinishesRow(t *testing.T) {
	m := newTestModel(t, testConfig(t), WithEOSAfter(2))
	g := newTestGenerator(t, m, nil)
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}
	runToCompletion(t, g)

	seq := sequence(t, g, 0)
	if len(seq) > 6 {
		t.Errorf("Expected EOS within 3 generated tokens, got %v", seq)
	}
	if seq[len(seq)-1] != 0 {
		t.Errorf("Expected last token EOS, got %d", seq[len(seq)-1])
	}
}

func TestPaddingAfterEOS(t *testing.T) {
	m := newTestModel(t, testConfig(t, WithBatchSize(2), WithPadTokenID(0), WithMaxLength(10)), WithEOSAfter(1))
	g := newTestGenerator(t, m, nil)
	if err := g.AppendTokens([]int32{17, 18, 19, 20}); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}
	runToCompletion(t, g)

	for r := 0; r < 2; r++ {
		seq := sequence(t, g, r)
		eos := -1
		for i := 2; i < len(seq); i++ {
			if seq[i] == 0 {
				eos = i
				break
			}
		}
		if eos < 0 {
			t.Errorf("Row %d: expected EOS, got %v", r, seq)
			continue
		}
		for i := eos; i < len(seq); i++ {
			if seq[i] != 0 {
				t.Errorf("Row %d: expected padding after EOS at %d, got %v", r, eos, seq)
				break
			}
		}
	}
}

func TestRewindReplayIsDeterministic(t *testing.T) {
	cfg := testConfig(t, WithSampling(20, 0.9, 0.8), WithRandomSeed(42), WithMaxLength(16), WithMinLength(16))
	m := newTestModel(t, cfg)
	g := newTestGenerator(t, m, nil)
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}
	trajectory := map[int][]float32{}
	for i := 0; i < 6; i++ {
		trajectory[g.SequenceLength()] = stepLogits(t, g)
		if err := g.GenerateNextToken(); err != nil {
			t.Fatalf("GenerateNextToken failed: %v", err)
		}
	}
	want := sequence(t, g, 0)

	if err := g.RewindToLength(len(want) + 1); !errors.Is(err, ErrInvalidRewind) {
		t.Errorf("Expected ErrInvalidRewind past the end, got %v", err)
	}

	if err := g.RewindToLength(5); err != nil {
		t.Fatalf("RewindToLength failed: %v", err)
	}
	if g.SequenceLength() != 5 {
		t.Errorf("Expected length 5 after rewind, got %d", g.SequenceLength())
	}
	for g.SequenceLength() < len(want) {
		n := g.SequenceLength()
		if diff := cmp.Diff(trajectory[n], stepLogits(t, g)); diff != "" {
			t.Errorf("Logits at length %d differ after rewind (-want +got):\n%s", n, diff)
		}
		if err := g.GenerateNextToken(); err != nil {
			t.Fatalf("GenerateNextToken after rewind failed: %v", err)
		}
	}
	if diff := cmp.Diff(want, sequence(t, g, 0)); diff != "" {
		t.Errorf("Replay after rewind differs (-want +got):\n%s", diff)
	}

	if err := g.RewindToLength(0); err != nil {
		t.Fatalf("RewindToLength(0) failed: %v", err)
	}
	if g.Phase() != PhaseCreated {
		t.Errorf("Expected phase CREATED after full rewind, got %v", g.Phase())
	}
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens after full rewind failed: %v", err)
	}
	for g.SequenceLength() < len(want) {
		n := g.SequenceLength()
		if diff := cmp.Diff(trajectory[n], stepLogits(t, g)); diff != "" {
			t.Errorf("Logits at length %d differ after full rewind (-want +got):\n%s", n, diff)
		}
		if err := g.GenerateNextToken(); err != nil {
			t.Fatalf("GenerateNextToken after full rewind failed: %v", err)
		}
	}
	if diff := cmp.Diff(want, sequence(t, g, 0)); diff != "" {
		t.Errorf("Replay after full rewind differs (-want +got):\n%s", diff)
	}
}

func TestRewindAfterDone(t *testing.T) {
	m := newTestModel(t, testConfig(t, WithMaxLength(6), WithMinLength(6)))
	g := newTestGenerator(t, m, nil)
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}
	runToCompletion(t, g)

	if err := g.RewindToLength(4); err != nil {
		t.Fatalf("RewindToLength failed: %v", err)
	}
	if g.IsDone() {
		t.Errorf("Expected generator to resume after rewind")
	}
	if err := g.GenerateNextToken(); err != nil {
		t.Errorf("GenerateNextToken after rewind failed: %v", err)
	}
}

func TestSessionTermination(t *testing.T) {
	m := newTestModel(t, testConfig(t))
	g := newTestGenerator(t, m, nil)
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}

	if err := g.SetRuntimeOption("terminate_session", "1"); err != nil {
		t.Fatalf("SetRuntimeOption failed: %v", err)
	}
	if !g.IsSessionTerminated() {
		t.Errorf("Expected session terminated")
	}
	err := g.GenerateNextToken()
	if !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("Expected ErrSessionTerminated, got %v", err)
	}
	if !IsResourceError(err) {
		t.Errorf("Expected a resource error, got %v", err)
	}
	if g.Phase() == PhaseFailed {
		t.Errorf("Termination must not fail the generator")
	}

	if err := g.SetRuntimeOption("terminate_session", "0"); err != nil {
		t.Fatalf("SetRuntimeOption failed: %v", err)
	}
	if err := g.GenerateNextToken(); err != nil {
		t.Errorf("Expected generation to resume, got %v", err)
	}
}

func TestRuntimeOptions(t *testing.T) {
	m := newTestModel(t, testConfig(t))
	g := newTestGenerator(t, m, nil)

	if err := g.SetRuntimeOption("no_such_option", "1"); !errors.Is(err, ErrUnknownRuntimeOption) {
		t.Errorf("Expected ErrUnknownRuntimeOption, got %v", err)
	}
	if err := g.SetRuntimeOption("terminate_session", "yes"); !IsConfigError(err) {
		t.Errorf("Expected a config error, got %v", err)
	}
	if err := g.SetRuntimeOption("log_level", "debug"); err != nil {
		t.Errorf("Expected log_level to be accepted, got %v", err)
	}
}

func TestBackendFailureIsSticky(t *testing.T) {
	m := newTestModel(t, testConfig(t, WithMinLength(8)), WithFailureAt(2))
	g := newTestGenerator(t, m, nil)
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}
	if err := g.GenerateNextToken(); err != nil {
		t.Fatalf("First step failed: %v", err)
	}

	err := g.GenerateNextToken()
	if !errors.Is(err, ErrGeneratorFailed) || !errors.Is(err, ErrMockFailure) {
		t.Fatalf("Expected ErrGeneratorFailed wrapping the backend error, got %v", err)
	}
	if g.Phase() != PhaseFailed {
		t.Errorf("Expected phase FAILED, got %v", g.Phase())
	}
	if !g.IsDone() {
		t.Errorf("Expected a failed generator to be done")
	}
	if err := g.AppendTokens([]int32{1}); !errors.Is(err, ErrGeneratorFailed) {
		t.Errorf("Expected ErrGeneratorFailed, got %v", err)
	}
}

func TestSetLogitsDrivesSelection(t *testing.T) {
	cfg := testConfig(t)
	m := newTestModel(t, cfg)
	g := newTestGenerator(t, m, nil)
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}

	logits := make([]float32, cfg.Model.VocabSize)
	for i := range logits {
		logits[i] = float32(math.Inf(-1))
	}
	logits[42] = 1
	if err := g.SetLogits(device.Wrap(device.MustGet(device.CPU), logits[:10])); !IsConfigError(err) {
		t.Errorf("Expected a config error for short logits, got %v", err)
	}
	if err := g.SetLogits(device.Wrap(device.MustGet(device.CPU), logits)); err != nil {
		t.Fatalf("SetLogits failed: %v", err)
	}
	if err := g.GenerateNextToken(); err != nil {
		t.Fatalf("GenerateNextToken failed: %v", err)
	}
	seq := sequence(t, g, 0)
	if seq[len(seq)-1] != 42 {
		t.Errorf("Expected token 42, got %d", seq[len(seq)-1])
	}

	// The model catches up on every token it has not seen.
	if err := g.GenerateNextToken(); err != nil {
		t.Errorf("GenerateNextToken after override failed: %v", err)
	}
}

func TestGetLogitsComputesOnDemand(t *testing.T) {
	cfg := testConfig(t)
	m := newTestModel(t, cfg)
	g := newTestGenerator(t, m, nil)
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}

	logits, err := g.GetLogits()
	if err != nil {
		t.Fatalf("GetLogits failed: %v", err)
	}
	if logits.Len() != cfg.Model.VocabSize {
		t.Errorf("Expected %d logits, got %d", cfg.Model.VocabSize, logits.Len())
	}
	if err := g.ComputeLogits(); !errors.Is(err, ErrLogitsAlreadyComputed) {
		t.Errorf("Expected ErrLogitsAlreadyComputed, got %v", err)
	}
}

func TestGetSequenceOutOfRange(t *testing.T) {
	m := newTestModel(t, testConfig(t))
	g := newTestGenerator(t, m, nil)
	if _, err := g.GetSequence(1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestAuxInputIDsArePrompt(t *testing.T) {
	m := newTestModel(t, testConfig(t))
	g := newTestGenerator(t, m, func(p *GeneratorParams) {
		ids, err := NewTensor([]int64{1, 3}, testPrompt)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		defer ids.Release()
		if err := p.SetInputs(NamedTensors{{Name: InputIDsName, Tensor: ids}}); err != nil {
			t.Fatalf("SetInputs failed: %v", err)
		}
	})

	if g.Phase() != PhaseTokensAppended {
		t.Errorf("Expected phase TOKENS_APPENDED, got %v", g.Phase())
	}
	if diff := cmp.Diff(testPrompt, sequence(t, g, 0)); diff != "" {
		t.Errorf("Prompt mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseReleasesInstances(t *testing.T) {
	m := newTestModel(t, testConfig(t))
	before := LiveInstances()

	params, err := NewGeneratorParams(m)
	if err != nil {
		t.Fatalf("Failed to create params: %v", err)
	}
	g, err := NewGenerator(m, params)
	if err != nil {
		t.Fatalf("Failed to create generator: %v", err)
	}
	if LiveInstances() != before+1 {
		t.Errorf("Expected %d live instances, got %d", before+1, LiveInstances())
	}

	g.Close()
	g.Close()
	if LiveInstances() != before {
		t.Errorf("Expected %d live instances after close, got %d", before, LiveInstances())
	}
	if err := g.AppendTokens(testPrompt); !errors.Is(err, ErrGeneratorClosed) {
		t.Errorf("Expected ErrGeneratorClosed, got %v", err)
	}
}

func TestBeamSearch(t *testing.T) {
	m := newTestModel(t, testConfig(t, WithNumBeams(3), WithMaxLength(10)), WithEOSAfter(3))
	g := newTestGenerator(t, m, func(p *GeneratorParams) {
		if err := p.SetSearchOption("num_return_sequences", 2); err != nil {
			t.Fatalf("SetSearchOption failed: %v", err)
		}
	})
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}
	runToCompletion(t, g)

	if g.NumSequences() != 2 {
		t.Fatalf("Expected 2 sequences, got %d", g.NumSequences())
	}
	for i := 0; i < 2; i++ {
		seq := sequence(t, g, i)
		if diff := cmp.Diff(testPrompt, seq[:3]); diff != "" {
			t.Errorf("Sequence %d prompt mismatch (-want +got):\n%s", i, diff)
		}
		if len(seq) > 10 {
			t.Errorf("Sequence %d exceeds max_length: %d", i, len(seq))
		}
	}

	if err := g.RewindToLength(2); !errors.Is(err, ErrInvalidRewind) {
		t.Errorf("Expected ErrInvalidRewind for a partial beam rewind, got %v", err)
	}
	if err := g.RewindToLength(0); err != nil {
		t.Errorf("RewindToLength(0) failed: %v", err)
	}
}

func TestGraphCaptureOnAccelerator(t *testing.T) {
	cfg := testConfig(t, WithDevice("cuda"), WithGraphCapture(true), WithMaxBatchSize(4), WithMinLength(8))
	m := newTestModel(t, cfg)
	g := newTestGenerator(t, m, func(p *GeneratorParams) { p.TryGraphCapture(4) })

	if !g.params.IsGraphCaptureEnabled() {
		t.Fatalf("Expected graph capture on cuda")
	}
	if err := g.AppendTokens(testPrompt); err != nil {
		t.Fatalf("AppendTokens failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := g.GenerateNextToken(); err != nil {
			t.Fatalf("GenerateNextToken failed: %v", err)
		}
	}
	info := g.state.GraphInfo()
	if info == nil || info.Replays != 3 {
		t.Errorf("Expected 3 graph replays, got %+v", info)
	}
}

func TestGraphCaptureDecidedAtCreation(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *GeneratorParams) error
		want  bool
	}{
		{"default params", nil, true},
		{"batch within max", func(p *GeneratorParams) error { return p.SetSearchOption("batch_size", 4) }, true},
		{"batch above max", func(p *GeneratorParams) error { return p.SetSearchOption("batch_size", 8) }, false},
		{"beam search", func(p *GeneratorParams) error { return p.SetSearchOption("num_beams", 2) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, WithDevice("cuda"), WithGraphCapture(true), WithMaxBatchSize(4))
			m := newTestModel(t, cfg)
			params, err := NewGeneratorParams(m)
			if err != nil {
				t.Fatalf("Failed to create params: %v", err)
			}
			if !params.IsGraphCaptureEnabled() {
				t.Errorf("Expected params to enable graph capture on cuda")
			}
			if tt.setup != nil {
				if err := tt.setup(params); err != nil {
					t.Fatalf("Failed to set search option: %v", err)
				}
			}
			g, err := NewGenerator(m, params)
			if err != nil {
				t.Fatalf("Failed to create generator: %v", err)
			}
			defer g.Close()
			if got := params.IsGraphCaptureEnabled(); got != tt.want {
				t.Errorf("Expected graph capture %v, got %v", tt.want, got)
			}
			if got := g.state.GraphInfo() != nil; got != tt.want {
				t.Errorf("Expected captured graph %v, got %v", tt.want, got)
			}
		})
	}
}
