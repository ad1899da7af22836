package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGenerateBatch(t *testing.T) {
	cfg := testConfig(t, WithMaxLength(10))
	m := newTestModel(t, cfg, WithEOSAfter(3))
	params, err := NewGeneratorParams(m)
	if err != nil {
		t.Fatalf("Failed to create params: %v", err)
	}

	steps := 0
	outputs, err := Generate(context.Background(), m, params, TokenSequences{{17, 18, 19}, {20}}, GenerateOptions{
		OnStep: func(step int, tokens []int32) {
			steps = step
			if len(tokens) != 2 {
				t.Errorf("Expected 2 tokens per step, got %d", len(tokens))
			}
		},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("Expected 2 outputs, got %d", len(outputs))
	}
	if steps == 0 || steps > 4 {
		t.Errorf("Expected EOS within 4 steps, got %d", steps)
	}

	tok, _ := m.Tokenizer()
	for i, out := range outputs {
		if out.Prompt != i {
			t.Errorf("Expected prompt %d, got %d", i, out.Prompt)
		}
		if len(out.TokenIDs) > 3 {
			t.Errorf("Output %d: expected at most 3 tokens before EOS, got %v", i, out.TokenIDs)
		}
		text, _ := tok.Decode(out.TokenIDs)
		if text != out.Text {
			t.Errorf("Output %d: expected text %q, got %q", i, text, out.Text)
		}
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	cfg := testConfig(t, WithMaxLength(12), WithSampling(10, 1, 1), WithRandomSeed(7))
	m := newTestModel(t, cfg)

	run := func() []Output {
		params, err := NewGeneratorParams(m)
		if err != nil {
			t.Fatalf("Failed to create params: %v", err)
		}
		outputs, err := Generate(context.Background(), m, params, TokenSequences{{30, 31}}, GenerateOptions{})
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		return outputs
	}
	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("Seeded runs differ (-first +second):\n%s", diff)
	}
}

func TestGenerateBeamOutputs(t *testing.T) {
	cfg := testConfig(t, WithMaxLength(8), WithNumBeams(2))
	m := newTestModel(t, cfg, WithEOSAfter(2))
	params, err := NewGeneratorParams(m)
	if err != nil {
		t.Fatalf("Failed to create params: %v", err)
	}
	if err := params.SetSearchOption("num_return_sequences", 2); err != nil {
		t.Fatalf("SetSearchOption failed: %v", err)
	}

	outputs, err := Generate(context.Background(), m, params, TokenSequences{{17}, {18}}, GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(outputs) != 4 {
		t.Fatalf("Expected 4 outputs, got %d", len(outputs))
	}
	for i, out := range outputs {
		if out.Prompt != i/2 {
			t.Errorf("Output %d: expected prompt %d, got %d", i, i/2, out.Prompt)
		}
	}
}

func TestGenerateCancelled(t *testing.T) {
	m := newTestModel(t, testConfig(t))
	params, err := NewGeneratorParams(m)
	if err != nil {
		t.Fatalf("Failed to create params: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before := LiveInstances()
	if _, err := Generate(ctx, m, params, TokenSequences{{17}}, GenerateOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if LiveInstances() != before {
		t.Errorf("Expected the generator to be closed")
	}
}

func TestGenerateRejectsEmptyPrompts(t *testing.T) {
	m := newTestModel(t, testConfig(t))
	params, err := NewGeneratorParams(m)
	if err != nil {
		t.Fatalf("Failed to create params: %v", err)
	}
	if _, err := Generate(context.Background(), m, params, nil, GenerateOptions{}); !IsConfigError(err) {
		t.Errorf("Expected a config error, got %v", err)
	}
	if _, err := Generate(context.Background(), m, params, TokenSequences{{1}, {}}, GenerateOptions{}); !IsConfigError(err) {
		t.Errorf("Expected a config error for an empty prompt, got %v", err)
	}
}
