package genai

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	if cfg.Search.MaxLength != cfg.Model.ContextLength {
		t.Errorf("Expected max_length to default to context length %d, got %d", cfg.Model.ContextLength, cfg.Search.MaxLength)
	}
	if cfg.EOS() != 2 {
		t.Errorf("Expected EOS 2, got %d", cfg.EOS())
	}
	if cfg.Search.RandomSeed >= 0 {
		t.Errorf("Expected a random seed by default, got %d", cfg.Search.RandomSeed)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		opts []ConfigOption
	}{
		{"eos outside vocab", []ConfigOption{WithVocabSize(10), WithEOS(10)}},
		{"no eos", []ConfigOption{WithEOS()}},
		{"min above max", []ConfigOption{WithMaxLength(8), WithMinLength(9)}},
		{"zero batch", []ConfigOption{WithBatchSize(0)}},
		{"zero beams", []ConfigOption{WithNumBeams(0)}},
		{"top_p above one", []ConfigOption{WithSampling(10, 1.5, 1)}},
		{"zero temperature", []ConfigOption{WithSampling(10, 1, 0)}},
		{"negative max batch", []ConfigOption{WithMaxBatchSize(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewConfig(tt.opts...); !IsConfigError(err) {
				t.Errorf("Expected a config error, got %v", err)
			}
		})
	}
}

func TestLoadConfigJSONDirectory(t *testing.T) {
	dir := t.TempDir()
	data := `{
  "model": {
    "vocab_size": 500,
    "context_length": 128,
    "eos_token_id": [3, 4],
    "decoder": {"filename": "decoder.onnx", "num_hidden_layers": 2}
  },
  "search": {"max_length": 64, "do_sample": true, "top_k": 5},
  "engine": {"device": "cuda", "enable_cuda_graph": true}
}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(data), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(dir, WithMaxBatchSize(2))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Dir != dir {
		t.Errorf("Expected dir %s, got %s", dir, cfg.Dir)
	}
	if diff := cmp.Diff(TokenIDs{3, 4}, cfg.Model.EOSTokenIDs); diff != "" {
		t.Errorf("EOS mismatch (-want +got):\n%s", diff)
	}
	if cfg.Model.Decoder.Filename != "decoder.onnx" || cfg.Model.Decoder.NumHiddenLayers != 2 {
		t.Errorf("Unexpected decoder config %+v", cfg.Model.Decoder)
	}
	// Unset fields keep their defaults.
	if cfg.Model.Decoder.Inputs.InputIDs != "input_ids" {
		t.Errorf("Expected default input_ids name, got %q", cfg.Model.Decoder.Inputs.InputIDs)
	}
	if cfg.Search.MaxLength != 64 || cfg.Search.TopK != 5 || !cfg.Search.DoSample {
		t.Errorf("Unexpected search config %+v", cfg.Search)
	}
	if cfg.Search.Temperature != 1.0 {
		t.Errorf("Expected default temperature 1.0, got %v", cfg.Search.Temperature)
	}
	if !cfg.Engine.EnableCUDAGraph || cfg.Engine.MaxBatchSize != 2 {
		t.Errorf("Unexpected engine config %+v", cfg.Engine)
	}
	if !cfg.IsEOS(4) || cfg.IsEOS(5) {
		t.Errorf("IsEOS does not match eos_token_id")
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	data := `model:
  vocab_size: 300
  eos_token_id: 7
search:
  num_beams: 4
  num_return_sequences: 2
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if diff := cmp.Diff(TokenIDs{7}, cfg.Model.EOSTokenIDs); diff != "" {
		t.Errorf("EOS mismatch (-want +got):\n%s", diff)
	}
	if cfg.Search.NumBeams != 4 || cfg.Search.NumReturnSequences != 2 {
		t.Errorf("Unexpected search config %+v", cfg.Search)
	}
	if cfg.Dir != filepath.Dir(path) {
		t.Errorf("Expected dir %s, got %s", filepath.Dir(path), cfg.Dir)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); !IsConfigError(err) {
		t.Errorf("Expected a config error for a missing file, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"model": {"eos_token_id": "x"}}`), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); !IsConfigError(err) {
		t.Errorf("Expected a config error for a malformed eos id, got %v", err)
	}
}
