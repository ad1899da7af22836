package genai

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"nano-genai-go/device"
)

func newFloatTensor(t *testing.T, vals ...float32) *Tensor {
	t.Helper()
	tensor, err := NewTensor([]int64{int64(len(vals))}, vals)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	return tensor
}

func inputNames(inputs []Input) []string {
	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.Name
	}
	return names
}

func TestSetInputsSlotWinsOverExtra(t *testing.T) {
	params, err := NewGeneratorParamsFromConfig(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create params: %v", err)
	}
	extra := newFloatTensor(t, 1)
	slot := newFloatTensor(t, 2)

	// Extra first, then the slot: the extra entry is dropped.
	extra.Retain()
	params.ExtraInputs = append(params.ExtraInputs, Input{Name: InputFeaturesName, Tensor: extra})
	if err := params.SetInputs(NamedTensors{{Name: InputFeaturesName, Tensor: slot}}); err != nil {
		t.Fatalf("SetInputs failed: %v", err)
	}
	inputs := params.ModelInputs()
	if len(inputs) != 1 || inputs[0].Tensor != slot {
		t.Errorf("Expected only the slot tensor, got %v", inputNames(inputs))
	}
	if extra.RefCount() != 1 {
		t.Errorf("Expected dropped extra to be released, refs %d", extra.RefCount())
	}

	// Slot first, then an extra of the same name: the slot still wins.
	extra.Retain()
	params.ExtraInputs = append(params.ExtraInputs, Input{Name: InputFeaturesName, Tensor: extra})
	inputs = params.ModelInputs()
	if len(inputs) != 1 || inputs[0].Tensor != slot {
		t.Errorf("Expected the slot to shadow the extra, got %v", inputNames(inputs))
	}

	params.Release()
	if slot.RefCount() != 1 || extra.RefCount() != 1 {
		t.Errorf("Expected params to release its references, got slot %d extra %d", slot.RefCount(), extra.RefCount())
	}
}

func TestSetInputsRouting(t *testing.T) {
	params, err := NewGeneratorParamsFromConfig(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create params: %v", err)
	}
	defer params.Release()

	ids, err := NewTensor([]int64{1, 2}, []int64{5, 6})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	heads, err := NewTensor([]int64{2}, []int32{0, 1})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	first := newFloatTensor(t, 1)
	second := newFloatTensor(t, 2)

	err = params.SetInputs(NamedTensors{
		{Name: InputIDsName, Tensor: ids},
		{Name: AlignmentHeadsName, Tensor: heads},
		{Name: "speaker", Tensor: first},
		{Name: "speaker", Tensor: second},
	})
	if err != nil {
		t.Fatalf("SetInputs failed: %v", err)
	}
	if diff := cmp.Diff([]int32{5, 6}, params.AuxInputIDs); diff != "" {
		t.Errorf("AuxInputIDs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{AlignmentHeadsName, "speaker"}, inputNames(params.ModelInputs())); diff != "" {
		t.Errorf("ModelInputs mismatch (-want +got):\n%s", diff)
	}
	if first.RefCount() != 1 {
		t.Errorf("Expected the replaced extra to be released, refs %d", first.RefCount())
	}
	if params.ExtraInputs[0].Tensor != second {
		t.Errorf("Expected the later extra to win")
	}

	if err := params.SetInputs(NamedTensors{{Name: AlignmentHeadsName, Tensor: second}}); !IsConfigError(err) {
		t.Errorf("Expected a config error for float alignment heads, got %v", err)
	}
	if err := params.SetInputs(NamedTensors{{Name: "empty"}}); !IsConfigError(err) {
		t.Errorf("Expected a config error for a nil tensor, got %v", err)
	}
}

func TestSearchOptions(t *testing.T) {
	params, err := NewGeneratorParamsFromConfig(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create params: %v", err)
	}
	if err := params.SetSearchOption("max_length", 64); err != nil {
		t.Errorf("SetSearchOption failed: %v", err)
	}
	if err := params.SetSearchBool("do_sample", true); err != nil {
		t.Errorf("SetSearchBool failed: %v", err)
	}
	if params.Search.MaxLength != 64 || !params.Search.DoSample {
		t.Errorf("Expected max_length 64 with sampling, got %+v", params.Search)
	}
	if params.Config.Search.MaxLength == 64 {
		t.Errorf("Search options must not change the shared config")
	}

	if err := params.SetSearchOption("beam_width", 2); !errors.Is(err, ErrUnknownSearchOption) {
		t.Errorf("Expected ErrUnknownSearchOption, got %v", err)
	}
	if err := params.SetSearchBool("fast", true); !errors.Is(err, ErrUnknownSearchOption) {
		t.Errorf("Expected ErrUnknownSearchOption, got %v", err)
	}
}

func TestTryGraphCapture(t *testing.T) {
	tests := []struct {
		name  string
		dev   string
		setup func(p *GeneratorParams)
		maxBS int
		want  bool
	}{
		{"cuda", "cuda", nil, 4, true},
		{"cpu never captures", "cpu", nil, 4, false},
		{"disabled", "cuda", func(p *GeneratorParams) { p.UseGraphCapture = false }, 4, false},
		{"zero batch", "cuda", nil, 0, false},
		{"above max batch", "cuda", nil, 16, false},
		{"beam search", "cuda", func(p *GeneratorParams) { p.Search.NumBeams = 2 }, 4, false},
		{"top-p sampling", "cuda", func(p *GeneratorParams) {
			p.Search.DoSample = true
			p.Search.TopP = 0.9
		}, 4, false},
		{"top-k sampling", "cuda", func(p *GeneratorParams) { p.Search.DoSample = true }, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, WithDevice(tt.dev), WithGraphCapture(true), WithMaxBatchSize(8))
			params, err := NewGeneratorParamsFromConfig(cfg)
			if err != nil {
				t.Fatalf("Failed to create params: %v", err)
			}
			if tt.setup != nil {
				tt.setup(params)
			}
			params.TryGraphCapture(tt.maxBS)
			if got := params.IsGraphCaptureEnabled(); got != tt.want {
				t.Errorf("Expected graph capture %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParamsFromConfigResolvesDevice(t *testing.T) {
	params, err := NewGeneratorParamsFromConfig(testConfig(t, WithDevice("cuda")))
	if err != nil {
		t.Fatalf("Failed to create params: %v", err)
	}
	if params.Device.Type() != device.CUDA {
		t.Errorf("Expected cuda device, got %v", params.Device.Type())
	}
	if _, err := NewGeneratorParamsFromConfig(testConfig(t, WithDevice("tpu"))); !IsConfigError(err) {
		t.Errorf("Expected a config error for an unknown device, got %v", err)
	}
}
