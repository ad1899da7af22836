package genai

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"nano-genai-go/device"
	"nano-genai-go/guidance"
	"nano-genai-go/metrics"
)

// Reserved input names routed into dedicated fields by SetInputs.
const (
	InputIDsName       = "input_ids"
	InputFeaturesName  = "input_features"
	AlignmentHeadsName = "alignment_heads"
)

// ModalityInputs is the closed set of model-family specific inputs.
// WhisperInputs is the only implementation.
type ModalityInputs interface {
	modalityInputs()
}

// WhisperInputs holds the encoder inputs of speech models.
type WhisperInputs struct {
	InputFeatures  *Tensor // float32 or float16 [batch, mels, frames]
	AlignmentHeads *Tensor // int32 [heads, 2]
}

func (*WhisperInputs) modalityInputs() {}

// GuidanceSpec selects a grammar constraint. An empty Type disables guidance.
type GuidanceSpec struct {
	Type string
	Data string
}

// GeneratorParams holds the per-request generation parameters
type GeneratorParams struct {
	Config          *Config
	Search          SearchConfig
	MaxBatchSize    int
	UseGraphCapture bool
	Device          device.Interface

	AuxInputIDs []int32
	Inputs      ModalityInputs
	// ExtraInputs are matched to graph inputs by name. Each entry holds one
	// reference to its tensor.
	ExtraInputs []Input

	Guidance       GuidanceSpec
	GuidanceEngine guidance.Engine

	graphCaptureEnabled bool
	graphMaxBatch       int
	refs                atomic.Int32
}

// NewGeneratorParams creates params for model, copying its search configuration.
func NewGeneratorParams(model Model) (*GeneratorParams, error) {
	p := newGeneratorParams(model.Config())
	p.Device = model.Device()
	p.TryGraphCapture(p.Search.BatchSize)
	return p, nil
}

// NewGeneratorParamsFromConfig creates params without a live model, for benchmarks.
// It resolves the configured device but allocates nothing on it.
func NewGeneratorParamsFromConfig(cfg *Config) (*GeneratorParams, error) {
	p := newGeneratorParams(cfg)
	t, err := device.ParseType(cfg.Engine.Device)
	if err != nil {
		return nil, configErrorf("%v", err)
	}
	iface, err := device.Get(t)
	if err != nil {
		return nil, resourceError("failed to resolve device", err)
	}
	p.Device = iface
	p.TryGraphCapture(p.Search.BatchSize)
	return p, nil
}

func newGeneratorParams(cfg *Config) *GeneratorParams {
	p := &GeneratorParams{
		Config:          cfg,
		Search:          cfg.Search,
		MaxBatchSize:    cfg.Engine.MaxBatchSize,
		UseGraphCapture: cfg.Engine.EnableCUDAGraph,
	}
	p.refs.Store(1)
	return p
}

// BatchBeamSize is the number of rows the model runs per step.
func (p *GeneratorParams) BatchBeamSize() int {
	return p.Search.BatchSize * p.Search.NumBeams
}

// TryGraphCapture decides whether generators built from p record and replay
// device graphs for batches up to maxBS. NewGenerator repeats the decision
// with the final search options.
func (p *GeneratorParams) TryGraphCapture(maxBS int) {
	p.graphMaxBatch = maxBS
	enabled := p.UseGraphCapture &&
		p.Device != nil && p.Device.SupportsGraphCapture() &&
		maxBS > 0 &&
		(p.MaxBatchSize == 0 || maxBS <= p.MaxBatchSize) &&
		p.Search.NumBeams == 1 &&
		!(p.Search.DoSample && p.Search.TopP < 1)
	p.graphCaptureEnabled = enabled

	name := "none"
	if p.Device != nil {
		name = p.Device.Type().String()
	}
	metrics.GraphCapture.WithLabelValues(name, strconv.FormatBool(enabled)).Inc()
}

// IsGraphCaptureEnabled reports the last TryGraphCapture decision.
func (p *GeneratorParams) IsGraphCaptureEnabled() bool {
	return p.graphCaptureEnabled
}

// SetInputs routes named inputs. Reserved modality names fill the modality slot
// and shadow extra inputs of the same name; input_ids becomes AuxInputIDs;
// anything else is an extra input, replacing an earlier one with the same name.
func (p *GeneratorParams) SetInputs(inputs NamedTensors) error {
	for _, in := range inputs {
		if in.Tensor == nil {
			return configErrorf("input %q has no tensor", in.Name)
		}
		switch in.Name {
		case InputIDsName:
			ids, err := in.Tensor.Int32s()
			if err != nil {
				return err
			}
			p.AuxInputIDs = ids
		case InputFeaturesName:
			if et := in.Tensor.ElementType(); et != device.ElementFloat32 && et != device.ElementFloat16 {
				return configErrorf("%s must be float32 or float16, got %s", in.Name, et)
			}
			w := p.whisper()
			in.Tensor.Retain()
			if w.InputFeatures != nil {
				w.InputFeatures.Release()
			}
			w.InputFeatures = in.Tensor
			p.dropExtra(in.Name)
		case AlignmentHeadsName:
			if et := in.Tensor.ElementType(); et != device.ElementInt32 {
				return configErrorf("%s must be int32, got %s", in.Name, et)
			}
			w := p.whisper()
			in.Tensor.Retain()
			if w.AlignmentHeads != nil {
				w.AlignmentHeads.Release()
			}
			w.AlignmentHeads = in.Tensor
			p.dropExtra(in.Name)
		default:
			p.setExtra(in)
		}
	}
	return nil
}

func (p *GeneratorParams) whisper() *WhisperInputs {
	switch in := p.Inputs.(type) {
	case *WhisperInputs:
		return in
	case nil:
		w := &WhisperInputs{}
		p.Inputs = w
		return w
	default:
		panic("genai: unknown modality inputs")
	}
}

func (p *GeneratorParams) setExtra(in Input) {
	in.Tensor.Retain()
	for i := range p.ExtraInputs {
		if p.ExtraInputs[i].Name == in.Name {
			p.ExtraInputs[i].Tensor.Release()
			p.ExtraInputs[i] = in
			return
		}
	}
	p.ExtraInputs = append(p.ExtraInputs, in)
}

func (p *GeneratorParams) dropExtra(name string) {
	kept := p.ExtraInputs[:0]
	for _, in := range p.ExtraInputs {
		if in.Name == name {
			in.Tensor.Release()
			continue
		}
		kept = append(kept, in)
	}
	p.ExtraInputs = kept
}

// ModelInputs returns the inputs a State should bind: the filled modality slots
// first, then extra inputs not shadowed by them.
func (p *GeneratorParams) ModelInputs() []Input {
	var out []Input
	shadowed := map[string]bool{}
	switch in := p.Inputs.(type) {
	case *WhisperInputs:
		if in.InputFeatures != nil {
			out = append(out, Input{Name: InputFeaturesName, Tensor: in.InputFeatures})
			shadowed[InputFeaturesName] = true
		}
		if in.AlignmentHeads != nil {
			out = append(out, Input{Name: AlignmentHeadsName, Tensor: in.AlignmentHeads})
			shadowed[AlignmentHeadsName] = true
		}
	}
	for _, in := range p.ExtraInputs {
		if !shadowed[in.Name] {
			out = append(out, in)
		}
	}
	return out
}

// SetSearchOption overrides a numeric search option of this request.
func (p *GeneratorParams) SetSearchOption(name string, value float64) error {
	s := &p.Search
	switch name {
	case "max_length":
		s.MaxLength = int(value)
	case "min_length":
		s.MinLength = int(value)
	case "batch_size":
		s.BatchSize = int(value)
		p.TryGraphCapture(max(p.graphMaxBatch, s.BatchSize))
	case "num_beams":
		s.NumBeams = int(value)
	case "num_return_sequences":
		s.NumReturnSequences = int(value)
	case "top_k":
		s.TopK = int(value)
	case "top_p":
		s.TopP = float32(value)
	case "temperature":
		s.Temperature = float32(value)
	case "repetition_penalty":
		s.RepetitionPenalty = float32(value)
	case "length_penalty":
		s.LengthPenalty = float32(value)
	case "no_repeat_ngram_size":
		s.NoRepeatNgramSize = int(value)
	case "random_seed":
		s.RandomSeed = int64(value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSearchOption, name)
	}
	return nil
}

// SetSearchBool overrides a boolean search option of this request.
func (p *GeneratorParams) SetSearchBool(name string, value bool) error {
	switch name {
	case "do_sample":
		p.Search.DoSample = value
	case "early_stopping":
		p.Search.EarlyStopping = value
	case "past_present_share_buffer":
		p.Search.PastPresentShareBuffer = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSearchOption, name)
	}
	return nil
}

// SetGuidance constrains generation with a grammar of the given type.
func (p *GeneratorParams) SetGuidance(kind, data string) {
	p.Guidance = GuidanceSpec{Type: kind, Data: data}
}

// Retain pins the params for an external owner.
func (p *GeneratorParams) Retain() { p.refs.Add(1) }

// Release drops a reference; the last one releases all input tensors.
func (p *GeneratorParams) Release() {
	if p.refs.Add(-1) != 0 {
		return
	}
	if w, ok := p.Inputs.(*WhisperInputs); ok {
		if w.InputFeatures != nil {
			w.InputFeatures.Release()
		}
		if w.AlignmentHeads != nil {
			w.AlignmentHeads.Release()
		}
	}
	for _, in := range p.ExtraInputs {
		in.Tensor.Release()
	}
	p.Inputs = nil
	p.ExtraInputs = nil
}
