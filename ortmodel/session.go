package ortmodel

import (
	"fmt"
	"slices"
	"unsafe"

	ort "github.com/yalue/onnxruntime_go"

	"nano-genai-go/device"
	"nano-genai-go/genai"
)

// sessionInfo is the decoder graph signature resolved against the config.
type sessionInfo struct {
	inputNames  []string
	outputNames []string
	inputs      map[string]ort.InputOutputInfo

	inputIDs      string
	attentionMask string // empty when the graph has none
	positionIDs   string // empty when the graph has none

	logits     int // index into outputNames
	logitsType device.ElementType

	numLayers     int
	heads         int
	headSize      int
	kvType        device.ElementType
	pastKeys      []string
	pastValues    []string
	presentKeys   []int // indices into outputNames
	presentValues []int
}

func newSessionInfo(dec genai.DecoderConfig, inputs, outputs []ort.InputOutputInfo) (*sessionInfo, error) {
	s := &sessionInfo{inputs: make(map[string]ort.InputOutputInfo)}
	for _, in := range inputs {
		s.inputNames = append(s.inputNames, in.Name)
		s.inputs[in.Name] = in
	}
	outputIndex := make(map[string]ort.InputOutputInfo)
	for _, out := range outputs {
		outputIndex[out.Name] = out
	}

	if _, ok := s.inputs[dec.Inputs.InputIDs]; !ok {
		return nil, fmt.Errorf("graph has no %q input", dec.Inputs.InputIDs)
	}
	s.inputIDs = dec.Inputs.InputIDs
	if _, ok := s.inputs[dec.Inputs.AttentionMask]; ok {
		s.attentionMask = dec.Inputs.AttentionMask
	}
	if _, ok := s.inputs[dec.Inputs.PositionIDs]; ok {
		s.positionIDs = dec.Inputs.PositionIDs
	}

	logits, ok := outputIndex[dec.Outputs.Logits]
	if !ok {
		return nil, fmt.Errorf("graph has no %q output", dec.Outputs.Logits)
	}
	lt, err := elementType(logits.DataType)
	if err != nil {
		return nil, fmt.Errorf("logits: %w", err)
	}
	if lt != device.ElementFloat32 && lt != device.ElementFloat16 {
		return nil, fmt.Errorf("logits must be float32 or float16, got %s", lt)
	}
	s.logitsType = lt
	s.logits = len(s.outputNames)
	s.outputNames = append(s.outputNames, dec.Outputs.Logits)

	s.numLayers = dec.NumHiddenLayers
	if s.numLayers == 0 {
		for {
			if _, ok := s.inputs[fmt.Sprintf(dec.Inputs.PastKeyNames, s.numLayers)]; !ok {
				break
			}
			s.numLayers++
		}
	}
	s.heads, s.headSize = dec.NumKeyValueHeads, dec.HeadSize
	for l := 0; l < s.numLayers; l++ {
		pk := fmt.Sprintf(dec.Inputs.PastKeyNames, l)
		pv := fmt.Sprintf(dec.Inputs.PastValueNames, l)
		key, ok := s.inputs[pk]
		if !ok {
			return nil, fmt.Errorf("graph has no %q input", pk)
		}
		if _, ok := s.inputs[pv]; !ok {
			return nil, fmt.Errorf("graph has no %q input", pv)
		}
		if l == 0 {
			if s.kvType, err = elementType(key.DataType); err != nil {
				return nil, fmt.Errorf("%s: %w", pk, err)
			}
			// [batch, heads, past, head_size]; dynamic dims are negative.
			if len(key.Dimensions) == 4 {
				if s.heads == 0 && key.Dimensions[1] > 0 {
					s.heads = int(key.Dimensions[1])
				}
				if s.headSize == 0 && key.Dimensions[3] > 0 {
					s.headSize = int(key.Dimensions[3])
				}
			}
		}
		s.pastKeys = append(s.pastKeys, pk)
		s.pastValues = append(s.pastValues, pv)

		for _, name := range []string{fmt.Sprintf(dec.Outputs.PresentKeyNames, l), fmt.Sprintf(dec.Outputs.PresentValueNames, l)} {
			if _, ok := outputIndex[name]; !ok {
				return nil, fmt.Errorf("graph has no %q output", name)
			}
		}
		s.presentKeys = append(s.presentKeys, len(s.outputNames))
		s.outputNames = append(s.outputNames, fmt.Sprintf(dec.Outputs.PresentKeyNames, l))
		s.presentValues = append(s.presentValues, len(s.outputNames))
		s.outputNames = append(s.outputNames, fmt.Sprintf(dec.Outputs.PresentValueNames, l))
	}
	if s.numLayers > 0 && (s.heads <= 0 || s.headSize <= 0) {
		return nil, fmt.Errorf("cannot infer key/value geometry, set num_key_value_heads and head_size")
	}
	return s, nil
}

// hasInput reports whether the graph declares name.
func (s *sessionInfo) hasInput(name string) bool {
	_, ok := s.inputs[name]
	return ok
}

// boundInputs returns the graph inputs a State supplies besides extras.
func (s *sessionInfo) boundInputs() []string {
	names := []string{s.inputIDs}
	if s.attentionMask != "" {
		names = append(names, s.attentionMask)
	}
	if s.positionIDs != "" {
		names = append(names, s.positionIDs)
	}
	names = append(names, s.pastKeys...)
	return append(names, s.pastValues...)
}

// missingInputs lists graph inputs that neither the decoder nor extras provide.
func (s *sessionInfo) missingInputs(extras []genai.Input) []string {
	var missing []string
	bound := s.boundInputs()
	for _, name := range s.inputNames {
		if slices.Contains(bound, name) {
			continue
		}
		if !slices.ContainsFunc(extras, func(in genai.Input) bool { return in.Name == name }) {
			missing = append(missing, name)
		}
	}
	return missing
}

func elementType(t ort.TensorElementDataType) (device.ElementType, error) {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return device.ElementFloat32, nil
	case ort.TensorElementDataTypeFloat16:
		return device.ElementFloat16, nil
	case ort.TensorElementDataTypeInt32:
		return device.ElementInt32, nil
	case ort.TensorElementDataTypeInt64:
		return device.ElementInt64, nil
	case ort.TensorElementDataTypeUint32:
		return device.ElementUint32, nil
	case ort.TensorElementDataTypeUint8:
		return device.ElementUint8, nil
	default:
		return device.ElementUndefined, fmt.Errorf("unsupported element type %d", int(t))
	}
}

func ortElementType(t device.ElementType) (ort.TensorElementDataType, error) {
	switch t {
	case device.ElementFloat32:
		return ort.TensorElementDataTypeFloat, nil
	case device.ElementFloat16:
		return ort.TensorElementDataTypeFloat16, nil
	case device.ElementInt32:
		return ort.TensorElementDataTypeInt32, nil
	case device.ElementInt64:
		return ort.TensorElementDataTypeInt64, nil
	case device.ElementUint32:
		return ort.TensorElementDataTypeUint32, nil
	case device.ElementUint8:
		return ort.TensorElementDataTypeUint8, nil
	default:
		return 0, fmt.Errorf("unsupported element type %s", t)
	}
}

// newValue creates an ONNX Runtime tensor over data without copying. Empty
// tensors get a one-element backing array so the runtime has a valid pointer.
func newValue(t device.ElementType, shape []int64, data []byte) (ort.Value, error) {
	if len(data) == 0 {
		data = make([]byte, 8)
	}
	switch t {
	case device.ElementFloat32:
		return ort.NewTensor(ort.NewShape(shape...), unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4))
	case device.ElementInt64:
		return ort.NewTensor(ort.NewShape(shape...), unsafe.Slice((*int64)(unsafe.Pointer(&data[0])), len(data)/8))
	case device.ElementInt32:
		return ort.NewTensor(ort.NewShape(shape...), unsafe.Slice((*int32)(unsafe.Pointer(&data[0])), len(data)/4))
	}
	ot, err := ortElementType(t)
	if err != nil {
		return nil, err
	}
	return ort.NewCustomDataTensor(ort.NewShape(shape...), data, ot)
}

// valueBytes returns the host bytes of an output the runtime allocated.
func valueBytes(v ort.Value) ([]byte, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return sliceBytes(t.GetData()), nil
	case *ort.Tensor[uint16]:
		return sliceBytes(t.GetData()), nil
	case *ort.Tensor[int64]:
		return sliceBytes(t.GetData()), nil
	case *ort.Tensor[int32]:
		return sliceBytes(t.GetData()), nil
	case *ort.CustomDataTensor:
		return t.GetData(), nil
	case nil:
		return nil, fmt.Errorf("output was not produced")
	default:
		return nil, fmt.Errorf("unsupported output value %T", v)
	}
}

func sliceBytes[T device.Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(s[0])))
}

// cudaProviderSettings returns the CUDA execution provider options.
func cudaProviderSettings(graphCapture bool) map[string]string {
	settings := map[string]string{"device_id": "0"}
	if graphCapture {
		settings["enable_cuda_graph"] = "1"
	}
	return settings
}

// sessionOptions selects the execution provider for device t. graphCapture
// lets the CUDA provider record the graph on the first run and replay it.
func sessionOptions(t device.Type, threads int, graphCapture bool) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if threads > 0 {
		if err := options.SetIntraOpNumThreads(threads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to set threads: %w", err)
		}
	}

	switch t {
	case device.CPU:
	case device.CUDA:
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := cudaOpts.Update(cudaProviderSettings(graphCapture)); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to configure CUDA: %w", err)
		}
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to enable CUDA: %w", err)
		}
	case device.DML:
		if err := options.AppendExecutionProviderDirectML(0); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to enable DirectML: %w", err)
		}
	default:
		options.Destroy()
		return nil, fmt.Errorf("%w: no ONNX Runtime provider for %s", device.ErrDeviceUnavailable, t)
	}
	return options, nil
}
