package ortmodel

import (
	"fmt"
	"unsafe"

	ort "github.com/yalue/onnxruntime_go"

	"nano-genai-go/device"
	"nano-genai-go/genai"
)

// decoderState runs the decoder one step at a time and keeps the key/value cache
// between steps.
type decoderState struct {
	genai.BaseState
	model   *Model
	rows    int
	kv      *KVCache
	extras  []genai.Input
	logits  device.Span[float32]
	graph   *device.GraphInfo
	promptN []int // unpadded prompt length per row, 0 when unknown
	padLeft []int
}

func (s *decoderState) Run(totalLength int, nextTokens device.Span[int32], nextIndices device.Span[int32]) (device.Span[float32], error) {
	if err := genai.CheckSessionTerminated(s.Terminated()); err != nil {
		return device.Span[float32]{}, err
	}
	if !nextIndices.Empty() {
		src, err := nextIndices.CopyDeviceToCPU()
		if err != nil {
			return device.Span[float32]{}, err
		}
		if err := s.kv.Gather(src); err != nil {
			return device.Span[float32]{}, err
		}
	}
	tokens, err := nextTokens.CopyDeviceToCPU()
	if err != nil {
		return device.Span[float32]{}, err
	}
	if len(tokens) == 0 || len(tokens)%s.rows != 0 {
		return device.Span[float32]{}, fmt.Errorf("%d tokens for %d rows", len(tokens), s.rows)
	}
	k := len(tokens) / s.rows
	past := s.kv.Len()
	if past+k != totalLength {
		return device.Span[float32]{}, fmt.Errorf("%d cached positions and %d new tokens do not make %d", past, k, totalLength)
	}
	if s.padLeft == nil {
		s.padLeft = make([]int, s.rows)
		for r, n := range s.promptN {
			if n > 0 && n < totalLength {
				s.padLeft[r] = totalLength - n
			}
		}
	}

	values := make(map[string]ort.Value)
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()
	add := func(name string, t device.ElementType, shape []int64, data []byte) error {
		v, err := newValue(t, shape, data)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
		values[name] = v
		return nil
	}

	info := s.model.info
	if err := add(info.inputIDs, device.ElementInt64, []int64{int64(s.rows), int64(k)}, sliceBytes(s.inputIDs(tokens))); err != nil {
		return device.Span[float32]{}, err
	}
	if info.attentionMask != "" {
		if err := add(info.attentionMask, device.ElementInt64, []int64{int64(s.rows), int64(totalLength)}, sliceBytes(s.attentionMask(totalLength))); err != nil {
			return device.Span[float32]{}, err
		}
	}
	if info.positionIDs != "" {
		if err := add(info.positionIDs, device.ElementInt64, []int64{int64(s.rows), int64(k)}, sliceBytes(s.positionIDs(past, k))); err != nil {
			return device.Span[float32]{}, err
		}
	}
	for l := range info.pastKeys {
		if err := add(info.pastKeys[l], info.kvType, s.kv.Shape(), s.kv.Keys[l]); err != nil {
			return device.Span[float32]{}, err
		}
		if err := add(info.pastValues[l], info.kvType, s.kv.Shape(), s.kv.Values[l]); err != nil {
			return device.Span[float32]{}, err
		}
	}
	for _, in := range s.extras {
		if !info.hasInput(in.Name) {
			continue
		}
		if err := add(in.Name, in.Tensor.ElementType(), in.Tensor.Shape(), in.Tensor.Bytes()); err != nil {
			return device.Span[float32]{}, err
		}
	}

	inputs := make([]ort.Value, len(info.inputNames))
	for i, name := range info.inputNames {
		v, ok := values[name]
		if !ok {
			return device.Span[float32]{}, fmt.Errorf("%w: graph input %q is not provided", genai.ErrInvalidInput, name)
		}
		inputs[i] = v
	}
	outputs := make([]ort.Value, len(info.outputNames))
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	if err := s.model.session.Run(inputs, outputs); err != nil {
		return device.Span[float32]{}, fmt.Errorf("failed to run decoder: %w", err)
	}

	raw, err := valueBytes(outputs[info.logits])
	if err != nil {
		return device.Span[float32]{}, fmt.Errorf("logits: %w", err)
	}
	if err := s.storeLogits(raw); err != nil {
		return device.Span[float32]{}, err
	}
	for l := range info.presentKeys {
		key, err := valueBytes(outputs[info.presentKeys[l]])
		if err != nil {
			return device.Span[float32]{}, fmt.Errorf("present key %d: %w", l, err)
		}
		value, err := valueBytes(outputs[info.presentValues[l]])
		if err != nil {
			return device.Span[float32]{}, fmt.Errorf("present value %d: %w", l, err)
		}
		if err := s.kv.SetLayer(l, totalLength, key, value); err != nil {
			return device.Span[float32]{}, err
		}
	}
	if s.graph != nil {
		s.graph.Replays++
	}
	return s.logits, nil
}

func (s *decoderState) inputIDs(tokens []int32) []int64 {
	ids := make([]int64, len(tokens))
	for i, id := range tokens {
		ids[i] = int64(id)
	}
	return ids
}

// attentionMask hides the left padding of every row.
func (s *decoderState) attentionMask(total int) []int64 {
	mask := make([]int64, s.rows*total)
	for r := 0; r < s.rows; r++ {
		for i := s.padLeft[r]; i < total; i++ {
			mask[r*total+i] = 1
		}
	}
	return mask
}

// positionIDs numbers positions from the first unpadded token; padding gets 0.
func (s *decoderState) positionIDs(past, k int) []int64 {
	pos := make([]int64, s.rows*k)
	for r := 0; r < s.rows; r++ {
		for i := 0; i < k; i++ {
			pos[r*k+i] = int64(max(past+i-s.padLeft[r], 0))
		}
	}
	return pos
}

// storeLogits copies the last position of every row of a [rows, k, vocab] or
// [rows, vocab] logits output into s.logits, widening float16.
func (s *decoderState) storeLogits(raw []byte) error {
	vocab := s.model.cfg.Model.VocabSize
	esz := s.model.info.logitsType.Size()
	if len(raw)%s.rows != 0 || len(raw)/s.rows < vocab*esz || (len(raw)/s.rows)%(vocab*esz) != 0 {
		return fmt.Errorf("logits output of %d bytes does not hold %d rows of %d tokens", len(raw), s.rows, vocab)
	}
	stride := len(raw) / s.rows
	last := func(r int) []byte {
		end := (r + 1) * stride
		return raw[end-vocab*esz : end]
	}

	if s.model.info.logitsType == device.ElementFloat32 {
		host := s.logits.CPU()
		for r := 0; r < s.rows; r++ {
			b := last(r)
			copy(host[r*vocab:(r+1)*vocab], unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), vocab))
		}
		return s.logits.CopyCPUToDevice()
	}
	half := make([]uint16, s.rows*vocab)
	for r := 0; r < s.rows; r++ {
		b := last(r)
		copy(half[r*vocab:(r+1)*vocab], unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), vocab))
	}
	return device.ConvertFp16ToFp32(device.Wrap(device.MustGet(device.CPU), half), s.logits)
}

func (s *decoderState) RewindTo(n int) error {
	return s.kv.Truncate(n)
}

func (s *decoderState) GraphInfo() *device.GraphInfo { return s.graph }

// Finalize returns the captured graph to the pool.
func (s *decoderState) Finalize() {
	if s.graph != nil {
		s.model.graphs.Release(s.graph)
		s.graph = nil
	}
}

func (s *decoderState) Close() error {
	s.Finalize()
	s.kv.Clear()
	if buf := s.logits.Buffer(); buf != nil {
		buf.Release()
	}
	return nil
}
