package genai

import (
	"fmt"
	"math"
	"sort"

	"nano-genai-go/device"
	"nano-genai-go/metrics"
)

type hypothesis struct {
	tokens []int32
	score  float32
}

// beamHypotheses keeps the best finished sequences of one batch item.
type beamHypotheses struct {
	numBeams      int
	lengthPenalty float32
	earlyStopping bool
	beams         []hypothesis // descending by score
	done          bool
}

func (h *beamHypotheses) add(tokens []int32, sumLogProbs float32) {
	score := sumLogProbs / float32(math.Pow(float64(len(tokens)), float64(h.lengthPenalty)))
	if len(h.beams) == h.numBeams && score <= h.beams[len(h.beams)-1].score {
		return
	}
	hyp := hypothesis{tokens: append([]int32(nil), tokens...), score: score}
	pos := sort.Search(len(h.beams), func(i int) bool { return h.beams[i].score < score })
	h.beams = append(h.beams, hypothesis{})
	copy(h.beams[pos+1:], h.beams[pos:])
	h.beams[pos] = hyp
	if len(h.beams) > h.numBeams {
		h.beams = h.beams[:h.numBeams]
	}
}

// isDone reports whether no running beam can beat the worst kept hypothesis.
func (h *beamHypotheses) isDone(bestSumLogProbs float32, length int) bool {
	if len(h.beams) < h.numBeams {
		return false
	}
	if h.earlyStopping {
		return true
	}
	best := bestSumLogProbs / float32(math.Pow(float64(length), float64(h.lengthPenalty)))
	return h.beams[len(h.beams)-1].score >= best
}

// BeamSearchScorer tracks beam scores and finished hypotheses for a batch.
type BeamSearchScorer struct {
	batchSize   int
	numBeams    int
	numReturn   int
	vocab       int
	cfg         *Config
	hyps        []beamHypotheses
	beamScores  []float32
	nextTokens  []int32
	nextIndices []int32
	nextScores  []float32
	flat        []float32
}

// NewBeamSearchScorer creates a scorer for the search options of params.
func NewBeamSearchScorer(params *GeneratorParams) *BeamSearchScorer {
	s := params.Search
	rows := s.BatchSize * s.NumBeams
	bs := &BeamSearchScorer{
		batchSize:   s.BatchSize,
		numBeams:    s.NumBeams,
		numReturn:   s.NumReturnSequences,
		vocab:       params.Config.Model.VocabSize,
		cfg:         params.Config,
		hyps:        make([]beamHypotheses, s.BatchSize),
		beamScores:  make([]float32, rows),
		nextTokens:  make([]int32, rows),
		nextIndices: make([]int32, rows),
		nextScores:  make([]float32, rows),
		flat:        make([]float32, s.NumBeams*params.Config.Model.VocabSize),
	}
	for b := range bs.hyps {
		bs.hyps[b] = beamHypotheses{numBeams: s.NumBeams, lengthPenalty: s.LengthPenalty, earlyStopping: s.EarlyStopping}
	}
	bs.Reset()
	return bs
}

// Reset clears hypotheses and starts every batch item from its first beam.
func (bs *BeamSearchScorer) Reset() {
	for b := range bs.hyps {
		bs.hyps[b].beams = nil
		bs.hyps[b].done = false
	}
	for r := range bs.beamScores {
		// Identical initial beams would otherwise yield duplicate candidates.
		if r%bs.numBeams == 0 {
			bs.beamScores[r] = 0
		} else {
			bs.beamScores[r] = -1e9
		}
	}
}

// IsDone reports whether every batch item has finished.
func (bs *BeamSearchScorer) IsDone() bool {
	for b := range bs.hyps {
		if !bs.hyps[b].done {
			return false
		}
	}
	return true
}

// Process scores the candidates of one step. logits is [rows, vocab] on the host,
// seqs holds the current beams.
func (bs *BeamSearchScorer) Process(seqs *Sequences, logits []float32) {
	nb := bs.numBeams
	length := seqs.Len() + 1
	for b := range bs.hyps {
		h := &bs.hyps[b]
		if h.done {
			for j := 0; j < nb; j++ {
				r := b*nb + j
				bs.nextTokens[r] = bs.cfg.Model.PadTokenID
				bs.nextIndices[r] = int32(r)
				bs.nextScores[r] = 0
			}
			continue
		}

		for j := 0; j < nb; j++ {
			r := b*nb + j
			logSoftmax(bs.flat[j*bs.vocab:(j+1)*bs.vocab], logits[r*bs.vocab:(r+1)*bs.vocab], bs.beamScores[r])
		}

		beam := 0
		for rank, idx := range TopK(2*nb, bs.flat) {
			j := int(idx) / bs.vocab
			tok := idx % int32(bs.vocab)
			score := bs.flat[idx]
			if bs.cfg.IsEOS(tok) {
				if rank < nb {
					hyp := append(append([]int32(nil), seqs.RowCPU(b*nb+j)...), tok)
					h.add(hyp, score)
				}
				continue
			}
			r := b*nb + beam
			bs.nextTokens[r] = tok
			bs.nextIndices[r] = int32(b*nb + j)
			bs.nextScores[r] = score
			beam++
			if beam == nb {
				break
			}
		}
		h.done = h.isDone(bs.nextScores[b*nb], length)
	}
	copy(bs.beamScores, bs.nextScores)
	metrics.TokensGenerated.Add(float64(len(bs.nextTokens)))
}

// Finalize adds the running beams of unfinished items and returns the best
// numReturn sequences of every batch item, batch-major.
func (bs *BeamSearchScorer) Finalize(seqs *Sequences) [][]int32 {
	nb := bs.numBeams
	for b := range bs.hyps {
		h := &bs.hyps[b]
		if h.done {
			continue
		}
		for j := 0; j < nb; j++ {
			r := b*nb + j
			h.add(seqs.RowCPU(r), bs.beamScores[r])
		}
		h.done = true
	}
	out := make([][]int32, 0, bs.batchSize*bs.numReturn)
	for b := range bs.hyps {
		for i := 0; i < bs.numReturn && i < len(bs.hyps[b].beams); i++ {
			out = append(out, bs.hyps[b].beams[i].tokens)
		}
	}
	return out
}

// logSoftmax writes log(softmax(in)) + offset into out.
func logSoftmax(out, in []float32, offset float32) {
	maxLogit := float32(math.Inf(-1))
	for _, v := range in {
		maxLogit = max(maxLogit, v)
	}
	if math.IsInf(float64(maxLogit), -1) {
		for i := range out {
			out[i] = float32(math.Inf(-1))
		}
		return
	}
	sum := 0.0
	for _, v := range in {
		sum += math.Exp(float64(v - maxLogit))
	}
	logSum := float32(math.Log(sum)) + maxLogit
	for i, v := range in {
		out[i] = v - logSum + offset
	}
}

// beamSearch keeps num_beams rows per batch item and reorders them every step.
type beamSearch struct {
	baseSearch
	scorer  *BeamSearchScorer
	outputs [][]int32
	outBufs []device.Span[int32]
}

func newBeamSearch(base baseSearch) *beamSearch {
	return &beamSearch{baseSearch: base, scorer: NewBeamSearchScorer(base.params)}
}

func (s *beamSearch) AppendTokens(tokens []int32) error {
	if s.seqs.Len() > 0 {
		return configErrorf("beam search accepts tokens only before the first step")
	}
	// Prompts arrive per batch item and are broadcast to every beam.
	nb := s.params.Search.NumBeams
	batch := s.params.Search.BatchSize
	if len(tokens)%batch != 0 {
		return configErrorf("%d tokens is not a multiple of batch size %d", len(tokens), batch)
	}
	k := len(tokens) / batch
	expanded := make([]int32, 0, len(tokens)*nb)
	for b := 0; b < batch; b++ {
		for j := 0; j < nb; j++ {
			expanded = append(expanded, tokens[b*k:(b+1)*k]...)
		}
	}
	return s.seqs.Append(expanded)
}

func (s *beamSearch) SelectNext() error {
	host, err := s.hostLogits()
	if err != nil {
		return err
	}
	s.scorer.Process(s.seqs, host)
	if err := s.seqs.Reorder(s.scorer.nextIndices); err != nil {
		return err
	}
	if err := s.seqs.Append(s.scorer.nextTokens); err != nil {
		return err
	}
	s.next = s.scorer.nextTokens
	if s.IsDone() {
		s.outputs = s.scorer.Finalize(s.seqs)
	}
	return nil
}

func (s *beamSearch) NextIndices() []int32 { return s.scorer.nextIndices }

func (s *beamSearch) IsDone() bool {
	return s.outputs != nil || s.scorer.IsDone() || s.seqs.Len() >= s.seqs.MaxLength()
}

func (s *beamSearch) Rewind(n int) error {
	if n != 0 {
		return fmt.Errorf("%w: beam search only rewinds to 0", ErrInvalidRewind)
	}
	if err := s.seqs.Truncate(0); err != nil {
		return err
	}
	s.scorer.Reset()
	s.releaseOutputs()
	s.next = nil
	return nil
}

func (s *beamSearch) NumOutputs() int {
	if s.outputs == nil {
		return s.seqs.Rows()
	}
	return len(s.outputs)
}

// Output returns a finished hypothesis once done, the running beam before.
func (s *beamSearch) Output(i int) (device.Span[int32], error) {
	if s.outputs == nil {
		if i < 0 || i >= s.seqs.Rows() {
			return device.Span[int32]{}, ErrIndexOutOfRange
		}
		return s.seqs.Row(i), nil
	}
	if i < 0 || i >= len(s.outputs) {
		return device.Span[int32]{}, ErrIndexOutOfRange
	}
	if s.outBufs == nil {
		s.outBufs = make([]device.Span[int32], len(s.outputs))
	}
	if s.outBufs[i].Buffer() == nil {
		span, err := device.Allocate[int32](s.params.Device, len(s.outputs[i]))
		if err != nil {
			return device.Span[int32]{}, resourceError("failed to allocate output", err)
		}
		copy(span.CPU(), s.outputs[i])
		if err := span.CopyCPUToDevice(); err != nil {
			return device.Span[int32]{}, resourceError("failed to upload output", err)
		}
		s.outBufs[i] = span
	}
	return s.outBufs[i], nil
}

func (s *beamSearch) releaseOutputs() {
	for _, span := range s.outBufs {
		if buf := span.Buffer(); buf != nil {
			buf.Release()
		}
	}
	s.outputs = nil
	s.outBufs = nil
}

func (s *beamSearch) Release() {
	s.releaseOutputs()
	s.seqs.Release()
}
