package genai

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"nano-genai-go/device"
	"nano-genai-go/logger"
	"nano-genai-go/metrics"
)

// search chooses the next tokens from processed logits and owns the sequences.
type search interface {
	Sequences() *Sequences
	// SetLogits stores the logits of the current step, [rows, vocab].
	SetLogits(logits device.Span[float32])
	Logits() device.Span[float32]
	// AppendTokens appends caller-provided tokens, row-major.
	AppendTokens(tokens []int32) error
	// SelectNext picks and appends one token per row.
	SelectNext() error
	// NextTokens returns the tokens appended by the last SelectNext.
	NextTokens() []int32
	// NextIndices returns the source row of every row after the last SelectNext.
	NextIndices() []int32
	IsDone() bool
	Rewind(n int) error
	// Output returns the final sequence i, beam search may reorder or select rows.
	Output(i int) (device.Span[int32], error)
	NumOutputs() int
	Release()
}

func newSearch(params *GeneratorParams, log *logger.Logger) (search, error) {
	rows := params.BatchBeamSize()
	seqs, err := NewSequences(params.Device, rows, params.Search.MaxLength)
	if err != nil {
		return nil, err
	}
	base := baseSearch{
		params: params,
		cfg:    params.Config,
		seqs:   seqs,
		vocab:  params.Config.Model.VocabSize,
		log:    log,
	}
	if params.Search.NumBeams > 1 {
		return newBeamSearch(base), nil
	}
	return newGreedySearch(base), nil
}

type baseSearch struct {
	params *GeneratorParams
	cfg    *Config
	seqs   *Sequences
	vocab  int
	logits device.Span[float32]
	next   []int32
	log    *logger.Logger
}

func (s *baseSearch) Sequences() *Sequences                 { return s.seqs }
func (s *baseSearch) SetLogits(logits device.Span[float32]) { s.logits = logits }
func (s *baseSearch) Logits() device.Span[float32]          { return s.logits }
func (s *baseSearch) NextTokens() []int32                   { return s.next }
func (s *baseSearch) Release()                              { s.seqs.Release() }

// hostLogits reads the logits to the host and replaces NaN with -Inf.
func (s *baseSearch) hostLogits() ([]float32, error) {
	host, err := s.logits.CopyDeviceToCPU()
	if err != nil {
		return nil, resourceError("failed to read logits", err)
	}
	nan := 0
	for i, v := range host {
		if math.IsNaN(float64(v)) {
			host[i] = float32(math.Inf(-1))
			nan++
		}
	}
	if nan > 0 {
		metrics.NumericalInstability.WithLabelValues("nan").Add(float64(nan))
		s.log.Warn("NaN logits replaced", "count", nan)
	}
	return host, nil
}

// greedySearch picks the best or a sampled token per row.
type greedySearch struct {
	baseSearch
	doneAt  []int // sequence length when the row emitted EOS, 0 while running
	allDone bool
	seed    uint64
	probs   []float32
}

func newGreedySearch(base baseSearch) *greedySearch {
	seed := base.params.Search.RandomSeed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return &greedySearch{
		baseSearch: base,
		doneAt:     make([]int, base.seqs.Rows()),
		seed:       uint64(seed),
	}
}

func (s *greedySearch) AppendTokens(tokens []int32) error {
	if err := s.seqs.Append(tokens); err != nil {
		return err
	}
	s.next = nil
	s.updateDone()
	return nil
}

func (s *greedySearch) SelectNext() error {
	host, err := s.hostLogits()
	if err != nil {
		return err
	}
	rows := s.seqs.Rows()
	length := s.seqs.Len() + 1
	next := make([]int32, rows)
	for r := 0; r < rows; r++ {
		if s.doneAt[r] > 0 {
			next[r] = s.cfg.Model.PadTokenID
			continue
		}
		row := host[r*s.vocab : (r+1)*s.vocab]
		tok, ok := s.choose(r, row)
		if !ok {
			s.log.Warn("all logits are -Inf, choosing EOS", "row", r)
			tok = s.cfg.EOS()
		}
		next[r] = tok
		if s.cfg.IsEOS(tok) {
			s.doneAt[r] = length
		}
	}
	if err := s.seqs.Append(next); err != nil {
		return err
	}
	s.next = next
	metrics.TokensGenerated.Add(float64(rows))
	s.updateDone()
	return nil
}

func (s *greedySearch) choose(r int, row []float32) (int32, bool) {
	if s.params.Search.DoSample {
		// The stream depends only on seed, row and position so replays after a rewind match.
		rng := rand.New(rand.NewPCG(s.seed, uint64(r)<<32|uint64(s.seqs.Len())))
		return s.sample(rng, row)
	}
	best := -1
	for i, v := range row {
		if math.IsInf(float64(v), -1) {
			continue
		}
		if best < 0 || v > row[best] {
			best = i
		}
	}
	return int32(best), best >= 0
}

// sample draws from softmax(row/temperature) restricted by top-k then top-p.
func (s *greedySearch) sample(rng *rand.Rand, row []float32) (int32, bool) {
	sp := s.params.Search
	k := sp.TopK
	if k <= 0 || k > len(row) {
		k = len(row)
	}
	candidates := TopK(k, row)
	// Trim candidates that are masked out.
	for len(candidates) > 0 && math.IsInf(float64(row[candidates[len(candidates)-1]]), -1) {
		candidates = candidates[:len(candidates)-1]
	}
	if len(candidates) == 0 {
		return 0, false
	}

	if cap(s.probs) < len(candidates) {
		s.probs = make([]float32, len(candidates))
	}
	probs := s.probs[:len(candidates)]
	maxLogit := row[candidates[0]]
	sum := float32(0)
	for i, idx := range candidates {
		probs[i] = float32(math.Exp(float64((row[idx] - maxLogit) / sp.Temperature)))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}

	// Nucleus cut on the descending distribution.
	if sp.TopP < 1.0 {
		cum := float32(0)
		for i, p := range probs {
			cum += p
			if cum >= sp.TopP {
				probs = probs[:i+1]
				candidates = candidates[:i+1]
				break
			}
		}
	}

	cumProbs := make([]float32, len(probs))
	cumProbs[0] = probs[0]
	for i := 1; i < len(probs); i++ {
		cumProbs[i] = cumProbs[i-1] + probs[i]
	}
	u := rng.Float32() * cumProbs[len(cumProbs)-1]
	idx := sort.Search(len(cumProbs), func(i int) bool {
		return cumProbs[i] >= u
	})
	if idx >= len(candidates) {
		idx = len(candidates) - 1
	}
	return candidates[idx], true
}

func (s *greedySearch) updateDone() {
	all := true
	for _, at := range s.doneAt {
		all = all && at > 0
	}
	s.allDone = all || s.seqs.Len() >= s.seqs.MaxLength()
}

func (s *greedySearch) NextIndices() []int32 { return nil }
func (s *greedySearch) IsDone() bool         { return s.allDone }

func (s *greedySearch) Rewind(n int) error {
	if err := s.seqs.Truncate(n); err != nil {
		return err
	}
	for r, at := range s.doneAt {
		if at > n {
			s.doneAt[r] = 0
		}
	}
	s.next = nil
	s.updateDone()
	return nil
}

func (s *greedySearch) NumOutputs() int { return s.seqs.Rows() }

func (s *greedySearch) Output(i int) (device.Span[int32], error) {
	if i < 0 || i >= s.seqs.Rows() {
		return device.Span[int32]{}, ErrIndexOutOfRange
	}
	return s.seqs.Row(i), nil
}
