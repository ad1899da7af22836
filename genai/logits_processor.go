package genai

import (
	"math"

	"nano-genai-go/device"
)

// LogitsProcessor adjusts the logits of a step before the search picks tokens.
type LogitsProcessor interface {
	// CommitTokens observes tokens appended after the prompt, one or more per row, row-major.
	CommitTokens(tokens []int32) error
	ProcessLogits(logits device.Span[float32]) error
	Reset() error
}

// Pipeline runs processors in order.
type Pipeline struct {
	processors []LogitsProcessor
	guidance   *GuidanceProcessor
}

// NewPipeline builds the processors enabled by params over the given sequences.
func NewPipeline(params *GeneratorParams, seqs *Sequences, tok Tokenizer) (*Pipeline, error) {
	p := &Pipeline{}
	s := params.Search
	cfg := params.Config
	if s.MinLength > 0 {
		p.processors = append(p.processors, &MinLengthProcessor{seqs: seqs, minLength: s.MinLength, eos: cfg.Model.EOSTokenIDs, vocab: cfg.Model.VocabSize})
	}
	if s.RepetitionPenalty != 1.0 {
		p.processors = append(p.processors, &RepetitionPenaltyProcessor{seqs: seqs, penalty: s.RepetitionPenalty, vocab: cfg.Model.VocabSize})
	}
	if s.NoRepeatNgramSize > 0 {
		p.processors = append(p.processors, &NoRepeatNgramProcessor{seqs: seqs, n: s.NoRepeatNgramSize, vocab: cfg.Model.VocabSize})
	}
	if params.Guidance.Type != "" {
		g, err := NewGuidanceProcessor(params, tok)
		if err != nil {
			return nil, err
		}
		p.guidance = g
		p.processors = append(p.processors, g)
	}
	return p, nil
}

// Len returns the number of active processors.
func (p *Pipeline) Len() int { return len(p.processors) }

// Guidance returns the grammar processor, or nil.
func (p *Pipeline) Guidance() *GuidanceProcessor { return p.guidance }

// CommitTokens passes the chosen tokens to every processor, stopping at the first error.
func (p *Pipeline) CommitTokens(tokens []int32) error {
	for _, proc := range p.processors {
		if err := proc.CommitTokens(tokens); err != nil {
			return err
		}
	}
	return nil
}

// ProcessLogits applies the processors in order to logits, [rows, vocab].
func (p *Pipeline) ProcessLogits(logits device.Span[float32]) error {
	for _, proc := range p.processors {
		if err := proc.ProcessLogits(logits); err != nil {
			return err
		}
	}
	return nil
}

// Reset returns every processor to the start of a sequence.
func (p *Pipeline) Reset() error {
	for _, proc := range p.processors {
		if err := proc.Reset(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases processor resources.
func (p *Pipeline) Close() {
	if p.guidance != nil {
		p.guidance.Close()
	}
}

// hostProcess applies fn to the host copy of logits and uploads the result.
func hostProcess(logits device.Span[float32], fn func(host []float32)) error {
	host, err := logits.CopyDeviceToCPU()
	if err != nil {
		return resourceError("failed to read logits", err)
	}
	fn(host)
	if err := logits.CopyCPUToDevice(); err != nil {
		return resourceError("failed to write logits", err)
	}
	return nil
}

var negInf = float32(math.Inf(-1))

// MinLengthProcessor forbids EOS while sequences are shorter than min_length.
type MinLengthProcessor struct {
	seqs      *Sequences
	minLength int
	eos       []int32
	vocab     int
}

func (p *MinLengthProcessor) CommitTokens([]int32) error { return nil }
func (p *MinLengthProcessor) Reset() error               { return nil }

// ProcessLogits sets every EOS logit to -Inf while the next token would end a sequence early.
func (p *MinLengthProcessor) ProcessLogits(logits device.Span[float32]) error {
	if p.seqs.Len()+1 > p.minLength {
		return nil
	}
	return hostProcess(logits, func(host []float32) {
		for r := 0; r < len(host)/p.vocab; r++ {
			for _, id := range p.eos {
				host[r*p.vocab+int(id)] = negInf
			}
		}
	})
}

// RepetitionPenaltyProcessor shrinks the logits of tokens already in the sequence.
type RepetitionPenaltyProcessor struct {
	seqs    *Sequences
	penalty float32
	vocab   int
	seen    []bool
}

func (p *RepetitionPenaltyProcessor) CommitTokens([]int32) error { return nil }
func (p *RepetitionPenaltyProcessor) Reset() error               { return nil }

// ProcessLogits divides positive and multiplies negative logits of seen tokens by the penalty.
func (p *RepetitionPenaltyProcessor) ProcessLogits(logits device.Span[float32]) error {
	if p.seen == nil {
		p.seen = make([]bool, p.vocab)
	}
	return hostProcess(logits, func(host []float32) {
		for r := 0; r < p.seqs.Rows(); r++ {
			row := host[r*p.vocab : (r+1)*p.vocab]
			clear(p.seen)
			for _, id := range p.seqs.RowCPU(r) {
				if id < 0 || int(id) >= p.vocab || p.seen[id] {
					continue
				}
				p.seen[id] = true
				if row[id] > 0 {
					row[id] /= p.penalty
				} else {
					row[id] *= p.penalty
				}
			}
		}
	})
}

// NoRepeatNgramProcessor bans tokens that would repeat an n-gram already in the sequence.
type NoRepeatNgramProcessor struct {
	seqs  *Sequences
	n     int
	vocab int
}

func (p *NoRepeatNgramProcessor) CommitTokens([]int32) error { return nil }
func (p *NoRepeatNgramProcessor) Reset() error               { return nil }

// ProcessLogits bans every token that would complete an n-gram seen earlier in the row.
func (p *NoRepeatNgramProcessor) ProcessLogits(logits device.Span[float32]) error {
	if p.seqs.Len()+1 < p.n {
		return nil
	}
	return hostProcess(logits, func(host []float32) {
		for r := 0; r < p.seqs.Rows(); r++ {
			row := host[r*p.vocab : (r+1)*p.vocab]
			for _, id := range bannedNgramTokens(p.seqs.RowCPU(r), p.n) {
				if id >= 0 && int(id) < p.vocab {
					row[id] = negInf
				}
			}
		}
	})
}

// bannedNgramTokens returns the tokens that complete an n-gram whose first n-1
// tokens equal the current suffix of seq.
func bannedNgramTokens(seq []int32, n int) []int32 {
	if n <= 0 || len(seq) < n {
		return nil
	}
	if n == 1 {
		return append([]int32(nil), seq...)
	}
	suffix := seq[len(seq)-(n-1):]
	var banned []int32
	for start := 0; start+n <= len(seq); start++ {
		match := true
		for k := 0; k < n-1; k++ {
			if seq[start+k] != suffix[k] {
				match = false
				break
			}
		}
		if match {
			banned = append(banned, seq[start+n-1])
		}
	}
	return banned
}
