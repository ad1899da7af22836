package genai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"nano-genai-go/device"
	"nano-genai-go/guidance"
	"nano-genai-go/metrics"
)

// maskFuture is a mask computation running in the background, one bitset per batch item.
type maskFuture struct {
	cancel context.CancelFunc
	done   chan struct{}
	masks  [][]uint32
	err    error
}

func startMaskFuture(constraints []guidance.Constraint, stopped []bool, vocab int) *maskFuture {
	ctx, cancel := context.WithCancel(context.Background())
	f := &maskFuture{
		cancel: cancel,
		done:   make(chan struct{}),
		masks:  make([][]uint32, len(constraints)),
	}
	go func() {
		defer close(f.done)
		g, ctx := errgroup.WithContext(ctx)
		for i, c := range constraints {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if stopped[i] {
					f.masks[i] = guidance.FullMask(vocab)
					return nil
				}
				mask, err := c.ComputeMask()
				if err != nil {
					return fmt.Errorf("batch item %d: %w", i, err)
				}
				f.masks[i] = mask
				return nil
			})
		}
		f.err = g.Wait()
	}()
	return f
}

// Ready reports whether the masks are available without blocking.
func (f *maskFuture) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the masks are computed.
func (f *maskFuture) Wait() ([][]uint32, error) {
	<-f.done
	return f.masks, f.err
}

// WaitContext is Wait bounded by ctx.
func (f *maskFuture) WaitContext(ctx context.Context) ([][]uint32, error) {
	select {
	case <-f.done:
		return f.masks, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the computation and waits for it to stop touching the constraints.
func (f *maskFuture) Cancel() {
	f.cancel()
	<-f.done
}

// GuidanceProcessor restricts logits to tokens the grammar of every batch item allows.
// The mask for the next step is computed in the background after each commit.
type GuidanceProcessor struct {
	constraints []guidance.Constraint
	stopped     []bool
	vocab       *guidance.Tokenizer
	vocabSize   int
	iface       device.Interface
	future      *maskFuture
	deviceMask  device.Span[uint32]
	masks       [][]uint32
}

// NewGuidanceProcessor creates one constraint per batch item from params.Guidance.
func NewGuidanceProcessor(params *GeneratorParams, tok Tokenizer) (*GuidanceProcessor, error) {
	if params.Search.NumBeams > 1 {
		return nil, configErrorf("guidance does not support beam search")
	}
	if tok == nil {
		return nil, configErrorf("guidance needs a tokenizer")
	}
	vocab, err := guidanceTokenizer(tok, params.Config)
	if err != nil {
		return nil, err
	}
	engine := params.GuidanceEngine
	if engine == nil {
		engine = guidance.NewEngine()
	}

	p := &GuidanceProcessor{
		vocab:     vocab,
		vocabSize: params.Config.Model.VocabSize,
		iface:     params.Device,
		stopped:   make([]bool, params.Search.BatchSize),
	}
	for i := 0; i < params.Search.BatchSize; i++ {
		c, err := engine.NewConstraint(params.Guidance.Type, params.Guidance.Data, vocab)
		if err != nil {
			p.Close()
			return nil, configErrorf("failed to create guidance constraint: %v", err)
		}
		p.constraints = append(p.constraints, c)
	}
	if params.Device.Type() != device.CPU {
		p.deviceMask, err = device.Allocate[uint32](params.Device, params.Search.BatchSize*guidance.MaskWords(p.vocabSize))
		if err != nil {
			p.Close()
			return nil, resourceError("failed to allocate guidance mask", err)
		}
	}
	p.future = startMaskFuture(p.constraints, p.stopped, p.vocabSize)
	return p, nil
}

// guidanceTokenizer builds the byte-level vocabulary view used by constraints.
func guidanceTokenizer(tok Tokenizer, cfg *Config) (*guidance.Tokenizer, error) {
	tokens := make([][]byte, cfg.Model.VocabSize)
	for id := range tokens {
		b, err := tok.TokenBytes(int32(id))
		if err != nil {
			return nil, configErrorf("failed to read token %d: %v", id, err)
		}
		tokens[id] = b
	}
	// Only the first EOS id ends a guided sequence; the others are never allowed.
	for _, eos := range cfg.Model.EOSTokenIDs[1:] {
		tokens[eos] = nil
	}
	vocab, err := guidance.NewTokenizer(tokens, cfg.EOS(), tok.Encode)
	if err != nil {
		return nil, configErrorf("failed to build guidance vocabulary: %v", err)
	}
	return vocab, nil
}

// CommitTokens advances every constraint with its row's tokens and starts
// computing the next mask.
func (p *GuidanceProcessor) CommitTokens(tokens []int32) error {
	if p.future != nil {
		p.future.Cancel()
		p.future = nil
	}
	rows := len(p.constraints)
	if len(tokens)%rows != 0 {
		return configErrorf("%d tokens for %d guided rows", len(tokens), rows)
	}
	k := len(tokens) / rows
	for r, c := range p.constraints {
		for _, id := range tokens[r*k : (r+1)*k] {
			if p.stopped[r] {
				break
			}
			if err := c.CommitToken(id); err != nil {
				return fmt.Errorf("%w: row %d: %w", ErrInvalidInput, r, err)
			}
			p.stopped[r] = c.IsStopped()
		}
	}
	p.future = startMaskFuture(p.constraints, p.stopped, p.vocabSize)
	return nil
}

// ProcessLogits waits for the pending mask and applies it.
func (p *GuidanceProcessor) ProcessLogits(logits device.Span[float32]) error {
	masks, err := p.GetMask()
	if err != nil {
		return err
	}
	if p.deviceMask.Empty() {
		return hostProcess(logits, func(host []float32) {
			for r, mask := range masks {
				row := host[r*p.vocabSize : (r+1)*p.vocabSize]
				for i := range row {
					if !guidance.Allowed(mask, int32(i)) {
						row[i] = negInf
					}
				}
			}
		})
	}

	words := guidance.MaskWords(p.vocabSize)
	host := p.deviceMask.CPU()
	for r, mask := range masks {
		copy(host[r*words:(r+1)*words], mask)
	}
	if err := p.deviceMask.CopyCPUToDevice(); err != nil {
		return resourceError("failed to upload guidance mask", err)
	}
	for r := range masks {
		row := logits.Subspan(r*p.vocabSize, p.vocabSize)
		if err := p.iface.MaskLogits(row, p.deviceMask.Subspan(r*words, words)); err != nil {
			return resourceError("failed to apply guidance mask", err)
		}
	}
	return nil
}

// GetMask returns the masks for the current step, waiting for the background
// computation if it has not finished.
func (p *GuidanceProcessor) GetMask() ([][]uint32, error) {
	if p.future == nil {
		if p.masks == nil {
			return nil, errors.New("guidance mask requested without a pending computation")
		}
		return p.masks, nil
	}
	if !p.future.Ready() {
		metrics.MaskNotReady.Inc()
		start := time.Now()
		defer func() { metrics.MaskWaitDuration.Observe(time.Since(start).Seconds()) }()
	}
	masks, err := p.future.Wait()
	p.future = nil
	if err != nil {
		return nil, resourceError("guidance mask computation failed", err)
	}
	p.masks = masks
	return masks, nil
}

// ForcedTokens returns the only continuation the grammar allows for row r, if any.
func (p *GuidanceProcessor) ForcedTokens(r int) ([]int32, error) {
	if r < 0 || r >= len(p.constraints) {
		return nil, ErrIndexOutOfRange
	}
	// The background mask computation shares the constraint state.
	if p.future != nil {
		if _, err := p.future.Wait(); err != nil {
			return nil, resourceError("guidance mask computation failed", err)
		}
	}
	return p.constraints[r].ForcedTokens()
}

// Reset drops the pending mask and returns every constraint to its start.
func (p *GuidanceProcessor) Reset() error {
	if p.future != nil {
		p.future.Cancel()
		p.future = nil
	}
	for r, c := range p.constraints {
		c.Reset()
		p.stopped[r] = false
	}
	p.masks = nil
	p.future = startMaskFuture(p.constraints, p.stopped, p.vocabSize)
	return nil
}

// Close stops background work and releases the constraints.
func (p *GuidanceProcessor) Close() {
	if p.future != nil {
		p.future.Cancel()
		p.future = nil
	}
	for _, c := range p.constraints {
		c.Close()
	}
	if buf := p.deviceMask.Buffer(); buf != nil {
		buf.Release()
	}
}
