package genai

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"

	"nano-genai-go/logger"
)

// Output is one finished sequence of a Generate call.
type Output struct {
	// Prompt is the index of the prompt the sequence continues.
	Prompt   int
	TokenIDs []int32
	Text     string
}

// GenerateOptions controls the Generate loop.
type GenerateOptions struct {
	// ShowProgress draws a progress bar on stderr.
	ShowProgress bool
	// OnStep is called after every generated token with the tokens of each row.
	OnStep func(step int, tokens []int32)
}

// Generate runs prompts as one batch until every row is done and decodes the
// continuations. Prompts are left-padded with the pad token and replace the
// batch size and input ids of params.
func Generate(ctx context.Context, model Model, params *GeneratorParams, prompts TokenSequences, opts GenerateOptions) ([]Output, error) {
	if len(prompts) == 0 {
		return nil, configErrorf("no prompts")
	}
	for i, p := range prompts {
		if len(p) == 0 {
			return nil, configErrorf("prompt %d is empty", i)
		}
	}
	params.Search.BatchSize = len(prompts)
	ids, _ := PadInputs(prompts, params.Config.Model.PadTokenID)
	width := len(ids) / len(prompts)
	params.AuxInputIDs = ids

	tok, err := model.Tokenizer()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	gen, err := NewGenerator(model, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}
	defer gen.Close()

	var bar *progressbar.ProgressBar
	if opts.ShowProgress {
		bar = progressbar.NewOptions(params.Search.MaxLength-width,
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	start := time.Now()
	step := 0
	for !gen.IsDone() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stepStart := time.Now()
		if err := gen.GenerateNextToken(); err != nil {
			return nil, err
		}
		step++
		if bar != nil {
			tps := float64(len(prompts)) / time.Since(stepStart).Seconds()
			bar.Describe(fmt.Sprintf("Generating [Decode: %dtok/s]", int(tps)))
			bar.Add(1)
		}
		if opts.OnStep != nil {
			opts.OnStep(step, gen.search.NextTokens())
		}
	}
	if bar != nil {
		bar.Finish()
	}
	logger.Log.Debug("generate finished", "generator", gen.ID, "steps", step,
		"prompts", len(prompts), "elapsed", time.Since(start))

	perPrompt := max(gen.NumSequences()/len(prompts), 1)
	outputs := make([]Output, gen.NumSequences())
	for i := range outputs {
		span, err := gen.GetSequence(i)
		if err != nil {
			return nil, err
		}
		seq, err := span.CopyDeviceToCPU()
		if err != nil {
			return nil, fmt.Errorf("failed to read sequence %d: %w", i, err)
		}
		ids := continuation(seq, width, params.Config)
		text, err := tok.Decode(ids)
		if err != nil {
			return nil, fmt.Errorf("failed to decode tokens: %w", err)
		}
		outputs[i] = Output{Prompt: i / perPrompt, TokenIDs: ids, Text: text}
	}
	return outputs, nil
}

// continuation returns the tokens after the prompt, up to the first EOS.
func continuation(seq []int32, promptLen int, cfg *Config) []int32 {
	if promptLen >= len(seq) {
		return []int32{}
	}
	out := make([]int32, 0, len(seq)-promptLen)
	for _, id := range seq[promptLen:] {
		if cfg.IsEOS(id) {
			break
		}
		out = append(out, id)
	}
	return out
}
