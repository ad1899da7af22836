package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"nano-genai-go/genai"
)

func generateCmd() *cli.Command {
	var (
		prompts      []string
		guidanceType string
		guidanceData string
		progress     bool
		stream       bool
	)

	flags := append(modelFlags(), searchOptionFlags()...)
	flags = append(flags,
		&cli.StringSliceFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text, repeat for a batch",
			Destination: &prompts,
		},
		&cli.StringFlag{
			Name:        "guidance-type",
			Usage:       "constrain output with a grammar (regex, choice)",
			Destination: &guidanceType,
		},
		&cli.StringFlag{
			Name:        "guidance-data",
			Usage:       "the grammar: a regular expression or newline separated choices",
			Destination: &guidanceData,
		},
		&cli.BoolFlag{
			Name:        "progress",
			Usage:       "show a progress bar",
			Value:       true,
			Destination: &progress,
		},
		&cli.BoolFlag{
			Name:        "stream",
			Usage:       "print tokens as they are generated (single prompt only)",
			Destination: &stream,
		},
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Generate continuations of one or more prompts",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if len(prompts) == 0 {
				return fmt.Errorf("at least one --prompt is required")
			}
			if stream && len(prompts) > 1 {
				return fmt.Errorf("--stream needs a single prompt")
			}

			m, cleanup, err := loadModel()
			if err != nil {
				return err
			}
			defer cleanup()

			tok, err := m.Tokenizer()
			if err != nil {
				return fmt.Errorf("failed to load tokenizer: %w", err)
			}
			batch := make(genai.TokenSequences, len(prompts))
			for i, p := range prompts {
				if batch[i], err = tok.Encode(p); err != nil {
					return fmt.Errorf("failed to encode prompt %d: %w", i, err)
				}
			}

			params, err := newParams(cmd, m)
			if err != nil {
				return err
			}
			defer params.Release()
			if guidanceType != "" {
				params.SetGuidance(guidanceType, guidanceData)
			}

			opts := genai.GenerateOptions{ShowProgress: progress && !stream}
			if stream {
				fmt.Print(prompts[0])
				opts.OnStep = func(step int, tokens []int32) {
					if m.Config().IsEOS(tokens[0]) {
						return
					}
					if text, err := tok.Decode(tokens[:1]); err == nil {
						fmt.Print(text)
					}
				}
			}

			outputs, err := genai.Generate(ctx, m, params, batch, opts)
			if err != nil {
				return err
			}
			if stream {
				fmt.Println()
				return nil
			}

			fmt.Fprintln(os.Stdout, "\nResults:")
			fmt.Fprintln(os.Stdout, "========")
			for i, out := range outputs {
				fmt.Printf("\nPrompt %d: %s\n", out.Prompt+1, prompts[out.Prompt])
				fmt.Printf("Output %d: %s\n", i+1, out.Text)
				fmt.Printf("Tokens: %d\n", len(out.TokenIDs))
			}
			return nil
		},
	}
}
