package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/urfave/cli/v3"

	"nano-genai-go/genai"
)

func benchCmd() *cli.Command {
	var (
		numRequests int
		batchSize   int
		minInputLen int
		maxInputLen int
		seed        uint64
	)

	flags := append(modelFlags(), searchOptionFlags()...)
	flags = append(flags,
		&cli.IntFlag{Name: "requests", Usage: "number of prompts", Value: 64, Destination: &numRequests},
		&cli.IntFlag{Name: "batch", Usage: "prompts per generator", Value: 8, Destination: &batchSize},
		&cli.IntFlag{Name: "min-input", Usage: "shortest random prompt", Value: 16, Destination: &minInputLen},
		&cli.IntFlag{Name: "max-input", Usage: "longest random prompt", Value: 64, Destination: &maxInputLen},
		&cli.Uint64Flag{Name: "prompt-seed", Usage: "seed for the random prompts", Value: 1, Destination: &seed},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure decode throughput on random prompts",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if numRequests < 1 || batchSize < 1 || minInputLen < 1 || maxInputLen < minInputLen {
				return fmt.Errorf("invalid benchmark shape")
			}
			m, cleanup, err := loadModel()
			if err != nil {
				return err
			}
			defer cleanup()

			vocab := m.Config().Model.VocabSize
			rng := rand.New(rand.NewPCG(seed, seed))
			prompts := make(genai.TokenSequences, numRequests)
			for i := range prompts {
				p := make([]int32, minInputLen+rng.IntN(maxInputLen-minInputLen+1))
				for j := range p {
					// Skip id 0, commonly EOS or padding.
					p[j] = 1 + rng.Int32N(int32(vocab-1))
				}
				prompts[i] = p
			}

			fmt.Printf("Configuration:\n")
			fmt.Printf("  Number of requests: %d (batches of %d)\n", numRequests, batchSize)
			fmt.Printf("  Input length: %d-%d tokens\n", minInputLen, maxInputLen)
			fmt.Printf("  Device: %s\n", m.Device().Type())
			fmt.Println()

			start := time.Now()
			totalOutputTokens := 0
			for lo := 0; lo < len(prompts); lo += batchSize {
				params, err := newParams(cmd, m)
				if err != nil {
					return err
				}
				outputs, err := genai.Generate(ctx, m, params, prompts[lo:min(lo+batchSize, len(prompts))], genai.GenerateOptions{ShowProgress: true})
				params.Release()
				if err != nil {
					return fmt.Errorf("generation failed: %w", err)
				}
				for _, out := range outputs {
					totalOutputTokens += len(out.TokenIDs)
				}
			}
			elapsed := time.Since(start).Seconds()

			fmt.Println()
			fmt.Println("Benchmark Results:")
			fmt.Println("==================")
			fmt.Printf("Total requests: %d\n", numRequests)
			fmt.Printf("Total output tokens: %d\n", totalOutputTokens)
			fmt.Printf("Time elapsed: %.2f seconds\n", elapsed)
			fmt.Printf("Throughput: %.2f tokens/sec\n", float64(totalOutputTokens)/elapsed)
			fmt.Printf("Average latency: %.2f ms/request\n", elapsed*1000/float64(numRequests))
			return nil
		},
	}
}
