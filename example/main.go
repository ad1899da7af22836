package main

import (
	"fmt"
	"log"

	"nano-genai-go/genai"
	"nano-genai-go/guidance"
)

func main() {
	// The mock model needs no model files; swap in ortmodel.Load for a real one.
	config, err := genai.NewConfig(
		genai.WithVocabSize(512),
		genai.WithContextLength(64),
		genai.WithEOS(0),
		genai.WithMaxLength(24),
	)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	model, err := genai.NewMockModel(config)
	if err != nil {
		log.Fatalf("Failed to create model: %v", err)
	}
	defer model.Release()
	tokenizer, _ := model.Tokenizer()

	params, err := genai.NewGeneratorParams(model)
	if err != nil {
		log.Fatalf("Failed to create params: %v", err)
	}
	defer params.Release()
	params.SetGuidance(guidance.KindChoice, "yes\nno\nmaybe later")

	gen, err := genai.NewGenerator(model, params)
	if err != nil {
		log.Fatalf("Failed to create generator: %v", err)
	}
	defer gen.Close()

	prompt := "Is the sky blue? "
	ids, err := tokenizer.Encode(prompt)
	if err != nil {
		log.Fatalf("Encoding failed: %v", err)
	}
	if err := gen.AppendTokens(ids); err != nil {
		log.Fatalf("AppendTokens failed: %v", err)
	}

	fmt.Println("Starting generation...")
	fmt.Print(prompt)
	for !gen.IsDone() {
		if err := gen.GenerateNextToken(); err != nil {
			log.Fatalf("Generation failed: %v", err)
		}
		seq, err := gen.GetSequence(0)
		if err != nil {
			log.Fatalf("GetSequence failed: %v", err)
		}
		host, err := seq.CopyDeviceToCPU()
		if err != nil {
			log.Fatalf("Failed to read sequence: %v", err)
		}
		if text, err := tokenizer.Decode(host[len(host)-1:]); err == nil {
			fmt.Print(text)
		}
	}
	fmt.Println()
	fmt.Printf("Tokens: %d\n", gen.SequenceLength())
}
