package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"nano-genai-go/genai"
	"nano-genai-go/logger"
	"nano-genai-go/ortmodel"
	"nano-genai-go/tokenizer/hf"
)

var (
	modelPath       string
	device          string
	ortLibrary      string
	intraOpThreads  int
	useMock         bool
	nativeTokenizer bool
	logLevel        string
	logFormat       string
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (console, json)",
			Value:       "console",
			Destination: &logFormat,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model directory or genai config file (.json, .yaml)",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "execution device (cpu, cuda, dml, webgpu), overrides the config",
			Destination: &device,
		},
		&cli.StringFlag{
			Name:        "ort-library",
			Usage:       "path to the ONNX Runtime shared library",
			Sources:     cli.EnvVars("ONNXRUNTIME_LIB"),
			Destination: &ortLibrary,
		},
		&cli.IntFlag{
			Name:        "threads",
			Usage:       "intra-op threads (0 = runtime default)",
			Destination: &intraOpThreads,
		},
		&cli.BoolFlag{
			Name:        "mock",
			Usage:       "use the deterministic mock model instead of ONNX Runtime",
			Destination: &useMock,
		},
		&cli.BoolFlag{
			Name:        "native-tokenizer",
			Usage:       "encode with the HuggingFace tokenizers library",
			Destination: &nativeTokenizer,
		},
	}
}

// loadModel opens the model selected by the flags. The returned func releases
// it and shuts the engine down.
func loadModel() (genai.Model, func(), error) {
	var opts []genai.ConfigOption
	if device != "" {
		opts = append(opts, genai.WithDevice(device))
	}

	if useMock {
		cfg, err := mockConfig(opts)
		if err != nil {
			return nil, nil, err
		}
		m, err := genai.NewMockModel(cfg)
		if err != nil {
			return nil, nil, err
		}
		return m, func() { release(m) }, nil
	}

	if modelPath == "" {
		return nil, nil, fmt.Errorf("--model is required without --mock")
	}
	cfg, err := genai.LoadConfig(modelPath, opts...)
	if err != nil {
		return nil, nil, err
	}
	if _, err := genai.InitGlobals(&ortmodel.Environment{LibraryPath: ortLibrary}); err != nil {
		return nil, nil, err
	}
	loadOpts := []ortmodel.Option{ortmodel.WithIntraOpThreads(intraOpThreads)}
	if nativeTokenizer {
		loadOpts = append(loadOpts, ortmodel.WithTokenizerLoader(func(dir string, cfg *genai.Config) (genai.Tokenizer, error) {
			tok, err := hf.Load(dir, cfg.Model.EOSTokenIDs)
			if err != nil {
				return nil, err
			}
			return tok, nil
		}))
	}
	m, err := ortmodel.Load(cfg, loadOpts...)
	if err != nil {
		_ = genai.Shutdown()
		return nil, nil, err
	}
	return m, func() { release(m) }, nil
}

func mockConfig(opts []genai.ConfigOption) (*genai.Config, error) {
	if modelPath != "" {
		return genai.LoadConfig(modelPath, opts...)
	}
	base := []genai.ConfigOption{genai.WithVocabSize(512), genai.WithContextLength(256), genai.WithEOS(0)}
	return genai.NewConfig(append(base, opts...)...)
}

func release(m genai.Model) {
	m.Release()
	if err := genai.Shutdown(); err != nil {
		logger.Log.Warn("shutdown failed", "err", err)
	}
}

// searchFlags are numeric search options settable from the command line.
var searchFlags = []string{"max_length", "min_length", "num_beams", "num_return_sequences", "top_k", "top_p", "temperature", "repetition_penalty", "no_repeat_ngram_size", "random_seed"}

func searchOptionFlags() []cli.Flag {
	flags := make([]cli.Flag, 0, len(searchFlags)+1)
	for _, name := range searchFlags {
		flags = append(flags, &cli.Float64Flag{
			Name:  name,
			Usage: fmt.Sprintf("override search option %s", name),
		})
	}
	return append(flags, &cli.BoolFlag{Name: "do_sample", Usage: "sample instead of greedy search"})
}

// newParams builds generator params, applying the search flags that were set.
func newParams(cmd *cli.Command, m genai.Model) (*genai.GeneratorParams, error) {
	params, err := genai.NewGeneratorParams(m)
	if err != nil {
		return nil, err
	}
	for _, name := range searchFlags {
		if cmd.IsSet(name) {
			if err := params.SetSearchOption(name, cmd.Float64(name)); err != nil {
				params.Release()
				return nil, err
			}
		}
	}
	if cmd.IsSet("do_sample") {
		if err := params.SetSearchBool("do_sample", cmd.Bool("do_sample")); err != nil {
			params.Release()
			return nil, err
		}
	}
	return params, nil
}
