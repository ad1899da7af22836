package genai

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the model-directory file LoadConfig looks for.
const ConfigFileName = "genai_config.json"

// Config holds the model, search and engine configuration of a model directory
type Config struct {
	// Dir is the directory the config was loaded from, empty for in-memory configs.
	Dir    string       `json:"-" yaml:"-"`
	Model  ModelConfig  `json:"model" yaml:"model"`
	Search SearchConfig `json:"search" yaml:"search"`
	Engine EngineConfig `json:"engine" yaml:"engine"`
}

// ModelConfig describes the model graph and its vocabulary
type ModelConfig struct {
	Type          string        `json:"type" yaml:"type"`
	VocabSize     int           `json:"vocab_size" yaml:"vocab_size"`
	ContextLength int           `json:"context_length" yaml:"context_length"`
	BOSTokenID    int32         `json:"bos_token_id" yaml:"bos_token_id"`
	EOSTokenIDs   TokenIDs      `json:"eos_token_id" yaml:"eos_token_id"`
	PadTokenID    int32         `json:"pad_token_id" yaml:"pad_token_id"`
	Decoder       DecoderConfig `json:"decoder" yaml:"decoder"`
}

// DecoderConfig names the decoder graph file and its key/value cache geometry
type DecoderConfig struct {
	Filename         string         `json:"filename" yaml:"filename"`
	HiddenSize       int            `json:"hidden_size" yaml:"hidden_size"`
	NumHiddenLayers  int            `json:"num_hidden_layers" yaml:"num_hidden_layers"`
	NumKeyValueHeads int            `json:"num_key_value_heads" yaml:"num_key_value_heads"`
	HeadSize         int            `json:"head_size" yaml:"head_size"`
	Inputs           DecoderInputs  `json:"inputs" yaml:"inputs"`
	Outputs          DecoderOutputs `json:"outputs" yaml:"outputs"`
}

// DecoderInputs maps logical decoder inputs to graph input names
type DecoderInputs struct {
	InputIDs       string `json:"input_ids" yaml:"input_ids"`
	AttentionMask  string `json:"attention_mask" yaml:"attention_mask"`
	PositionIDs    string `json:"position_ids" yaml:"position_ids"`
	PastKeyNames   string `json:"past_key_names" yaml:"past_key_names"`
	PastValueNames string `json:"past_value_names" yaml:"past_value_names"`
}

// DecoderOutputs maps logical decoder outputs to graph output names
type DecoderOutputs struct {
	Logits            string `json:"logits" yaml:"logits"`
	PresentKeyNames   string `json:"present_key_names" yaml:"present_key_names"`
	PresentValueNames string `json:"present_value_names" yaml:"present_value_names"`
}

// SearchConfig holds the decoding strategy and its limits
type SearchConfig struct {
	MaxLength              int     `json:"max_length" yaml:"max_length"`
	MinLength              int     `json:"min_length" yaml:"min_length"`
	BatchSize              int     `json:"batch_size" yaml:"batch_size"`
	NumBeams               int     `json:"num_beams" yaml:"num_beams"`
	NumReturnSequences     int     `json:"num_return_sequences" yaml:"num_return_sequences"`
	TopK                   int     `json:"top_k" yaml:"top_k"`
	TopP                   float32 `json:"top_p" yaml:"top_p"`
	Temperature            float32 `json:"temperature" yaml:"temperature"`
	RepetitionPenalty      float32 `json:"repetition_penalty" yaml:"repetition_penalty"`
	LengthPenalty          float32 `json:"length_penalty" yaml:"length_penalty"`
	NoRepeatNgramSize      int     `json:"no_repeat_ngram_size" yaml:"no_repeat_ngram_size"`
	DoSample               bool    `json:"do_sample" yaml:"do_sample"`
	EarlyStopping          bool    `json:"early_stopping" yaml:"early_stopping"`
	PastPresentShareBuffer bool    `json:"past_present_share_buffer" yaml:"past_present_share_buffer"`
	RandomSeed             int64   `json:"random_seed" yaml:"random_seed"`
}

// EngineConfig selects the device and engine-level features
type EngineConfig struct {
	Device          string `json:"device" yaml:"device"`
	EnableCUDAGraph bool   `json:"enable_cuda_graph" yaml:"enable_cuda_graph"`
	MaxBatchSize    int    `json:"max_batch_size" yaml:"max_batch_size"`
	MemoryLimit     int64  `json:"memory_limit" yaml:"memory_limit"`
}

// TokenIDs accepts either a single id or a list of ids when decoded.
type TokenIDs []int32

// UnmarshalJSON decodes a number or an array of numbers.
func (t *TokenIDs) UnmarshalJSON(data []byte) error {
	var one int32
	if err := json.Unmarshal(data, &one); err == nil {
		*t = TokenIDs{one}
		return nil
	}
	var many []int32
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("token ids must be a number or a list of numbers: %w", err)
	}
	*t = many
	return nil
}

// UnmarshalYAML decodes a scalar or a sequence of scalars.
func (t *TokenIDs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var one int32
		if err := node.Decode(&one); err != nil {
			return err
		}
		*t = TokenIDs{one}
		return nil
	}
	var many []int32
	if err := node.Decode(&many); err != nil {
		return fmt.Errorf("token ids must be a number or a list of numbers: %w", err)
	}
	*t = many
	return nil
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

func defaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Type:          "decoder",
			VocabSize:     32000,
			ContextLength: 2048,
			EOSTokenIDs:   TokenIDs{2},
			Decoder: DecoderConfig{
				Filename: "model.onnx",
				Inputs: DecoderInputs{
					InputIDs:       "input_ids",
					AttentionMask:  "attention_mask",
					PositionIDs:    "position_ids",
					PastKeyNames:   "past_key_values.%d.key",
					PastValueNames: "past_key_values.%d.value",
				},
				Outputs: DecoderOutputs{
					Logits:            "logits",
					PresentKeyNames:   "present.%d.key",
					PresentValueNames: "present.%d.value",
				},
			},
		},
		Search: SearchConfig{
			BatchSize:              1,
			NumBeams:               1,
			NumReturnSequences:     1,
			TopK:                   50,
			TopP:                   1.0,
			Temperature:            1.0,
			RepetitionPenalty:      1.0,
			LengthPenalty:          1.0,
			EarlyStopping:          true,
			PastPresentShareBuffer: true,
			RandomSeed:             -1,
		},
		Engine: EngineConfig{
			Device: "cpu",
		},
	}
}

// NewConfig creates a new Config with default values
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadConfig reads a config from a model directory (genai_config.json) or from a
// .json/.yaml file, applying defaults first and opts last.
func LoadConfig(path string, opts ...ConfigOption) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, configErrorf("failed to stat config %s: %v", path, err)
	}

	dir := path
	if info.IsDir() {
		path = filepath.Join(path, ConfigFileName)
	} else {
		dir = filepath.Dir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("failed to read config: %v", err)
	}

	c := defaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return nil, configErrorf("failed to parse %s: %v", path, err)
	}
	c.Dir = dir

	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate checks if the configuration is valid, filling derived defaults
func (c *Config) validate() error {
	if c.Search.MaxLength == 0 {
		c.Search.MaxLength = c.Model.ContextLength
	}
	if c.Model.VocabSize <= 0 {
		return configErrorf("vocab_size must be positive")
	}
	if len(c.Model.EOSTokenIDs) == 0 {
		return configErrorf("eos_token_id is required")
	}
	for _, id := range c.Model.EOSTokenIDs {
		if id < 0 || int(id) >= c.Model.VocabSize {
			return configErrorf("eos_token_id %d outside vocabulary of %d", id, c.Model.VocabSize)
		}
	}
	if c.Engine.MaxBatchSize < 0 {
		return configErrorf("max_batch_size must be >= 0")
	}
	return c.Search.validate()
}

func (s *SearchConfig) validate() error {
	if s.MaxLength <= 0 {
		return configErrorf("max_length must be positive")
	}
	if s.MinLength < 0 || s.MinLength > s.MaxLength {
		return configErrorf("min_length must be between 0 and max_length")
	}
	if s.BatchSize < 1 {
		return configErrorf("batch_size must be >= 1")
	}
	if s.NumBeams < 1 {
		return configErrorf("num_beams must be >= 1")
	}
	if s.NumReturnSequences < 1 || s.NumReturnSequences > s.NumBeams {
		return configErrorf("num_return_sequences must be between 1 and num_beams")
	}
	if s.TopK < 0 {
		return configErrorf("top_k must be >= 0")
	}
	if s.TopP <= 0 || s.TopP > 1 {
		return configErrorf("top_p must be in (0, 1]")
	}
	if s.Temperature <= 0 {
		return configErrorf("temperature must be positive")
	}
	if s.RepetitionPenalty <= 0 {
		return configErrorf("repetition_penalty must be positive")
	}
	if s.NoRepeatNgramSize < 0 {
		return configErrorf("no_repeat_ngram_size must be >= 0")
	}
	return nil
}

// EOS returns the first end-of-sequence token id.
func (c *Config) EOS() int32 {
	return c.Model.EOSTokenIDs[0]
}

// IsEOS reports whether id ends a sequence.
func (c *Config) IsEOS(id int32) bool {
	for _, eos := range c.Model.EOSTokenIDs {
		if eos == id {
			return true
		}
	}
	return false
}

// WithVocabSize sets the vocabulary size
func WithVocabSize(n int) ConfigOption {
	return func(c *Config) {
		c.Model.VocabSize = n
	}
}

// WithContextLength sets the model context length
func WithContextLength(n int) ConfigOption {
	return func(c *Config) {
		c.Model.ContextLength = n
	}
}

// WithEOS sets the end-of-sequence token IDs
func WithEOS(ids ...int32) ConfigOption {
	return func(c *Config) {
		c.Model.EOSTokenIDs = append(TokenIDs(nil), ids...)
	}
}

// WithPadTokenID sets the padding token ID
func WithPadTokenID(id int32) ConfigOption {
	return func(c *Config) {
		c.Model.PadTokenID = id
	}
}

// WithMaxLength sets the maximum total sequence length
func WithMaxLength(n int) ConfigOption {
	return func(c *Config) {
		c.Search.MaxLength = n
	}
}

// WithMinLength sets the minimum total sequence length before EOS is allowed
func WithMinLength(n int) ConfigOption {
	return func(c *Config) {
		c.Search.MinLength = n
	}
}

// WithBatchSize sets the batch size
func WithBatchSize(n int) ConfigOption {
	return func(c *Config) {
		c.Search.BatchSize = n
	}
}

// WithNumBeams sets the number of beams
func WithNumBeams(n int) ConfigOption {
	return func(c *Config) {
		c.Search.NumBeams = n
	}
}

// WithSampling enables sampling with the given top-k, top-p and temperature
func WithSampling(topK int, topP, temperature float32) ConfigOption {
	return func(c *Config) {
		c.Search.DoSample = true
		c.Search.TopK = topK
		c.Search.TopP = topP
		c.Search.Temperature = temperature
	}
}

// WithRandomSeed sets the sampling seed; negative seeds are chosen randomly
func WithRandomSeed(seed int64) ConfigOption {
	return func(c *Config) {
		c.Search.RandomSeed = seed
	}
}

// WithDevice sets the execution device
func WithDevice(name string) ConfigOption {
	return func(c *Config) {
		c.Engine.Device = name
	}
}

// WithGraphCapture enables graph capture on devices that support it
func WithGraphCapture(enabled bool) ConfigOption {
	return func(c *Config) {
		c.Engine.EnableCUDAGraph = enabled
	}
}

// WithMaxBatchSize sets the largest batch a captured graph is recorded for
func WithMaxBatchSize(n int) ConfigOption {
	return func(c *Config) {
		c.Engine.MaxBatchSize = n
	}
}
