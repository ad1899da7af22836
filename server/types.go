package server

// GenerateRequest is the body of POST /v1/generate. Exactly one of Prompt,
// Prompts and InputIDs must be set.
type GenerateRequest struct {
	Prompt   string    `json:"prompt,omitempty"`
	Prompts  []string  `json:"prompts,omitempty"`
	InputIDs [][]int32 `json:"input_ids,omitempty"`

	// SearchOptions override numeric search options, such as max_length or top_p.
	SearchOptions map[string]float64 `json:"search_options,omitempty"`
	// SearchFlags override boolean search options, such as do_sample.
	SearchFlags map[string]bool `json:"search_flags,omitempty"`

	Guidance *GuidanceRequest `json:"guidance,omitempty"`
}

// GuidanceRequest constrains the output with a grammar.
type GuidanceRequest struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// GenerateResponse is the result of a finished generation.
type GenerateResponse struct {
	ID      string           `json:"id"`
	Created int64            `json:"created"`
	Outputs []GenerateOutput `json:"outputs"`
	Usage   Usage            `json:"usage"`
}

// GenerateOutput is one returned sequence.
type GenerateOutput struct {
	Index    int     `json:"index"`
	Prompt   int     `json:"prompt"`
	Text     string  `json:"text"`
	TokenIDs []int32 `json:"token_ids"`
}

// Usage counts the tokens of a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
