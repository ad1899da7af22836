// Package server exposes a model over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"nano-genai-go/genai"
	"nano-genai-go/logger"
)

// Server runs generation requests against one model.
type Server struct {
	model   genai.Model
	slots   *semaphore.Weighted
	timeout time.Duration
	clock   func() time.Time
}

// Option is a functional option for Server
type Option func(*Server)

// WithMaxConcurrent bounds the number of generators running at once
func WithMaxConcurrent(n int) Option {
	return func(s *Server) {
		s.slots = semaphore.NewWeighted(int64(n))
	}
}

// WithRequestTimeout bounds each request, including the wait for a slot
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// New creates a server for model.
func New(model genai.Model, opts ...Option) *Server {
	s := &Server{
		model: model,
		slots: semaphore.NewWeighted(4),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/healthz", s.handleHealth)
	metrics := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"device":         s.model.Device().Type().String(),
		"live_instances": genai.LiveInstances(),
	})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	var req GenerateRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid body: %v", err))
	}

	prompts, err := s.tokenize(&req)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
	params, err := s.params(&req)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
	defer params.Release()

	ctx := c.Request().Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return writeError(c, http.StatusServiceUnavailable, "overloaded_error", "no generation slot available")
	}
	defer s.slots.Release(1)

	id := "gen-" + uuid.NewString()
	log := logger.Log.With("request", id)
	start := s.clock()
	outputs, err := genai.Generate(ctx, s.model, params, prompts, genai.GenerateOptions{})
	if err != nil {
		log.Warn("generation failed", "err", err)
		return writeGenerateError(c, err)
	}

	resp := GenerateResponse{
		ID:      id,
		Created: start.Unix(),
		Outputs: make([]GenerateOutput, len(outputs)),
	}
	for _, p := range prompts {
		resp.Usage.PromptTokens += len(p)
	}
	for i, out := range outputs {
		resp.Outputs[i] = GenerateOutput{Index: i, Prompt: out.Prompt, Text: out.Text, TokenIDs: out.TokenIDs}
		resp.Usage.CompletionTokens += len(out.TokenIDs)
	}
	log.Info("generation finished", "prompts", len(prompts), "outputs", len(outputs),
		"completion_tokens", resp.Usage.CompletionTokens, "elapsed", s.clock().Sub(start))
	return c.JSON(http.StatusOK, resp)
}

// tokenize returns the prompts of req as token ids.
func (s *Server) tokenize(req *GenerateRequest) (genai.TokenSequences, error) {
	set := 0
	for _, ok := range []bool{req.Prompt != "", len(req.Prompts) > 0, len(req.InputIDs) > 0} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of prompt, prompts and input_ids is required")
	}
	if len(req.InputIDs) > 0 {
		vocab := s.model.Config().Model.VocabSize
		for i, ids := range req.InputIDs {
			for _, id := range ids {
				if id < 0 || int(id) >= vocab {
					return nil, fmt.Errorf("input_ids[%d]: token %d outside vocabulary of %d", i, id, vocab)
				}
			}
		}
		return genai.TokenSequences(req.InputIDs), nil
	}

	texts := req.Prompts
	if req.Prompt != "" {
		texts = []string{req.Prompt}
	}
	tok, err := s.model.Tokenizer()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	prompts := make(genai.TokenSequences, len(texts))
	for i, text := range texts {
		if prompts[i], err = tok.Encode(text); err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
	}
	return prompts, nil
}

func (s *Server) params(req *GenerateRequest) (*genai.GeneratorParams, error) {
	params, err := genai.NewGeneratorParams(s.model)
	if err != nil {
		return nil, err
	}
	for name, v := range req.SearchOptions {
		if err := params.SetSearchOption(name, v); err != nil {
			params.Release()
			return nil, err
		}
	}
	for name, v := range req.SearchFlags {
		if err := params.SetSearchBool(name, v); err != nil {
			params.Release()
			return nil, err
		}
	}
	if req.Guidance != nil {
		params.SetGuidance(req.Guidance.Type, req.Guidance.Data)
	}
	return params, nil
}

func writeGenerateError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return writeError(c, http.StatusGatewayTimeout, "timeout_error", err.Error())
	case genai.IsConfigError(err):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, ErrorResponse{Error: ErrorBody{Message: msg, Type: errType}})
}
