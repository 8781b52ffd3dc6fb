// Package genai is the inference gateway: one chat-completion call against an
// OpenAI-compatible endpoint, bounded by a hard deadline, returning a structured triage result.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/EyeLine/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for the remote completion call.
const (
	DefaultBaseURL     = "https://api.groq.com/openai/v1"
	DefaultModel       = "llama-3.1-8b-instant"
	DefaultTemperature = 0.2
	DefaultTimeout     = 8500 * time.Millisecond
)

// Typed failures. Callers treat all of them the same way (fallback reply); they are
// distinguished for logging and metrics.
var (
	ErrNotConfigured   = errors.New("inference gateway not configured")
	ErrTimeout         = errors.New("inference deadline exceeded")
	ErrNoChoices       = errors.New("no choices returned")
	ErrMalformedOutput = errors.New("malformed structured output")
)

// RoleSystem tags the instruction message. User and assistant turns use models.Role.
const RoleSystem models.Role = "system"

// Message is one role-tagged entry of the prompt sequence.
type Message struct {
	Role    models.Role
	Content string
}

// Request is the input of a single completion call.
type Request struct {
	Messages   []Message
	Structured bool            // ask for a JSON object and parse it
	Language   models.Language // used when the model omits the language field
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter narrows the SDK service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the inference gateway.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Option defines a configuration option for the inference gateway.
type Option func(*Opts)

// WithAPIKey sets the bearer credential for the remote endpoint.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at any OpenAI-compatible host.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the remote model identifier.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length; 0 leaves it to the server.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout sets the hard deadline of a single call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the chat-completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// NewClient builds a gateway client. It returns ErrNotConfigured when no API key is given.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		BaseURL:     DefaultBaseURL,
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	// Retries are disabled: a second attempt could not finish inside the deadline.
	cli := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(0),
	)
	slog.Debug("genai.NewClient: client created", "baseURL", cfg.BaseURL, "model", cfg.Model, "timeout", cfg.Timeout)
	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}, nil
}

// Complete performs one remote call and returns the parsed triage result.
// The call is abandoned once the deadline passes; a late answer is discarded.
func (c *Client) Complete(ctx context.Context, req Request) (models.TriageResult, error) {
	if c == nil || c.chat == nil {
		return models.TriageResult{}, ErrNotConfigured
	}
	params := c.buildParams(req)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		resp openai.ChatCompletion
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		resp, err := c.chat.Create(callCtx, params)
		done <- outcome{resp: resp, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return models.TriageResult{}, ctx.Err()
		}
		slog.Warn("Client.Complete: deadline exceeded", "timeout", c.timeout)
		return models.TriageResult{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return models.TriageResult{}, fmt.Errorf("%w: %v", ErrTimeout, out.err)
		}
		slog.Warn("Client.Complete: remote call failed", "error", out.err, "elapsed", time.Since(start))
		return models.TriageResult{}, fmt.Errorf("chat completion failed: %w", out.err)
	}
	if len(out.resp.Choices) == 0 {
		return models.TriageResult{}, ErrNoChoices
	}
	content := out.resp.Choices[0].Message.Content
	slog.Debug("Client.Complete: response received", "elapsed", time.Since(start), "contentLength", len(content))

	if !req.Structured {
		return models.TriageResult{
			Language:     req.Language,
			Urgency:      models.UrgencyNonurgent,
			ResponseText: strings.TrimSpace(content),
		}, nil
	}
	return ParseTriage(content, req.Language)
}

func (c *Client) buildParams(req Request) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    msgs,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	if req.Structured {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

// triagePayload is the JSON object the model is instructed to return.
type triagePayload struct {
	Language string `json:"language"`
	Urgency  string `json:"urgency"`
	Response string `json:"response"`
}

// ParseTriage decodes the model's JSON answer. A missing response or an urgency outside
// the known tiers is malformed; a missing or unknown language falls back to lang.
func ParseTriage(content string, lang models.Language) (models.TriageResult, error) {
	var p triagePayload
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &p); err != nil {
		return models.TriageResult{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	text := strings.TrimSpace(p.Response)
	if text == "" {
		return models.TriageResult{}, fmt.Errorf("%w: empty response field", ErrMalformedOutput)
	}
	urgency := models.Urgency(strings.ToLower(strings.TrimSpace(p.Urgency)))
	if !urgency.Valid() {
		return models.TriageResult{}, fmt.Errorf("%w: urgency %q", ErrMalformedOutput, p.Urgency)
	}
	return models.TriageResult{
		Language:     models.ParseLanguage(p.Language, lang),
		Urgency:      urgency,
		ResponseText: text,
	}, nil
}

// stripCodeFence removes a ```json ... ``` wrapper some models add despite json mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
