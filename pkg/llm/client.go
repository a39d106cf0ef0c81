// Package llm talks to OpenAI-compatible chat completion endpoints.
//
// A Client is bound to one model configuration. Personas hold two of them:
// the expressive client drives the conversation and the reflective client
// runs self-evaluation, topic detection and compression.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/choraleia/persona/pkg/utils"
)

// Role names the purpose a client is used for.
type Role string

const (
	RoleExpressive Role = "expressive"
	RoleReflective Role = "reflective"
)

// ErrInvalidConfig is returned when a model configuration is incomplete.
var ErrInvalidConfig = errors.New("invalid model config")

// ModelConfig binds a client to one upstream model.
type ModelConfig struct {
	ModelID     string
	Model       string
	BaseURL     string
	APIKey      string
	MaxTokens   int
	Temperature float64
	ContextSize int
}

// Validate checks the fields required to issue a request.
func (c ModelConfig) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("%w: base url is empty for model %s", ErrInvalidConfig, c.Model)
	}
	return nil
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one completion request.
type Request struct {
	Messages []*schema.Message
	Tools    []Tool
	// JSONMode asks the server for a JSON object response.
	JSONMode    bool
	MaxTokens   int
	Temperature *float64
}

// Usage is the token accounting of one or more calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add sums two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Response is the outcome of a completion.
type Response struct {
	Content      string
	ToolCalls    []schema.ToolCall
	Usage        Usage
	FinishReason string
	Model        string
}

// Message converts the response into an assistant message.
func (r *Response) Message() *schema.Message {
	return &schema.Message{
		Role:      schema.Assistant,
		Content:   r.Content,
		ToolCalls: r.ToolCalls,
	}
}

// Client issues requests for one model.
type Client struct {
	cfg    ModelConfig
	role   Role
	api    openai.Client
	retry  RetryPolicy
	sleep  SleepFunc
	logger *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithSleep replaces the backoff sleeper. Tests use it to observe waits.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRole tags the client for logging.
func WithRole(r Role) Option {
	return func(c *Client) { c.role = r }
}

// WithHTTPClient sets the transport used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.api = newAPI(c.cfg, option.WithHTTPClient(hc))
	}
}

// NewClient validates cfg and builds a client.
func NewClient(cfg ModelConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:   cfg,
		role:  RoleExpressive,
		api:   newAPI(cfg),
		retry: DefaultRetryPolicy(),
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = utils.OrDiscard(c.logger).With("role", string(c.role), "model", cfg.Model)
	return c, nil
}

func newAPI(cfg ModelConfig, extra ...option.RequestOption) openai.Client {
	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/"),
		option.WithAPIKey(cfg.APIKey),
		// Retries are owned by CallWithRetry.
		option.WithMaxRetries(0),
	}
	opts = append(opts, extra...)
	return openai.NewClient(opts...)
}

// Config returns the bound model configuration.
func (c *Client) Config() ModelConfig {
	return c.cfg
}

// Role returns the role the client was built for.
func (c *Client) Role() Role {
	return c.role
}

// Call issues a single non-streaming request.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	params := c.buildParams(req)
	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &MalformedResponseError{Reason: "no choices returned"}
	}
	ch := resp.Choices[0]
	out := &Response{
		Content:      ch.Message.Content,
		FinishReason: ch.FinishReason,
		Model:        resp.Model,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for i, tc := range ch.Message.ToolCalls {
		idx := i
		out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
			Index: &idx,
			ID:    tc.ID,
			Type:  "function",
			Function: schema.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	if out.Model == "" {
		out.Model = c.cfg.Model
	}
	c.logger.Debug("LLM call completed",
		"latency_ms", time.Since(start).Milliseconds(),
		"tool_calls", len(out.ToolCalls),
		"total_tokens", out.Usage.TotalTokens)
	return out, nil
}

// buildParams is shared by Call and CallStream.
func (c *Client) buildParams(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    c.cfg.Model,
		Messages: toParams(req.Messages),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	switch {
	case req.Temperature != nil:
		params.Temperature = openai.Float(*req.Temperature)
	case c.cfg.Temperature > 0:
		params.Temperature = openai.Float(c.cfg.Temperature)
	}

	if req.JSONMode {
		jsonObject := shared.NewResponseFormatJSONObjectParam()
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &jsonObject}
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(t.Parameters),
				},
			}
		}
		params.Tools = tools
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}
	}
	return params
}

// toParams converts conversation messages to request messages.
func toParams(msgs []*schema.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case schema.System:
			out = append(out, openai.SystemMessage(m.Content))
		case schema.User:
			out = append(out, openai.UserMessage(m.Content))
		case schema.Assistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case schema.Tool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}
