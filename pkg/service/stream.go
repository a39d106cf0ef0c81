package service

import (
	"context"
	"errors"
	"strings"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/lock"
	"github.com/choraleia/persona/pkg/persona"
	"github.com/choraleia/persona/pkg/skills"
)

// Stream event types, in the order a turn emits them.
const (
	EventStart       = "start"
	EventDelta       = "delta"
	EventToolCall    = "tool_call"
	EventToolResults = "tool_results"
	EventComplete    = "complete"
	EventError       = "error"
)

// StreamEvent represents a streaming event
type StreamEvent struct {
	ID    int64       `json:"id"`
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
	Error string      `json:"error,omitempty"`
}

type StartData struct {
	MessageID  string `json:"message_id"`
	TopicID    string `json:"topic_id"`
	IsNewTopic bool   `json:"is_new_topic"`
}

type DeltaData struct {
	Content string `json:"content"`
}

type ToolCallData struct {
	Round     int    `json:"round"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolResultData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type ToolResultsData struct {
	Round   int              `json:"round"`
	Results []ToolResultData `json:"results"`
}

type CompleteData struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Usage     llm.Usage `json:"usage"`
	Model     string    `json:"model"`
	Rounds    int       `json:"rounds"`
	LatencyMs int64     `json:"latency_ms"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// emitter numbers events and stops sending once the consumer is gone.
type emitter struct {
	ctx    context.Context
	ch     chan<- *StreamEvent
	nextID int64
}

func (e *emitter) emit(typ string, data interface{}) {
	e.nextID++
	ev := &StreamEvent{ID: e.nextID, Type: typ, Data: data}
	if d, ok := data.(ErrorData); ok {
		ev.Error = d.Message
	}
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
	}
}

func toolResultsData(round int, results []skills.ToolResult) ToolResultsData {
	out := ToolResultsData{Round: round, Results: make([]ToolResultData, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, ToolResultData{
			ID:        r.CallID,
			Name:      r.ToolName,
			Success:   r.Result.Success,
			Error:     r.Result.Error,
			ElapsedMs: r.Elapsed.Milliseconds(),
		})
	}
	return out
}

func ledgerLog(records []db.ToolCallRecord) db.ToolCallLog {
	if len(records) == 0 {
		return nil
	}
	return db.ToolCallLog(records)
}

// errorData converts a turn failure into a client facing message.
func errorData(err error) ErrorData {
	var reqErr *llm.RequestError
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorData{Code: "cancelled", Message: "The request was cancelled."}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorData{Code: "timeout", Message: "The request timed out. Please try again."}
	case errors.Is(err, persona.ErrPersonaNotFound):
		return ErrorData{Code: "persona_not_found", Message: "The persona does not exist."}
	case errors.Is(err, persona.ErrInvalidConfig), errors.Is(err, llm.ErrInvalidConfig):
		return ErrorData{Code: "invalid_config", Message: "The persona's model configuration is incomplete."}
	case errors.Is(err, lock.ErrBusy):
		return ErrorData{Code: "busy", Message: "A reply to this user is already being generated."}
	case errors.As(err, &reqErr):
		switch status := llm.StatusCode(err); {
		case status == 429:
			return ErrorData{Code: "rate_limited", Message: "Rate limit exceeded. Please wait a moment and try again."}
		case status == 401 || status == 403:
			return ErrorData{Code: "upstream_auth", Message: "The model provider rejected the API key."}
		case status == 404:
			return ErrorData{Code: "model_not_found", Message: "The configured model is not available."}
		case reqErr.Retryable:
			return ErrorData{Code: "upstream_unavailable", Message: "The model provider is unavailable. Please try again later."}
		}
		return ErrorData{Code: "upstream_error", Message: "The model request failed: " + simplifyErrorMessage(err.Error())}
	}
	return ErrorData{Code: "internal", Message: "An error occurred: " + simplifyErrorMessage(err.Error())}
}

// simplifyErrorMessage keeps the innermost cause of a wrapped error string.
func simplifyErrorMessage(msg string) string {
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		msg = msg[i+2:]
	}
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
