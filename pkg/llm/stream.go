package llm

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
)

// StreamCallbacks receive incremental results. Any of them may be nil.
type StreamCallbacks struct {
	OnDelta    func(text string)
	OnToolCall func(call schema.ToolCall)
	OnUsage    func(usage Usage)
}

// toolCallAccumulator rebuilds tool calls from fragments keyed by index.
type toolCallAccumulator struct {
	calls map[int64]*schema.ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int64]*schema.ToolCall)}
}

func (a *toolCallAccumulator) add(tc openai.ChatCompletionChunkChoiceDeltaToolCall) {
	call, ok := a.calls[tc.Index]
	if !ok {
		idx := int(tc.Index)
		call = &schema.ToolCall{Index: &idx, Type: "function"}
		a.calls[tc.Index] = call
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Function.Name = tc.Function.Name
	}
	call.Function.Arguments += tc.Function.Arguments
}

// result returns the completed calls ordered by index.
func (a *toolCallAccumulator) result() []schema.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	keys := make([]int64, 0, len(a.calls))
	for k := range a.calls {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]schema.ToolCall, 0, len(keys))
	for _, k := range keys {
		out = append(out, *a.calls[k])
	}
	return out
}

// CallStream issues a streaming request. Text deltas are forwarded as they
// arrive; tool calls are reported once the stream ends and all fragments
// have been merged.
func (c *Client) CallStream(ctx context.Context, req Request, cb StreamCallbacks) (*Response, error) {
	params := c.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	start := time.Now()
	stream := c.api.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	acc := newToolCallAccumulator()
	out := &Response{Model: c.cfg.Model}

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage.TotalTokens > 0 {
			out.Usage = Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
			if cb.OnUsage != nil {
				cb.OnUsage(out.Usage)
			}
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				if cb.OnDelta != nil {
					cb.OnDelta(ch.Delta.Content)
				}
			}
			for _, tc := range ch.Delta.ToolCalls {
				acc.add(tc)
			}
			if ch.FinishReason != "" {
				out.FinishReason = ch.FinishReason
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, &StreamError{Delivered: text.Len() > 0, Err: err}
	}

	out.Content = text.String()
	out.ToolCalls = acc.result()
	if cb.OnToolCall != nil {
		for _, tc := range out.ToolCalls {
			cb.OnToolCall(tc)
		}
	}
	c.logger.Debug("LLM stream completed",
		"latency_ms", time.Since(start).Milliseconds(),
		"chars", text.Len(),
		"tool_calls", len(out.ToolCalls),
		"finish_reason", out.FinishReason)
	return out, nil
}
