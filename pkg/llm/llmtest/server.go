// Package llmtest serves scripted OpenAI-compatible chat completions for tests.
package llmtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// ToolCall is a scripted tool call.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Reply is one scripted response.
type Reply struct {
	// Status other than 0 or 200 returns an error body with that status.
	Status    int
	// Message replaces the default error message of a failing reply.
	Message   string
	Content   string
	Deltas    []string
	ToolCalls []ToolCall
	Usage     [3]int // prompt, completion, total
	Delay     time.Duration
}

// Captured is a decoded request body.
type Captured struct {
	Model          string           `json:"model"`
	Stream         bool             `json:"stream"`
	Messages       []map[string]any `json:"messages"`
	Tools          []map[string]any `json:"tools"`
	ToolChoice     any              `json:"tool_choice"`
	ResponseFormat map[string]any   `json:"response_format"`
	MaxTokens      int              `json:"max_tokens"`
}

// JSONMode reports whether the request asked for a JSON object.
func (c Captured) JSONMode() bool {
	return c.ResponseFormat != nil && c.ResponseFormat["type"] == "json_object"
}

// LastUser returns the content of the final user message.
func (c Captured) LastUser() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i]["role"] == "user" {
			s, _ := c.Messages[i]["content"].(string)
			return s
		}
	}
	return ""
}

// System returns the system prompt, if any.
func (c Captured) System() string {
	for _, m := range c.Messages {
		if m["role"] == "system" {
			s, _ := m["content"].(string)
			return s
		}
	}
	return ""
}

// Server is a scripted completion endpoint.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	queue     []Reply
	requests  []Captured
	responder func(Captured) Reply
	fallback  Reply
}

// NewServer starts a server answering with replies in order, then "ok".
func NewServer(t testing.TB, replies ...Reply) *Server {
	t.Helper()
	s := &Server{queue: replies, fallback: Reply{Content: "ok"}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// BaseURL is the value to configure as provider base url.
func (s *Server) BaseURL() string {
	return s.URL + "/v1"
}

// Enqueue appends scripted replies.
func (s *Server) Enqueue(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, replies...)
}

// Respond installs a function that answers every request. It takes
// precedence over the queue.
func (s *Server) Respond(fn func(Captured) Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = fn
}

// Requests returns the captured requests so far.
func (s *Server) Requests() []Captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Captured(nil), s.requests...)
}

func (s *Server) next(c Captured) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, c)
	if s.responder != nil {
		return s.responder(c)
	}
	if len(s.queue) == 0 {
		return s.fallback
	}
	r := s.queue[0]
	s.queue = s.queue[1:]
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	var c Captured
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply := s.next(c)
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if reply.Status != 0 && reply.Status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.Status)
		msg := reply.Message
		if msg == "" {
			msg = fmt.Sprintf("scripted failure %d", reply.Status)
		}
		body, _ := json.Marshal(map[string]any{"error": map[string]string{"message": msg, "type": "server_error"}})
		_, _ = w.Write(body)
		return
	}
	if c.Stream {
		s.writeStream(w, c, reply)
		return
	}
	s.writeJSON(w, c, reply)
}

func (s *Server) writeJSON(w http.ResponseWriter, c Captured, reply Reply) {
	content := reply.Content
	if content == "" && len(reply.Deltas) > 0 {
		content = strings.Join(reply.Deltas, "")
	}
	msg := map[string]any{"role": "assistant", "content": content}
	if len(reply.ToolCalls) > 0 {
		var calls []map[string]any
		for _, tc := range reply.ToolCalls {
			calls = append(calls, map[string]any{
				"id":       tc.ID,
				"type":     "function",
				"function": map[string]any{"name": tc.Name, "arguments": tc.Arguments},
			})
		}
		msg["tool_calls"] = calls
	}
	finish := "stop"
	if len(reply.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	body := map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   c.Model,
		"choices": []any{map[string]any{"index": 0, "message": msg, "finish_reason": finish}},
		"usage":   usage(reply),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeStream(w http.ResponseWriter, c Captured, reply Reply) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	send := func(v any) {
		b, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", b)
		if flusher != nil {
			flusher.Flush()
		}
	}
	chunk := func(delta map[string]any, finish any) map[string]any {
		return map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion.chunk",
			"created": 1,
			"model":   c.Model,
			"choices": []any{map[string]any{"index": 0, "delta": delta, "finish_reason": finish}},
		}
	}

	deltas := reply.Deltas
	if len(deltas) == 0 && reply.Content != "" {
		deltas = []string{reply.Content}
	}
	for _, d := range deltas {
		send(chunk(map[string]any{"role": "assistant", "content": d}, nil))
	}
	// Tool calls arrive as a header fragment followed by split arguments.
	for i, tc := range reply.ToolCalls {
		send(chunk(map[string]any{"tool_calls": []any{map[string]any{
			"index": i, "id": tc.ID, "type": "function",
			"function": map[string]any{"name": tc.Name, "arguments": ""},
		}}}, nil))
		half := len(tc.Arguments) / 2
		for _, part := range []string{tc.Arguments[:half], tc.Arguments[half:]} {
			send(chunk(map[string]any{"tool_calls": []any{map[string]any{
				"index": i, "function": map[string]any{"arguments": part},
			}}}, nil))
		}
	}
	finish := "stop"
	if len(reply.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	send(chunk(map[string]any{}, finish))
	send(map[string]any{
		"id": "chatcmpl-test", "object": "chat.completion.chunk", "created": 1, "model": c.Model,
		"choices": []any{}, "usage": usage(reply),
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func usage(reply Reply) map[string]any {
	u := reply.Usage
	if u == [3]int{} {
		u = [3]int{10, 5, 15}
	}
	return map[string]any{"prompt_tokens": u[0], "completion_tokens": u[1], "total_tokens": u[2]}
}
