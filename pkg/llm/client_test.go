package llm_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/llm/llmtest"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func newClient(t *testing.T, srv *llmtest.Server, opts ...llm.Option) *llm.Client {
	t.Helper()
	c, err := llm.NewClient(llm.ModelConfig{Model: "test-model", BaseURL: srv.BaseURL(), APIKey: "sk-test"}, opts...)
	require.NoError(t, err)
	return c
}

func userMsg(s string) []*schema.Message {
	return []*schema.Message{schema.SystemMessage("be brief"), schema.UserMessage(s)}
}

func TestNewClient_InvalidConfig(t *testing.T) {
	_, err := llm.NewClient(llm.ModelConfig{BaseURL: "http://localhost"})
	assert.ErrorIs(t, err, llm.ErrInvalidConfig)

	_, err = llm.NewClient(llm.ModelConfig{Model: "m"})
	assert.ErrorIs(t, err, llm.ErrInvalidConfig)
}

func TestBackoff_Sequence(t *testing.T) {
	p := llm.DefaultRetryPolicy()
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 120 * time.Second, 120 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.Backoff(i+1), "attempt %d", i+1)
	}
}

func TestCall_NonStreaming(t *testing.T) {
	srv := llmtest.NewServer(t, llmtest.Reply{Content: "pong", Usage: [3]int{7, 2, 9}})
	c := newClient(t, srv)

	resp, err := c.Call(context.Background(), llm.Request{Messages: userMsg("ping"), JSONMode: true})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content)
	assert.Equal(t, llm.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9}, resp.Usage)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].Stream)
	assert.True(t, reqs[0].JSONMode())
	assert.Equal(t, "ping", reqs[0].LastUser())
	assert.Empty(t, reqs[0].Tools)
}

func TestCallStream_Deltas(t *testing.T) {
	srv := llmtest.NewServer(t, llmtest.Reply{Deltas: []string{"Hel", "lo", " there"}})
	c := newClient(t, srv)

	var deltas []string
	var usage llm.Usage
	resp, err := c.CallStream(context.Background(), llm.Request{Messages: userMsg("hi")}, llm.StreamCallbacks{
		OnDelta: func(s string) { deltas = append(deltas, s) },
		OnUsage: func(u llm.Usage) { usage = u },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", " there"}, deltas)
	assert.Equal(t, "Hello there", resp.Content)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, 15, usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestCallStream_AccumulatesToolCallsByIndex(t *testing.T) {
	srv := llmtest.NewServer(t, llmtest.Reply{ToolCalls: []llmtest.ToolCall{
		{ID: "call_a", Name: "skill_a", Arguments: `{"city":"Paris"}`},
		{ID: "call_b", Name: "skill_b", Arguments: `{"n":2}`},
	}})
	c := newClient(t, srv)

	var seen []string
	resp, err := c.CallStream(context.Background(), llm.Request{
		Messages: userMsg("weather?"),
		Tools:    []llm.Tool{{Name: "skill_a", Description: "a", Parameters: map[string]any{"type": "object"}}},
	}, llm.StreamCallbacks{OnToolCall: func(tc schema.ToolCall) { seen = append(seen, tc.ID) }})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "skill_a", resp.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"city":"Paris"}`, resp.ToolCalls[0].Function.Arguments)
	assert.Equal(t, `{"n":2}`, resp.ToolCalls[1].Function.Arguments)
	assert.Equal(t, []string{"call_a", "call_b"}, seen)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Stream)
	assert.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "auto", reqs[0].ToolChoice)
}

func TestToolRoundTrip_MessagesSerialized(t *testing.T) {
	srv := llmtest.NewServer(t, llmtest.Reply{Content: "done"})
	c := newClient(t, srv)

	idx := 0
	msgs := append(userMsg("go"),
		&schema.Message{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
			Index: &idx, ID: "call_1", Type: "function",
			Function: schema.FunctionCall{Name: "skill_x", Arguments: "{}"},
		}}},
		schema.ToolMessage(`{"success":true}`, "call_1"),
	)
	_, err := c.Call(context.Background(), llm.Request{Messages: msgs})
	require.NoError(t, err)

	got := srv.Requests()[0].Messages
	require.Len(t, got, 4)
	assert.Equal(t, "assistant", got[2]["role"])
	assert.NotEmpty(t, got[2]["tool_calls"])
	assert.Equal(t, "tool", got[3]["role"])
	assert.Equal(t, "call_1", got[3]["tool_call_id"])
}

func TestCallWithRetry_TransientExhausts(t *testing.T) {
	srv := llmtest.NewServer(t,
		llmtest.Reply{Status: http.StatusServiceUnavailable},
		llmtest.Reply{Status: http.StatusBadGateway},
		llmtest.Reply{Status: http.StatusTooManyRequests},
		llmtest.Reply{Content: "never reached"},
	)
	rec := &sleepRecorder{}
	c := newClient(t, srv, llm.WithSleep(rec.sleep))

	_, err := c.CallWithRetry(context.Background(), llm.Request{Messages: userMsg("x")})
	require.Error(t, err)

	var reqErr *llm.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, 3, reqErr.Attempts)
	assert.Equal(t, 429, llm.StatusCode(err))
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, rec.waits)
	assert.Len(t, srv.Requests(), 3)
}

func TestCallWithRetry_RecoversAfterTransient(t *testing.T) {
	srv := llmtest.NewServer(t,
		llmtest.Reply{Status: http.StatusGatewayTimeout},
		llmtest.Reply{Content: "fine"},
	)
	rec := &sleepRecorder{}
	c := newClient(t, srv, llm.WithSleep(rec.sleep))

	resp, err := c.CallWithRetry(context.Background(), llm.Request{Messages: userMsg("x")})
	require.NoError(t, err)
	assert.Equal(t, "fine", resp.Content)
	assert.Equal(t, []time.Duration{10 * time.Second}, rec.waits)
}

func TestCallWithRetry_PermanentFailsImmediately(t *testing.T) {
	srv := llmtest.NewServer(t, llmtest.Reply{Status: http.StatusBadRequest})
	rec := &sleepRecorder{}
	c := newClient(t, srv, llm.WithSleep(rec.sleep))

	_, err := c.CallWithRetry(context.Background(), llm.Request{Messages: userMsg("x")})
	var reqErr *llm.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, 1, reqErr.Attempts)
	assert.Contains(t, err.Error(), "after 1 attempt")
	assert.Empty(t, rec.waits)
}

func TestCallStreamWithRetry_Transient(t *testing.T) {
	srv := llmtest.NewServer(t,
		llmtest.Reply{Status: http.StatusServiceUnavailable},
		llmtest.Reply{Deltas: []string{"a", "b"}},
	)
	rec := &sleepRecorder{}
	c := newClient(t, srv, llm.WithSleep(rec.sleep))

	resp, err := c.CallStreamWithRetry(context.Background(), llm.Request{Messages: userMsg("x")}, llm.StreamCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Content)
	assert.Len(t, rec.waits, 1)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("read tcp: i/o timeout"), true},
		{errors.New("dial tcp: connection refused"), true},
		{context.Canceled, false},
		{&llm.MalformedResponseError{Reason: "no choices"}, false},
		{errors.New("invalid api key"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, llm.IsRetryable(tc.err), tc.err.Error())
	}
}

func TestCallWithRetry_TimeoutStatuses(t *testing.T) {
	tests := []struct {
		name     string
		reply    llmtest.Reply
		attempts int
	}{
		{"request timeout", llmtest.Reply{Status: http.StatusRequestTimeout, Message: "request timeout"}, 3},
		{"upstream timeout in 500", llmtest.Reply{Status: http.StatusInternalServerError, Message: "upstream timeout while contacting model"}, 3},
		{"plain 500", llmtest.Reply{Status: http.StatusInternalServerError, Message: "internal error"}, 1},
		{"bad request", llmtest.Reply{Status: http.StatusBadRequest, Message: "invalid model"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := llmtest.NewServer(t, tt.reply, tt.reply, tt.reply, llmtest.Reply{Content: "never reached"})
			rec := &sleepRecorder{}
			c := newClient(t, srv, llm.WithSleep(rec.sleep))

			_, err := c.CallWithRetry(context.Background(), llm.Request{Messages: userMsg("x")})
			var reqErr *llm.RequestError
			require.True(t, errors.As(err, &reqErr))
			assert.Equal(t, tt.attempts, reqErr.Attempts)
			assert.Len(t, srv.Requests(), tt.attempts)
			assert.Equal(t, tt.attempts > 1, llm.IsRetryable(reqErr.Err))
		})
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	srv := llmtest.NewServer(t, llmtest.Reply{Content: "slow", Delay: 2 * time.Second})
	c := newClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.CallWithRetry(ctx, llm.Request{Messages: userMsg("x")})
	require.Error(t, err)
	var reqErr *llm.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, 1, reqErr.Attempts)
}
