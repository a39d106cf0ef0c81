package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choraleia/persona/pkg/config"
	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/llm/llmtest"
	"github.com/choraleia/persona/pkg/memory"
	"github.com/choraleia/persona/pkg/persona"
	"github.com/choraleia/persona/pkg/service"
	"github.com/choraleia/persona/pkg/skills"
	"github.com/choraleia/persona/pkg/store"
	"github.com/choraleia/persona/pkg/store/storetest"
)

type harness struct {
	router *gin.Engine
	store  *store.Store
	seed   storetest.Seed
	svc    *service.ChatService
}

func newHarness(t *testing.T, replies ...llmtest.Reply) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := llmtest.NewServer(t, replies...)
	st := storetest.New(t)
	seed := storetest.SeedPersona(t, st, srv.BaseURL())
	loader := skills.NewLoader(st, nil)
	svc := service.NewChatService(service.Deps{
		Store:     st,
		Personas:  persona.NewLoader(st, persona.Options{}, nil),
		Skills:    loader,
		Executor:  skills.NewRunner(skills.RunnerConfig{}, nil),
		TurnCache: memory.NewTurnCache(100, 50, nil),
		Config:    &config.AppConfig{},
		ClientOptions: []llm.Option{
			llm.WithSleep(func(context.Context, time.Duration) error { return nil }),
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Wait(ctx)
	})

	r := gin.New()
	api := r.Group("/api/v1")
	NewChatHandler(svc).RegisterRoutes(api)
	NewMemoryHandler(st, svc).RegisterRoutes(api)
	return &harness{router: r, store: st, seed: seed, svc: svc}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func parseSSE(body string) []sseEvent {
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				ev.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				ev.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		out = append(out, ev)
	}
	return out
}

func TestChatStreamsNamedEvents(t *testing.T) {
	h := newHarness(t, llmtest.Reply{Deltas: []string{"Hel", "lo", " there"}})
	w := h.do(http.MethodPost, "/api/v1/personas/"+h.seed.Persona.ID+"/chat", `{"user_id":"u1","content":"Hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(w.Body.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev.event)
	}
	require.Equal(t, []string{"start", "delta", "delta", "delta", "complete"}, names)
	assert.Equal(t, "1", events[0].id)

	var start service.StartData
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &start))
	assert.True(t, start.IsNewTopic)

	var done service.CompleteData
	require.NoError(t, json.Unmarshal([]byte(events[4].data), &done))
	assert.Equal(t, "Hello there", done.Content)
	assert.Equal(t, start.MessageID, done.MessageID)
}

func TestChatErrorsBeforeStreaming(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"missing body fields", "/api/v1/personas/" + h.seed.Persona.ID + "/chat", `{"user_id":"u1"}`, http.StatusBadRequest},
		{"blank content", "/api/v1/personas/" + h.seed.Persona.ID + "/chat", `{"user_id":"u1","content":"  "}`, http.StatusBadRequest},
		{"unknown persona", "/api/v1/personas/nope/chat", `{"user_id":"u1","content":"hi"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestTopicsAndTurnsAfterChat(t *testing.T) {
	h := newHarness(t, llmtest.Reply{Content: "Hello"})
	base := "/api/v1/personas/" + h.seed.Persona.ID
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, base+"/chat", `{"user_id":"u1","content":"Hi"}`).Code)

	w := h.do(http.MethodGet, base+"/topics?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var topics struct {
		Topics []db.Topic `json:"topics"`
		Count  int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &topics))
	require.Equal(t, 1, topics.Count)
	assert.Equal(t, db.TopicStatusActive, topics.Topics[0].Status)

	w = h.do(http.MethodGet, base+"/turns?user_id=u1&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var turns struct {
		Turns []db.Turn `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turns))
	require.Len(t, turns.Turns, 2)
	assert.Equal(t, "Hello", turns.Turns[1].Content)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, base+"/turns", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, base+"/turns?user_id=u1&limit=0", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/v1/topics/missing/turns", "").Code)
}

func TestCompressSkipsShortConversation(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/api/v1/personas/"+h.seed.Persona.ID+"/compress?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "No compression needed")
}

func TestInvalidateAndStatus(t *testing.T) {
	h := newHarness(t)
	base := "/api/v1/personas/" + h.seed.Persona.ID
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, base+"/invalidate", "").Code)

	w := h.do(http.MethodGet, base+"/chat/status?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"is_streaming":false}`, w.Body.String())

	w = h.do(http.MethodPost, base+"/chat/cancel", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled":false}`, w.Body.String())
}
