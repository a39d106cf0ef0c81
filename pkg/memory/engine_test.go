package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/llm/llmtest"
	"github.com/choraleia/persona/pkg/store"
	"github.com/choraleia/persona/pkg/store/storetest"
)

// fixedEstimator reports the same total for any message list.
type fixedEstimator int

func (f fixedEstimator) EstimateText(string) int                  { return int(f) }
func (f fixedEstimator) EstimateMessages(_ []*schema.Message) int { return int(f) }

func seedTurns(t *testing.T, e *Engine, n int) []db.Turn {
	t.Helper()
	out := make([]db.Turn, 0, n)
	for i := 0; i < n; i++ {
		role := db.RoleUser
		content := fmt.Sprintf("question %d about gardening", i)
		if i%2 == 1 {
			role = db.RoleAssistant
			content = fmt.Sprintf("answer %d about gardening", i)
		}
		turn := db.Turn{PersonaID: "p", UserID: "u", Role: role, Content: content}
		require.NoError(t, e.AppendTurn(context.Background(), &turn))
		out = append(out, turn)
		time.Sleep(time.Millisecond)
	}
	return out
}

func newCompleter(t *testing.T, srv *llmtest.Server) *llm.Client {
	t.Helper()
	c, err := llm.NewClient(llm.ModelConfig{Model: "test-model", BaseURL: srv.BaseURL(), APIKey: "sk-test"},
		llm.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)
	return c
}

func TestDecide_BelowMinTurns(t *testing.T) {
	d := Decide(fixedEstimator(1_000_000), turnsN(19), Thresholds{ContextSize: 1000, ThresholdRatio: 0.7, MinTurns: 20})
	assert.False(t, d.Compress)
	assert.Equal(t, 0, d.EstimatedTokens)
	assert.Contains(t, d.Reason, "19 < min turns 20")
}

func TestDecide_ThresholdReached(t *testing.T) {
	d := Decide(fixedEstimator(750), turnsN(25), Thresholds{ContextSize: 1000, ThresholdRatio: 0.7, MinTurns: 20})
	assert.True(t, d.Compress)
	assert.Equal(t, 700, d.TokenThreshold)
	assert.Equal(t, 750, d.EstimatedTokens)
	assert.Contains(t, d.Reason, "750 >= threshold 700")
	assert.Contains(t, d.Reason, "25 unarchived turns")

	d = Decide(fixedEstimator(699), turnsN(25), Thresholds{ContextSize: 1000, ThresholdRatio: 0.7, MinTurns: 20})
	assert.False(t, d.Compress)
	assert.Contains(t, d.Reason, "699 < threshold 700")
}

func TestShouldCompress_FromStore(t *testing.T) {
	s := storetest.New(t)
	e := NewEngine(s, fixedEstimator(750), nil, nil)
	seedTurns(t, e, 25)

	d, err := e.ShouldCompress(context.Background(), "p", "u", Thresholds{ContextSize: 1000, ThresholdRatio: 0.7, MinTurns: 20})
	require.NoError(t, err)
	assert.True(t, d.Compress)
	assert.Equal(t, 25, d.UnarchivedTurns)
}

func TestRecentTurns_CacheThenStore(t *testing.T) {
	s := storetest.New(t)
	cache := NewTurnCache(100, 50, nil)
	e := NewEngine(s, nil, cache, nil)
	turns := seedTurns(t, e, 6)

	// Appends alone never make an entry complete.
	got, err := e.RecentTurns(context.Background(), "p", "u", 10)
	require.NoError(t, err)
	assert.Equal(t, ids(turns), ids(got))

	got, ok := cache.Recent(CacheKey("p", "u"), 10)
	require.True(t, ok)
	assert.Len(t, got, 6)

	got, err = e.RecentTurns(context.Background(), "p", "u", 2)
	require.NoError(t, err)
	assert.Equal(t, ids(turns[4:]), ids(got))
}

func TestCompress_PartitionsAndExtractsProfile(t *testing.T) {
	s := storetest.New(t)
	cache := NewTurnCache(100, 50, nil)
	e := NewEngine(s, fixedEstimator(750), cache, nil)
	turns := seedTurns(t, e, 25)

	srv := llmtest.NewServer(t, llmtest.Reply{Content: "```json\n" + `{
  "topics": [
    {"title": "Tomatoes", "summary": "Planting tomatoes in spring", "start_index": 0, "end_index": 11, "category": "garden"},
    {"title": "Compost", "summary": "Starting a compost heap", "start_index": 12, "end_index": 24, "category": "garden"}
  ],
  "user_attributes": {"preferred_name": "Sam", "occupation": "nurse", "age": 41, "location": "unknown"}
}` + "\n```"})

	var notified *Result
	e.OnCompressed = func(_, _ string, res *Result) { notified = res }

	res, err := e.Compress(context.Background(), "p", "u", newCompleter(t, srv),
		Thresholds{ContextSize: 1000, ThresholdRatio: 0.7, MinTurns: 20})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.False(t, res.Fallback)
	assert.EqualValues(t, 25, res.Archived)
	require.Len(t, res.Topics, 2)
	assert.Equal(t, "Tomatoes", res.Topics[0].Title)
	assert.Equal(t, 12, res.Topics[0].TurnCount)
	assert.Equal(t, 13, res.Topics[1].TurnCount)
	assert.True(t, res.ProfileUpdated)
	assert.Same(t, res, notified)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].JSONMode())
	assert.Contains(t, reqs[0].LastUser(), "[24] assistant: answer 24 about gardening")

	left, err := s.UnarchivedTurns(context.Background(), "p", "u")
	require.NoError(t, err)
	assert.Empty(t, left)

	archived, err := s.TopicTurns(context.Background(), res.Topics[1].ID)
	require.NoError(t, err)
	assert.Equal(t, ids(turns[12:]), ids(archived))

	prof, err := s.GetProfile(context.Background(), "p", "u")
	require.NoError(t, err)
	assert.Equal(t, "Sam", prof.PreferredName)
	assert.Equal(t, "nurse", prof.Occupation)
	assert.Equal(t, "41", prof.Age)
	assert.Empty(t, prof.Location)

	_, ok := cache.Recent(CacheKey("p", "u"), 1)
	assert.False(t, ok, "cache entry is dropped after compression")
}

func TestCompress_GarbageOutputFallsBack(t *testing.T) {
	s := storetest.New(t)
	e := NewEngine(s, fixedEstimator(750), nil, nil)
	seedTurns(t, e, 22)

	srv := llmtest.NewServer(t, llmtest.Reply{Content: "I'd rather not answer in JSON today."})
	res, err := e.Compress(context.Background(), "p", "u", newCompleter(t, srv),
		Thresholds{ContextSize: 1000, ThresholdRatio: 0.7, MinTurns: 20})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	require.Len(t, res.Topics, 1)
	assert.True(t, strings.HasPrefix(res.Topics[0].Title, "Conversation "))
	assert.Equal(t, "general", res.Topics[0].Category)
	assert.Contains(t, res.Topics[0].Description, "question 0 about gardening")
	assert.EqualValues(t, 22, res.Archived)
	assert.False(t, res.ProfileUpdated)
}

func TestCompress_TransportFailureFallsBack(t *testing.T) {
	s := storetest.New(t)
	e := NewEngine(s, fixedEstimator(750), nil, nil)
	seedTurns(t, e, 20)

	srv := llmtest.NewServer(t)
	srv.Respond(func(llmtest.Captured) llmtest.Reply { return llmtest.Reply{Status: 503} })

	res, err := e.Compress(context.Background(), "p", "u", newCompleter(t, srv),
		Thresholds{ContextSize: 1000, ThresholdRatio: 0.7, MinTurns: 20})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.EqualValues(t, 20, res.Archived)
	assert.Len(t, srv.Requests(), 3)
}

func TestCompress_SkippedBelowThreshold(t *testing.T) {
	s := storetest.New(t)
	e := NewEngine(s, fixedEstimator(100), nil, nil)
	seedTurns(t, e, 25)

	srv := llmtest.NewServer(t)
	res, err := e.Compress(context.Background(), "p", "u", newCompleter(t, srv),
		Thresholds{ContextSize: 1000, ThresholdRatio: 0.7, MinTurns: 20})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, srv.Requests())

	n, err := s.CountUnarchived(context.Background(), "p", "u")
	require.NoError(t, err)
	assert.EqualValues(t, 25, n)
}

func TestCompress_CancelledContext(t *testing.T) {
	s := storetest.New(t)
	e := NewEngine(s, fixedEstimator(750), nil, nil)
	seedTurns(t, e, 20)

	ctx, cancel := context.WithCancel(context.Background())
	srv := llmtest.NewServer(t)
	srv.Respond(func(llmtest.Captured) llmtest.Reply {
		cancel()
		return llmtest.Reply{Status: 503}
	})

	_, err := e.Compress(ctx, "p", "u", newCompleter(t, srv),
		Thresholds{ContextSize: 1000, ThresholdRatio: 0.7, MinTurns: 20})
	assert.ErrorIs(t, err, context.Canceled)

	n, err := s.CountUnarchived(context.Background(), "p", "u")
	require.NoError(t, err)
	assert.EqualValues(t, 20, n)
}

func TestNormalizeSpans(t *testing.T) {
	type topic struct{ start, end int }
	cases := []struct {
		name   string
		n      int
		topics []topic
		want   [][2]int
	}{
		{"exact cover", 6, []topic{{0, 2}, {3, 5}}, [][2]int{{0, 2}, {3, 5}}},
		{"unsorted", 6, []topic{{3, 5}, {0, 2}}, [][2]int{{0, 2}, {3, 5}}},
		{"overlap trimmed", 6, []topic{{0, 3}, {2, 5}}, [][2]int{{0, 3}, {4, 5}}},
		{"gap absorbed", 8, []topic{{0, 2}, {5, 7}}, [][2]int{{0, 4}, {5, 7}}},
		{"leading and trailing gaps", 8, []topic{{2, 4}}, [][2]int{{0, 7}}},
		{"out of range clamped", 5, []topic{{-3, 2}, {3, 40}}, [][2]int{{0, 2}, {3, 4}}},
		{"contained span dropped", 6, []topic{{0, 5}, {1, 2}}, [][2]int{{0, 5}}},
		{"inverted span dropped", 4, []topic{{3, 1}, {0, 3}}, [][2]int{{0, 3}}},
		{"all invalid", 4, []topic{{9, 12}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := &compressionOutput{}
			for _, tp := range tc.topics {
				out.Topics = append(out.Topics, struct {
					Title      string `json:"title"`
					Summary    string `json:"summary"`
					StartIndex int    `json:"start_index"`
					EndIndex   int    `json:"end_index"`
					Category   string `json:"category"`
				}{Title: "t", StartIndex: tp.start, EndIndex: tp.end})
			}
			var got [][2]int
			for _, sp := range normalizeSpans(out, tc.n) {
				got = append(got, [2]int{sp.start, sp.end})
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

var _ Store = (*store.Store)(nil)
