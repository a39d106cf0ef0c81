package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/store"
	"github.com/choraleia/persona/pkg/store/storetest"
)

func addTurns(t *testing.T, s *store.Store, personaID, userID string, n int) []db.Turn {
	t.Helper()
	ctx := context.Background()
	out := make([]db.Turn, 0, n)
	for i := 0; i < n; i++ {
		role := db.RoleUser
		if i%2 == 1 {
			role = db.RoleAssistant
		}
		turn := db.Turn{PersonaID: personaID, UserID: userID, Role: role, Content: "message"}
		require.NoError(t, s.CreateTurn(ctx, &turn))
		out = append(out, turn)
		time.Sleep(time.Millisecond)
	}
	return out
}

func TestCreateTurn_StartsUnarchived(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	topic := "preset"
	turn := db.Turn{PersonaID: "p", UserID: "u", Role: db.RoleUser, Content: "hi", TopicID: &topic}
	require.NoError(t, s.CreateTurn(ctx, &turn))

	got, err := s.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TopicID)
	assert.False(t, got.Archived())
}

func TestSaveCompressedTopic_OnlyRelabelsUnarchived(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	turns := addTurns(t, s, "p", "u", 6)

	first := &db.Topic{PersonaID: "p", UserID: "u", Title: "first"}
	moved, err := s.SaveCompressedTopic(ctx, first, []string{turns[0].ID, turns[1].ID, turns[2].ID})
	require.NoError(t, err)
	assert.EqualValues(t, 3, moved)
	assert.Equal(t, 3, first.TurnCount)

	// Overlapping range: already archived turns keep their topic.
	second := &db.Topic{PersonaID: "p", UserID: "u", Title: "second"}
	moved, err = s.SaveCompressedTopic(ctx, second, []string{turns[2].ID, turns[3].ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, moved)
	assert.Equal(t, 1, second.TurnCount)

	got, err := s.GetTurn(ctx, turns[2].ID)
	require.NoError(t, err)
	require.NotNil(t, got.TopicID)
	assert.Equal(t, first.ID, *got.TopicID)

	n, err := s.CountUnarchived(ctx, "p", "u")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestSaveCompressedTopic_EmptyTopicMarkedDeleted(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	turns := addTurns(t, s, "p", "u", 2)

	_, err := s.SaveCompressedTopic(ctx, &db.Topic{PersonaID: "p", UserID: "u"}, []string{turns[0].ID, turns[1].ID})
	require.NoError(t, err)

	dup := &db.Topic{PersonaID: "p", UserID: "u"}
	_, err = s.SaveCompressedTopic(ctx, dup, []string{turns[0].ID, turns[1].ID})
	require.NoError(t, err)

	stored, err := s.GetTopic(ctx, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TopicStatusDeleted, stored.Status)

	recent, err := s.RecentTopics(ctx, "p", "u", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestActivateTopic_SingleActivePerPair(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.ActivateTopic(ctx, &db.Topic{PersonaID: "p", UserID: "u", Title: "t"}))
	}
	require.NoError(t, s.ActivateTopic(ctx, &db.Topic{PersonaID: "p", UserID: "other", Title: "t"}))

	var count int64
	require.NoError(t, s.DB().Model(&db.Topic{}).
		Where("persona_id = ? AND user_id = ? AND status = ?", "p", "u", db.TopicStatusActive).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)

	_, err := s.ActiveTopic(ctx, "p", "other")
	assert.NoError(t, err)
	_, err = s.ActiveTopic(ctx, "p", "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAttachReflection_Once(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	turns := addTurns(t, s, "p", "u", 2)

	v := &db.InnerVoice{Score: 8, Advice: "more examples"}
	require.NoError(t, s.AttachReflection(ctx, turns[1].ID, v))
	assert.Error(t, s.AttachReflection(ctx, turns[1].ID, v))

	got, err := s.RecentReflections(ctx, "p", "u", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "more examples", got[0].Advice)
}

func TestRecentTurns_Chronological(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	turns := addTurns(t, s, "p", "u", 5)

	got, err := s.RecentTurns(ctx, "p", "u", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, turns[2].ID, got[0].ID)
	assert.Equal(t, turns[4].ID, got[2].ID)
}

func TestPendingPairs(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	addTurns(t, s, "p", "busy", 4)
	addTurns(t, s, "p", "quiet", 1)

	pairs, err := s.PendingPairs(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []store.Pair{{PersonaID: "p", UserID: "busy"}}, pairs)
}

func TestUpsertSkill_KeepsToolIDs(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	sk := &db.Skill{Name: "weather", EntryPath: "/skills/weather/index.js", Runtime: "node"}
	require.NoError(t, s.UpsertSkill(ctx, sk, []db.SkillTool{{Name: "forecast"}, {Name: "alerts"}}))
	tools, err := s.SkillTools(ctx, sk.ID)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	forecastID := tools[1].ID

	again := &db.Skill{Name: "weather", EntryPath: "/skills/weather/main.js", Runtime: "node"}
	require.NoError(t, s.UpsertSkill(ctx, again, []db.SkillTool{{Name: "forecast"}}))
	assert.Equal(t, sk.ID, again.ID)

	tools, err = s.SkillTools(ctx, sk.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, forecastID, tools[0].ID)

	require.NoError(t, s.SetPersonaSkill(ctx, "p", sk.ID, true))
	enabled, err := s.EnabledSkills(ctx, "p")
	require.NoError(t, err)
	require.Len(t, enabled, 1)

	require.NoError(t, s.SetPersonaSkill(ctx, "p", sk.ID, false))
	enabled, err = s.EnabledSkills(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestMergeProfile(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	changed, err := s.MergeProfile(ctx, "p", "u", map[string]string{"occupation": "nurse", "bogus": "x"})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MergeProfile(ctx, "p", "u", map[string]string{"occupation": "nurse", "location": ""})
	require.NoError(t, err)
	assert.False(t, changed)

	p, err := s.GetProfile(ctx, "p", "u")
	require.NoError(t, err)
	assert.Equal(t, "nurse", p.Occupation)
	assert.Equal(t, []string{"preferred_name", "location", "age", "gender"}, p.Missing())

	n, err := s.IncrementNudge(ctx, "p", "u")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRaw(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	addTurns(t, s, "p", "u", 3)

	var rows []struct{ Role string }
	require.NoError(t, s.Raw(ctx, &rows, "SELECT role FROM turns WHERE persona_id = ? ORDER BY created_at", "p"))
	require.Len(t, rows, 3)
	assert.Equal(t, db.RoleUser, rows[0].Role)
}
