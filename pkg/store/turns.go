package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/choraleia/persona/pkg/db"
)

// Pair identifies one persona/user conversation.
type Pair struct {
	PersonaID string
	UserID    string
}

// CreateTurn inserts a new, unarchived turn.
func (s *Store) CreateTurn(ctx context.Context, t *db.Turn) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	// Fresh turns are never pre-archived.
	t.TopicID = nil
	return errors.Wrap(s.db.WithContext(ctx).Create(t).Error, "create turn")
}

// GetTurn loads a turn by id.
func (s *Store) GetTurn(ctx context.Context, id string) (*db.Turn, error) {
	var t db.Turn
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// UnarchivedTurns returns all turns without a topic, oldest first.
func (s *Store) UnarchivedTurns(ctx context.Context, personaID, userID string) ([]db.Turn, error) {
	var turns []db.Turn
	err := s.db.WithContext(ctx).
		Where("persona_id = ? AND user_id = ? AND topic_id IS NULL", personaID, userID).
		Order("created_at ASC, id ASC").
		Find(&turns).Error
	return turns, errors.Wrap(err, "list unarchived turns")
}

// CountUnarchived counts turns without a topic.
func (s *Store) CountUnarchived(ctx context.Context, personaID, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&db.Turn{}).
		Where("persona_id = ? AND user_id = ? AND topic_id IS NULL", personaID, userID).
		Count(&n).Error
	return n, errors.Wrap(err, "count unarchived turns")
}

// RecentTurns returns up to limit most recent turns in chronological order.
func (s *Store) RecentTurns(ctx context.Context, personaID, userID string, limit int) ([]db.Turn, error) {
	var turns []db.Turn
	err := s.db.WithContext(ctx).
		Where("persona_id = ? AND user_id = ?", personaID, userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return nil, errors.Wrap(err, "list recent turns")
	}
	reverseTurns(turns)
	return turns, nil
}

// CountUserTurns counts the user turns of a pair, archived or not.
func (s *Store) CountUserTurns(ctx context.Context, personaID, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&db.Turn{}).
		Where("persona_id = ? AND user_id = ? AND role = ?", personaID, userID, db.RoleUser).
		Count(&n).Error
	return n, errors.Wrap(err, "count user turns")
}

// CountTurnsSince counts turns of a pair created at or after since.
func (s *Store) CountTurnsSince(ctx context.Context, personaID, userID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&db.Turn{}).
		Where("persona_id = ? AND user_id = ? AND created_at >= ?", personaID, userID, since).
		Count(&n).Error
	return n, errors.Wrap(err, "count turns")
}

// AttachReflection stores the self-reflection of an assistant turn. A turn is
// reflected at most once.
func (s *Store) AttachReflection(ctx context.Context, turnID string, v *db.InnerVoice) error {
	res := s.db.WithContext(ctx).Model(&db.Turn{}).
		Where("id = ? AND self_reflection IS NULL", turnID).
		Update("self_reflection", v)
	if res.Error != nil {
		return errors.Wrap(res.Error, "attach reflection")
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("turn %s not found or already reflected", turnID)
	}
	return nil
}

// RecentReflections returns the newest n reflection records, oldest first.
func (s *Store) RecentReflections(ctx context.Context, personaID, userID string, n int) ([]db.InnerVoice, error) {
	var turns []db.Turn
	err := s.db.WithContext(ctx).
		Select("id", "self_reflection", "created_at").
		Where("persona_id = ? AND user_id = ? AND role = ? AND self_reflection IS NOT NULL", personaID, userID, db.RoleAssistant).
		Order("created_at DESC, id DESC").
		Limit(n).
		Find(&turns).Error
	if err != nil {
		return nil, errors.Wrap(err, "list reflections")
	}
	reverseTurns(turns)
	out := make([]db.InnerVoice, 0, len(turns))
	for _, t := range turns {
		if t.SelfReflection != nil {
			out = append(out, *t.SelfReflection)
		}
	}
	return out, nil
}

// PendingPairs lists conversations holding at least minTurns unarchived turns.
func (s *Store) PendingPairs(ctx context.Context, minTurns int) ([]Pair, error) {
	var rows []struct {
		PersonaID string
		UserID    string
	}
	err := s.db.WithContext(ctx).Model(&db.Turn{}).
		Select("persona_id, user_id").
		Where("topic_id IS NULL").
		Group("persona_id, user_id").
		Having("COUNT(*) >= ?", minTurns).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "list pending pairs")
	}
	out := make([]Pair, 0, len(rows))
	for _, r := range rows {
		out = append(out, Pair{PersonaID: r.PersonaID, UserID: r.UserID})
	}
	return out, nil
}

// archiveTurns labels unarchived turns with topicID inside tx. Turns already
// holding a topic are left untouched.
func archiveTurns(tx *gorm.DB, topicID string, turnIDs []string) (int64, error) {
	if len(turnIDs) == 0 {
		return 0, nil
	}
	res := tx.Model(&db.Turn{}).
		Where("id IN ? AND topic_id IS NULL", turnIDs).
		Update("topic_id", topicID)
	return res.RowsAffected, res.Error
}

func reverseTurns(turns []db.Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}
