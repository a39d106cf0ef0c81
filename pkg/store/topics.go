package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/choraleia/persona/pkg/db"
)

// ActiveTopic returns the active topic of a pair or ErrNotFound.
func (s *Store) ActiveTopic(ctx context.Context, personaID, userID string) (*db.Topic, error) {
	var t db.Topic
	err := s.db.WithContext(ctx).
		Where("persona_id = ? AND user_id = ? AND status = ?", personaID, userID, db.TopicStatusActive).
		Order("updated_at DESC").
		First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetTopic loads a topic by id.
func (s *Store) GetTopic(ctx context.Context, id string) (*db.Topic, error) {
	var t db.Topic
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ActivateTopic inserts t as the active topic of its pair, archiving any
// other active topic in the same transaction.
func (s *Store) ActivateTopic(ctx context.Context, t *db.Topic) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = db.TopicStatusActive
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&db.Topic{}).
			Where("persona_id = ? AND user_id = ? AND status = ? AND id <> ?", t.PersonaID, t.UserID, db.TopicStatusActive, t.ID).
			Update("status", db.TopicStatusArchived).Error
		if err != nil {
			return errors.Wrap(err, "archive previous active topic")
		}
		return errors.Wrap(tx.Save(t).Error, "save active topic")
	})
}

// UpdateTopicLabel changes the title and description of a topic.
func (s *Store) UpdateTopicLabel(ctx context.Context, id, title, description string) error {
	err := s.db.WithContext(ctx).Model(&db.Topic{}).Where("id = ?", id).
		Updates(map[string]interface{}{"title": title, "description": description}).Error
	return errors.Wrap(err, "update topic label")
}

// RecentTopics returns up to limit topics produced by compression, most
// recent first. Display-only topics never hold turns and are skipped.
func (s *Store) RecentTopics(ctx context.Context, personaID, userID string, limit int) ([]db.Topic, error) {
	var topics []db.Topic
	err := s.db.WithContext(ctx).
		Where("persona_id = ? AND user_id = ? AND status = ? AND turn_count > 0", personaID, userID, db.TopicStatusArchived).
		Order("created_at DESC").
		Limit(limit).
		Find(&topics).Error
	return topics, errors.Wrap(err, "list recent topics")
}

// ListTopics returns every non-deleted topic of a pair, newest first.
func (s *Store) ListTopics(ctx context.Context, personaID, userID string) ([]db.Topic, error) {
	var topics []db.Topic
	err := s.db.WithContext(ctx).
		Where("persona_id = ? AND user_id = ? AND status <> ?", personaID, userID, db.TopicStatusDeleted).
		Order("updated_at DESC").
		Find(&topics).Error
	return topics, errors.Wrap(err, "list topics")
}

// TopicTurns returns the turns archived under a topic, oldest first.
func (s *Store) TopicTurns(ctx context.Context, topicID string) ([]db.Turn, error) {
	var turns []db.Turn
	err := s.db.WithContext(ctx).Where("topic_id = ?", topicID).
		Order("created_at ASC, id ASC").Find(&turns).Error
	return turns, errors.Wrap(err, "list topic turns")
}

// CompressedTopic pairs a new topic with the turns it covers.
type CompressedTopic struct {
	Topic   *db.Topic
	TurnIDs []string
}

// SaveCompressedTopic stores a single compressed topic.
func (s *Store) SaveCompressedTopic(ctx context.Context, t *db.Topic, turnIDs []string) (int64, error) {
	return s.SaveCompressedTopics(ctx, []CompressedTopic{{Topic: t, TurnIDs: turnIDs}})
}

// SaveCompressedTopics creates archived topics and relabels their turns in
// one transaction. Only unarchived turns are relabeled. TurnCount is
// recomputed from storage afterwards, so turns claimed by a concurrent pass
// are never counted twice; a topic left with no turns is marked deleted.
func (s *Store) SaveCompressedTopics(ctx context.Context, topics []CompressedTopic) (int64, error) {
	var moved int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ct := range topics {
			t := ct.Topic
			if t.ID == "" {
				t.ID = uuid.New().String()
			}
			if t.Status == "" {
				t.Status = db.TopicStatusArchived
			}
			if err := tx.Create(t).Error; err != nil {
				return errors.Wrap(err, "create topic")
			}
			n, err := archiveTurns(tx, t.ID, ct.TurnIDs)
			if err != nil {
				return errors.Wrap(err, "archive turns")
			}
			moved += n

			var count int64
			if err := tx.Model(&db.Turn{}).Where("topic_id = ?", t.ID).Count(&count).Error; err != nil {
				return errors.Wrap(err, "count topic turns")
			}
			t.TurnCount = int(count)
			if count == 0 {
				t.Status = db.TopicStatusDeleted
			}
			err = tx.Model(t).Updates(map[string]interface{}{
				"turn_count": t.TurnCount,
				"status":     t.Status,
			}).Error
			if err != nil {
				return errors.Wrap(err, "update turn count")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}
