package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/choraleia/persona/pkg/db"
)

// GetProfile returns the profile of a pair; a missing row yields an empty profile.
func (s *Store) GetProfile(ctx context.Context, personaID, userID string) (*db.UserProfile, error) {
	var p db.UserProfile
	err := s.db.WithContext(ctx).First(&p, "persona_id = ? AND user_id = ?", personaID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &db.UserProfile{PersonaID: personaID, UserID: userID}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get profile")
	}
	return &p, nil
}

// SaveProfile upserts a profile.
func (s *Store) SaveProfile(ctx context.Context, p *db.UserProfile) error {
	return errors.Wrap(s.db.WithContext(ctx).Save(p).Error, "save profile")
}

// MergeProfile applies attrs to the stored profile in a transaction and
// reports whether anything changed.
func (s *Store) MergeProfile(ctx context.Context, personaID, userID string, attrs map[string]string) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := db.UserProfile{PersonaID: personaID, UserID: userID}
		err := tx.First(&p, "persona_id = ? AND user_id = ?", personaID, userID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !p.Merge(attrs) {
			return nil
		}
		changed = true
		return tx.Save(&p).Error
	})
	return changed, errors.Wrap(err, "merge profile")
}

// IncrementNudge bumps the nudge rotation counter and returns the new value.
func (s *Store) IncrementNudge(ctx context.Context, personaID, userID string) (int, error) {
	var n int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := db.UserProfile{PersonaID: personaID, UserID: userID}
		err := tx.First(&p, "persona_id = ? AND user_id = ?", personaID, userID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		p.NudgeCount++
		n = p.NudgeCount
		return tx.Save(&p).Error
	})
	return n, errors.Wrap(err, "increment nudge")
}
