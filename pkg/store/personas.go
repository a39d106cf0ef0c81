package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/choraleia/persona/pkg/db"
)

// GetPersona loads a persona by id.
func (s *Store) GetPersona(ctx context.Context, id string) (*db.Persona, error) {
	var p db.Persona
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// GetSoul loads the soul of a persona.
func (s *Store) GetSoul(ctx context.Context, personaID string) (*db.Soul, error) {
	var soul db.Soul
	if err := s.db.WithContext(ctx).First(&soul, "persona_id = ?", personaID).Error; err != nil {
		return nil, notFound(err)
	}
	return &soul, nil
}

// GetModel loads a model binding by id.
func (s *Store) GetModel(ctx context.Context, id string) (*db.Model, error) {
	var m db.Model
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// GetProvider loads a provider by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*db.Provider, error) {
	var p db.Provider
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// SavePersona upserts a persona with its soul. Used by seeding and tests.
func (s *Store) SavePersona(ctx context.Context, p *db.Persona, soul *db.Soul) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(p).Error; err != nil {
			return errors.Wrap(err, "save persona")
		}
		if soul == nil {
			return nil
		}
		if soul.ID == "" {
			soul.ID = uuid.New().String()
		}
		soul.PersonaID = p.ID
		return errors.Wrap(tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "persona_id"}},
			UpdateAll: true,
		}).Create(soul).Error, "save soul")
	})
}

// SaveModel upserts a model binding together with its provider.
func (s *Store) SaveModel(ctx context.Context, m *db.Model, p *db.Provider) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p != nil {
			if p.ID == "" {
				p.ID = uuid.New().String()
			}
			if err := tx.Save(p).Error; err != nil {
				return errors.Wrap(err, "save provider")
			}
			m.ProviderID = p.ID
		}
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		return errors.Wrap(tx.Save(m).Error, "save model")
	})
}
