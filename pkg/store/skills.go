package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/choraleia/persona/pkg/db"
)

// EnabledSkills returns the skills enabled for a persona, ordered by name.
func (s *Store) EnabledSkills(ctx context.Context, personaID string) ([]db.Skill, error) {
	var skills []db.Skill
	err := s.db.WithContext(ctx).
		Joins("JOIN persona_skill ON persona_skill.skill_id = skills.id").
		Where("persona_skill.persona_id = ? AND persona_skill.enabled = ?", personaID, true).
		Order("skills.name ASC").
		Find(&skills).Error
	return skills, errors.Wrap(err, "list enabled skills")
}

// SkillTools returns the tools exposed by a skill, ordered by name.
func (s *Store) SkillTools(ctx context.Context, skillID string) ([]db.SkillTool, error) {
	var tools []db.SkillTool
	err := s.db.WithContext(ctx).Where("skill_id = ?", skillID).
		Order("name ASC").Find(&tools).Error
	return tools, errors.Wrap(err, "list skill tools")
}

// ListSkills returns every registered skill, ordered by name.
func (s *Store) ListSkills(ctx context.Context) ([]db.Skill, error) {
	var skills []db.Skill
	err := s.db.WithContext(ctx).Order("name ASC").Find(&skills).Error
	return skills, errors.Wrap(err, "list skills")
}

// GetSkillByName loads a skill by its unique name.
func (s *Store) GetSkillByName(ctx context.Context, name string) (*db.Skill, error) {
	var sk db.Skill
	if err := s.db.WithContext(ctx).First(&sk, "name = ?", name).Error; err != nil {
		return nil, notFound(err)
	}
	return &sk, nil
}

// UpsertSkill stores a skill and replaces its tool list. Tools keep their
// ids when a tool with the same name already exists, so tool names derived
// from ids stay stable across syncs.
func (s *Store) UpsertSkill(ctx context.Context, sk *db.Skill, tools []db.SkillTool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.Skill
		err := tx.First(&existing, "name = ?", sk.Name).Error
		switch {
		case err == nil:
			sk.ID = existing.ID
		case errors.Is(err, gorm.ErrRecordNotFound):
			if sk.ID == "" {
				sk.ID = uuid.New().String()
			}
		default:
			return errors.Wrap(err, "lookup skill")
		}
		if err := tx.Save(sk).Error; err != nil {
			return errors.Wrap(err, "save skill")
		}

		var old []db.SkillTool
		if err := tx.Where("skill_id = ?", sk.ID).Find(&old).Error; err != nil {
			return errors.Wrap(err, "load skill tools")
		}
		byName := make(map[string]string, len(old))
		for _, t := range old {
			byName[t.Name] = t.ID
		}
		keep := make([]string, 0, len(tools))
		for i := range tools {
			t := &tools[i]
			t.SkillID = sk.ID
			if id, ok := byName[t.Name]; ok {
				t.ID = id
			} else if t.ID == "" {
				t.ID = uuid.New().String()
			}
			if err := tx.Save(t).Error; err != nil {
				return errors.Wrapf(err, "save tool %s", t.Name)
			}
			keep = append(keep, t.ID)
		}
		q := tx.Where("skill_id = ?", sk.ID)
		if len(keep) > 0 {
			q = q.Where("id NOT IN ?", keep)
		}
		return errors.Wrap(q.Delete(&db.SkillTool{}).Error, "prune skill tools")
	})
}

// SetPersonaSkill enables or disables a skill for a persona.
func (s *Store) SetPersonaSkill(ctx context.Context, personaID, skillID string, enabled bool) error {
	ps := db.PersonaSkill{PersonaID: personaID, SkillID: skillID, Enabled: enabled}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "persona_id"}, {Name: "skill_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled"}),
	}).Create(&ps).Error
	return errors.Wrap(err, "set persona skill")
}
