// Database models for skills and their tools
package db

import "time"

// Skill is an externally defined capability run in a sandboxed subprocess.
type Skill struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	Name        string    `json:"name" gorm:"size:100;not null;uniqueIndex"`
	Description string    `json:"description" gorm:"type:text"`
	Runtime     string    `json:"runtime" gorm:"size:20"` // node, python, exec
	EntryPath   string    `json:"entry_path" gorm:"size:500;not null"`
	Config      JSONMap   `json:"config,omitempty" gorm:"type:text"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Skill) TableName() string {
	return "skills"
}

// SkillTool is one callable function exposed by a skill.
type SkillTool struct {
	ID          string  `json:"id" gorm:"primaryKey;size:36"`
	SkillID     string  `json:"skill_id" gorm:"index;size:36;not null"`
	Name        string  `json:"name" gorm:"size:100;not null"`
	Description string  `json:"description" gorm:"type:text"`
	Parameters  JSONMap `json:"parameters,omitempty" gorm:"type:text"` // JSON schema
}

func (SkillTool) TableName() string {
	return "skill_tools"
}

// PersonaSkill enables a skill for a persona.
type PersonaSkill struct {
	PersonaID string `json:"persona_id" gorm:"primaryKey;size:36"`
	SkillID   string `json:"skill_id" gorm:"primaryKey;size:36"`
	Enabled   bool   `json:"enabled"`
}

func (PersonaSkill) TableName() string {
	return "persona_skill"
}
