// Database models for user profiles
package db

import "time"

// UserProfile is what a persona knows about a user.
type UserProfile struct {
	PersonaID     string    `json:"persona_id" gorm:"primaryKey;size:36"`
	UserID        string    `json:"user_id" gorm:"primaryKey;size:64"`
	PreferredName string    `json:"preferred_name,omitempty" gorm:"size:100"`
	Gender        string    `json:"gender,omitempty" gorm:"size:20"`
	Age           string    `json:"age,omitempty" gorm:"size:20"`
	Occupation    string    `json:"occupation,omitempty" gorm:"size:100"`
	Location      string    `json:"location,omitempty" gorm:"size:100"`
	Background    string    `json:"background,omitempty" gorm:"type:text"`
	Notes         string    `json:"notes,omitempty" gorm:"type:text"`
	NudgeCount    int       `json:"nudge_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (UserProfile) TableName() string {
	return "user_profiles"
}

// Profile attributes the assistant may ask about, in nudge rotation order.
var ProfileAttributes = []string{"preferred_name", "occupation", "location", "age", "gender"}

// Missing returns the nudge-able attributes that are still empty.
func (p *UserProfile) Missing() []string {
	var out []string
	for _, attr := range ProfileAttributes {
		if p.Get(attr) == "" {
			out = append(out, attr)
		}
	}
	return out
}

// Get returns an attribute by its JSON name.
func (p *UserProfile) Get(attr string) string {
	switch attr {
	case "preferred_name":
		return p.PreferredName
	case "gender":
		return p.Gender
	case "age":
		return p.Age
	case "occupation":
		return p.Occupation
	case "location":
		return p.Location
	}
	return ""
}

// Merge copies non-empty attributes into the profile and reports whether anything changed.
func (p *UserProfile) Merge(attrs map[string]string) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	for k, v := range attrs {
		switch k {
		case "preferred_name":
			set(&p.PreferredName, v)
		case "gender":
			set(&p.Gender, v)
		case "age":
			set(&p.Age, v)
		case "occupation":
			set(&p.Occupation, v)
		case "location":
			set(&p.Location, v)
		}
	}
	return changed
}

// AllModels lists every table for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Turn{}, &Topic{}, &Persona{}, &Soul{}, &Model{}, &Provider{},
		&Skill{}, &SkillTool{}, &PersonaSkill{}, &UserProfile{},
	}
}
