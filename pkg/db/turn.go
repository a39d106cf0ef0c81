// Database models for conversation turns
package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Turn roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one stored message between a user and a persona.
// TopicID is nil until a compression pass archives the turn.
type Turn struct {
	ID        string  `json:"id" gorm:"primaryKey;size:36"`
	PersonaID string  `json:"persona_id" gorm:"index:idx_turns_owner;size:36;not null"`
	UserID    string  `json:"user_id" gorm:"index:idx_turns_owner;size:64;not null"`
	TopicID   *string `json:"topic_id,omitempty" gorm:"index;size:36"`

	Role    string `json:"role" gorm:"size:20;not null"` // user, assistant, system
	Content string `json:"content" gorm:"type:text"`
	Model   string `json:"model,omitempty" gorm:"size:100"`

	TokensIn  int   `json:"tokens_in"`
	TokensOut int   `json:"tokens_out"`
	LatencyMs int64 `json:"latency_ms"`

	ToolCalls      ToolCallLog `json:"tool_calls,omitempty" gorm:"type:text"`
	SelfReflection *InnerVoice `json:"self_reflection,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (Turn) TableName() string {
	return "turns"
}

// Archived reports whether a compression pass has assigned the turn to a topic.
func (t *Turn) Archived() bool {
	return t.TopicID != nil && *t.TopicID != ""
}

// ToolCallRecord is one executed tool call kept in the assistant turn ledger.
type ToolCallRecord struct {
	Round     int    `json:"round"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// ToolCallLog is stored as a JSON array
type ToolCallLog []ToolCallRecord

// Value implements driver.Valuer for ToolCallLog
func (l ToolCallLog) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for ToolCallLog
func (l *ToolCallLog) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	return scanJSON(value, l)
}

// Reflection dimensions and their weights in the overall score.
const (
	DimValueAlignment    = "value_alignment"
	DimBehaviorAdherence = "behavior_adherence"
	DimTabooAvoidance    = "taboo_avoidance"
	DimTone              = "tone"
)

// InnerVoice is the self-reflection record attached to an assistant turn.
type InnerVoice struct {
	Score      float64            `json:"score"`
	Dimensions map[string]float64 `json:"dimensions"`
	Rationale  string             `json:"rationale,omitempty"`
	Advice     string             `json:"advice,omitempty"`
	Monologue  string             `json:"monologue,omitempty"`
	Neutral    bool               `json:"neutral,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Value implements driver.Valuer for InnerVoice
func (v InnerVoice) Value() (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for InnerVoice
func (v *InnerVoice) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return scanJSON(value, v)
}
