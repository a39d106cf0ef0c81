// Database models for conversation topics
package db

import "time"

// Topic is a retrospective label over a contiguous run of archived turns.
// At most one topic per (persona, user) is active at a time.
type Topic struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	PersonaID   string    `json:"persona_id" gorm:"index:idx_topics_owner;size:36;not null"`
	UserID      string    `json:"user_id" gorm:"index:idx_topics_owner;size:64;not null"`
	Title       string    `json:"title" gorm:"size:200"`
	Description string    `json:"description" gorm:"type:text"`
	Category    string    `json:"category,omitempty" gorm:"size:50"`
	Status      string    `json:"status" gorm:"size:20;default:'active';index"` // active, archived, deleted
	TurnCount   int       `json:"turn_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Topic) TableName() string {
	return "topics"
}

// Topic status
const (
	TopicStatusActive   = "active"
	TopicStatusArchived = "archived"
	TopicStatusDeleted  = "deleted"
)
