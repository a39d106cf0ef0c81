package event

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	TopicCompressed    = "topic.compressed"
	TopicActivated     = "topic.activated"
	TopicRetitled      = "topic.retitled"
	TurnReflected      = "turn.reflected"
	ProfileUpdated     = "profile.updated"
	PersonaInvalidated = "persona.invalidated"
)

// ============================================================================
// Memory Events
// ============================================================================

// TopicCompressedEvent is emitted when a compression pass archived turns.
type TopicCompressedEvent struct {
	PersonaID     string   `json:"personaId"`
	UserID        string   `json:"userId"`
	TopicIDs      []string `json:"topicIds"`
	ArchivedTurns int64    `json:"archivedTurns"`
	Fallback      bool     `json:"fallback,omitempty"`
}

func (e TopicCompressedEvent) EventName() string { return TopicCompressed }

func (e TopicCompressedEvent) Scope() (string, string) { return e.PersonaID, e.UserID }

// ProfileUpdatedEvent is emitted when extracted attributes changed a profile.
type ProfileUpdatedEvent struct {
	PersonaID string `json:"personaId"`
	UserID    string `json:"userId"`
}

func (e ProfileUpdatedEvent) EventName() string { return ProfileUpdated }

func (e ProfileUpdatedEvent) Scope() (string, string) { return e.PersonaID, e.UserID }

// ============================================================================
// Topic Events
// ============================================================================

// TopicActivatedEvent is emitted when a conversation gets a new active topic.
type TopicActivatedEvent struct {
	PersonaID string `json:"personaId"`
	UserID    string `json:"userId"`
	TopicID   string `json:"topicId"`
	Title     string `json:"title"`
}

func (e TopicActivatedEvent) EventName() string { return TopicActivated }

func (e TopicActivatedEvent) Scope() (string, string) { return e.PersonaID, e.UserID }

// TopicRetitledEvent is emitted after the active topic label was refreshed.
type TopicRetitledEvent struct {
	PersonaID string `json:"personaId"`
	UserID    string `json:"userId"`
	TopicID   string `json:"topicId"`
	Title     string `json:"title"`
}

func (e TopicRetitledEvent) EventName() string { return TopicRetitled }

func (e TopicRetitledEvent) Scope() (string, string) { return e.PersonaID, e.UserID }

// ============================================================================
// Reflection Events
// ============================================================================

// TurnReflectedEvent is emitted when a self-reflection was stored on a turn.
type TurnReflectedEvent struct {
	PersonaID string  `json:"personaId"`
	UserID    string  `json:"userId"`
	TurnID    string  `json:"turnId"`
	Score     float64 `json:"score"`
	Neutral   bool    `json:"neutral,omitempty"`
}

func (e TurnReflectedEvent) EventName() string { return TurnReflected }

func (e TurnReflectedEvent) Scope() (string, string) { return e.PersonaID, e.UserID }

// ============================================================================
// Persona Events
// ============================================================================

// PersonaInvalidatedEvent is emitted when a persona's cached config was dropped.
type PersonaInvalidatedEvent struct {
	PersonaID string `json:"personaId"`
}

func (e PersonaInvalidatedEvent) EventName() string { return PersonaInvalidated }

func (e PersonaInvalidatedEvent) Scope() (string, string) { return e.PersonaID, "" }
