// Database models for personas and their model bindings
package db

import "time"

// Persona is the configured expert character.
type Persona struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	Name           string `json:"name" gorm:"size:100;not null"`
	Description    string `json:"description" gorm:"type:text"`
	PromptTemplate string `json:"prompt_template" gorm:"type:text"`

	ExpressiveModelID string  `json:"expressive_model_id" gorm:"size:36"`
	ReflectiveModelID *string `json:"reflective_model_id,omitempty" gorm:"size:36"`

	// ContextSize is the token window of the expressive model; zero uses the model's own value.
	ContextSize      int     `json:"context_size"`
	CompressionRatio float64 `json:"compression_ratio"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Persona) TableName() string {
	return "persona"
}

// Soul holds the behavioral traits of a persona.
type Soul struct {
	ID            string      `json:"id" gorm:"primaryKey;size:36"`
	PersonaID     string      `json:"persona_id" gorm:"uniqueIndex;size:36;not null"`
	CoreValues    StringArray `json:"core_values" gorm:"type:text"`
	Guidelines    StringArray `json:"guidelines" gorm:"type:text"`
	Taboos        StringArray `json:"taboos" gorm:"type:text"`
	Tone          string      `json:"tone" gorm:"size:200"`
	SpeakingStyle string      `json:"speaking_style" gorm:"type:text"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (Soul) TableName() string {
	return "soul"
}

// Model is an LLM binding on a provider.
type Model struct {
	ID          string  `json:"id" gorm:"primaryKey;size:36"`
	ProviderID  string  `json:"provider_id" gorm:"size:36;not null"`
	Name        string  `json:"name" gorm:"size:100;not null"` // upstream model name
	ContextSize int     `json:"context_size"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

func (Model) TableName() string {
	return "model"
}

// Provider is an OpenAI-compatible endpoint.
type Provider struct {
	ID      string `json:"id" gorm:"primaryKey;size:36"`
	Name    string `json:"name" gorm:"size:100"`
	BaseURL string `json:"base_url" gorm:"size:500;not null"`
	APIKey  string `json:"-" gorm:"size:500"`
}

func (Provider) TableName() string {
	return "provider"
}
