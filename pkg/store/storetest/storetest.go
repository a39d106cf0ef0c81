// Package storetest opens isolated in-memory stores for tests.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/store"
)

// New returns a migrated store backed by a private in-memory sqlite database.
func New(t testing.TB) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	s, err := store.Open("sqlite", dsn, nil)
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Seed holds the ids created by SeedPersona.
type Seed struct {
	Persona  *db.Persona
	Soul     *db.Soul
	Model    *db.Model
	Provider *db.Provider
}

// SeedPersona stores a persona bound to a model on baseURL.
func SeedPersona(t testing.TB, s *store.Store, baseURL string) Seed {
	t.Helper()
	ctx := context.Background()
	prov := &db.Provider{Name: "test", BaseURL: baseURL, APIKey: "sk-test"}
	model := &db.Model{Name: "test-model", ContextSize: 8000, MaxTokens: 512, Temperature: 0.7}
	require.NoError(t, s.SaveModel(ctx, model, prov))

	p := &db.Persona{
		Name:              "Ada",
		Description:       "A patient mathematics tutor.",
		PromptTemplate:    "You are {{name}}. {{description}}",
		ExpressiveModelID: model.ID,
		CompressionRatio:  0.7,
	}
	soul := &db.Soul{
		CoreValues:    db.StringArray{"honesty", "curiosity"},
		Guidelines:    db.StringArray{"explain step by step"},
		Taboos:        db.StringArray{"never mock the learner"},
		Tone:          "warm",
		SpeakingStyle: "short sentences",
	}
	require.NoError(t, s.SavePersona(ctx, p, soul))
	return Seed{Persona: p, Soul: soul, Model: model, Provider: prov}
}
