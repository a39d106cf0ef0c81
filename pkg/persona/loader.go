// Package persona loads persona configurations and caches them with a TTL.
package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/store"
	"github.com/choraleia/persona/pkg/utils"
)

var (
	// ErrPersonaNotFound is returned for unknown persona ids.
	ErrPersonaNotFound = errors.New("persona not found")
	// ErrInvalidConfig is returned when a persona's model bindings are incomplete.
	ErrInvalidConfig = errors.New("invalid persona config")
)

// DefaultContextSize is used when neither the persona nor its model set one.
const DefaultContextSize = 8192

// Store is the persistence the loader reads.
type Store interface {
	GetPersona(ctx context.Context, id string) (*db.Persona, error)
	GetSoul(ctx context.Context, personaID string) (*db.Soul, error)
	GetModel(ctx context.Context, id string) (*db.Model, error)
	GetProvider(ctx context.Context, id string) (*db.Provider, error)
}

// Config is everything needed to run a persona.
type Config struct {
	Persona    *db.Persona
	Soul       *db.Soul
	Expressive llm.ModelConfig
	// Reflective equals Expressive when the persona has no reflective model.
	Reflective     llm.ModelConfig
	ContextSize    int
	ThresholdRatio float64
	LoadedAt       time.Time
}

// Options tune the loader.
type Options struct {
	TTL            time.Duration
	Size           int
	ThresholdRatio float64
}

// Loader resolves persona configs through a TTL cache.
type Loader struct {
	store  Store
	opts   Options
	cache  *expirable.LRU[string, *Config]
	flight singleflight.Group
	logger *slog.Logger

	// OnInvalidate is called after an explicit invalidation.
	OnInvalidate func(personaID string)
}

func NewLoader(s Store, opts Options, logger *slog.Logger) *Loader {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Size <= 0 {
		opts.Size = 256
	}
	if opts.ThresholdRatio <= 0 || opts.ThresholdRatio > 1 {
		opts.ThresholdRatio = 0.7
	}
	return &Loader{
		store:  s,
		opts:   opts,
		cache:  expirable.NewLRU[string, *Config](opts.Size, nil, opts.TTL),
		logger: utils.OrDiscard(logger),
	}
}

// Load returns the config of a persona, from cache when fresh.
func (l *Loader) Load(ctx context.Context, personaID string) (*Config, error) {
	if cfg, ok := l.cache.Get(personaID); ok {
		return cfg, nil
	}
	v, err, _ := l.flight.Do(personaID, func() (interface{}, error) {
		cfg, err := l.load(ctx, personaID)
		if err != nil {
			return nil, err
		}
		l.cache.Add(personaID, cfg)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Config), nil
}

// Invalidate drops the cached config of a persona.
func (l *Loader) Invalidate(personaID string) {
	l.cache.Remove(personaID)
	l.logger.Info("Persona config invalidated", "personaID", personaID)
	if l.OnInvalidate != nil {
		l.OnInvalidate(personaID)
	}
}

func (l *Loader) load(ctx context.Context, personaID string) (*Config, error) {
	p, err := l.store.GetPersona(ctx, personaID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPersonaNotFound, personaID)
	}
	if err != nil {
		return nil, fmt.Errorf("load persona %s: %w", personaID, err)
	}

	soul, err := l.store.GetSoul(ctx, personaID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		soul = &db.Soul{PersonaID: personaID}
	case err != nil:
		return nil, fmt.Errorf("load soul of persona %s: %w", personaID, err)
	}

	if p.ExpressiveModelID == "" {
		return nil, fmt.Errorf("%w: persona %s has no expressive model", ErrInvalidConfig, personaID)
	}
	expressive, err := l.modelConfig(ctx, p.ExpressiveModelID)
	if err != nil {
		return nil, fmt.Errorf("expressive model of persona %s: %w", personaID, err)
	}
	reflective := expressive
	if p.ReflectiveModelID != nil && *p.ReflectiveModelID != "" {
		reflective, err = l.modelConfig(ctx, *p.ReflectiveModelID)
		if err != nil {
			return nil, fmt.Errorf("reflective model of persona %s: %w", personaID, err)
		}
	}

	cfg := &Config{
		Persona:        p,
		Soul:           soul,
		Expressive:     expressive,
		Reflective:     reflective,
		ContextSize:    p.ContextSize,
		ThresholdRatio: p.CompressionRatio,
		LoadedAt:       time.Now(),
	}
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = expressive.ContextSize
	}
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = DefaultContextSize
	}
	if cfg.ThresholdRatio <= 0 || cfg.ThresholdRatio > 1 {
		cfg.ThresholdRatio = l.opts.ThresholdRatio
	}
	l.logger.Debug("Persona config loaded",
		"personaID", personaID,
		"model", expressive.Model,
		"reflectiveModel", reflective.Model,
		"apiKey", utils.MaskSensitiveString(expressive.APIKey))
	return cfg, nil
}

func (l *Loader) modelConfig(ctx context.Context, modelID string) (llm.ModelConfig, error) {
	m, err := l.store.GetModel(ctx, modelID)
	if errors.Is(err, store.ErrNotFound) {
		return llm.ModelConfig{}, fmt.Errorf("%w: model %s not found", ErrInvalidConfig, modelID)
	}
	if err != nil {
		return llm.ModelConfig{}, err
	}
	prov, err := l.store.GetProvider(ctx, m.ProviderID)
	if errors.Is(err, store.ErrNotFound) {
		return llm.ModelConfig{}, fmt.Errorf("%w: provider %s of model %s not found", ErrInvalidConfig, m.ProviderID, modelID)
	}
	if err != nil {
		return llm.ModelConfig{}, err
	}
	mc := llm.ModelConfig{
		ModelID:     m.ID,
		Model:       m.Name,
		BaseURL:     prov.BaseURL,
		APIKey:      prov.APIKey,
		MaxTokens:   m.MaxTokens,
		Temperature: m.Temperature,
		ContextSize: m.ContextSize,
	}
	if err := mc.Validate(); err != nil {
		return llm.ModelConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return mc, nil
}

// Clients builds the expressive and reflective clients of a config.
func (c *Config) Clients(opts ...llm.Option) (expressive, reflective *llm.Client, err error) {
	expressive, err = llm.NewClient(c.Expressive, append(opts, llm.WithRole(llm.RoleExpressive))...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	reflective, err = llm.NewClient(c.Reflective, append(opts, llm.WithRole(llm.RoleReflective))...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return expressive, reflective, nil
}
