package service

import (
	"context"

	"github.com/choraleia/persona/pkg/assembler"
	"github.com/choraleia/persona/pkg/event"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/memory"
	"github.com/choraleia/persona/pkg/mind"
	"github.com/choraleia/persona/pkg/persona"
)

// Session is the per-persona runtime shared by all of its conversations.
type Session struct {
	Config     *persona.Config
	Expressive *llm.Client
	Reflective *llm.Client
	Memory     *memory.Engine
	Assembler  *assembler.Assembler
	Mind       *mind.Mind
	Thresholds memory.Thresholds
}

// session returns the session of a persona, building it once per loaded
// config. A reloaded config (TTL expiry or invalidation) yields a new session.
func (s *ChatService) session(ctx context.Context, personaID string) (*Session, error) {
	cfg, err := s.personas.Load(ctx, personaID)
	if err != nil {
		return nil, err
	}
	s.sessionsMu.Lock()
	sess, ok := s.sessions[personaID]
	s.sessionsMu.Unlock()
	if ok && sess.Config == cfg {
		return sess, nil
	}

	v, err, _ := s.sessionFlight.Do(personaID, func() (interface{}, error) {
		s.sessionsMu.Lock()
		cur, ok := s.sessions[personaID]
		s.sessionsMu.Unlock()
		if ok && cur.Config == cfg {
			return cur, nil
		}
		sess, err := s.newSession(cfg)
		if err != nil {
			return nil, err
		}
		s.sessionsMu.Lock()
		s.sessions[personaID] = sess
		s.sessionsMu.Unlock()
		s.logger.Info("Persona session initialized",
			"personaID", personaID,
			"expressiveModel", cfg.Expressive.Model,
			"reflectiveModel", cfg.Reflective.Model,
			"contextSize", cfg.ContextSize)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (s *ChatService) newSession(cfg *persona.Config) (*Session, error) {
	opts := append([]llm.Option{llm.WithLogger(s.logger)}, s.clientOpts...)
	expressive, reflective, err := cfg.Clients(opts...)
	if err != nil {
		return nil, err
	}

	engine := memory.NewEngine(s.store, s.estimator, s.turnCache, s.logger)
	engine.OnCompressed = s.onCompressed

	m := mind.New(reflective, s.logger)

	asm := assembler.New(s.store, assembler.Options{
		Estimator:     engine.Estimator(),
		HistoryBudget: cfg.ContextSize - cfg.Expressive.MaxTokens,
	}, s.logger)

	return &Session{
		Config:     cfg,
		Expressive: expressive,
		Reflective: reflective,
		Memory:     engine,
		Assembler:  asm,
		Mind:       m,
		Thresholds: memory.Thresholds{
			ContextSize:    cfg.ContextSize,
			ThresholdRatio: cfg.ThresholdRatio,
			MinTurns:       s.cfg.MinTurns(),
		},
	}, nil
}

// Invalidate drops the cached config and session of a persona.
func (s *ChatService) Invalidate(personaID string) {
	s.personas.Invalidate(personaID)
}

func (s *ChatService) dropSession(personaID string) {
	s.sessionsMu.Lock()
	delete(s.sessions, personaID)
	s.sessionsMu.Unlock()
	s.events.Emit(event.PersonaInvalidatedEvent{PersonaID: personaID})
}

func (s *ChatService) onCompressed(personaID, userID string, res *memory.Result) {
	ids := make([]string, 0, len(res.Topics))
	for _, t := range res.Topics {
		ids = append(ids, t.ID)
	}
	s.events.Emit(event.TopicCompressedEvent{
		PersonaID:     personaID,
		UserID:        userID,
		TopicIDs:      ids,
		ArchivedTurns: res.Archived,
		Fallback:      res.Fallback,
	})
	if res.ProfileUpdated {
		s.events.Emit(event.ProfileUpdatedEvent{PersonaID: personaID, UserID: userID})
	}
}
