// Package memory stores conversation turns and compacts old turns into
// summarized topics when the working window grows past its token budget.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/store"
	"github.com/choraleia/persona/pkg/utils"
)

// Store is the persistence the engine needs.
type Store interface {
	CreateTurn(ctx context.Context, t *db.Turn) error
	UnarchivedTurns(ctx context.Context, personaID, userID string) ([]db.Turn, error)
	RecentTurns(ctx context.Context, personaID, userID string, limit int) ([]db.Turn, error)
	SaveCompressedTopics(ctx context.Context, topics []store.CompressedTopic) (int64, error)
	MergeProfile(ctx context.Context, personaID, userID string, attrs map[string]string) (bool, error)
}

// Completer issues non-streaming model calls.
type Completer interface {
	CallWithRetry(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Result reports a compression pass.
type Result struct {
	Decision       Decision
	Skipped        bool
	Fallback       bool
	Topics         []db.Topic
	Archived       int64
	ProfileUpdated bool
}

// Engine is the memory of one persona.
type Engine struct {
	store     Store
	estimator Estimator
	cache     *TurnCache
	logger    *slog.Logger
	flight    singleflight.Group

	// OnCompressed is called after a pass archived turns.
	OnCompressed func(personaID, userID string, res *Result)
}

// NewEngine builds an engine. A nil estimator uses HeuristicEstimator and a
// nil cache disables caching.
func NewEngine(s Store, estimator Estimator, cache *TurnCache, logger *slog.Logger) *Engine {
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	return &Engine{
		store:     s,
		estimator: estimator,
		cache:     cache,
		logger:    utils.OrDiscard(logger),
	}
}

// Estimator returns the token estimator in use.
func (e *Engine) Estimator() Estimator {
	return e.estimator
}

// AppendTurn persists a new turn and records it in the cache.
func (e *Engine) AppendTurn(ctx context.Context, t *db.Turn) error {
	if err := e.store.CreateTurn(ctx, t); err != nil {
		return err
	}
	if e.cache != nil {
		e.cache.Append(CacheKey(t.PersonaID, t.UserID), *t)
	}
	return nil
}

// RecentTurns returns up to n newest turns of a conversation, oldest first.
func (e *Engine) RecentTurns(ctx context.Context, personaID, userID string, n int) ([]db.Turn, error) {
	key := CacheKey(personaID, userID)
	if e.cache != nil {
		if turns, ok := e.cache.Recent(key, n); ok {
			return turns, nil
		}
	}
	limit := n
	if e.cache != nil && e.cache.Capacity() > limit {
		limit = e.cache.Capacity()
	}
	turns, err := e.store.RecentTurns(ctx, personaID, userID, limit)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Seed(key, turns)
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

// UnarchivedTurns returns the working window of a conversation, oldest first.
func (e *Engine) UnarchivedTurns(ctx context.Context, personaID, userID string) ([]db.Turn, error) {
	return e.store.UnarchivedTurns(ctx, personaID, userID)
}

// Thresholds configure when a conversation is compressed.
type Thresholds struct {
	ContextSize    int
	ThresholdRatio float64
	MinTurns       int
}

// Decision is the outcome of a compression check.
type Decision struct {
	Compress        bool
	Reason          string
	UnarchivedTurns int
	EstimatedTokens int
	TokenThreshold  int
}

// Decide applies the compression rule to a set of unarchived turns: compress
// iff there are at least MinTurns turns and their estimate reaches
// ContextSize*ThresholdRatio.
func Decide(e Estimator, turns []db.Turn, th Thresholds) Decision {
	d := Decision{
		UnarchivedTurns: len(turns),
		TokenThreshold:  int(float64(th.ContextSize) * th.ThresholdRatio),
	}
	if len(turns) < th.MinTurns {
		d.Reason = fmt.Sprintf("unarchived turns %d < min turns %d", len(turns), th.MinTurns)
		return d
	}
	d.EstimatedTokens = EstimateTurns(e, turns)
	if d.EstimatedTokens >= d.TokenThreshold {
		d.Compress = true
		d.Reason = fmt.Sprintf("estimated tokens %d >= threshold %d (context %d x ratio %.2f) with %d unarchived turns",
			d.EstimatedTokens, d.TokenThreshold, th.ContextSize, th.ThresholdRatio, len(turns))
		return d
	}
	d.Reason = fmt.Sprintf("estimated tokens %d < threshold %d (context %d x ratio %.2f)",
		d.EstimatedTokens, d.TokenThreshold, th.ContextSize, th.ThresholdRatio)
	return d
}

// ShouldCompress loads the working window and applies Decide.
func (e *Engine) ShouldCompress(ctx context.Context, personaID, userID string, th Thresholds) (Decision, error) {
	turns, err := e.store.UnarchivedTurns(ctx, personaID, userID)
	if err != nil {
		return Decision{}, err
	}
	return Decide(e.estimator, turns, th), nil
}

// Compress runs a compression pass when the thresholds are reached.
// Concurrent passes for the same conversation share one execution.
func (e *Engine) Compress(ctx context.Context, personaID, userID string, model Completer, th Thresholds) (*Result, error) {
	v, err, _ := e.flight.Do(CacheKey(personaID, userID), func() (interface{}, error) {
		return e.compress(ctx, personaID, userID, model, th)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}
