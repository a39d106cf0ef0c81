// Package skills loads the skills enabled for a persona, exposes their tools
// to the model and runs tool calls in sandboxed subprocesses.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/utils"
)

// Store is the skill persistence the loader reads.
type Store interface {
	EnabledSkills(ctx context.Context, personaID string) ([]db.Skill, error)
	SkillTools(ctx context.Context, skillID string) ([]db.SkillTool, error)
}

// LoadedSkill is a skill together with its tools.
type LoadedSkill struct {
	Skill db.Skill
	Tools []db.SkillTool
}

type cachedSkill struct {
	updatedAt time.Time
	tools     []db.SkillTool
}

// Loader resolves enabled skills. Tool lists are cached per skill and
// reloaded when the skill's updated_at changes.
type Loader struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedSkill
}

func NewLoader(s Store, logger *slog.Logger) *Loader {
	return &Loader{
		store:  s,
		logger: utils.OrDiscard(logger),
		cache:  make(map[string]cachedSkill),
	}
}

// Load returns the enabled skills of a persona, ordered by name.
func (l *Loader) Load(ctx context.Context, personaID string) ([]LoadedSkill, error) {
	enabled, err := l.store.EnabledSkills(ctx, personaID)
	if err != nil {
		return nil, fmt.Errorf("load skills for persona %s: %w", personaID, err)
	}
	out := make([]LoadedSkill, 0, len(enabled))
	for _, sk := range enabled {
		tools, err := l.tools(ctx, sk)
		if err != nil {
			return nil, err
		}
		out = append(out, LoadedSkill{Skill: sk, Tools: tools})
	}
	l.logger.Debug("Skills loaded", "personaID", personaID, "count", len(out))
	return out, nil
}

func (l *Loader) tools(ctx context.Context, sk db.Skill) ([]db.SkillTool, error) {
	l.mu.Lock()
	c, ok := l.cache[sk.ID]
	l.mu.Unlock()
	if ok && c.updatedAt.Equal(sk.UpdatedAt) {
		return c.tools, nil
	}

	tools, err := l.store.SkillTools(ctx, sk.ID)
	if err != nil {
		return nil, fmt.Errorf("load tools of skill %s: %w", sk.Name, err)
	}
	l.mu.Lock()
	l.cache[sk.ID] = cachedSkill{updatedAt: sk.UpdatedAt, tools: tools}
	l.mu.Unlock()
	return tools, nil
}
