// Package assembler builds the system prompt and message list for a turn.
//
// Blocks are emitted in a fixed order: persona template, soul, skill catalog,
// prior topics, self-reflection, profile nudge. Later blocks steer the model
// more strongly, so the order must not change. The conversation history
// follows, oldest first, and the current user message is always last.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/memory"
	"github.com/choraleia/persona/pkg/skills"
	"github.com/choraleia/persona/pkg/utils"
)

// Block names, in assembly order.
const (
	BlockTemplate   = "template"
	BlockSoul       = "soul"
	BlockSkills     = "skills"
	BlockTopics     = "topics"
	BlockReflection = "reflection"
	BlockNudge      = "nudge"
)

// Store is the state the assembler reads.
type Store interface {
	UnarchivedTurns(ctx context.Context, personaID, userID string) ([]db.Turn, error)
	RecentTopics(ctx context.Context, personaID, userID string, limit int) ([]db.Topic, error)
	RecentReflections(ctx context.Context, personaID, userID string, n int) ([]db.InnerVoice, error)
	GetProfile(ctx context.Context, personaID, userID string) (*db.UserProfile, error)
	IncrementNudge(ctx context.Context, personaID, userID string) (int, error)
}

// Options tune the assembler.
type Options struct {
	TopicLimit       int
	ReflectionWindow int
	// NudgeEvery gates the profile nudge to every n-th user turn.
	NudgeEvery int
	// DeclineThreshold is the average score drop that triggers advice.
	DeclineThreshold float64
	// HistoryBudget caps the estimated tokens of the history; 0 disables it.
	HistoryBudget int
	Estimator     memory.Estimator
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if o.TopicLimit <= 0 {
		o.TopicLimit = 5
	}
	if o.ReflectionWindow <= 0 {
		o.ReflectionWindow = 5
	}
	if o.NudgeEvery <= 0 {
		o.NudgeEvery = 3
	}
	if o.DeclineThreshold <= 0 {
		o.DeclineThreshold = 1.0
	}
	if o.Estimator == nil {
		o.Estimator = memory.HeuristicEstimator{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// BuildInput describes the turn being answered.
type BuildInput struct {
	Persona *db.Persona
	Soul    *db.Soul
	Catalog []skills.CatalogEntry
	UserID  string
	// CurrentTurnID is the already stored user turn, excluded from history.
	CurrentTurnID string
	UserMessage   string
	// TurnNumber is the 1-based count of user turns in the conversation.
	TurnNumber int
}

// Block is one named section of the system prompt.
type Block struct {
	Name string
	Text string
}

// Context is the assembled request.
type Context struct {
	SystemPrompt string
	Blocks       []Block
	// Messages starts with the system message and ends with the user message.
	Messages []*schema.Message
	// History is the number of prior turns included.
	History int
	// Nudged is the profile attribute surfaced this turn, if any.
	Nudged string
}

// Assembler composes prompts from stored state.
type Assembler struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

func New(s Store, opts Options, logger *slog.Logger) *Assembler {
	opts.setDefaults()
	return &Assembler{store: s, opts: opts, logger: utils.OrDiscard(logger)}
}

// Build assembles the context of one turn.
func (a *Assembler) Build(ctx context.Context, in BuildInput) (*Context, error) {
	if in.Persona == nil {
		return nil, fmt.Errorf("build context: persona is required")
	}
	personaID := in.Persona.ID

	profile, err := a.store.GetProfile(ctx, personaID, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	out := &Context{}
	add := func(name, text string) {
		if text = strings.TrimSpace(text); text != "" {
			out.Blocks = append(out.Blocks, Block{Name: name, Text: text})
		}
	}

	add(BlockTemplate, a.renderTemplate(in.Persona, profile))
	add(BlockSoul, soulBlock(in.Soul))
	add(BlockSkills, catalogBlock(in.Catalog))

	topics, err := a.store.RecentTopics(ctx, personaID, in.UserID, a.opts.TopicLimit)
	if err != nil {
		return nil, fmt.Errorf("load topics: %w", err)
	}
	add(BlockTopics, topicsBlock(topics))

	reflections, err := a.store.RecentReflections(ctx, personaID, in.UserID, a.opts.ReflectionWindow)
	if err != nil {
		return nil, fmt.Errorf("load reflections: %w", err)
	}
	add(BlockReflection, reflectionBlock(reflections, a.opts.DeclineThreshold))

	if attr := a.nudge(ctx, personaID, in.UserID, in.TurnNumber, profile); attr != "" {
		out.Nudged = attr
		add(BlockNudge, nudgeBlock(attr))
	}

	parts := make([]string, len(out.Blocks))
	for i, b := range out.Blocks {
		parts[i] = b.Text
	}
	out.SystemPrompt = strings.Join(parts, "\n\n")

	turns, err := a.store.UnarchivedTurns(ctx, personaID, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]db.Turn, 0, len(turns))
	for _, t := range turns {
		if t.ID == in.CurrentTurnID || t.Role == db.RoleSystem {
			continue
		}
		history = append(history, t)
	}
	history = a.fitHistory(history, out.SystemPrompt, in.UserMessage)
	out.History = len(history)

	out.Messages = make([]*schema.Message, 0, len(history)+2)
	out.Messages = append(out.Messages, schema.SystemMessage(out.SystemPrompt))
	out.Messages = append(out.Messages, memory.TurnsToMessages(history)...)
	out.Messages = append(out.Messages, schema.UserMessage(in.UserMessage))
	return out, nil
}

// fitHistory drops the oldest turns until the request fits HistoryBudget.
func (a *Assembler) fitHistory(history []db.Turn, system, user string) []db.Turn {
	if a.opts.HistoryBudget <= 0 {
		return history
	}
	fixed := a.opts.Estimator.EstimateMessages([]*schema.Message{
		schema.SystemMessage(system), schema.UserMessage(user),
	})
	budget := a.opts.HistoryBudget - fixed
	total := memory.EstimateTurns(a.opts.Estimator, history)
	dropped := 0
	for total > budget && dropped < len(history) {
		total -= memory.EstimateTurns(a.opts.Estimator, history[dropped:dropped+1])
		dropped++
	}
	if dropped > 0 {
		a.logger.Warn("History trimmed to fit context", "dropped", dropped, "kept", len(history)-dropped)
	}
	return history[dropped:]
}

// nudge picks at most one missing attribute, only every NudgeEvery-th turn,
// rotating through the missing attributes with the stored counter.
func (a *Assembler) nudge(ctx context.Context, personaID, userID string, turn int, p *db.UserProfile) string {
	if turn <= 0 || turn%a.opts.NudgeEvery != 0 {
		return ""
	}
	missing := p.Missing()
	if len(missing) == 0 {
		return ""
	}
	attr := missing[p.NudgeCount%len(missing)]
	if _, err := a.store.IncrementNudge(ctx, personaID, userID); err != nil {
		a.logger.Warn("Failed to advance nudge rotation", "personaID", personaID, "userID", userID, "error", err)
	}
	return attr
}

func (a *Assembler) renderTemplate(p *db.Persona, profile *db.UserProfile) string {
	tmpl := p.PromptTemplate
	if strings.TrimSpace(tmpl) == "" {
		tmpl = "You are {{name}}. {{description}}"
	}
	user := "the user"
	if profile != nil && profile.PreferredName != "" {
		user = profile.PreferredName
	}
	return strings.NewReplacer(
		"{{name}}", p.Name,
		"{{description}}", p.Description,
		"{{user}}", user,
		"{{date}}", a.opts.Now().Format("2006-01-02"),
	).Replace(tmpl)
}
