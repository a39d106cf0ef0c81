// Package service runs conversation turns for personas: it persists the
// exchange, builds the prompt, drives the model through tool rounds and
// streams the result to the caller.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/choraleia/persona/pkg/assembler"
	"github.com/choraleia/persona/pkg/config"
	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/event"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/lock"
	"github.com/choraleia/persona/pkg/memory"
	"github.com/choraleia/persona/pkg/mind"
	"github.com/choraleia/persona/pkg/persona"
	"github.com/choraleia/persona/pkg/skills"
	"github.com/choraleia/persona/pkg/store"
	"github.com/choraleia/persona/pkg/utils"
)

var (
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrMissingUser          = errors.New("user id is required")
	ErrGenerationInProgress = errors.New("generation already in progress")
)

// backgroundTimeout bounds reflection, compression and retitling after a turn.
const backgroundTimeout = 5 * time.Minute

// TurnRequest is one inbound user message.
type TurnRequest struct {
	PersonaID string
	UserID    string
	Content   string
	// ModelOverride replaces the expressive model name for this turn.
	ModelOverride string
}

// Deps are the collaborators of a ChatService.
type Deps struct {
	Store     *store.Store
	Personas  *persona.Loader
	Skills    *skills.Loader
	Executor  skills.Executor
	Locker    lock.Locker
	TurnCache *memory.TurnCache
	Events    *event.Emitter
	Config    *config.AppConfig
	Logger    *slog.Logger
	// Estimator defaults to memory.HeuristicEstimator.
	Estimator memory.Estimator
	// ClientOptions are applied to every model client.
	ClientOptions []llm.Option
}

// ChatService handles persona chat turns
type ChatService struct {
	store      *store.Store
	personas   *persona.Loader
	skills     *skills.Loader
	executor   skills.Executor
	locker     lock.Locker
	turnCache  *memory.TurnCache
	events     *event.Emitter
	cfg        *config.AppConfig
	estimator  memory.Estimator
	clientOpts []llm.Option
	logger     *slog.Logger

	sessionsMu    sync.Mutex
	sessions      map[string]*Session
	sessionFlight singleflight.Group

	// Active streams keyed by conversation, for cancellation
	activeStreams sync.Map // memory.CacheKey -> context.CancelFunc

	background sync.WaitGroup
}

// NewChatService creates a new chat service
func NewChatService(d Deps) *ChatService {
	s := &ChatService{
		store:      d.Store,
		personas:   d.Personas,
		skills:     d.Skills,
		executor:   d.Executor,
		locker:     d.Locker,
		turnCache:  d.TurnCache,
		events:     d.Events,
		cfg:        d.Config,
		estimator:  d.Estimator,
		clientOpts: d.ClientOptions,
		logger:     utils.OrDiscard(d.Logger),
		sessions:   make(map[string]*Session),
	}
	if s.locker == nil {
		s.locker = lock.NewMemory()
	}
	if s.skills == nil {
		s.skills = skills.NewLoader(d.Store, s.logger)
	}
	if s.estimator == nil {
		s.estimator = memory.HeuristicEstimator{}
	}
	if s.personas != nil {
		prev := s.personas.OnInvalidate
		s.personas.OnInvalidate = func(personaID string) {
			if prev != nil {
				prev(personaID)
			}
			s.dropSession(personaID)
		}
	}
	return s
}

// StreamTurn validates the request, initializes the persona session and
// takes the conversation's generation lock, then runs the turn in the
// background. Configuration and lock failures are returned directly; every
// later failure arrives as a single error event. The channel is closed after
// the terminal event.
func (s *ChatService) StreamTurn(ctx context.Context, req TurnRequest) (<-chan *StreamEvent, error) {
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return nil, ErrEmptyMessage
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, ErrMissingUser
	}

	sess, err := s.session(ctx, req.PersonaID)
	if err != nil {
		return nil, err
	}
	expressive := sess.Expressive
	if req.ModelOverride != "" && req.ModelOverride != sess.Config.Expressive.Model {
		mc := sess.Config.Expressive
		mc.Model = req.ModelOverride
		opts := append([]llm.Option{llm.WithLogger(s.logger), llm.WithRole(llm.RoleExpressive)}, s.clientOpts...)
		if expressive, err = llm.NewClient(mc, opts...); err != nil {
			return nil, fmt.Errorf("%w: %v", persona.ErrInvalidConfig, err)
		}
	}

	key := memory.CacheKey(req.PersonaID, req.UserID)
	release, err := s.locker.TryLock(ctx, key)
	if errors.Is(err, lock.ErrBusy) {
		return nil, fmt.Errorf("%w for persona %s and user %s", ErrGenerationInProgress, req.PersonaID, req.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire generation lock: %w", err)
	}

	runCtx := ctx
	if !s.cfg.CancelOnDisconnect() {
		runCtx = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancel(runCtx)
	s.activeStreams.Store(key, cancel)

	events := make(chan *StreamEvent, 100)
	go func() {
		defer close(events)
		defer release()
		defer s.activeStreams.Delete(key)
		defer cancel()

		em := &emitter{ctx: ctx, ch: events}
		t := &turn{
			svc:        s,
			sess:       sess,
			expressive: expressive,
			req:        req,
			em:         em,
			started:    time.Now(),
		}
		if err := t.run(runCtx); err != nil {
			if runCtx.Err() != nil && s.cfg.CancelOnDisconnect() {
				s.logger.Info("Turn cancelled", "personaID", req.PersonaID, "userID", req.UserID, "error", err)
				return
			}
			s.logger.Error("Streaming turn error", "error", err, "personaID", req.PersonaID, "userID", req.UserID)
			em.emit(EventError, errorData(err))
		}
	}()

	return events, nil
}

// CancelStream stops the in-flight turn of a conversation, if any.
func (s *ChatService) CancelStream(personaID, userID string) bool {
	v, ok := s.activeStreams.Load(memory.CacheKey(personaID, userID))
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

// IsStreaming reports whether a conversation has an active turn.
func (s *ChatService) IsStreaming(personaID, userID string) bool {
	_, ok := s.activeStreams.Load(memory.CacheKey(personaID, userID))
	return ok
}

// Wait blocks until background work finished or ctx is done.
func (s *ChatService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compress runs a compression pass for one conversation using the persona's
// reflective model.
func (s *ChatService) Compress(ctx context.Context, personaID, userID string) (*memory.Result, error) {
	sess, err := s.session(ctx, personaID)
	if err != nil {
		return nil, err
	}
	return sess.Memory.Compress(ctx, personaID, userID, sess.Reflective, sess.Thresholds)
}

func (s *ChatService) goBackground(name string, fields []any, fn func(ctx context.Context) error) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("Background task failed", append([]any{"task", name, "error", err}, fields...)...)
		}
	}()
}

type loopState int

const (
	stateAwaitingModel loopState = iota
	stateExecutingTools
	stateTerminal
)

func (st loopState) String() string {
	switch st {
	case stateAwaitingModel:
		return "awaiting_model"
	case stateExecutingTools:
		return "executing_tools"
	default:
		return "terminal"
	}
}

// turn is the state of one in-flight exchange.
type turn struct {
	svc        *ChatService
	sess       *Session
	expressive *llm.Client
	req        TurnRequest
	em         *emitter
	started    time.Time

	userTurn  *db.Turn
	topic     *db.Topic
	messageID string
}

func (t *turn) run(ctx context.Context) error {
	s, sess, req := t.svc, t.sess, t.req
	p := sess.Config.Persona

	t.userTurn = &db.Turn{
		PersonaID: p.ID,
		UserID:    req.UserID,
		Role:      db.RoleUser,
		Content:   req.Content,
	}
	if err := sess.Memory.AppendTurn(ctx, t.userTurn); err != nil {
		return fmt.Errorf("persist user turn: %w", err)
	}

	topic, isNew, err := t.resolveTopic(ctx)
	if err != nil {
		return err
	}
	t.topic = topic
	t.messageID = uuid.New().String()
	t.em.emit(EventStart, StartData{MessageID: t.messageID, TopicID: topic.ID, IsNewTopic: isNew})

	if _, err := sess.Memory.Compress(ctx, p.ID, req.UserID, sess.Reflective, sess.Thresholds); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("Pre-turn compression failed", "personaID", p.ID, "userID", req.UserID, "error", err)
	}

	loaded, err := s.skills.Load(ctx, p.ID)
	if err != nil {
		return err
	}
	tools := skills.NewToolManager(loaded, s.executor, s.logger)

	userTurns, err := s.store.CountUserTurns(ctx, p.ID, req.UserID)
	if err != nil {
		return err
	}
	built, err := sess.Assembler.Build(ctx, assembler.BuildInput{
		Persona:       p,
		Soul:          sess.Config.Soul,
		Catalog:       tools.Catalog(),
		UserID:        req.UserID,
		CurrentTurnID: t.userTurn.ID,
		UserMessage:   req.Content,
		TurnNumber:    int(userTurns),
	})
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	out, err := t.loop(ctx, built.Messages, tools)
	if err != nil {
		return err
	}

	latency := time.Since(t.started)
	reply := &db.Turn{
		ID:        t.messageID,
		PersonaID: p.ID,
		UserID:    req.UserID,
		Role:      db.RoleAssistant,
		Content:   out.content,
		Model:     out.model,
		TokensIn:  out.usage.PromptTokens,
		TokensOut: out.usage.CompletionTokens,
		LatencyMs: latency.Milliseconds(),
		ToolCalls: ledgerLog(out.ledger),
	}
	if err := sess.Memory.AppendTurn(ctx, reply); err != nil {
		return fmt.Errorf("persist assistant turn: %w", err)
	}

	t.em.emit(EventComplete, CompleteData{
		MessageID: reply.ID,
		Content:   reply.Content,
		Usage:     out.usage,
		Model:     out.model,
		Rounds:    out.rounds,
		LatencyMs: reply.LatencyMs,
	})
	s.logger.Info("Turn completed",
		"personaID", p.ID,
		"userID", req.UserID,
		"messageID", reply.ID,
		"rounds", out.rounds,
		"toolCalls", len(out.ledger),
		"promptTokens", out.usage.PromptTokens,
		"completionTokens", out.usage.CompletionTokens,
		"latencyMs", reply.LatencyMs)

	t.afterTurn(reply)
	return nil
}

type loopOutput struct {
	content string
	model   string
	usage   llm.Usage
	ledger  []db.ToolCallRecord
	rounds  int
}

// loop drives the model through tool rounds. Rounds 1..max offer tools; a
// final round without tools guarantees termination within max+1 calls.
func (t *turn) loop(ctx context.Context, msgs []*schema.Message, tools *skills.ToolManager) (*loopOutput, error) {
	s := t.svc
	maxRounds := s.cfg.MaxToolRounds()
	defs := tools.GetToolDefinitions()
	ec := skills.ExecContext{
		PersonaID: t.req.PersonaID,
		UserID:    t.req.UserID,
		TopicID:   t.topic.ID,
		TurnID:    t.messageID,
	}

	out := &loopOutput{model: t.expressive.Config().Model}
	var text strings.Builder
	var pending []schema.ToolCall
	state := stateAwaitingModel

	for state != stateTerminal {
		switch state {
		case stateAwaitingModel:
			out.rounds++
			round := out.rounds
			req := llm.Request{Messages: msgs}
			offerTools := round <= maxRounds && len(defs) > 0
			if offerTools {
				req.Tools = defs
			}
			resp, err := t.expressive.CallStreamWithRetry(ctx, req, llm.StreamCallbacks{
				OnDelta: func(d string) {
					text.WriteString(d)
					t.em.emit(EventDelta, DeltaData{Content: d})
				},
				OnToolCall: func(tc schema.ToolCall) {
					if !offerTools {
						return
					}
					t.em.emit(EventToolCall, ToolCallData{
						Round:     round,
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					})
				},
			})
			if err != nil {
				return nil, fmt.Errorf("model round %d: %w", round, err)
			}
			out.usage = out.usage.Add(resp.Usage)
			if resp.Model != "" {
				out.model = resp.Model
			}
			if len(resp.ToolCalls) == 0 || !offerTools {
				state = stateTerminal
				continue
			}
			pending = resp.ToolCalls
			msgs = append(msgs, schema.AssistantMessage(resp.Content, pending))
			state = stateExecutingTools

		case stateExecutingTools:
			round := out.rounds
			results := tools.ExecuteToolCalls(ctx, pending, ec)
			out.ledger = append(out.ledger, skills.Ledger(round, pending, results)...)
			t.em.emit(EventToolResults, toolResultsData(round, results))
			msgs = append(msgs, skills.FormatResults(results, s.cfg.TruncateChars())...)
			pending = nil
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			s.logger.Debug("Tool round finished",
				"personaID", t.req.PersonaID, "userID", t.req.UserID, "round", round, "calls", len(results))
			state = stateAwaitingModel
		}
	}

	out.content = text.String()
	if strings.TrimSpace(out.content) == "" {
		out.content = s.cfg.FallbackMessage()
		t.em.emit(EventDelta, DeltaData{Content: out.content})
		s.logger.Warn("Model produced no text, using fallback reply",
			"personaID", t.req.PersonaID, "userID", t.req.UserID, "rounds", out.rounds)
	}
	return out, nil
}

// resolveTopic returns the active display topic, creating one for a new
// conversation or when the message starts a new topic.
func (t *turn) resolveTopic(ctx context.Context) (*db.Topic, bool, error) {
	s, sess, req := t.svc, t.sess, t.req
	personaID := sess.Config.Persona.ID

	active, err := s.store.ActiveTopic(ctx, personaID, req.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if active == nil {
		topic, err := t.activate(ctx, utils.Truncate(req.Content, 50), "")
		return topic, err == nil, err
	}

	recent, err := sess.Memory.RecentTurns(ctx, personaID, req.UserID, 11)
	if err != nil {
		return nil, false, err
	}
	prior := make([]db.Turn, 0, len(recent))
	for _, tr := range recent {
		if tr.ID != t.userTurn.ID {
			prior = append(prior, tr)
		}
	}
	if len(prior) < mind.MinShiftTurns {
		return active, false, nil
	}
	shift := sess.Mind.DetectShift(ctx, prior, active, req.Content)
	if !shift.ShouldSwitch {
		return active, false, nil
	}
	title := strings.TrimSpace(shift.Title)
	if title == "" {
		title = utils.Truncate(req.Content, 50)
	}
	s.logger.Info("Topic shift detected",
		"personaID", personaID,
		"userID", req.UserID,
		"previousTopic", active.ID,
		"confidence", shift.Confidence,
		"reason", shift.Reason)
	topic, err := t.activate(ctx, title, shift.Description)
	return topic, err == nil, err
}

func (t *turn) activate(ctx context.Context, title, description string) (*db.Topic, error) {
	topic := &db.Topic{
		PersonaID:   t.sess.Config.Persona.ID,
		UserID:      t.req.UserID,
		Title:       utils.Truncate(title, 200),
		Description: description,
		Category:    "conversation",
		// The opening message belongs to the topic.
		CreatedAt: t.userTurn.CreatedAt,
	}
	if err := t.svc.store.ActivateTopic(ctx, topic); err != nil {
		return nil, err
	}
	t.svc.events.Emit(event.TopicActivatedEvent{
		PersonaID: topic.PersonaID,
		UserID:    topic.UserID,
		TopicID:   topic.ID,
		Title:     topic.Title,
	})
	return topic, nil
}

// afterTurn starts reflection, the compression re-check and, every
// TopicRefreshEvery turns, a topic retitle.
func (t *turn) afterTurn(reply *db.Turn) {
	s, sess := t.svc, t.sess
	p := sess.Config.Persona
	userID := t.req.UserID
	userMsg := t.req.Content
	fields := []any{"personaID", p.ID, "userID", userID, "turnID", reply.ID}

	s.goBackground("reflection", fields, func(ctx context.Context) error {
		v := sess.Mind.Reflect(ctx, p, sess.Config.Soul, userMsg, reply.Content)
		if err := s.store.AttachReflection(ctx, reply.ID, v); err != nil {
			return err
		}
		s.events.Emit(event.TurnReflectedEvent{
			PersonaID: p.ID,
			UserID:    userID,
			TurnID:    reply.ID,
			Score:     v.Score,
			Neutral:   v.Neutral,
		})
		return nil
	})

	s.goBackground("compression", fields, func(ctx context.Context) error {
		_, err := sess.Memory.Compress(ctx, p.ID, userID, sess.Reflective, sess.Thresholds)
		return err
	})

	every := s.cfg.TopicRefreshEvery()
	if every <= 0 {
		return
	}
	topic := *t.topic
	s.goBackground("topic refresh", fields, func(ctx context.Context) error {
		n, err := s.store.CountTurnsSince(ctx, p.ID, userID, topic.CreatedAt)
		if err != nil {
			return err
		}
		// Each exchange adds two turns; refresh when this one crossed a multiple.
		if n < int64(every) || n/int64(every) == (n-2)/int64(every) {
			return nil
		}
		turns, err := sess.Memory.RecentTurns(ctx, p.ID, userID, int(n))
		if err != nil {
			return err
		}
		title, desc, err := sess.Mind.RefreshTitle(ctx, &topic, turns)
		if err != nil {
			return err
		}
		if err := s.store.UpdateTopicLabel(ctx, topic.ID, title, desc); err != nil {
			return err
		}
		s.events.Emit(event.TopicRetitledEvent{PersonaID: p.ID, UserID: userID, TopicID: topic.ID, Title: title})
		return nil
	})
}
