// Package mind holds the auxiliary model passes: self-reflection on a reply,
// topic shift detection and topic title refresh.
package mind

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/utils"
)

// Completer issues non-streaming model calls.
type Completer interface {
	CallWithRetry(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Weights of the reflection dimensions in the overall score.
var Weights = map[string]float64{
	db.DimValueAlignment:    0.30,
	db.DimBehaviorAdherence: 0.25,
	db.DimTabooAvoidance:    0.25,
	db.DimTone:              0.20,
}

// NeutralScore is used when a reflection cannot be produced.
const NeutralScore = 5.0

const reflectPrompt = `You are the inner voice of %s. Review the reply you just gave against your own principles.

Core values:
%s
Guidelines:
%s
Taboos:
%s
Tone: %s

User said:
%s

You replied:
%s

Score each dimension from 0 to 10 and output JSON only:
{"value_alignment": 0, "behavior_adherence": 0, "taboo_avoidance": 0, "tone": 0,
 "rationale": "why these scores", "advice": "one concrete improvement for the next reply",
 "monologue": "a short first-person thought"}`

type reflectOutput struct {
	ValueAlignment    *float64 `json:"value_alignment"`
	BehaviorAdherence *float64 `json:"behavior_adherence"`
	TabooAvoidance    *float64 `json:"taboo_avoidance"`
	Tone              *float64 `json:"tone"`
	Rationale         string   `json:"rationale"`
	Advice            string   `json:"advice"`
	Monologue         string   `json:"monologue"`
}

// Mind runs reflection and topic passes against the reflective model.
type Mind struct {
	model  Completer
	logger *slog.Logger
	now    func() time.Time
	// ShiftThreshold is the confidence a topic switch needs.
	ShiftThreshold float64
}

func New(model Completer, logger *slog.Logger) *Mind {
	return &Mind{
		model:          model,
		logger:         utils.OrDiscard(logger),
		now:            time.Now,
		ShiftThreshold: DefaultShiftThreshold,
	}
}

// Reflect scores reply against the persona's soul. It never fails: any model
// or parse error yields a neutral record.
func (m *Mind) Reflect(ctx context.Context, persona *db.Persona, soul *db.Soul, userMsg, reply string) *db.InnerVoice {
	if soul == nil {
		soul = &db.Soul{}
	}
	name := "the assistant"
	if persona != nil && persona.Name != "" {
		name = persona.Name
	}
	prompt := fmt.Sprintf(reflectPrompt, name,
		bullets(soul.CoreValues), bullets(soul.Guidelines), bullets(soul.Taboos), orNone(soul.Tone),
		utils.Truncate(userMsg, 2000), utils.Truncate(reply, 4000))

	resp, err := m.model.CallWithRetry(ctx, llm.Request{
		Messages: []*schema.Message{schema.UserMessage(prompt)},
		JSONMode: true,
	})
	if err != nil {
		m.logger.Warn("Reflection call failed, recording neutral score", "error", err)
		return m.neutral("reflection unavailable: " + err.Error())
	}
	var out reflectOutput
	if err := utils.ParseModelJSON(resp.Content, &out); err != nil {
		m.logger.Warn("Reflection output unparsable, recording neutral score", "error", err)
		return m.neutral("reflection output unparsable")
	}

	dims := map[string]*float64{
		db.DimValueAlignment:    out.ValueAlignment,
		db.DimBehaviorAdherence: out.BehaviorAdherence,
		db.DimTabooAvoidance:    out.TabooAvoidance,
		db.DimTone:              out.Tone,
	}
	v := &db.InnerVoice{
		Dimensions: make(map[string]float64, len(dims)),
		Rationale:  strings.TrimSpace(out.Rationale),
		Advice:     strings.TrimSpace(out.Advice),
		Monologue:  strings.TrimSpace(out.Monologue),
		CreatedAt:  m.now(),
	}
	for dim, score := range dims {
		if score == nil {
			m.logger.Warn("Reflection output missing a dimension, recording neutral score", "dimension", dim)
			return m.neutral("reflection output incomplete")
		}
		v.Dimensions[dim] = clampScore(*score)
	}
	v.Score = WeightedScore(v.Dimensions)
	return v
}

// WeightedScore combines dimension scores with Weights, rounded to two decimals.
func WeightedScore(dims map[string]float64) float64 {
	var total float64
	for dim, w := range Weights {
		total += dims[dim] * w
	}
	return math.Round(total*100) / 100
}

func (m *Mind) neutral(rationale string) *db.InnerVoice {
	dims := make(map[string]float64, len(Weights))
	for dim := range Weights {
		dims[dim] = NeutralScore
	}
	return &db.InnerVoice{
		Score:      NeutralScore,
		Dimensions: dims,
		Rationale:  rationale,
		Neutral:    true,
		CreatedAt:  m.now(),
	}
}

func clampScore(s float64) float64 {
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 10:
		return 10
	}
	return s
}

func bullets(items []string) string {
	if len(items) == 0 {
		return "- (none)\n"
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
