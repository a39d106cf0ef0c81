package mind

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/utils"
)

const (
	// DefaultShiftThreshold is the confidence a topic switch needs.
	DefaultShiftThreshold = 0.7
	// MinShiftTurns is the history needed before detection runs.
	MinShiftTurns = 6
)

const shiftPrompt = `Decide whether the user's new message starts a new conversation topic.

Current topic: %s
Topic description: %s

Recent conversation:
%s
New message:
%s

Output JSON only:
{"is_new_topic": true or false, "confidence": 0.0 to 1.0, "title": "title of the new topic if any", "description": "one sentence", "reason": "short reason"}`

// Shift is the outcome of topic shift detection.
type Shift struct {
	IsNewTopic   bool    `json:"is_new_topic"`
	Confidence   float64 `json:"confidence"`
	ShouldSwitch bool    `json:"should_switch"`
	Title        string  `json:"title,omitempty"`
	Description  string  `json:"description,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// Decide applies the switch rule: only a new topic with confidence at or
// above threshold switches.
func (s Shift) Decide(threshold float64) Shift {
	s.ShouldSwitch = s.IsNewTopic && s.Confidence >= threshold
	return s
}

// DetectShift classifies message against the current topic. Too little
// history or any failure yields "continue".
func (m *Mind) DetectShift(ctx context.Context, recent []db.Turn, topic *db.Topic, message string) Shift {
	if len(recent) < MinShiftTurns {
		return Shift{Reason: fmt.Sprintf("only %d recent turns, need %d", len(recent), MinShiftTurns)}
	}
	title, desc := "(untitled)", "(none)"
	if topic != nil {
		if topic.Title != "" {
			title = topic.Title
		}
		if topic.Description != "" {
			desc = topic.Description
		}
	}
	prompt := fmt.Sprintf(shiftPrompt, title, desc, transcript(recent, 500), utils.Truncate(message, 2000))
	resp, err := m.model.CallWithRetry(ctx, llm.Request{
		Messages: []*schema.Message{schema.UserMessage(prompt)},
		JSONMode: true,
	})
	if err != nil {
		m.logger.Warn("Topic shift detection failed, continuing topic", "error", err)
		return Shift{Reason: "detection failed"}
	}
	var out Shift
	if err := utils.ParseModelJSON(resp.Content, &out); err != nil {
		m.logger.Warn("Topic shift output unparsable, continuing topic", "error", err)
		return Shift{Reason: "detection output unparsable"}
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Description = strings.TrimSpace(out.Description)
	out = out.Decide(m.ShiftThreshold)
	m.logger.Debug("Topic shift detected",
		"isNewTopic", out.IsNewTopic, "confidence", out.Confidence, "shouldSwitch", out.ShouldSwitch)
	return out
}

const titlePrompt = `Give a short title and a one-sentence description for the conversation below.
Current title: %s

Conversation:
%s
Output JSON only: {"title": "...", "description": "..."}`

// ErrEmptyTitle is returned when the model produced no usable title.
var ErrEmptyTitle = errors.New("model returned an empty title")

// RefreshTitle asks the model for a new title and description of a topic.
func (m *Mind) RefreshTitle(ctx context.Context, topic *db.Topic, turns []db.Turn) (string, string, error) {
	current := "(untitled)"
	if topic != nil && topic.Title != "" {
		current = topic.Title
	}
	resp, err := m.model.CallWithRetry(ctx, llm.Request{
		Messages: []*schema.Message{schema.UserMessage(fmt.Sprintf(titlePrompt, current, transcript(turns, 300)))},
		JSONMode: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("refresh title: %w", err)
	}
	var out struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := utils.ParseModelJSON(resp.Content, &out); err != nil {
		return "", "", fmt.Errorf("parse title: %w", err)
	}
	title := utils.Truncate(strings.TrimSpace(out.Title), 200)
	if title == "" {
		return "", "", ErrEmptyTitle
	}
	return title, strings.TrimSpace(out.Description), nil
}

func transcript(turns []db.Turn, maxChars int) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, utils.Truncate(t.Content, maxChars))
	}
	return b.String()
}
