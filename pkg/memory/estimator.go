package memory

import (
	"math"
	"unicode"

	"github.com/cloudwego/eino/schema"

	"github.com/choraleia/persona/pkg/db"
)

// Estimator approximates the token cost of text. Implementations must be
// deterministic and non-decreasing in content length.
type Estimator interface {
	EstimateText(text string) int
	EstimateMessages(msgs []*schema.Message) int
}

// MessageOverhead is the fixed per-message token cost.
const MessageOverhead = 4

// HeuristicEstimator counts CJK runes at 1.5 characters per token and
// everything else at 4 characters per token.
type HeuristicEstimator struct{}

var _ Estimator = HeuristicEstimator{}

// EstimateText returns the token estimate of text without message overhead.
func (HeuristicEstimator) EstimateText(text string) int {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(cjk)/1.5 + float64(other)/4))
}

// EstimateMessages sums text estimates plus MessageOverhead per message.
func (h HeuristicEstimator) EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		if m == nil {
			continue
		}
		total += h.EstimateText(m.Content) + MessageOverhead
		for _, tc := range m.ToolCalls {
			total += h.EstimateText(tc.Function.Name) + h.EstimateText(tc.Function.Arguments)
		}
	}
	return total
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// EstimateTurns estimates stored turns as conversation messages.
func EstimateTurns(e Estimator, turns []db.Turn) int {
	return e.EstimateMessages(TurnsToMessages(turns))
}

// TurnsToMessages converts stored turns to conversation messages.
func TurnsToMessages(turns []db.Turn) []*schema.Message {
	out := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case db.RoleUser:
			out = append(out, schema.UserMessage(t.Content))
		case db.RoleAssistant:
			out = append(out, schema.AssistantMessage(t.Content, nil))
		case db.RoleSystem:
			out = append(out, schema.SystemMessage(t.Content))
		}
	}
	return out
}
