package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/store"
	"github.com/choraleia/persona/pkg/utils"
)

const compressionPrompt = `You maintain the long-term memory of a conversation between a user and an assistant.
Partition the numbered transcript below into topics. Each topic covers a contiguous range of turn indices.

Output a JSON object with these fields:
{
  "topics": [
    {"title": "short title", "summary": "what was discussed and concluded", "start_index": 0, "end_index": 5, "category": "one word category"}
  ],
  "user_attributes": {"preferred_name": "", "gender": "", "age": "", "occupation": "", "location": ""}
}

Requirements:
1. Topics must be in order, must not overlap, and together should cover every turn from 0 to %d
2. Summaries must keep facts, decisions, and open questions needed to continue later
3. Fill user_attributes only with what the user explicitly stated about themselves; never guess. Leave unknown values empty

Transcript:
%s
Output JSON only, no other text:`

// maxTurnChars bounds each turn in the compression transcript.
const maxTurnChars = 2000

type compressionOutput struct {
	Topics []struct {
		Title      string `json:"title"`
		Summary    string `json:"summary"`
		StartIndex int    `json:"start_index"`
		EndIndex   int    `json:"end_index"`
		Category   string `json:"category"`
	} `json:"topics"`
	UserAttributes map[string]any `json:"user_attributes"`
}

// topicSpan is a validated topic over turn indices [start, end].
type topicSpan struct {
	title, summary, category string
	start, end               int
}

func (e *Engine) compress(ctx context.Context, personaID, userID string, model Completer, th Thresholds) (*Result, error) {
	turns, err := e.store.UnarchivedTurns(ctx, personaID, userID)
	if err != nil {
		return nil, err
	}
	res := &Result{Decision: Decide(e.estimator, turns, th)}
	if !res.Decision.Compress {
		res.Skipped = true
		return res, nil
	}

	out, err := e.partition(ctx, model, turns)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("Compression model output unusable, archiving as one topic",
			"personaID", personaID, "userID", userID, "error", err)
	}

	spans := normalizeSpans(out, len(turns))
	if len(spans) == 0 {
		res.Fallback = true
		spans = []topicSpan{catchAllSpan(turns)}
	}

	batch := make([]store.CompressedTopic, 0, len(spans))
	for _, sp := range spans {
		ids := make([]string, 0, sp.end-sp.start+1)
		for i := sp.start; i <= sp.end; i++ {
			ids = append(ids, turns[i].ID)
		}
		batch = append(batch, store.CompressedTopic{
			Topic: &db.Topic{
				PersonaID:   personaID,
				UserID:      userID,
				Title:       utils.Truncate(sp.title, 200),
				Description: sp.summary,
				Category:    utils.Truncate(sp.category, 50),
				Status:      db.TopicStatusArchived,
			},
			TurnIDs: ids,
		})
	}
	archived, err := e.store.SaveCompressedTopics(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("save compressed topics: %w", err)
	}
	res.Archived = archived
	for _, ct := range batch {
		if ct.Topic.Status != db.TopicStatusDeleted {
			res.Topics = append(res.Topics, *ct.Topic)
		}
	}

	if out != nil {
		if attrs := sanitizeAttributes(out.UserAttributes); len(attrs) > 0 {
			changed, err := e.store.MergeProfile(ctx, personaID, userID, attrs)
			if err != nil {
				e.logger.Warn("Failed to merge extracted profile", "personaID", personaID, "userID", userID, "error", err)
			}
			res.ProfileUpdated = changed
		}
	}

	if e.cache != nil {
		e.cache.Invalidate(CacheKey(personaID, userID))
	}

	e.logger.Info("Conversation compressed successfully",
		"personaID", personaID,
		"userID", userID,
		"topics", len(res.Topics),
		"archivedTurns", archived,
		"estimatedTokens", res.Decision.EstimatedTokens,
		"fallback", res.Fallback)

	if e.OnCompressed != nil && archived > 0 {
		e.OnCompressed(personaID, userID, res)
	}
	return res, nil
}

// partition asks the model to split turns into topics. A nil output with an
// error means the caller must fall back.
func (e *Engine) partition(ctx context.Context, model Completer, turns []db.Turn) (*compressionOutput, error) {
	if model == nil {
		return nil, fmt.Errorf("no model configured for compression")
	}
	var transcript strings.Builder
	for i, t := range turns {
		fmt.Fprintf(&transcript, "[%d] %s: %s\n", i, t.Role, utils.Truncate(t.Content, maxTurnChars))
	}
	prompt := fmt.Sprintf(compressionPrompt, len(turns)-1, transcript.String())

	resp, err := model.CallWithRetry(ctx, llm.Request{
		Messages: []*schema.Message{schema.UserMessage(prompt)},
		JSONMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("compression call: %w", err)
	}
	var out compressionOutput
	if err := utils.ParseModelJSON(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("parse compression output: %w", err)
	}
	return &out, nil
}

// normalizeSpans turns model topics into ordered, non-overlapping spans that
// cover every index in [0, n). Ranges are clamped; gaps are absorbed by the
// preceding topic (or the first topic for a leading gap).
func normalizeSpans(out *compressionOutput, n int) []topicSpan {
	if out == nil || n == 0 {
		return nil
	}
	var spans []topicSpan
	for _, t := range out.Topics {
		start, end := t.StartIndex, t.EndIndex
		if start < 0 {
			start = 0
		}
		if end >= n {
			end = n - 1
		}
		if start > end || start >= n {
			continue
		}
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = "Untitled topic"
		}
		spans = append(spans, topicSpan{
			title:    title,
			summary:  strings.TrimSpace(t.Summary),
			category: strings.TrimSpace(t.Category),
			start:    start,
			end:      end,
		})
	}
	if len(spans) == 0 {
		return nil
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := spans[:0]
	for _, sp := range spans {
		if len(merged) > 0 {
			prev := &merged[len(merged)-1]
			if sp.start <= prev.end {
				sp.start = prev.end + 1
			}
			if sp.start > sp.end {
				continue
			}
			if sp.start > prev.end+1 {
				prev.end = sp.start - 1
			}
		}
		merged = append(merged, sp)
	}
	merged[0].start = 0
	merged[len(merged)-1].end = n - 1
	return merged
}

func catchAllSpan(turns []db.Turn) topicSpan {
	first, last := turns[0].CreatedAt, turns[len(turns)-1].CreatedAt
	var excerpt strings.Builder
	for _, t := range turns {
		if t.Role != db.RoleUser {
			continue
		}
		if excerpt.Len() > 0 {
			excerpt.WriteString(" / ")
		}
		excerpt.WriteString(utils.Truncate(strings.TrimSpace(t.Content), 80))
		if excerpt.Len() > 600 {
			break
		}
	}
	return topicSpan{
		title:    fmt.Sprintf("Conversation %s to %s", first.Format(time.DateOnly), last.Format(time.DateOnly)),
		summary:  fmt.Sprintf("%d earlier turns. The user asked about: %s", len(turns), excerpt.String()),
		category: "general",
		start:    0,
		end:      len(turns) - 1,
	}
}

func sanitizeAttributes(in map[string]any) map[string]string {
	out := make(map[string]string)
	for _, key := range db.ProfileAttributes {
		raw, ok := in[key]
		if !ok || raw == nil {
			continue
		}
		v := strings.TrimSpace(fmt.Sprint(raw))
		switch strings.ToLower(v) {
		case "", "unknown", "n/a", "none", "null":
			continue
		}
		out[key] = utils.Truncate(v, 100)
	}
	return out
}
