package assembler

import (
	"fmt"
	"strings"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/skills"
)

func soulBlock(s *db.Soul) string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", title)
		for _, it := range items {
			if it = strings.TrimSpace(it); it != "" {
				fmt.Fprintf(&b, "- %s\n", it)
			}
		}
	}
	list("Core values", s.CoreValues)
	list("Guidelines", s.Guidelines)
	list("Never do", s.Taboos)
	if s.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", s.Tone)
	}
	if s.SpeakingStyle != "" {
		fmt.Fprintf(&b, "Speaking style: %s\n", s.SpeakingStyle)
	}
	if b.Len() == 0 {
		return ""
	}
	return "## Who you are\n" + b.String()
}

func catalogBlock(entries []skills.CatalogEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Skills\nYou can call these tools when they help answer the user:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s", e.Skill)
		if e.Description != "" {
			fmt.Fprintf(&b, ": %s", e.Description)
		}
		if len(e.Tools) > 0 {
			fmt.Fprintf(&b, " (tools: %s)", strings.Join(e.Tools, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// topicsBlock renders topics given most recent first, oldest first.
func topicsBlock(topics []db.Topic) string {
	if len(topics) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Earlier conversations\n")
	for i := len(topics) - 1; i >= 0; i-- {
		t := topics[i]
		fmt.Fprintf(&b, "- %s (%s)", t.Title, t.CreatedAt.Format("2006-01-02"))
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Declining reports whether the average score of the newer half of records
// (oldest first) is more than threshold below the older half.
func Declining(records []db.InnerVoice, threshold float64) bool {
	if len(records) < 2 {
		return false
	}
	mid := len(records) / 2
	return avgScore(records[:mid])-avgScore(records[mid:]) > threshold
}

func avgScore(records []db.InnerVoice) float64 {
	var sum float64
	for _, r := range records {
		sum += r.Score
	}
	return sum / float64(len(records))
}

func reflectionBlock(records []db.InnerVoice, threshold float64) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	latest := records[len(records)-1]
	if Declining(records, threshold) && latest.Advice != "" {
		fmt.Fprintf(&b, "Your recent replies have been slipping. Most important right now: %s\n\n", latest.Advice)
	}
	b.WriteString("## Self-reflection\nScores of your recent replies (0-10, oldest first): ")
	scores := make([]string, len(records))
	for i, r := range records {
		scores[i] = fmt.Sprintf("%.1f", r.Score)
	}
	b.WriteString(strings.Join(scores, ", "))
	b.WriteString("\n")
	for _, r := range records {
		if r.Advice != "" && !r.Neutral {
			fmt.Fprintf(&b, "- %s\n", r.Advice)
		}
	}
	return b.String()
}

var nudgeQuestions = map[string]string{
	"preferred_name": "what they would like to be called",
	"occupation":     "what they do for a living",
	"location":       "where they are based",
	"age":            "roughly how old they are",
	"gender":         "how they identify",
}

func nudgeBlock(attr string) string {
	q, ok := nudgeQuestions[attr]
	if !ok {
		q = strings.ReplaceAll(attr, "_", " ")
	}
	return fmt.Sprintf("## Getting to know the user\nIf it fits naturally, you may ask the user %s. Ask at most once and never insist.", q)
}
