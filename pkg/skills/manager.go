package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/utils"
)

// DefaultTruncateChars bounds each tool message sent back to the model.
const DefaultTruncateChars = 4000

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	CallID   string
	ToolName string
	Skill    string
	Result   Result
	Elapsed  time.Duration
}

type boundTool struct {
	name  string
	skill db.Skill
	tool  db.SkillTool
}

// CatalogEntry summarizes a skill for the system prompt.
type CatalogEntry struct {
	Skill       string
	Description string
	Tools       []string
}

// ToolManager exposes the tools of a persona's skills and executes calls.
type ToolManager struct {
	exec    Executor
	logger  *slog.Logger
	tools   map[string]boundTool
	order   []string
	catalog []CatalogEntry
	// Parallelism bounds concurrent calls within one round; 0 means unbounded.
	Parallelism int
}

// NewToolManager binds every tool of skills under a name derived from its id.
func NewToolManager(skills []LoadedSkill, exec Executor, logger *slog.Logger) *ToolManager {
	m := &ToolManager{
		exec:   exec,
		logger: utils.OrDiscard(logger),
		tools:  make(map[string]boundTool),
	}
	for _, ls := range skills {
		entry := CatalogEntry{Skill: ls.Skill.Name, Description: ls.Skill.Description}
		for _, t := range ls.Tools {
			name := m.uniqueName(ToolName(t.ID))
			m.tools[name] = boundTool{name: name, skill: ls.Skill, tool: t}
			m.order = append(m.order, name)
			entry.Tools = append(entry.Tools, fmt.Sprintf("%s (%s)", t.Name, name))
		}
		m.catalog = append(m.catalog, entry)
	}
	return m
}

var invalidToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ToolName derives the model-facing name of a tool from its storage id.
func ToolName(toolID string) string {
	name := "skill_" + invalidToolChars.ReplaceAllString(toolID, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func (m *ToolManager) uniqueName(name string) string {
	if _, taken := m.tools[name]; !taken {
		return name
	}
	for i := 2; ; i++ {
		suffix := fmt.Sprintf("_%d", i)
		candidate := name
		if len(candidate)+len(suffix) > 64 {
			candidate = candidate[:64-len(suffix)]
		}
		candidate += suffix
		if _, taken := m.tools[candidate]; !taken {
			return candidate
		}
	}
}

// Len returns the number of bound tools.
func (m *ToolManager) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// Catalog lists skills and their tools in load order.
func (m *ToolManager) Catalog() []CatalogEntry {
	if m == nil {
		return nil
	}
	return m.catalog
}

// GetToolDefinitions returns the schemas of every bound tool.
func (m *ToolManager) GetToolDefinitions() []llm.Tool {
	if m == nil {
		return nil
	}
	out := make([]llm.Tool, 0, len(m.order))
	for _, name := range m.order {
		bt := m.tools[name]
		params := map[string]any(bt.tool.Parameters)
		if len(params) == 0 {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		desc := bt.tool.Description
		if desc == "" {
			desc = bt.skill.Description
		}
		out = append(out, llm.Tool{
			Name:        name,
			Description: fmt.Sprintf("[%s/%s] %s", bt.skill.Name, bt.tool.Name, desc),
			Parameters:  params,
		})
	}
	return out
}

// ExecuteToolCalls runs calls concurrently and returns their results in call
// order. It never fails as a whole; each failure is reported in its result.
func (m *ToolManager) ExecuteToolCalls(ctx context.Context, calls []schema.ToolCall, ec ExecContext) []ToolResult {
	results := make([]ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	if m != nil && m.Parallelism > 0 {
		g.SetLimit(m.Parallelism)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = m.execute(gctx, call, ec)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *ToolManager) execute(ctx context.Context, call schema.ToolCall, ec ExecContext) (res ToolResult) {
	res = ToolResult{CallID: call.ID, ToolName: call.Function.Name}
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	var bt boundTool
	var ok bool
	if m != nil {
		bt, ok = m.tools[call.Function.Name]
	}
	if !ok {
		res.Result = Failure("Tool not found: %s", call.Function.Name)
		return res
	}
	res.Skill = bt.skill.Name
	params := m.parseArguments(call.Function.Name, call.Function.Arguments)
	res.Result = m.exec.Run(ctx, bt.skill, bt.tool.Name, params, ec)
	m.logger.Info("Tool call executed",
		"tool", bt.tool.Name,
		"skill", bt.skill.Name,
		"callID", call.ID,
		"success", res.Result.Success,
		"elapsed", time.Since(start))
	return res
}

// parseArguments decodes tool arguments, repairing malformed JSON. Anything
// that still is not an object becomes an empty object.
func (m *ToolManager) parseArguments(name, raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err == nil && params != nil {
		return params
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err == nil {
		params = nil
		if json.Unmarshal([]byte(fixed), &params) == nil && params != nil {
			return params
		}
	}
	m.logger.Warn("Unparsable tool arguments, using empty object", "tool", name, "arguments", utils.Truncate(raw, 200))
	return map[string]any{}
}

// FormatResults renders one tool message per result, each truncated to
// maxChars runes with a marker.
func FormatResults(results []ToolResult, maxChars int) []*schema.Message {
	if maxChars <= 0 {
		maxChars = DefaultTruncateChars
	}
	out := make([]*schema.Message, 0, len(results))
	for _, r := range results {
		out = append(out, schema.ToolMessage(formatContent(r.Result, maxChars), r.CallID))
	}
	return out
}

func formatContent(res Result, maxChars int) string {
	b, err := json.Marshal(res)
	if err != nil {
		b, _ = json.Marshal(Failure("encode tool result: %v", err))
	}
	s := string(b)
	n := len([]rune(s))
	if n <= maxChars {
		return s
	}
	return utils.Truncate(s, maxChars) + fmt.Sprintf("\n...[truncated %d characters]", n-maxChars)
}

// Ledger converts results to the tool-call record stored on a turn.
func Ledger(round int, calls []schema.ToolCall, results []ToolResult) []db.ToolCallRecord {
	out := make([]db.ToolCallRecord, 0, len(results))
	for i, r := range results {
		rec := db.ToolCallRecord{
			Round:     round,
			ID:        r.CallID,
			Name:      r.ToolName,
			Success:   r.Result.Success,
			Error:     r.Result.Error,
			ElapsedMs: r.Elapsed.Milliseconds(),
		}
		if i < len(calls) {
			rec.Arguments = calls[i].Function.Arguments
		}
		out = append(out, rec)
	}
	return out
}
