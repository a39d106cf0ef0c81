package skills

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choraleia/persona/pkg/db"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []map[string]any
	delay map[string]time.Duration
}

func (f *fakeExecutor) Run(ctx context.Context, sk db.Skill, tool string, params map[string]any, ec ExecContext) Result {
	if d := f.delay[tool]; d > 0 {
		time.Sleep(d)
	}
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()
	return Result{Success: true, Data: map[string]any{"tool": tool, "skill": sk.Name, "user": ec.UserID}}
}

func weatherSkill() []LoadedSkill {
	return []LoadedSkill{{
		Skill: db.Skill{ID: "s1", Name: "weather", Description: "Weather lookups"},
		Tools: []db.SkillTool{
			{ID: "0b7c-11", Name: "forecast", Description: "Daily forecast",
				Parameters: db.JSONMap{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}}},
			{ID: "0b7c-12", Name: "alerts"},
		},
	}}
}

func call(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Type: "function", Function: schema.FunctionCall{Name: name, Arguments: args}}
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "skill_0b7c-11", ToolName("0b7c-11"))
	assert.Equal(t, "skill_a_b_c", ToolName("a.b c"))
	assert.Len(t, ToolName(strings.Repeat("x", 100)), 64)
}

func TestGetToolDefinitions(t *testing.T) {
	m := NewToolManager(weatherSkill(), &fakeExecutor{}, nil)
	defs := m.GetToolDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "skill_0b7c-11", defs[0].Name)
	assert.Contains(t, defs[0].Description, "weather/forecast")
	assert.Equal(t, "object", defs[0].Parameters["type"])
	// A tool without a schema still gets an object schema.
	assert.Equal(t, "object", defs[1].Parameters["type"])
	assert.Contains(t, defs[1].Description, "Weather lookups")

	require.Len(t, m.Catalog(), 1)
	assert.Equal(t, []string{"forecast (skill_0b7c-11)", "alerts (skill_0b7c-12)"}, m.Catalog()[0].Tools)
}

func TestNewToolManager_UniqueNames(t *testing.T) {
	skills := []LoadedSkill{
		{Skill: db.Skill{Name: "a"}, Tools: []db.SkillTool{{ID: "x.1", Name: "one"}}},
		{Skill: db.Skill{Name: "b"}, Tools: []db.SkillTool{{ID: "x_1", Name: "two"}}},
	}
	m := NewToolManager(skills, &fakeExecutor{}, nil)
	defs := m.GetToolDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "skill_x_1", defs[0].Name)
	assert.Equal(t, "skill_x_1_2", defs[1].Name)
}

func TestExecuteToolCalls_UnknownTool(t *testing.T) {
	m := NewToolManager(weatherSkill(), &fakeExecutor{}, nil)
	results := m.ExecuteToolCalls(context.Background(), []schema.ToolCall{call("c1", "foo", `{}`)}, ExecContext{})
	require.Len(t, results, 1)
	assert.Equal(t, Result{Success: false, Error: "Tool not found: foo"}, results[0].Result)

	msgs := FormatResults(results, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, schema.Tool, msgs[0].Role)
	assert.Equal(t, "c1", msgs[0].ToolCallID)
	assert.JSONEq(t, `{"success":false,"error":"Tool not found: foo"}`, msgs[0].Content)
}

func TestExecuteToolCalls_OrderAndArguments(t *testing.T) {
	exec := &fakeExecutor{delay: map[string]time.Duration{"forecast": 50 * time.Millisecond}}
	m := NewToolManager(weatherSkill(), exec, nil)

	calls := []schema.ToolCall{
		call("c1", "skill_0b7c-11", `{"city": "Oslo",}`),
		call("c2", "skill_0b7c-12", `not json at all [`),
		call("c3", "skill_0b7c-12", ``),
	}
	results := m.ExecuteToolCalls(context.Background(), calls, ExecContext{UserID: "u1"})
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, calls[i].ID, r.CallID)
		assert.True(t, r.Result.Success)
		assert.Equal(t, "weather", r.Skill)
	}
	assert.Equal(t, "forecast", results[0].Result.Data.(map[string]any)["tool"])
	assert.Equal(t, "u1", results[0].Result.Data.(map[string]any)["user"])

	var sawCity bool
	for _, p := range exec.calls {
		if p["city"] == "Oslo" {
			sawCity = true
		}
	}
	assert.True(t, sawCity, "trailing comma is repaired")

	ledger := Ledger(2, calls, results)
	require.Len(t, ledger, 3)
	assert.Equal(t, 2, ledger[0].Round)
	assert.Equal(t, `{"city": "Oslo",}`, ledger[0].Arguments)
}

func TestParseArguments_NonObject(t *testing.T) {
	m := NewToolManager(nil, &fakeExecutor{}, nil)
	assert.Equal(t, map[string]any{}, m.parseArguments("t", `[1,2]`))
	assert.Equal(t, map[string]any{}, m.parseArguments("t", `null`))
	assert.Equal(t, map[string]any{"a": float64(1)}, m.parseArguments("t", `{a: 1}`))
}

func TestFormatResults_Truncates(t *testing.T) {
	big := strings.Repeat("é", 5000)
	msgs := FormatResults([]ToolResult{{CallID: "c", Result: Result{Success: true, Data: big}}}, 4000)
	require.Len(t, msgs, 1)
	content := msgs[0].Content
	head, marker, found := strings.Cut(content, "\n...[truncated ")
	require.True(t, found)
	assert.Equal(t, 4000, len([]rune(head)))
	assert.True(t, strings.HasSuffix(marker, " characters]"))

	small := FormatResults([]ToolResult{{CallID: "c", Result: Result{Success: true, Data: "ok"}}}, 4000)
	var decoded Result
	require.NoError(t, json.Unmarshal([]byte(small[0].Content), &decoded))
	assert.Equal(t, "ok", decoded.Data)
}

func TestExecuteToolCalls_TimeoutSurfaced(t *testing.T) {
	entry := writeScript(t, "sleep 30\n")
	skills := []LoadedSkill{{
		Skill: db.Skill{ID: "s", Name: "slow", Runtime: RuntimeExec, EntryPath: entry},
		Tools: []db.SkillTool{{ID: "t1", Name: "wait"}},
	}}
	m := NewToolManager(skills, NewRunner(RunnerConfig{Timeout: 100 * time.Millisecond}, nil), nil)

	results := m.ExecuteToolCalls(context.Background(), []schema.ToolCall{call("c1", "skill_t1", "{}")}, ExecContext{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Result.Success)
	assert.Contains(t, results[0].Result.Error, "timed out")

	msgs := FormatResults(results, 4000)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "timed out")
}
