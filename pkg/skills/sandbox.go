package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/choraleia/persona/pkg/db"
	"github.com/choraleia/persona/pkg/utils"
)

// Result is the outcome of one skill invocation as reported to the model.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Failure builds a failed result.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// ExecContext identifies the conversation a tool call belongs to.
type ExecContext struct {
	PersonaID string `json:"persona_id"`
	UserID    string `json:"user_id"`
	TopicID   string `json:"topic_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
}

// Executor runs one tool of a skill.
type Executor interface {
	Run(ctx context.Context, sk db.Skill, tool string, params map[string]any, ec ExecContext) Result
}

// Reserved environment names a skill config cannot override.
const (
	EnvSkillID     = "SKILL_ID"
	EnvSkillPath   = "SKILL_PATH"
	EnvSkillConfig = "SKILL_CONFIG"
)

// RunnerConfig configures the subprocess sandbox.
type RunnerConfig struct {
	Timeout      time.Duration
	MemoryMB     int
	EnvAllowlist []string
	// BaseDir resolves relative entry paths.
	BaseDir string
	// MaxOutputBytes caps captured stdout and stderr each.
	MaxOutputBytes int64
	// NodeBinary and PythonBinary override interpreter lookup.
	NodeBinary   string
	PythonBinary string
}

const (
	defaultTimeout   = 30 * time.Second
	defaultMemoryMB  = 128
	defaultMaxOutput = 1 << 20
)

// Runner executes each tool call in a fresh subprocess with a timeout, a
// memory cap and a minimal environment.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

var _ Executor = (*Runner)(nil)

func NewRunner(cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}
	if cfg.EnvAllowlist == nil {
		cfg.EnvAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TMPDIR"}
	}
	if cfg.NodeBinary == "" {
		cfg.NodeBinary = "node"
	}
	if cfg.PythonBinary == "" {
		cfg.PythonBinary = "python3"
	}
	return &Runner{cfg: cfg, logger: utils.OrDiscard(logger)}
}

type invocation struct {
	Tool    string         `json:"tool"`
	Params  map[string]any `json:"params"`
	Context ExecContext    `json:"context"`
}

// Run executes tool of sk. Every failure, including timeouts and malformed
// output, is reported as a failed Result rather than an error.
func (r *Runner) Run(ctx context.Context, sk db.Skill, tool string, params map[string]any, ec ExecContext) Result {
	entry := sk.EntryPath
	if !filepath.IsAbs(entry) && r.cfg.BaseDir != "" {
		entry = filepath.Join(r.cfg.BaseDir, entry)
	}
	if _, err := os.Stat(entry); err != nil {
		return Failure("skill %s entry not found: %s", sk.Name, entry)
	}
	if params == nil {
		params = map[string]any{}
	}
	stdin, err := json.Marshal(invocation{Tool: tool, Params: params, Context: ec})
	if err != nil {
		return Failure("encode skill input: %v", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	bin, args := r.command(sk.Runtime, entry)
	if sk.Runtime != RuntimeNode {
		// V8 reserves far more address space than it uses, so node relies on
		// its heap flag instead.
		bin, args = withMemoryLimit(bin, args, r.cfg.MemoryMB)
	}
	cmd := exec.CommandContext(execCtx, bin, args...)
	cmd.Dir = filepath.Dir(entry)
	cmd.Env = r.environment(sk, entry)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	outLimited := &limitedWriter{w: &stdout, max: r.cfg.MaxOutputBytes}
	errLimited := &limitedWriter{w: &stderr, max: r.cfg.MaxOutputBytes / 16}
	cmd.Stdout = outLimited
	cmd.Stderr = errLimited

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.logger.Warn("Skill process failed to start", "skill", sk.Name, "tool", tool, "error", err)
		return Failure("start skill %s: %v", sk.Name, err)
	}
	err = cmd.Wait()
	elapsed := time.Since(start)

	switch {
	case err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		r.logger.Warn("Skill killed on timeout", "skill", sk.Name, "tool", tool, "timeout", r.cfg.Timeout)
		return Failure("Skill execution timed out after %s", r.cfg.Timeout)
	case err != nil && ctx.Err() != nil:
		return Failure("skill execution cancelled: %v", ctx.Err())
	}
	if outLimited.truncated {
		r.logger.Warn("Skill output truncated", "skill", sk.Name, "discardedBytes", outLimited.discarded)
	}

	res, perr := parseOutput(stdout.Bytes())
	if perr != nil {
		msg := fmt.Sprintf("invalid skill output: %v", perr)
		if err != nil {
			msg = fmt.Sprintf("skill exited with error: %v", err)
		}
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg += ": " + utils.Truncate(s, 500)
		}
		r.logger.Warn("Skill run failed", "skill", sk.Name, "tool", tool, "elapsed", elapsed, "error", msg)
		return Result{Success: false, Error: msg}
	}
	r.logger.Debug("Skill run finished", "skill", sk.Name, "tool", tool, "elapsed", elapsed, "success", res.Success)
	return res
}

func (r *Runner) command(runtime, entry string) (string, []string) {
	switch runtime {
	case RuntimeNode:
		return r.cfg.NodeBinary, []string{fmt.Sprintf("--max-old-space-size=%d", r.cfg.MemoryMB), entry}
	case RuntimePython:
		return r.cfg.PythonBinary, []string{entry}
	default:
		return entry, nil
	}
}

var nonEnvChars = regexp.MustCompile(`[^A-Z0-9_]`)

// environment builds the allow-listed environment plus the skill variables.
// Config keys that would shadow a reserved or allow-listed name are dropped.
func (r *Runner) environment(sk db.Skill, entry string) []string {
	reserved := map[string]bool{
		EnvSkillID: true, EnvSkillPath: true, EnvSkillConfig: true,
		"GOMEMLIMIT": true, "NODE_OPTIONS": true,
	}
	var env []string
	for _, key := range r.cfg.EnvAllowlist {
		reserved[key] = true
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}

	cfgJSON := []byte("{}")
	if sk.Config != nil {
		b, err := json.Marshal(sk.Config)
		if err != nil {
			r.logger.Warn("Skill config not encodable, passing empty config", "skill", sk.Name, "error", err)
		} else {
			cfgJSON = b
		}
	}
	env = append(env,
		EnvSkillID+"="+sk.ID,
		EnvSkillPath+"="+filepath.Dir(entry),
		EnvSkillConfig+"="+string(cfgJSON),
		fmt.Sprintf("GOMEMLIMIT=%dMiB", r.cfg.MemoryMB),
	)
	if sk.Runtime == RuntimeNode {
		env = append(env, fmt.Sprintf("NODE_OPTIONS=--max-old-space-size=%d", r.cfg.MemoryMB))
	}

	// Sorted so that of several keys mapping to one name the first wins on
	// every run.
	keys := make([]string, 0, len(sk.Config))
	for key := range sk.Config {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	taken := make(map[string]string, len(keys))
	for _, key := range keys {
		name := "SKILL_" + nonEnvChars.ReplaceAllString(strings.ToUpper(key), "_")
		if reserved[name] {
			r.logger.Warn("Skill config key shadows a reserved variable, dropped", "skill", sk.Name, "key", key, "env", name)
			continue
		}
		if first, ok := taken[name]; ok {
			r.logger.Warn("Skill config keys collide, dropped", "skill", sk.Name, "key", key, "kept", first, "env", name)
			continue
		}
		taken[name] = key
		env = append(env, name+"="+envValue(sk.Config[key]))
	}
	return env
}

func envValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// parseOutput decodes the protocol object from stdout. Skills may log lines
// before the result, so the last line is tried when the whole output is not
// JSON.
func parseOutput(out []byte) (Result, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return Result{}, errors.New("empty output")
	}
	res, err := decodeResult(out)
	if err == nil {
		return res, nil
	}
	if idx := bytes.LastIndexByte(out, '\n'); idx >= 0 {
		if res, lerr := decodeResult(bytes.TrimSpace(out[idx+1:])); lerr == nil {
			return res, nil
		}
	}
	return Result{}, err
}

func decodeResult(b []byte) (Result, error) {
	var raw struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   any             `json:"error"`
		Stack   string          `json:"stack"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Result{}, err
	}
	if raw.Success == nil {
		return Result{}, errors.New(`missing "success" field`)
	}
	res := Result{Success: *raw.Success, Stack: raw.Stack}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		var data any
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return Result{}, err
		}
		res.Data = data
	}
	switch e := raw.Error.(type) {
	case nil:
	case string:
		res.Error = e
	default:
		res.Error = envValue(e)
	}
	if !res.Success && res.Error == "" {
		res.Error = "skill reported failure"
	}
	return res, nil
}

// limitedWriter keeps at most max bytes and silently discards the rest.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
