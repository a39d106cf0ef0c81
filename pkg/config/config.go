package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.persona/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8090
// database:
//   driver: sqlite
//   dsn: /home/me/.persona/persona.db
// chat:
//   max_tool_rounds: 20
// memory:
//   min_turns: 20
//   threshold_ratio: 0.7
// skills:
//   dir: /home/me/.persona/skills
//   timeout: 30s
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - PERSONA_PORT, PERSONA_DB_DSN and PERSONA_REDIS_ADDR override the file.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
	Chat     ChatConfig     `yaml:"chat"`
	Memory   MemoryConfig   `yaml:"memory"`
	Skills   SkillsConfig   `yaml:"skills"`
	LLM      LLMConfig      `yaml:"llm"`
	Persona  PersonaConfig  `yaml:"persona"`
}

type ServerConfig struct {
	Host *string `yaml:"host,omitempty"`
	Port *int    `yaml:"port,omitempty"`
}

type DatabaseConfig struct {
	// Driver is one of sqlite, mysql, postgres.
	Driver *string `yaml:"driver,omitempty"`
	DSN    *string `yaml:"dsn,omitempty"`
}

// RedisConfig enables the shared generation lock. Empty Addr keeps the lock in-process.
type RedisConfig struct {
	Addr     *string `yaml:"addr,omitempty"`
	Password *string `yaml:"password,omitempty"`
	DB       *int    `yaml:"db,omitempty"`
}

type LogConfig struct {
	Level  *string `yaml:"level,omitempty"`
	Format *string `yaml:"format,omitempty"`
}

type ChatConfig struct {
	MaxToolRounds      *int    `yaml:"max_tool_rounds,omitempty"`
	CancelOnDisconnect *bool   `yaml:"cancel_on_disconnect,omitempty"`
	FallbackMessage    *string `yaml:"fallback_message,omitempty"`
	TopicRefreshEvery  *int    `yaml:"topic_refresh_every,omitempty"`
}

type MemoryConfig struct {
	MinTurns       *int     `yaml:"min_turns,omitempty"`
	ThresholdRatio *float64 `yaml:"threshold_ratio,omitempty"`
	CacheTurns     *int     `yaml:"cache_turns,omitempty"`
	CacheUsers     *int     `yaml:"cache_users,omitempty"`
	// CompressCron is a robfig/cron spec for the background sweep; empty disables it.
	CompressCron *string `yaml:"compress_cron,omitempty"`
}

type SkillsConfig struct {
	Dir           *string  `yaml:"dir,omitempty"`
	Timeout       *string  `yaml:"timeout,omitempty"`
	MemoryMB      *int     `yaml:"memory_mb,omitempty"`
	TruncateChars *int     `yaml:"truncate_chars,omitempty"`
	EnvAllowlist  []string `yaml:"env_allowlist,omitempty"`
}

type LLMConfig struct {
	MaxRetries  *int    `yaml:"max_retries,omitempty"`
	BackoffBase *string `yaml:"backoff_base,omitempty"`
	BackoffCap  *string `yaml:"backoff_cap,omitempty"`
	Timeout     *string `yaml:"timeout,omitempty"`
}

type PersonaConfig struct {
	CacheTTL  *string `yaml:"cache_ttl,omitempty"`
	CacheSize *int    `yaml:"cache_size,omitempty"`
}

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8090

	DefaultDriver = "sqlite"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultMaxToolRounds     = 20
	DefaultFallbackMessage   = "Sorry, I wasn't able to put together a reply just now. Could you try asking again?"
	DefaultTopicRefreshEvery = 10

	DefaultMinTurns       = 20
	DefaultThresholdRatio = 0.7
	DefaultCacheTurns     = 100
	DefaultCacheUsers     = 50

	DefaultSkillTimeout  = 30 * time.Second
	DefaultSkillMemoryMB = 128
	DefaultTruncate      = 4000

	DefaultMaxRetries  = 3
	DefaultBackoffBase = 10 * time.Second
	DefaultBackoffCap  = 120 * time.Second
	DefaultLLMTimeout  = 5 * time.Minute

	DefaultPersonaTTL  = 5 * time.Minute
	DefaultPersonaSize = 256
)

// DefaultEnvAllowlist is the set of host variables passed to skill subprocesses.
var DefaultEnvAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TMPDIR"}

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".persona")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.persona/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}
	cfg, err := LoadFile(configFile)
	if err != nil {
		return nil, "", err
	}
	return cfg, configFile, nil
}

// LoadFile reads the config at path, applies env overrides and validates it.
func LoadFile(configFile string) (*AppConfig, error) {
	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config file %s: %w", configFile, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", configFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w in %s", err, configFile)
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("PERSONA_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PERSONA_PORT %q: %w", v, err)
		}
		c.Server.Port = ptr(port)
	}
	if v := strings.TrimSpace(os.Getenv("PERSONA_DB_DSN")); v != "" {
		c.Database.DSN = ptr(v)
	}
	if v := strings.TrimSpace(os.Getenv("PERSONA_REDIS_ADDR")); v != "" {
		c.Redis.Addr = ptr(v)
	}
	return nil
}

// Validate checks ranges of the configured values.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Host()) == "" {
		return fmt.Errorf("invalid server.host (empty)")
	}
	if port := c.Port(); port < 1 || port > 65535 {
		return fmt.Errorf("invalid server.port %d", port)
	}
	switch c.DatabaseDriver() {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("invalid database.driver %q", c.DatabaseDriver())
	}
	if r := c.ThresholdRatio(); r <= 0 || r > 1 {
		return fmt.Errorf("invalid memory.threshold_ratio %v", r)
	}
	if n := c.MaxToolRounds(); n < 1 {
		return fmt.Errorf("invalid chat.max_tool_rounds %d", n)
	}
	for name, raw := range map[string]*string{
		"skills.timeout":    c.Skills.Timeout,
		"llm.backoff_base":  c.LLM.BackoffBase,
		"llm.backoff_cap":   c.LLM.BackoffCap,
		"llm.timeout":       c.LLM.Timeout,
		"persona.cache_ttl": c.Persona.CacheTTL,
	} {
		if raw == nil {
			continue
		}
		if _, err := time.ParseDuration(*raw); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *raw, err)
		}
	}
	return nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server:   ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Database: DatabaseConfig{Driver: ptr(DefaultDriver), DSN: ptr(filepath.Join(configDir, "persona.db"))},
		Chat:     ChatConfig{MaxToolRounds: ptr(DefaultMaxToolRounds)},
		Memory:   MemoryConfig{MinTurns: ptr(DefaultMinTurns), ThresholdRatio: ptr(DefaultThresholdRatio)},
		Skills:   SkillsConfig{Dir: ptr(filepath.Join(configDir, "skills"))},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) DatabaseDriver() string {
	if c == nil || c.Database.Driver == nil || strings.TrimSpace(*c.Database.Driver) == "" {
		return DefaultDriver
	}
	return strings.ToLower(strings.TrimSpace(*c.Database.Driver))
}

// DatabaseDSN defaults to a sqlite file next to the config.
func (c *AppConfig) DatabaseDSN() string {
	if c != nil && c.Database.DSN != nil && strings.TrimSpace(*c.Database.DSN) != "" {
		return *c.Database.DSN
	}
	dir, _, err := DefaultPaths()
	if err != nil {
		return "persona.db"
	}
	return filepath.Join(dir, "persona.db")
}

func (c *AppConfig) RedisAddr() string {
	if c == nil || c.Redis.Addr == nil {
		return ""
	}
	return strings.TrimSpace(*c.Redis.Addr)
}

func (c *AppConfig) RedisPassword() string {
	if c == nil || c.Redis.Password == nil {
		return ""
	}
	return *c.Redis.Password
}

func (c *AppConfig) RedisDB() int {
	if c == nil || c.Redis.DB == nil {
		return 0
	}
	return *c.Redis.DB
}

func (c *AppConfig) LogLevel() string {
	if c == nil || c.Log.Level == nil || *c.Log.Level == "" {
		return DefaultLogLevel
	}
	return *c.Log.Level
}

func (c *AppConfig) LogFormat() string {
	if c == nil || c.Log.Format == nil || *c.Log.Format == "" {
		return DefaultLogFormat
	}
	return *c.Log.Format
}

func (c *AppConfig) MaxToolRounds() int {
	if c == nil || c.Chat.MaxToolRounds == nil {
		return DefaultMaxToolRounds
	}
	return *c.Chat.MaxToolRounds
}

// CancelOnDisconnect defaults to true.
func (c *AppConfig) CancelOnDisconnect() bool {
	if c == nil || c.Chat.CancelOnDisconnect == nil {
		return true
	}
	return *c.Chat.CancelOnDisconnect
}

func (c *AppConfig) FallbackMessage() string {
	if c == nil || c.Chat.FallbackMessage == nil || strings.TrimSpace(*c.Chat.FallbackMessage) == "" {
		return DefaultFallbackMessage
	}
	return *c.Chat.FallbackMessage
}

func (c *AppConfig) TopicRefreshEvery() int {
	if c == nil || c.Chat.TopicRefreshEvery == nil {
		return DefaultTopicRefreshEvery
	}
	return *c.Chat.TopicRefreshEvery
}

func (c *AppConfig) MinTurns() int {
	if c == nil || c.Memory.MinTurns == nil {
		return DefaultMinTurns
	}
	return *c.Memory.MinTurns
}

func (c *AppConfig) ThresholdRatio() float64 {
	if c == nil || c.Memory.ThresholdRatio == nil {
		return DefaultThresholdRatio
	}
	return *c.Memory.ThresholdRatio
}

func (c *AppConfig) CacheTurns() int {
	if c == nil || c.Memory.CacheTurns == nil || *c.Memory.CacheTurns <= 0 {
		return DefaultCacheTurns
	}
	return *c.Memory.CacheTurns
}

func (c *AppConfig) CacheUsers() int {
	if c == nil || c.Memory.CacheUsers == nil || *c.Memory.CacheUsers <= 0 {
		return DefaultCacheUsers
	}
	return *c.Memory.CacheUsers
}

func (c *AppConfig) CompressCron() string {
	if c == nil || c.Memory.CompressCron == nil {
		return ""
	}
	return strings.TrimSpace(*c.Memory.CompressCron)
}

func (c *AppConfig) SkillsDir() string {
	if c != nil && c.Skills.Dir != nil && *c.Skills.Dir != "" {
		return *c.Skills.Dir
	}
	dir, _, err := DefaultPaths()
	if err != nil {
		return "skills"
	}
	return filepath.Join(dir, "skills")
}

func (c *AppConfig) SkillTimeout() time.Duration {
	if c == nil {
		return DefaultSkillTimeout
	}
	return durationOr(c.Skills.Timeout, DefaultSkillTimeout)
}

func (c *AppConfig) SkillMemoryMB() int {
	if c == nil || c.Skills.MemoryMB == nil || *c.Skills.MemoryMB <= 0 {
		return DefaultSkillMemoryMB
	}
	return *c.Skills.MemoryMB
}

func (c *AppConfig) TruncateChars() int {
	if c == nil || c.Skills.TruncateChars == nil || *c.Skills.TruncateChars <= 0 {
		return DefaultTruncate
	}
	return *c.Skills.TruncateChars
}

func (c *AppConfig) EnvAllowlist() []string {
	if c == nil || len(c.Skills.EnvAllowlist) == 0 {
		return append([]string(nil), DefaultEnvAllowlist...)
	}
	return append([]string(nil), c.Skills.EnvAllowlist...)
}

func (c *AppConfig) MaxRetries() int {
	if c == nil || c.LLM.MaxRetries == nil || *c.LLM.MaxRetries < 1 {
		return DefaultMaxRetries
	}
	return *c.LLM.MaxRetries
}

func (c *AppConfig) BackoffBase() time.Duration {
	if c == nil {
		return DefaultBackoffBase
	}
	return durationOr(c.LLM.BackoffBase, DefaultBackoffBase)
}

func (c *AppConfig) BackoffCap() time.Duration {
	if c == nil {
		return DefaultBackoffCap
	}
	return durationOr(c.LLM.BackoffCap, DefaultBackoffCap)
}

func (c *AppConfig) LLMTimeout() time.Duration {
	if c == nil {
		return DefaultLLMTimeout
	}
	return durationOr(c.LLM.Timeout, DefaultLLMTimeout)
}

func (c *AppConfig) PersonaCacheTTL() time.Duration {
	if c == nil {
		return DefaultPersonaTTL
	}
	return durationOr(c.Persona.CacheTTL, DefaultPersonaTTL)
}

func (c *AppConfig) PersonaCacheSize() int {
	if c == nil || c.Persona.CacheSize == nil || *c.Persona.CacheSize <= 0 {
		return DefaultPersonaSize
	}
	return *c.Persona.CacheSize
}

func durationOr(raw *string, def time.Duration) time.Duration {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(*raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func ptr[T any](v T) *T { return &v }
