// Package config handles configuration loading for spectree. It layers
// built-in defaults, the user config under the XDG config directory, a
// project .spectree.yaml found in the working directory or a parent, and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/internal/orchestrator/policy"
)

// ProjectConfigName is the project-level config file searched upward.
const ProjectConfigName = ".spectree.yaml"

// Config holds all configuration for spectree.
type Config struct {
	Caps      CapsConfig      `mapstructure:"caps"`
	Store     StoreConfig     `mapstructure:"store"`
	Bus       BusConfig       `mapstructure:"bus"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Server    ServerConfig    `mapstructure:"server"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// CapsConfig holds the run caps.
type CapsConfig struct {
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
	MaxDepth          int     `mapstructure:"max_depth"`
	MaxAgents         int     `mapstructure:"max_agents"`
	MaxCost           float64 `mapstructure:"max_cost"`
	MaxIterations     int     `mapstructure:"max_iterations"`
	MaxArchIterations int     `mapstructure:"max_arch_iterations"`
}

// StoreConfig locates the spec store.
type StoreConfig struct {
	// Dir is the state directory holding the database, logs and decisions.
	Dir string `mapstructure:"dir"`
	// Path overrides the database location; empty means Dir/state.db.
	Path string `mapstructure:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver"`
}

// BusConfig selects the message bus backend.
type BusConfig struct {
	// Backend is "sqlite" or "redis".
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	MaxTurns   int    `mapstructure:"max_turns"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// LoopConfig tunes the run loop.
type LoopConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	DispatchStagger time.Duration `mapstructure:"dispatch_stagger"`
	CASRetries      int           `mapstructure:"cas_retries"`
	CASBackoff      time.Duration `mapstructure:"cas_backoff"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// TUIConfig holds live view settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, SPECTREE_CAPS_MAX_CONCURRENT, ...)
// 2. Project config (.spectree.yaml in current directory or parent)
// 3. User config (~/.config/spectree/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file over the defaults.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("spectree")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "SPECTREE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	dir := getUserConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	for key, val := range cfg.settings() {
		v.Set(key, val)
	}
	return v.WriteConfig()
}

// settings flattens the config into viper keys. Durations are written as
// strings so the file stays readable.
func (c *Config) settings() map[string]interface{} {
	return map[string]interface{}{
		"caps.max_concurrent":      c.Caps.MaxConcurrent,
		"caps.max_depth":           c.Caps.MaxDepth,
		"caps.max_agents":          c.Caps.MaxAgents,
		"caps.max_cost":            c.Caps.MaxCost,
		"caps.max_iterations":      c.Caps.MaxIterations,
		"caps.max_arch_iterations": c.Caps.MaxArchIterations,
		"store.dir":                c.Store.Dir,
		"store.path":               c.Store.Path,
		"store.driver":             c.Store.Driver,
		"bus.backend":              c.Bus.Backend,
		"bus.redis.addr":           c.Bus.Redis.Addr,
		"bus.redis.password":       c.Bus.Redis.Password,
		"bus.redis.db":             c.Bus.Redis.DB,
		"bus.redis.prefix":         c.Bus.Redis.Prefix,
		"anthropic.api_key":        c.Anthropic.APIKey,
		"anthropic.model":          c.Anthropic.Model,
		"anthropic.base_url":       c.Anthropic.BaseURL,
		"anthropic.max_tokens":     c.Anthropic.MaxTokens,
		"anthropic.max_turns":      c.Anthropic.MaxTurns,
		"anthropic.use_bedrock":    c.Anthropic.UseBedrock,
		"anthropic.aws_region":     c.Anthropic.AWSRegion,
		"anthropic.aws_profile":    c.Anthropic.AWSProfile,
		"loop.poll_interval":       c.Loop.PollInterval.String(),
		"loop.sweep_interval":      c.Loop.SweepInterval.String(),
		"loop.dispatch_stagger":    c.Loop.DispatchStagger.String(),
		"loop.cas_retries":         c.Loop.CASRetries,
		"loop.cas_backoff":         c.Loop.CASBackoff.String(),
		"server.addr":              c.Server.Addr,
		"tui.refresh_rate":         c.TUI.RefreshRate.String(),
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	for key, val := range Default().settings() {
		v.SetDefault(key, val)
	}
}

// Default returns a Config with default values.
func Default() *Config {
	caps := orchestrator.DefaultCaps()
	loop := policy.Default()
	return &Config{
		Caps: CapsConfig{
			MaxConcurrent:     caps.MaxConcurrent,
			MaxDepth:          caps.MaxDepth,
			MaxAgents:         caps.MaxAgents,
			MaxCost:           caps.MaxCost,
			MaxIterations:     caps.MaxIterations,
			MaxArchIterations: caps.MaxArchIterations,
		},
		Store: StoreConfig{
			Dir:    ".spectree",
			Driver: "sqlite",
		},
		Bus: BusConfig{
			Backend: "sqlite",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "spectree:bus:",
			},
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
			MaxTurns:  50,
		},
		Loop: LoopConfig{
			PollInterval:    loop.Loop.PollInterval,
			SweepInterval:   loop.Loop.SweepInterval,
			DispatchStagger: loop.Loop.DispatchStagger,
			CASRetries:      loop.Retry.MaxCASRetries,
			CASBackoff:      loop.Retry.Backoff,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
		TUI: TUIConfig{
			RefreshRate: 500 * time.Millisecond,
		},
	}
}

// Validate clamps out-of-range values to defaults the way the orchestrator
// policy does, and rejects unknown backends.
func (c *Config) Validate() error {
	d := Default()

	if c.Caps.MaxConcurrent < 1 {
		c.Caps.MaxConcurrent = d.Caps.MaxConcurrent
	}
	if c.Caps.MaxIterations < 1 {
		c.Caps.MaxIterations = d.Caps.MaxIterations
	}
	if c.Caps.MaxArchIterations < 1 {
		c.Caps.MaxArchIterations = d.Caps.MaxArchIterations
	}
	// Zero disables the depth, agent and cost caps.
	if c.Caps.MaxDepth < 0 {
		c.Caps.MaxDepth = 0
	}
	if c.Caps.MaxAgents < 0 {
		c.Caps.MaxAgents = 0
	}
	if c.Caps.MaxCost < 0 {
		c.Caps.MaxCost = 0
	}

	if c.Store.Dir == "" {
		c.Store.Dir = d.Store.Dir
	}
	switch c.Store.Driver {
	case "":
		c.Store.Driver = d.Store.Driver
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver %q: want sqlite or sqlite3", c.Store.Driver)
	}

	switch c.Bus.Backend {
	case "":
		c.Bus.Backend = d.Bus.Backend
	case "sqlite", "redis":
	default:
		return fmt.Errorf("bus.backend %q: want sqlite or redis", c.Bus.Backend)
	}
	if c.Bus.Redis.Prefix == "" {
		c.Bus.Redis.Prefix = d.Bus.Redis.Prefix
	}

	if c.Anthropic.MaxTokens <= 0 {
		c.Anthropic.MaxTokens = d.Anthropic.MaxTokens
	}
	if c.Anthropic.MaxTurns <= 0 {
		c.Anthropic.MaxTurns = d.Anthropic.MaxTurns
	}
	if c.TUI.RefreshRate < 50*time.Millisecond {
		c.TUI.RefreshRate = d.TUI.RefreshRate
	}
	return nil
}

// DBPath returns the spec store database path.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.Store.Dir, "state.db")
}

// LogDir returns the directory for the debug log and event journal.
func (c *Config) LogDir() string {
	return filepath.Join(c.Store.Dir, "logs")
}

// DecisionsDir returns the directory watched for decision and signal files.
func (c *Config) DecisionsDir() string {
	return filepath.Join(c.Store.Dir, "decisions")
}

// OrchestratorCaps converts the caps section.
func (c *Config) OrchestratorCaps() orchestrator.Caps {
	return orchestrator.Caps{
		MaxConcurrent:     c.Caps.MaxConcurrent,
		MaxDepth:          c.Caps.MaxDepth,
		MaxAgents:         c.Caps.MaxAgents,
		MaxCost:           c.Caps.MaxCost,
		MaxIterations:     c.Caps.MaxIterations,
		MaxArchIterations: c.Caps.MaxArchIterations,
	}
}

// Policy converts the loop section into an orchestrator policy. The result
// is validated, so out-of-range intervals fall back to defaults.
func (c *Config) Policy() *policy.Config {
	p := policy.Default()
	p.Loop.PollInterval = c.Loop.PollInterval
	p.Loop.SweepInterval = c.Loop.SweepInterval
	p.Loop.DispatchStagger = c.Loop.DispatchStagger
	p.Retry.MaxCASRetries = c.Loop.CASRetries
	p.Retry.Backoff = c.Loop.CASBackoff
	_ = p.Validate()
	return p
}

func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "spectree")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "spectree")
	}
	return filepath.Join(home, ".config", "spectree")
}

// findProjectConfig searches for .spectree.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
