package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify spectree configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/spectree/config.yaml
Project-specific overrides can be placed in .spectree.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			if err := setConfigValue(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Printf("Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

// configKeys lists the keys shown by 'spectree config', in display order.
var configKeys = []string{
	"anthropic.api_key",
	"anthropic.model",
	"anthropic.base_url",
	"anthropic.max_tokens",
	"anthropic.max_turns",
	"anthropic.use_bedrock",
	"anthropic.aws_region",
	"anthropic.aws_profile",
	"caps.max_concurrent",
	"caps.max_depth",
	"caps.max_agents",
	"caps.max_cost",
	"caps.max_iterations",
	"caps.max_arch_iterations",
	"store.dir",
	"store.path",
	"store.driver",
	"bus.backend",
	"bus.redis.addr",
	"bus.redis.db",
	"bus.redis.prefix",
	"loop.poll_interval",
	"loop.sweep_interval",
	"loop.dispatch_stagger",
	"loop.cas_retries",
	"loop.cas_backoff",
	"server.addr",
	"tui.refresh_rate",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		fmt.Printf("%s: %s\n", key, value)
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
// Secrets are masked.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.base_url":
		return cfg.Anthropic.BaseURL, nil
	case "anthropic.max_tokens":
		return strconv.FormatInt(cfg.Anthropic.MaxTokens, 10), nil
	case "anthropic.max_turns":
		return strconv.Itoa(cfg.Anthropic.MaxTurns), nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.aws_region":
		return cfg.Anthropic.AWSRegion, nil
	case "anthropic.aws_profile":
		return cfg.Anthropic.AWSProfile, nil
	case "caps.max_concurrent":
		return strconv.Itoa(cfg.Caps.MaxConcurrent), nil
	case "caps.max_depth":
		return strconv.Itoa(cfg.Caps.MaxDepth), nil
	case "caps.max_agents":
		return strconv.Itoa(cfg.Caps.MaxAgents), nil
	case "caps.max_cost":
		return strconv.FormatFloat(cfg.Caps.MaxCost, 'f', -1, 64), nil
	case "caps.max_iterations":
		return strconv.Itoa(cfg.Caps.MaxIterations), nil
	case "caps.max_arch_iterations":
		return strconv.Itoa(cfg.Caps.MaxArchIterations), nil
	case "store.dir":
		return cfg.Store.Dir, nil
	case "store.path":
		return cfg.DBPath(), nil
	case "store.driver":
		return cfg.Store.Driver, nil
	case "bus.backend":
		return cfg.Bus.Backend, nil
	case "bus.redis.addr":
		return cfg.Bus.Redis.Addr, nil
	case "bus.redis.password":
		return config.MaskAPIKey(cfg.Bus.Redis.Password), nil
	case "bus.redis.db":
		return strconv.Itoa(cfg.Bus.Redis.DB), nil
	case "bus.redis.prefix":
		return cfg.Bus.Redis.Prefix, nil
	case "loop.poll_interval":
		return cfg.Loop.PollInterval.String(), nil
	case "loop.sweep_interval":
		return cfg.Loop.SweepInterval.String(), nil
	case "loop.dispatch_stagger":
		return cfg.Loop.DispatchStagger.String(), nil
	case "loop.cas_retries":
		return strconv.Itoa(cfg.Loop.CASRetries), nil
	case "loop.cas_backoff":
		return cfg.Loop.CASBackoff.String(), nil
	case "server.addr":
		return cfg.Server.Addr, nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	default:
		return "", unknownKey(key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	var err error
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.base_url":
		cfg.Anthropic.BaseURL = value
	case "anthropic.max_tokens":
		cfg.Anthropic.MaxTokens, err = strconv.ParseInt(value, 10, 64)
	case "anthropic.max_turns":
		cfg.Anthropic.MaxTurns, err = strconv.Atoi(value)
	case "anthropic.use_bedrock":
		cfg.Anthropic.UseBedrock, err = strconv.ParseBool(value)
	case "anthropic.aws_region":
		cfg.Anthropic.AWSRegion = value
	case "anthropic.aws_profile":
		cfg.Anthropic.AWSProfile = value
	case "caps.max_concurrent":
		cfg.Caps.MaxConcurrent, err = strconv.Atoi(value)
	case "caps.max_depth":
		cfg.Caps.MaxDepth, err = strconv.Atoi(value)
	case "caps.max_agents":
		cfg.Caps.MaxAgents, err = strconv.Atoi(value)
	case "caps.max_cost":
		cfg.Caps.MaxCost, err = strconv.ParseFloat(value, 64)
	case "caps.max_iterations":
		cfg.Caps.MaxIterations, err = strconv.Atoi(value)
	case "caps.max_arch_iterations":
		cfg.Caps.MaxArchIterations, err = strconv.Atoi(value)
	case "store.dir":
		cfg.Store.Dir = value
	case "store.path":
		cfg.Store.Path = value
	case "store.driver":
		cfg.Store.Driver = value
	case "bus.backend":
		cfg.Bus.Backend = value
	case "bus.redis.addr":
		cfg.Bus.Redis.Addr = value
	case "bus.redis.password":
		cfg.Bus.Redis.Password = value
	case "bus.redis.db":
		cfg.Bus.Redis.DB, err = strconv.Atoi(value)
	case "bus.redis.prefix":
		cfg.Bus.Redis.Prefix = value
	case "loop.poll_interval":
		cfg.Loop.PollInterval, err = time.ParseDuration(value)
	case "loop.sweep_interval":
		cfg.Loop.SweepInterval, err = time.ParseDuration(value)
	case "loop.dispatch_stagger":
		cfg.Loop.DispatchStagger, err = time.ParseDuration(value)
	case "loop.cas_retries":
		cfg.Loop.CASRetries, err = strconv.Atoi(value)
	case "loop.cas_backoff":
		cfg.Loop.CASBackoff, err = time.ParseDuration(value)
	case "server.addr":
		cfg.Server.Addr = value
	case "tui.refresh_rate":
		cfg.TUI.RefreshRate, err = time.ParseDuration(value)
	default:
		return unknownKey(key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

func unknownKey(key string) error {
	keys := append([]string(nil), configKeys...)
	sort.Strings(keys)
	return fmt.Errorf("unknown configuration key: %s (known keys: %s)", key, strings.Join(keys, ", "))
}
