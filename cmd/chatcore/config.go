package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatcore/config.toml.
// Every field can be overridden from the environment with a CHATCORE_ prefix.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
	Cache    ConfigCache    `toml:"cache"`
	Log      ConfigLog      `toml:"log"`
}

// ConfigDefault holds the provider connection.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url" env:"BASE_URL,overwrite"`
	Token       string `toml:"token" env:"TOKEN,overwrite"`
	WorkspaceID string `toml:"workspace_id" env:"WORKSPACE_ID,overwrite"`
	AccountID   int64  `toml:"account_id" env:"ACCOUNT_ID,overwrite"`
}

// ConfigRealtime holds the event feed settings.
type ConfigRealtime struct {
	Transport     string  `toml:"transport" env:"TRANSPORT,overwrite"`
	PollInterval  string  `toml:"poll_interval" env:"POLL_INTERVAL,overwrite"`
	InboxIDs      []int64 `toml:"inbox_ids" env:"INBOX_IDS,overwrite"`
	WebhookSecret string  `toml:"webhook_secret" env:"WEBHOOK_SECRET,overwrite"`
}

// ConfigCache holds the local cache settings.
type ConfigCache struct {
	Path   string `toml:"path" env:"CACHE_PATH,overwrite"`
	MaxAge string `toml:"max_age" env:"CACHE_MAX_AGE,overwrite"`
}

type ConfigLog struct {
	Level       string `toml:"level" env:"LOG_LEVEL,overwrite"`
	Development bool   `toml:"development" env:"LOG_DEVELOPMENT,overwrite"`
}

const envPrefix = "CHATCORE_"

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatcore, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatcore")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file without environment overrides.
// A missing file yields a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies CHATCORE_* environment
// overrides on top of it.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(context.Background(), cfg, envconfig.OsLookuper()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	if err := envconfig.ProcessWith(ctx, cfg, envconfig.PrefixLookuper(envPrefix, l)); err != nil {
		return fmt.Errorf("parsing env vars: %w", err)
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML. Environment
// overrides are never persisted; callers pass a config from readConfigFile.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "workspace_id":
			cfg.Default.WorkspaceID = value
		case "account_id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("account_id must be an integer: %w", err)
			}
			cfg.Default.AccountID = id
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			switch value {
			case "sse", "ws", "poll":
			default:
				return fmt.Errorf("transport must be one of sse, ws, poll")
			}
			cfg.Realtime.Transport = value
		case "poll_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("poll_interval: %w", err)
			}
			cfg.Realtime.PollInterval = value
		case "inbox_ids":
			ids, err := parseIDList(value)
			if err != nil {
				return err
			}
			cfg.Realtime.InboxIDs = ids
		case "webhook_secret":
			cfg.Realtime.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "cache":
		switch field {
		case "path":
			cfg.Cache.Path = value
		case "max_age":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("max_age: %w", err)
			}
			cfg.Cache.MaxAge = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "development":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("development must be true or false: %w", err)
			}
			cfg.Log.Development = b
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime, cache, log)", section)
	}
	return nil
}

func parseIDList(value string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// pollInterval returns the configured interval, or zero for the feed default.
func (c *Config) pollInterval() (time.Duration, error) {
	if c.Realtime.PollInterval == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Realtime.PollInterval)
}

// cacheMaxAge defaults to 30 days.
func (c *Config) cacheMaxAge() (time.Duration, error) {
	if c.Cache.MaxAge == "" {
		return 30 * 24 * time.Hour, nil
	}
	return time.ParseDuration(c.Cache.MaxAge)
}

// ============================================================================
// config command
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatcore configuration",
	Long:  "View or modify the chatcore CLI configuration stored in ~/.chatcore/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatcore init <base-url> <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatcore config set realtime.transport ws",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
