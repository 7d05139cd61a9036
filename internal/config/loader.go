package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".pmdaemon"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// ConfigFileYAML is picked up when ConfigFile does not exist.
	ConfigFileYAML = "config.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PMDAEMON"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	jsonPath := filepath.Join(home, ConfigDir, ConfigFile)
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath, nil
	}
	yamlPath := filepath.Join(home, ConfigDir, ConfigFileYAML)
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath, nil
	}
	return jsonPath, nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv(EnvPrefix + "_HOME")); h != "" {
		return expandHome(h)
	}
	return os.UserHomeDir()
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load builds the configuration: defaults, then the config file, then
// environment overrides per group.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/pmdaemon/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}
	if err := loadFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)
	applyLegacyEnv(cfg)

	for _, p := range []*string{&cfg.Paths.DBPath, &cfg.Paths.DocumentPath, &cfg.Paths.LockPath} {
		if expanded, err := expandHome(*p); err == nil {
			*p = expanded
		}
	}
	if cfg.Reports.Channel == "" && len(cfg.Slack.Channels) > 0 {
		cfg.Reports.Channel = cfg.Slack.Channels[0]
	}
	return cfg, nil
}

// loadFile decodes a JSON or YAML file (by extension) over cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv overlays PMDAEMON_<GROUP>_<FIELD> variables. A malformed value is
// logged and leaves the group as loaded from the file.
func applyEnv(cfg *Config) {
	groups := []struct {
		prefix string
		spec   any
	}{
		{"PATHS", &cfg.Paths},
		{"IDENTITY", &cfg.Identity},
		{"SLACK", &cfg.Slack},
		{"KAFKA", &cfg.Kafka},
		{"PLANNER", &cfg.Planner},
		{"GATE", &cfg.Gate},
		{"QUEUE", &cfg.Queue},
		{"SCHEDULER", &cfg.Scheduler},
		{"REPORTS", &cfg.Reports},
		{"MAIL", &cfg.Mail},
		{"CALENDAR", &cfg.Calendar},
		{"SERVER", &cfg.Server},
		{"LOG", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.prefix, g.spec); err != nil {
			slog.Warn("Ignoring malformed environment override", "group", EnvPrefix+"_"+g.prefix, "error", err)
		}
	}
}

// applyLegacyEnv honours the variable names used by earlier deployments.
func applyLegacyEnv(cfg *Config) {
	setIfEmpty := func(dst *string, keys ...string) {
		if *dst != "" {
			return
		}
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	setIfEmpty(&cfg.Slack.BotToken, "SLACK_BOT_TOKEN")
	setIfEmpty(&cfg.Slack.SigningSecret, "SLACK_SIGNING_SECRET")
	setIfEmpty(&cfg.Identity.BotID, "SLACK_BOT_USER_ID")
	setIfEmpty(&cfg.Identity.OperatorID, "SLACK_USER_ID")
	setIfEmpty(&cfg.Identity.OperatorMail, "USER_EMAIL")
	if len(cfg.Slack.Channels) == 0 {
		if v := strings.TrimSpace(os.Getenv("SLACK_CHANNELS")); v != "" {
			cfg.Slack.Channels = strings.Fields(strings.ReplaceAll(v, ",", " "))
		}
	}
	if len(cfg.Planner.APIKeys) == 0 {
		for _, k := range []string{"GOOGLE_API_KEY", "GOOGLE_API_KEY_BACKUP"} {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				cfg.Planner.APIKeys = append(cfg.Planner.APIKeys, v)
			}
		}
	}
	if !cfg.Slack.Enabled && cfg.Slack.BotToken != "" {
		cfg.Slack.Enabled = true
	}
}

// Validate checks the settings required to run the daemon.
func (c *Config) Validate() error {
	var errs []error
	if c.Identity.BotID == "" {
		errs = append(errs, errors.New("identity.botId is required"))
	}
	if c.Identity.OperatorID == "" {
		errs = append(errs, errors.New("identity.operatorId is required"))
	}
	if c.Slack.Enabled && c.Slack.BotToken == "" {
		errs = append(errs, errors.New("slack.botToken is required when slack is enabled"))
	}
	if c.Kafka.Enabled && (c.Kafka.Brokers == "" || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}
	if len(c.Planner.APIKeys) == 0 {
		errs = append(errs, errors.New("planner.apiKeys needs at least one key"))
	}
	for name, v := range map[string]float64{
		"gate.messageThreshold":  c.Gate.MessageThreshold,
		"gate.pollThreshold":     c.Gate.PollThreshold,
		"gate.mutatingThreshold": c.Gate.MutatingThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	return errors.Join(errs...)
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
