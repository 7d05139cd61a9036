// Package config provides configuration types and loading for pmdaemon.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig     `json:"paths" yaml:"paths"`
	Identity  IdentityConfig  `json:"identity" yaml:"identity"`
	Slack     SlackConfig     `json:"slack" yaml:"slack"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	Planner   PlannerConfig   `json:"planner" yaml:"planner"`
	Gate      GateConfig      `json:"gate" yaml:"gate"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Reports   ReportsConfig   `json:"reports" yaml:"reports"`
	Mail      MailConfig      `json:"mail" yaml:"mail"`
	Calendar  CalendarConfig  `json:"calendar" yaml:"calendar"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DBPath       string `json:"dbPath" yaml:"dbPath" envconfig:"DB_PATH"`
	DocumentPath string `json:"documentPath" yaml:"documentPath" envconfig:"DOCUMENT_PATH"`
	LockPath     string `json:"lockPath" yaml:"lockPath" envconfig:"LOCK_PATH"`
}

// ---------------------------------------------------------------------------
// Identity – who the daemon is and who may command it
// ---------------------------------------------------------------------------

// IdentityConfig names the daemon's own chat identity and the authorized operator.
type IdentityConfig struct {
	BotID        string            `json:"botId" yaml:"botId" envconfig:"BOT_ID"`
	BotName      string            `json:"botName" yaml:"botName" envconfig:"BOT_NAME"`
	OperatorID   string            `json:"operatorId" yaml:"operatorId" envconfig:"OPERATOR_ID"`
	OperatorName string            `json:"operatorName" yaml:"operatorName" envconfig:"OPERATOR_NAME"`
	OperatorMail string            `json:"operatorMail" yaml:"operatorMail" envconfig:"OPERATOR_MAIL"`
	AllowFrom    []string          `json:"allowFrom" yaml:"allowFrom" envconfig:"ALLOW_FROM"`
	Directory    map[string]string `json:"directory" yaml:"directory" envconfig:"DIRECTORY"`
}

// Senders returns the operator plus AllowFrom, deduplicated.
func (c IdentityConfig) Senders() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range append([]string{c.OperatorID}, c.AllowFrom...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ---------------------------------------------------------------------------
// Sources – where events come from
// ---------------------------------------------------------------------------

// SlackConfig configures the Slack messaging adapter and mention sources.
type SlackConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	BotToken      string   `json:"botToken" yaml:"botToken" envconfig:"BOT_TOKEN"`
	SigningSecret string   `json:"signingSecret" yaml:"signingSecret" envconfig:"SIGNING_SECRET"`
	APIBase       string   `json:"apiBase,omitempty" yaml:"apiBase,omitempty" envconfig:"API_BASE"`
	Channels      []string `json:"channels" yaml:"channels" envconfig:"CHANNELS"`
	// Keywords also select messages that do not tag the bot.
	Keywords     []string `json:"keywords" yaml:"keywords" envconfig:"KEYWORDS"`
	Lookback     Duration `json:"lookback" yaml:"lookback" envconfig:"LOOKBACK"`
	HistoryLimit int      `json:"historyLimit" yaml:"historyLimit" envconfig:"HISTORY_LIMIT"`
}

// KafkaConfig configures the optional Kafka event source.
type KafkaConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" yaml:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" yaml:"topic" envconfig:"TOPIC"`
	GroupID string `json:"groupId" yaml:"groupId" envconfig:"GROUP_ID"`
}

// ---------------------------------------------------------------------------
// Planner – oracle client
// ---------------------------------------------------------------------------

// PlannerConfig configures the planning oracle and its identity pool.
type PlannerConfig struct {
	Provider    string   `json:"provider" yaml:"provider" envconfig:"PROVIDER"`
	Model       string   `json:"model" yaml:"model" envconfig:"MODEL"`
	APIBase     string   `json:"apiBase,omitempty" yaml:"apiBase,omitempty" envconfig:"API_BASE"`
	APIKeys     []string `json:"apiKeys" yaml:"apiKeys" envconfig:"API_KEYS"`
	MaxTokens   int      `json:"maxTokens" yaml:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64  `json:"temperature" yaml:"temperature" envconfig:"TEMPERATURE"`
	// MaxAttempts bounds calls per identity before rotating.
	MaxAttempts       int      `json:"maxAttempts" yaml:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	RetryBaseDelay    Duration `json:"retryBaseDelay" yaml:"retryBaseDelay" envconfig:"RETRY_BASE_DELAY"`
	RequestsPerMinute float64  `json:"requestsPerMinute" yaml:"requestsPerMinute" envconfig:"REQUESTS_PER_MINUTE"`
	Timeout           Duration `json:"timeout" yaml:"timeout" envconfig:"TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Gate / Queue – approval thresholds and retention
// ---------------------------------------------------------------------------

// GateConfig holds the confidence thresholds used for approval assignment.
type GateConfig struct {
	MessageThreshold  float64 `json:"messageThreshold" yaml:"messageThreshold" envconfig:"MESSAGE_THRESHOLD"`
	PollThreshold     float64 `json:"pollThreshold" yaml:"pollThreshold" envconfig:"POLL_THRESHOLD"`
	MutatingThreshold float64 `json:"mutatingThreshold" yaml:"mutatingThreshold" envconfig:"MUTATING_THRESHOLD"`
}

// QueueConfig holds retention windows for queued actions.
type QueueConfig struct {
	PendingRetention  Duration `json:"pendingRetention" yaml:"pendingRetention" envconfig:"PENDING_RETENTION"`
	TerminalRetention Duration `json:"terminalRetention" yaml:"terminalRetention" envconfig:"TERMINAL_RETENTION"`
}

// ---------------------------------------------------------------------------
// Scheduler / Reports
// ---------------------------------------------------------------------------

// SchedulerConfig holds the periods of the interval jobs.
type SchedulerConfig struct {
	IngestInterval   Duration `json:"ingestInterval" yaml:"ingestInterval" envconfig:"INGEST_INTERVAL"`
	ExecuteInterval  Duration `json:"executeInterval" yaml:"executeInterval" envconfig:"EXECUTE_INTERVAL"`
	AnalysisInterval Duration `json:"analysisInterval" yaml:"analysisInterval" envconfig:"ANALYSIS_INTERVAL"`
	CleanupInterval  Duration `json:"cleanupInterval" yaml:"cleanupInterval" envconfig:"CLEANUP_INTERVAL"`
	ShutdownTimeout  Duration `json:"shutdownTimeout" yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
	TickInterval     Duration `json:"tickInterval" yaml:"tickInterval" envconfig:"TICK_INTERVAL"`
}

// ReportsConfig holds the calendar-anchored report slots ("M H * * DOW" slots, local to Timezone).
type ReportsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	Timezone  string `json:"timezone" yaml:"timezone" envconfig:"TIMEZONE"`
	Morning   string `json:"morning" yaml:"morning" envconfig:"MORNING"`
	Evening   string `json:"evening" yaml:"evening" envconfig:"EVENING"`
	Weekly    string `json:"weekly" yaml:"weekly" envconfig:"WEEKLY"`
	Channel   string `json:"channel" yaml:"channel" envconfig:"CHANNEL"`
	StaleDays int    `json:"staleDays" yaml:"staleDays" envconfig:"STALE_DAYS"`
}

// Location resolves Timezone, falling back to time.Local.
func (c ReportsConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ---------------------------------------------------------------------------
// Collaborators – mail and calendar
// ---------------------------------------------------------------------------

// MailConfig configures the SMTP mail adapter.
type MailConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	Host     string `json:"host" yaml:"host" envconfig:"HOST"`
	Port     int    `json:"port" yaml:"port" envconfig:"PORT"`
	Username string `json:"username" yaml:"username" envconfig:"USERNAME"`
	Password string `json:"password" yaml:"password" envconfig:"PASSWORD"`
	From     string `json:"from" yaml:"from" envconfig:"FROM"`
}

// CalendarConfig configures the calendar adapter.
type CalendarConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	APIBase     string `json:"apiBase,omitempty" yaml:"apiBase,omitempty" envconfig:"API_BASE"`
	CalendarID  string `json:"calendarId" yaml:"calendarId" envconfig:"CALENDAR_ID"`
	AccessToken string `json:"accessToken" yaml:"accessToken" envconfig:"ACCESS_TOKEN"`
	Timezone    string `json:"timezone" yaml:"timezone" envconfig:"TIMEZONE"`
}

// ---------------------------------------------------------------------------
// Server / Log
// ---------------------------------------------------------------------------

// ServerConfig configures the health, metrics and events listener.
type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	Host    string `json:"host" yaml:"host" envconfig:"HOST"`
	Port    int    `json:"port" yaml:"port" envconfig:"PORT"`
	// AuthToken guards the operator endpoints when set.
	AuthToken string `json:"authToken" yaml:"authToken" envconfig:"AUTH_TOKEN"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" envconfig:"LEVEL"`
	Format string `json:"format" yaml:"format" envconfig:"FORMAT"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ConfigDir)
	return &Config{
		Paths: PathsConfig{
			DBPath:       filepath.Join(base, "pmdaemon.db"),
			DocumentPath: filepath.Join(base, "context.md"),
			LockPath:     filepath.Join(base, "pmdaemon.lock"),
		},
		Identity: IdentityConfig{
			BotName:   "pmdaemon",
			Directory: map[string]string{},
		},
		Slack: SlackConfig{
			Lookback:     Duration(12 * time.Hour),
			HistoryLimit: 100,
		},
		Kafka: KafkaConfig{
			GroupID: "pmdaemon",
		},
		Planner: PlannerConfig{
			Provider:          "gemini",
			Model:             "gemini-2.0-flash",
			MaxTokens:         4096,
			Temperature:       0.2,
			MaxAttempts:       3,
			RetryBaseDelay:    Duration(2 * time.Second),
			RequestsPerMinute: 15,
			Timeout:           Duration(120 * time.Second),
		},
		Gate: GateConfig{
			MessageThreshold:  0.7,
			PollThreshold:     0.75,
			MutatingThreshold: 0.85,
		},
		Queue: QueueConfig{
			PendingRetention:  Duration(72 * time.Hour),
			TerminalRetention: Duration(time.Hour),
		},
		Scheduler: SchedulerConfig{
			IngestInterval:   Duration(30 * time.Second),
			ExecuteInterval:  Duration(10 * time.Second),
			AnalysisInterval: Duration(time.Hour),
			CleanupInterval:  Duration(time.Hour),
			ShutdownTimeout:  Duration(60 * time.Second),
			TickInterval:     Duration(time.Second),
		},
		Reports: ReportsConfig{
			Enabled:   true,
			Morning:   "0 10 * * *",
			Evening:   "0 18 * * *",
			Weekly:    "0 17 * * 5",
			StaleDays: 3,
		},
		Mail: MailConfig{
			Port: 587,
		},
		Calendar: CalendarConfig{
			CalendarID: "primary",
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8089,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
