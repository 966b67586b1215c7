// Package config layers flags, AGENTDESK_* environment variables, an optional
// .env file and an optional YAML file into one normalized Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentdesk/internal/agentos"
	"agentdesk/internal/controller"
)

const EnvPrefix = "AGENTDESK"

const (
	KeyConfig            = "config"
	KeyEnvFile           = "env-file"
	KeyBaseURL           = "base-url"
	KeyAgentID           = "agent-id"
	KeySessionID         = "session-id"
	KeyUserID            = "user-id"
	KeyDBID              = "db-id"
	KeyDebounce          = "debounce"
	KeySuggestionLimit   = "suggestion-limit"
	KeyMinScore          = "min-score"
	KeyHealthPath        = "health-path"
	KeyHealthInterval    = "health-interval"
	KeyFailureThreshold  = "failure-threshold"
	KeyReconnectInitial  = "reconnect-initial"
	KeyReconnectMax      = "reconnect-max"
	KeyPollInterval      = "poll-interval"
	KeyStreamIdleTimeout = "stream-idle-timeout"
	KeyRequestTimeout    = "request-timeout"
	KeyLogFile           = "log-file"
	KeyLogLevel          = "log-level"
	KeyLogStderr         = "log-stderr"
	KeyMetricsAddr       = "metrics-addr"
	KeyAltScreen         = "alt-screen"
)

type Config struct {
	BaseURL           string
	AgentID           string
	SessionID         string
	UserID            string
	DBID              string
	Debounce          time.Duration
	SuggestionLimit   int
	MinScore          float64
	HealthPath        string
	HealthInterval    time.Duration
	FailureThreshold  int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	PollInterval      time.Duration
	StreamIdleTimeout time.Duration
	RequestTimeout    time.Duration
	LogFile           string
	LogLevel          string
	LogStderr         bool
	MetricsAddr       string
	AltScreen         bool

	// ConfigFile is the YAML file actually read, if any.
	ConfigFile string
}

// BindFlags registers every setting as a persistent flag of cmd.
func BindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(KeyConfig, "", "YAML config file")
	flags.String(KeyEnvFile, ".env", "dotenv file loaded before reading the environment")
	flags.String(KeyBaseURL, "http://127.0.0.1:7777", "AgentOS base URL")
	flags.String(KeyAgentID, "", "Conversation agent id (empty disables skill routing)")
	flags.String(KeySessionID, "", "Conversation session id (generated when empty)")
	flags.String(KeyUserID, "", "User id sent with agent runs")
	flags.String(KeyDBID, "", "Knowledge database id")
	flags.Duration(KeyDebounce, 400*time.Millisecond, "Quiet period before routing the input")
	flags.Int(KeySuggestionLimit, 5, "Maximum routed skills")
	flags.Float64(KeyMinScore, 0, "Minimum routing score")
	flags.String(KeyHealthPath, "/system/health", "Health probe path")
	flags.Duration(KeyHealthInterval, 15*time.Second, "Health probe cadence while connected")
	flags.Int(KeyFailureThreshold, 2, "Consecutive probe failures before disconnecting")
	flags.Duration(KeyReconnectInitial, time.Second, "First reconnect delay")
	flags.Duration(KeyReconnectMax, 8*time.Second, "Reconnect delay cap")
	flags.Duration(KeyPollInterval, 3*time.Second, "Knowledge status poll cadence")
	flags.Duration(KeyStreamIdleTimeout, 60*time.Second, "Fail a response stream idle for this long")
	flags.Duration(KeyRequestTimeout, 20*time.Second, "Timeout for non-streaming requests")
	flags.String(KeyLogFile, "agentdesk.log", "Rotated log file")
	flags.String(KeyLogLevel, "info", "Log level (debug|info|warn|error)")
	flags.Bool(KeyLogStderr, false, "Also log to stderr")
	flags.String(KeyMetricsAddr, "", "Serve Prometheus metrics on this address")
	flags.Bool(KeyAltScreen, true, "Use alternate screen buffer")
}

// Load resolves the settings of cmd. Precedence: flags set on the command
// line, then AGENTDESK_* variables (a .env file may provide them), then the
// YAML file, then flag defaults.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	envFile := strings.TrimSpace(v.GetString(KeyEnvFile))
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := Config{}
	if file := strings.TrimSpace(v.GetString(KeyConfig)); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
		cfg.ConfigFile = v.ConfigFileUsed()
	}

	cfg.BaseURL = v.GetString(KeyBaseURL)
	cfg.AgentID = v.GetString(KeyAgentID)
	cfg.SessionID = v.GetString(KeySessionID)
	cfg.UserID = v.GetString(KeyUserID)
	cfg.DBID = v.GetString(KeyDBID)
	cfg.Debounce = v.GetDuration(KeyDebounce)
	cfg.SuggestionLimit = v.GetInt(KeySuggestionLimit)
	cfg.MinScore = v.GetFloat64(KeyMinScore)
	cfg.HealthPath = v.GetString(KeyHealthPath)
	cfg.HealthInterval = v.GetDuration(KeyHealthInterval)
	cfg.FailureThreshold = v.GetInt(KeyFailureThreshold)
	cfg.ReconnectInitial = v.GetDuration(KeyReconnectInitial)
	cfg.ReconnectMax = v.GetDuration(KeyReconnectMax)
	cfg.PollInterval = v.GetDuration(KeyPollInterval)
	cfg.StreamIdleTimeout = v.GetDuration(KeyStreamIdleTimeout)
	cfg.RequestTimeout = v.GetDuration(KeyRequestTimeout)
	cfg.LogFile = v.GetString(KeyLogFile)
	cfg.LogLevel = v.GetString(KeyLogLevel)
	cfg.LogStderr = v.GetBool(KeyLogStderr)
	cfg.MetricsAddr = v.GetString(KeyMetricsAddr)
	cfg.AltScreen = v.GetBool(KeyAltScreen)

	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize trims and clamps every value into its supported range.
func (c Config) Normalize() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.AgentID = strings.TrimSpace(c.AgentID)
	c.SessionID = strings.TrimSpace(c.SessionID)
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	c.UserID = strings.TrimSpace(c.UserID)
	c.DBID = strings.TrimSpace(c.DBID)
	c.HealthPath = strings.TrimSpace(c.HealthPath)
	if c.HealthPath == "" {
		c.HealthPath = "/system/health"
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		c.HealthPath = "/" + c.HealthPath
	}

	c.Debounce = clampDuration(c.Debounce, 50*time.Millisecond, 5*time.Second)
	c.SuggestionLimit = clampInt(c.SuggestionLimit, 1, 20)
	if c.MinScore < 0 {
		c.MinScore = 0
	}
	c.HealthInterval = clampDuration(c.HealthInterval, time.Second, 10*time.Minute)
	c.FailureThreshold = clampInt(c.FailureThreshold, 1, 10)
	c.ReconnectMax = clampDuration(c.ReconnectMax, 100*time.Millisecond, c.HealthInterval)
	c.ReconnectInitial = clampDuration(c.ReconnectInitial, 100*time.Millisecond, c.ReconnectMax)
	c.PollInterval = clampDuration(c.PollInterval, 500*time.Millisecond, time.Minute)
	c.StreamIdleTimeout = clampDuration(c.StreamIdleTimeout, time.Second, 30*time.Minute)
	c.RequestTimeout = clampDuration(c.RequestTimeout, time.Second, 5*time.Minute)

	c.LogFile = strings.TrimSpace(c.LogFile)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	case "warning":
		c.LogLevel = "warn"
	default:
		c.LogLevel = "info"
	}
	c.MetricsAddr = strings.TrimSpace(c.MetricsAddr)
	return c
}

func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s %q: want http(s)://host[:port]", KeyBaseURL, c.BaseURL)
	}
	return nil
}

func (c Config) Target() controller.Target {
	return controller.Target{AgentID: c.AgentID, SessionID: c.SessionID}
}

func (c Config) Controller() controller.Config {
	return controller.Config{
		Debounce:          c.Debounce,
		SuggestionLimit:   c.SuggestionLimit,
		MinScore:          c.MinScore,
		HealthInterval:    c.HealthInterval,
		FailureThreshold:  c.FailureThreshold,
		ReconnectInitial:  c.ReconnectInitial,
		ReconnectMax:      c.ReconnectMax,
		PollInterval:      c.PollInterval,
		StreamIdleTimeout: c.StreamIdleTimeout,
		UserID:            c.UserID,
		Target:            c.Target(),
	}
}

// Client returns the transport options; the caller supplies the logger.
func (c Config) Client() agentos.Options {
	return agentos.Options{
		BaseURL:    c.BaseURL,
		HealthPath: c.HealthPath,
		DBID:       c.DBID,
		UserID:     c.UserID,
		Timeout:    c.RequestTimeout,
	}
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func clampDuration(value, min, max time.Duration) time.Duration {
	if max < min {
		max = min
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
