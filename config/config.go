package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all client configuration
type Config struct {
	BackendURL   string // Base URL of the onboarding backend (config/token/tool/sync)
	SignalingURL string // Realtime signaling endpoint (offer/answer exchange)
	Model        string // Realtime model requested when exchanging the session token
	Voice        string // Preferred agent voice, overridable by fetched config

	ConsolePort    int // Port for the dev console websocket server
	AllowedOrigins []string

	RedisURL      string
	RedisPassword string

	StorePath string // SQLite database path for per-user progress state

	MaxSessions    int
	SessionTimeout time.Duration

	HTTPTimeout   time.Duration // Per-request timeout for backend calls
	RetryAttempts int           // Fixed retry count for transient backend failures
	RetryDelay    time.Duration // Fixed delay between backend retries

	ReconnectAttempts int           // Automatic transport reconnects per start
	ReconnectDelay    time.Duration // Fixed delay before each reconnect attempt

	// Empirically tuned conversation timings. Preserved from the original
	// client; do not re-derive without latency data.
	DedupeWindow      time.Duration // Identical-utterance suppression window
	RepeatCooldown    time.Duration // Minimum gap between "please repeat" turns
	UtteranceCooldown time.Duration // Minimum gap between committed utterances
	FollowupWatchdog  time.Duration // Fallback turn timer after a memory update

	MaxFrameBuffer int // Maximum buffered audio bytes while connecting
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Model:             "realtime-voice-1",
		Voice:             "alloy",
		ConsolePort:       8080,
		AllowedOrigins:    []string{"*"},
		RedisURL:          "localhost:6379",
		RedisPassword:     "",
		StorePath:         "data/onboarding.db",
		MaxSessions:       100,
		SessionTimeout:    30 * time.Minute,
		HTTPTimeout:       10 * time.Second,
		RetryAttempts:     2,
		RetryDelay:        1 * time.Second,
		ReconnectAttempts: 2,
		ReconnectDelay:    2 * time.Second,
		DedupeWindow:      1200 * time.Millisecond,
		RepeatCooldown:    1600 * time.Millisecond,
		UtteranceCooldown: 1500 * time.Millisecond,
		FollowupWatchdog:  4 * time.Second,
		MaxFrameBuffer:    512 * 1024,
	}

	// Required: BACKEND_URL
	config.BackendURL = strings.TrimRight(os.Getenv("BACKEND_URL"), "/")
	if config.BackendURL == "" {
		return nil, fmt.Errorf("BACKEND_URL environment variable is required")
	}

	// Required: SIGNALING_URL
	config.SignalingURL = os.Getenv("SIGNALING_URL")
	if config.SignalingURL == "" {
		return nil, fmt.Errorf("SIGNALING_URL environment variable is required")
	}

	// Optional: REALTIME_MODEL
	if model := os.Getenv("REALTIME_MODEL"); model != "" {
		config.Model = model
	}

	// Optional: AGENT_VOICE
	if voice := os.Getenv("AGENT_VOICE"); voice != "" {
		config.Voice = voice
	}

	// Optional: CONSOLE_PORT
	if port := os.Getenv("CONSOLE_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid CONSOLE_PORT: %w", err)
		}
		config.ConsolePort = p
	}

	// Optional: REDIS_URL
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: STORE_PATH
	if storePath := os.Getenv("STORE_PATH"); storePath != "" {
		config.StorePath = storePath
	}

	// Optional: MAX_SESSIONS
	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		config.MaxSessions = m
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: HTTP_TIMEOUT (in seconds)
	if timeout := os.Getenv("HTTP_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
		}
		config.HTTPTimeout = time.Duration(t) * time.Second
	}

	// Optional: RECONNECT_ATTEMPTS
	if attempts := os.Getenv("RECONNECT_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid RECONNECT_ATTEMPTS: %w", err)
		}
		config.ReconnectAttempts = a
	}

	// Optional timing overrides (in milliseconds)
	for _, tc := range []struct {
		env string
		dst *time.Duration
	}{
		{"DEDUPE_WINDOW_MS", &config.DedupeWindow},
		{"REPEAT_COOLDOWN_MS", &config.RepeatCooldown},
		{"UTTERANCE_COOLDOWN_MS", &config.UtteranceCooldown},
		{"FOLLOWUP_WATCHDOG_MS", &config.FollowupWatchdog},
		{"RETRY_DELAY_MS", &config.RetryDelay},
		{"RECONNECT_DELAY_MS", &config.ReconnectDelay},
	} {
		if v := os.Getenv(tc.env); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", tc.env, err)
			}
			*tc.dst = time.Duration(ms) * time.Millisecond
		}
	}

	// Optional: MAX_FRAME_BUFFER (in bytes)
	if bufferSize := os.Getenv("MAX_FRAME_BUFFER"); bufferSize != "" {
		b, err := strconv.Atoi(bufferSize)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_FRAME_BUFFER: %w", err)
		}
		config.MaxFrameBuffer = b
	}

	return config, nil
}
