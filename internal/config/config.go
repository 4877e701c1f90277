package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// Audio constants. WebRTC publishers deliver 48 kHz Opus; the STT
	// service consumes 24 kHz mono float32.
	WebRTCSampleRate = 48000
	STTSampleRate    = 24000
	ChannelsMono     = 1
	ChannelsStereo   = 2

	// MinBufferMs is how much audio is accumulated before a chunk is
	// flushed to the STT service.
	MinBufferMs = 200

	// DefaultSTTHostSuffix is the vendor default host suffix for the
	// streaming STT deployment.
	DefaultSTTHostSuffix = "kyutai-stt-kyutaisttservice-serve.modal.run"

	// Signaling constants.
	MsgReceiveTimeout     = 30 * time.Second
	TranscriptSendTimeout = 10 * time.Second

	// DefaultNick is the participant nick the bridge announces in SDP answers.
	DefaultNick = "Live transcription"
)

// Config holds the bridge configuration, loaded from environment variables.
type Config struct {
	Port string

	// HPB (signaling) configuration
	HPBURL         string
	InternalSecret string
	NextcloudURL   string
	SkipCertVerify bool

	// STT configuration
	STTWorkspace  string
	STTKey        string
	STTSecret     string
	STTHostSuffix string

	// Timeouts and retry behavior
	STTConnectTimeout    time.Duration
	StaleTimeout         time.Duration
	CallLeaveTimeout     time.Duration
	MaxConnectionRetries int
	RetryBackoffBase     int

	// MemoryLimitMB caps the resident set before new transcriptions are
	// refused.
	MemoryLimitMB int
}

// Load reads the configuration from environment variables, applying defaults.
func Load() *Config {
	return &Config{
		Port: getEnv("APP_PORT", "23000"),

		HPBURL:         getEnv("LT_HPB_URL", ""),
		InternalSecret: getEnv("LT_INTERNAL_SECRET", ""),
		NextcloudURL:   strings.TrimRight(getEnv("NEXTCLOUD_URL", ""), "/"),
		SkipCertVerify: getEnvAsBool("SKIP_CERT_VERIFY", false),

		STTWorkspace:  getEnv("STT_WORKSPACE", ""),
		STTKey:        getEnv("STT_KEY", ""),
		STTSecret:     getEnv("STT_SECRET", ""),
		STTHostSuffix: getEnv("STT_HOST_SUFFIX", DefaultSTTHostSuffix),

		STTConnectTimeout:    getEnvAsDuration("STT_CONNECT_TIMEOUT", 120*time.Second),
		StaleTimeout:         getEnvAsDuration("STT_STALE_TIMEOUT", 30*time.Second),
		CallLeaveTimeout:     getEnvAsDuration("LT_CALL_LEAVE_TIMEOUT", 2*time.Second),
		MaxConnectionRetries: getEnvAsInt("LT_MAX_CONNECTION_RETRIES", 5),
		RetryBackoffBase:     getEnvAsInt("LT_RETRY_BACKOFF_BASE", 2),
		MemoryLimitMB:        getEnvAsInt("LT_MEMORY_LIMIT_MB", 512),
	}
}

// BackendURL returns the Nextcloud signaling backend URL sent in the hello
// authentication payload.
func (c *Config) BackendURL() string {
	return c.NextcloudURL + "/ocs/v2.php/apps/spreed/api/v3/signaling/backend"
}

// HPBConfigured reports whether the signaling side is configured.
func (c *Config) HPBConfigured() bool {
	return c.HPBURL != "" && c.InternalSecret != ""
}

// STTConfigured reports whether the STT side is configured.
func (c *Config) STTConfigured() bool {
	return c.STTWorkspace != "" && c.STTKey != "" && c.STTSecret != ""
}

// Validate checks the required options and that the HPB URL has a usable
// hostname.
func (c *Config) Validate() error {
	var missing []string
	if c.HPBURL == "" {
		missing = append(missing, "LT_HPB_URL")
	}
	if c.InternalSecret == "" {
		missing = append(missing, "LT_INTERNAL_SECRET")
	}
	if c.NextcloudURL == "" {
		missing = append(missing, "NEXTCLOUD_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}

	parsed, err := url.Parse(c.HPBURL)
	if err != nil || parsed.Hostname() == "" {
		return fmt.Errorf("could not detect hostname in LT_HPB_URL: %q", c.HPBURL)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		// Bare numbers are treated as seconds.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
