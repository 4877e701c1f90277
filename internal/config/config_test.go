package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "23000", cfg.Port)
	assert.Equal(t, DefaultSTTHostSuffix, cfg.STTHostSuffix)
	assert.Equal(t, 5, cfg.MaxConnectionRetries)
	assert.Equal(t, 2, cfg.RetryBackoffBase)
	assert.Equal(t, 120*time.Second, cfg.STTConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.CallLeaveTimeout)
	assert.Equal(t, 512, cfg.MemoryLimitMB)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LT_HPB_URL", "https://hpb.example.com")
	t.Setenv("LT_INTERNAL_SECRET", "s3cret")
	t.Setenv("NEXTCLOUD_URL", "https://cloud.example.com/")
	t.Setenv("LT_MAX_CONNECTION_RETRIES", "3")
	t.Setenv("STT_CONNECT_TIMEOUT", "90")
	t.Setenv("LT_CALL_LEAVE_TIMEOUT", "5s")
	t.Setenv("SKIP_CERT_VERIFY", "true")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://cloud.example.com", cfg.NextcloudURL)
	assert.Equal(t, 3, cfg.MaxConnectionRetries)
	assert.Equal(t, 90*time.Second, cfg.STTConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.CallLeaveTimeout)
	assert.True(t, cfg.SkipCertVerify)
	assert.Equal(t,
		"https://cloud.example.com/ocs/v2.php/apps/spreed/api/v3/signaling/backend",
		cfg.BackendURL())
}

func TestValidateReportsMissingVariables(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LT_HPB_URL")
	assert.Contains(t, err.Error(), "LT_INTERNAL_SECRET")
	assert.Contains(t, err.Error(), "NEXTCLOUD_URL")
}

func TestValidateRejectsBadHPBURL(t *testing.T) {
	cfg := &Config{
		HPBURL:         "://not-a-url",
		InternalSecret: "s",
		NextcloudURL:   "https://cloud.example.com",
	}
	assert.ErrorContains(t, cfg.Validate(), "hostname")
}

func TestConfiguredChecks(t *testing.T) {
	cfg := &Config{HPBURL: "wss://hpb", InternalSecret: "s"}
	assert.True(t, cfg.HPBConfigured())
	assert.False(t, cfg.STTConfigured())

	cfg.STTWorkspace, cfg.STTKey, cfg.STTSecret = "w", "k", "s"
	assert.True(t, cfg.STTConfigured())
}

func TestResolveLanguage(t *testing.T) {
	assert.Equal(t, "fr", ResolveLanguage("fr"))
	assert.Equal(t, DefaultLanguage, ResolveLanguage("xx"))
	assert.Equal(t, DefaultLanguage, ResolveLanguage(""))

	langs := SupportedLanguages()
	assert.Len(t, langs, 2)
	assert.True(t, IsLanguageSupported("en"))
	assert.False(t, IsLanguageSupported("de"))
}