package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookup(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(lookup(map[string]string{"INSTANCE_ID": "t1"}))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
	require.Equal(t, 1500*time.Millisecond, cfg.ResponseDelay)
	require.Equal(t, []byte("."), cfg.ResponseChunk)
	require.EqualValues(t, 50, cfg.MaxResponseBytes)
	require.Equal(t, "X-Target-Port", cfg.TargetPortHeader)
	require.Equal(t, 40*time.Minute, cfg.AbuseIPDBReportInterval)
	require.Equal(t, "18,21", cfg.AbuseIPDBCategories)
	require.Equal(t, "HTTP Tarpit detected bot activity: ", cfg.AbuseIPDBCommentPrefix)
	require.False(t, cfg.ReportingActive())
	require.False(t, cfg.ArchiveEnabled())
	require.Equal(t, "t1", cfg.InstanceID)
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(lookup(map[string]string{
		"TARPIT_HOST":                       "0.0.0.0",
		"TARPIT_PORT":                       "9090",
		"RESPONSE_DELAY_SECONDS":            "0.25",
		"RESPONSE_CHUNK":                    "ab",
		"MAX_RESPONSE_BYTES":                "10",
		"ABUSEIPDB_ENABLED":                 "true",
		"ABUSEIPDB_API_KEY":                 "k",
		"ABUSEIPDB_REPORT_INTERVAL_MINUTES": "5",
		"ARCHIVE_BUCKET":                    "bucket",
	}))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9090", cfg.ListenAddr())
	require.Equal(t, 250*time.Millisecond, cfg.ResponseDelay)
	require.Equal(t, []byte("ab"), cfg.ResponseChunk)
	require.True(t, cfg.ReportingActive())
	require.True(t, cfg.ArchiveEnabled())
	require.Equal(t, 5*time.Minute, cfg.AbuseIPDBReportInterval)
}

func TestLoadFromEnabledWithoutKeyIsNotActive(t *testing.T) {
	cfg, err := LoadFrom(lookup(map[string]string{"ABUSEIPDB_ENABLED": "1"}))
	require.NoError(t, err)
	require.True(t, cfg.AbuseIPDBEnabled)
	require.False(t, cfg.ReportingActive())
}

func TestLoadFromRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad int":        {"TARPIT_PORT": "http"},
		"port range":     {"TARPIT_PORT": "70000"},
		"bad float":      {"RESPONSE_DELAY_SECONDS": "slow"},
		"zero delay":     {"RESPONSE_DELAY_SECONDS": "0"},
		"bad bool":       {"ABUSEIPDB_ENABLED": "maybe"},
		"budget < chunk": {"RESPONSE_CHUNK": "abc", "MAX_RESPONSE_BYTES": "2"},
		"bad duration":   {"ENRICH_TIMEOUT": "soon"},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(lookup(m))
			require.Error(t, err)
		})
	}
}
