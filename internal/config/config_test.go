package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		envVar := "ANACORE_" + upperSnake(key)
		old, had := os.LookupEnv(envVar)
		require.NoError(t, os.Unsetenv(envVar))
		if had {
			t.Cleanup(func() { os.Setenv(envVar, old) })
		}
	}
}

func upperSnake(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("ANACORE_DATABASE_DSN", "postgres://localhost/anacore")
	os.Setenv("ANACORE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.TaskPollInterval)
	assert.Equal(t, 1800*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 1800*time.Second, cfg.DynamicAnalysisTimeout)
	assert.Equal(t, 2400*time.Second, cfg.AIAnalysisTimeout)
	assert.Equal(t, 3, cfg.PreflightMaxRetries)
	assert.True(t, cfg.DockerPreBuildCleanup)
	assert.Equal(t, ":8080", cfg.AdminListenAddr)
	assert.Equal(t, "./results", cfg.ResultsRootDir)
	assert.Equal(t, "./subjects", cfg.SubjectsRootDir)
}

func TestLoadParsesAnalyzerEndpoints(t *testing.T) {
	clearEnv(t)
	os.Setenv("ANACORE_DATABASE_DSN", "postgres://localhost/anacore")
	os.Setenv("ANACORE_REDIS_ADDR", "localhost:6379")
	os.Setenv("ANACORE_ANALYZER_ENDPOINTS_STATIC", "http://a:9000, http://b:9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:9000", "http://b:9000"}, cfg.AnalyzerEndpoints["static"])
	assert.Empty(t, cfg.AnalyzerEndpoints["dynamic"])
}

func TestLoadFailsValidationWithoutRequiredFields(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOverridesDefaultViaEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("ANACORE_DATABASE_DSN", "postgres://localhost/anacore")
	os.Setenv("ANACORE_REDIS_ADDR", "localhost:6379")
	os.Setenv("ANACORE_PREFLIGHT_MAX_RETRIES", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.PreflightMaxRetries)
}
