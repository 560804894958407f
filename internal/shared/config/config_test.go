package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(WithSearchDirs(t.TempDir()))
	require.NoError(t, err)

	assert.Equal(t, DefaultStreamURL, cfg.Stream.URL)
	assert.Equal(t, DefaultAPIBaseURL, cfg.API.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Stream.ReconnectInterval)
	assert.Equal(t, 5, cfg.Stream.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Stream.Heartbeat)
	assert.Equal(t, "off", cfg.Breakpoint.Granularity)
	assert.Empty(t, meta.File())
	assert.Equal(t, SourceDefault, meta.Source("stream.url"))
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	doc := `
stream:
  url: ws://file:9000/ws
  max_attempts: 2
  heartbeat: 10s
api:
  base_url: http://file:9000/api/
breakpoint:
  granularity: Milestone
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alexwatch.yaml"), []byte(doc), 0o600))
	t.Setenv("ALEXWATCH_STREAM_MAX_ATTEMPTS", "7")
	t.Setenv("ALEXWATCH_AUTH_TOKEN", "env-token")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("token", "", "")
	fs.String("url", "", "")
	require.NoError(t, fs.Parse([]string{"--token", "flag-token"}))

	cfg, meta, err := Load(WithSearchDirs(dir), WithFlags(fs))
	require.NoError(t, err)

	assert.Equal(t, "ws://file:9000/ws", cfg.Stream.URL)
	assert.Equal(t, "http://file:9000/api", cfg.API.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Stream.Heartbeat)
	assert.Equal(t, 7, cfg.Stream.MaxAttempts)
	assert.Equal(t, "flag-token", cfg.Auth.Token)
	assert.Equal(t, "milestone", cfg.Breakpoint.Granularity)

	assert.Equal(t, filepath.Join(dir, "alexwatch.yaml"), meta.File())
	assert.Equal(t, SourceFile, meta.Source("stream.url"))
	assert.Equal(t, SourceEnv, meta.Source("stream.max_attempts"))
	assert.Equal(t, SourceOverride, meta.Source("auth.token"))
	assert.Equal(t, SourceDefault, meta.Source("log.level"))
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, _, err := Load(WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, _, err := Load(WithSearchDirs(t.TempDir()))
	require.NoError(t, err)

	report := Validate(cfg)
	assert.False(t, report.HasErrors())
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "auth.token", report.Warnings[0].Key)
	assert.NoError(t, report.Err())

	cfg.Stream.URL = "ftp://host/ws"
	cfg.API.BaseURL = ""
	cfg.Stream.MaxAttempts = 0
	cfg.Breakpoint.Granularity = "sometimes"
	cfg.Auth.Token = "t"
	report = Validate(cfg)
	require.True(t, report.HasErrors())
	keys := make([]string, 0, len(report.Errors))
	for _, issue := range report.Errors {
		keys = append(keys, issue.Key)
	}
	assert.ElementsMatch(t, []string{"stream.url", "api.base_url", "stream.max_attempts", "breakpoint.granularity"}, keys)
	assert.ErrorContains(t, report.Err(), "stream.url")
}

func TestEnvVarNames(t *testing.T) {
	assert.Equal(t, "ALEXWATCH_STREAM_URL", EnvVar("stream.url"))
	assert.Contains(t, Keys(), "devserver.token_ttl")
}
