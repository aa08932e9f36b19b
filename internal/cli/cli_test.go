package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"salvage/internal/config"
	"salvage/internal/gateway/handlers"
	"salvage/internal/recovery"
	"salvage/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with an isolated config and database.
func execute(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(config.Reset)
	t.Setenv("SALVAGE_STORAGE_PATH", filepath.Join(filepath.Dir(configPath), "salvage.db"))

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", configPath, "--quiet"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, filepath.Join(t.TempDir(), "config.yaml"), "version", "--json")
	require.NoError(t, err)

	var info BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestInitAndConfigCmds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := execute(t, path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized salvage")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "initial_delay: 2s")
	assert.Contains(t, string(data), "base_url: http://127.0.0.1:4096")

	_, err = execute(t, path, "init")
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, path, "config", "get", "recovery.retry.max_attempts")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	_, err = execute(t, path, "config", "set", "recovery.retry.max_attempts", "4")
	require.NoError(t, err)
	out, err = execute(t, path, "config", "get", "recovery.retry.max_attempts")
	require.NoError(t, err)
	assert.Equal(t, "4\n", out)

	_, err = execute(t, path, "config", "set", "no.such.key", "1")
	assert.ErrorContains(t, err, "unknown key")

	out, err = execute(t, path, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)

	out, err = execute(t, path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	out, err = execute(t, path, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "gateway.port = 8787")
}

func TestJournalCmds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	db, err := storage.Open(filepath.Join(dir, "salvage.db"))
	require.NoError(t, err)
	journal := storage.NewJournal(db)
	ctx := t.Context()
	_, err = journal.Append(ctx, recovery.Step{SessionID: "ses_1", Kind: recovery.StepDetected,
		Error: &recovery.TokenLimitError{CurrentTokens: 5, MaxTokens: 4}})
	require.NoError(t, err)
	_, err = journal.Append(ctx, recovery.Step{SessionID: "ses_1", Kind: recovery.StepRetryScheduled, Attempt: 1, Reason: "summarize failed"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, err := execute(t, path, "journal", "show", "ses_1")
	require.NoError(t, err)
	assert.Contains(t, out, "retry_scheduled")
	assert.Contains(t, out, "summarize failed")
	assert.Contains(t, out, "5/4 tokens")

	out, err = execute(t, path, "journal", "show", "ses_2", "--json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	out, err = execute(t, path, "journal", "recent")
	require.NoError(t, err)
	assert.Contains(t, out, "ses_1")

	out, err = execute(t, path, "journal", "prune", "--older-than", "1h")
	require.NoError(t, err)
	assert.Equal(t, "Deleted 0 steps\n", out)
}

func TestParseCmd(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runParse(&out, "prompt is too long: 210000 tokens > 200000 maximum"))

	var tle recovery.TokenLimitError
	require.NoError(t, json.Unmarshal(out.Bytes(), &tle))
	assert.Equal(t, 210000, tle.CurrentTokens)
	assert.Equal(t, 200000, tle.MaxTokens)

	out.Reset()
	err := runParse(&out, `{"error":{"message":"rate limited"}}`)
	assert.ErrorIs(t, err, ErrNotTokenLimit)

	cmd := NewParseCmd()
	cmd.SetIn(strings.NewReader(`{"name":"APIError","data":{"message":"prompt is too long: 3 tokens > 2 maximum"}}`))
	out.Reset()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"-"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"max_tokens": 2`)
}

func TestRunStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/health":
			handlers.SendJSON(w, http.StatusOK, handlers.HealthResponse{
				Status:  "ok",
				Version: "1.0.0",
				Uptime:  90,
				Host:    &handlers.HostStatus{Healthy: true, Version: "0.5.0", CheckedAt: time.Now()},
			})
		case "/api/v1/recovery":
			handlers.SendJSON(w, http.StatusOK, handlers.RecoveryList{
				Count: 1,
				Sessions: []recovery.Snapshot{{
					SessionID: "ses_1",
					Phase:     recovery.PhaseRetryScheduled,
					Error:     &recovery.TokenLimitError{CurrentTokens: 210000, MaxTokens: 200000},
					Retry:     &recovery.RetryState{Attempt: 1},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runStatus(t.Context(), &out, srv.URL, false))
	text := out.String()
	assert.Contains(t, text, "Status:   ok")
	assert.Contains(t, text, "Uptime:   1m30s")
	assert.Contains(t, text, "healthy=true version=0.5.0")
	assert.Contains(t, text, "retry_scheduled")
	assert.Contains(t, text, "210000/200000")

	out.Reset()
	require.NoError(t, runStatus(t.Context(), &out, srv.URL, true))
	var status statusOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	assert.Equal(t, 1, status.Recovery.Count)
}

func TestRunStatus_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "draining")
	}))
	defer srv.Close()

	err := runStatus(t.Context(), &bytes.Buffer{}, srv.URL, false)
	assert.ErrorContains(t, err, "draining")
}

func TestCLIContext_GatewayURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"", "http://127.0.0.1:7420"},
		{"0.0.0.0", "http://127.0.0.1:7420"},
		{"::", "http://127.0.0.1:7420"},
		{"localhost", "http://localhost:7420"},
		{"::1", "http://[::1]:7420"},
	}
	for _, tt := range tests {
		cfg := &config.Config{}
		cfg.Gateway.Host = tt.host
		cfg.Gateway.Port = 7420
		assert.Equal(t, tt.want, (&CLIContext{Config: cfg}).GatewayURL(), "host %q", tt.host)
	}
}

func TestVerboseAndQuietConflict(t *testing.T) {
	_, err := execute(t, filepath.Join(t.TempDir(), "config.yaml"), "--verbose", "config", "list")
	require.Error(t, err)
}

func TestConfigSetRejectsMistypedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	_, err := execute(t, path, "init")
	require.NoError(t, err)

	_, err = execute(t, path, "config", "set", "recovery.retry.max_attempts", "two")
	assert.ErrorContains(t, err, "invalid value")

	_, err = execute(t, path, "config", "set", "recovery", "x")
	assert.ErrorContains(t, err, "section")

	out, err := execute(t, path, "config", "get", "gateway")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 8787")
}
