package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"salvage/internal/config"
	"salvage/internal/cron"
	"salvage/internal/gateway/handlers"
	"salvage/internal/recovery"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost answers the host API calls the controller makes.
type fakeHost struct {
	mu    sync.Mutex
	calls []string
}

func (h *fakeHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	call := r.Method + " " + r.URL.Path
	if dir := r.URL.Query().Get("directory"); dir != "" {
		call += " dir=" + dir
	}
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/global/health":
		_, _ = w.Write([]byte(`{"healthy":true,"version":"1.2.0"}`))
	case strings.HasSuffix(r.URL.Path, "/message"):
		_, _ = w.Write([]byte(`[
			{"info":{"id":"msg_1","role":"user"}},
			{"info":{"id":"msg_2","role":"assistant","providerID":"anthropic","modelID":"claude"}}
		]`))
	default:
		_, _ = w.Write([]byte(`true`))
	}
}

func (h *fakeHost) has(call string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.calls {
		if c == call {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T, hostURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Host: config.HostConfig{BaseURL: hostURL, Timeout: 2 * time.Second},
		Recovery: config.RecoveryConfig{
			Retry: config.RetryConfig{
				MaxAttempts:   2,
				InitialDelay:  10 * time.Millisecond,
				BackoffFactor: 2,
				MaxDelay:      50 * time.Millisecond,
			},
			Fallback:      config.FallbackConfig{MaxRevertAttempts: 3, MinMessagesRequired: 2},
			ResubmitDelay: 10 * time.Millisecond,
			RevertDelay:   10 * time.Millisecond,
		},
		Gateway: config.GatewayConfig{Host: "127.0.0.1"},
		Storage: config.StorageConfig{Path: filepath.Join(t.TempDir(), "salvage.db"), Retention: time.Hour},
		Queue:   config.QueueConfig{Size: 16, IdleTimeout: time.Second},
		Cron:    config.CronConfig{Enabled: true, PruneSchedule: "@daily", HealthSchedule: "@every 1h"},
		Audit:   config.AuditConfig{Enabled: true, SkipDetections: true},
	}
}

// startServer runs a server on a loopback listener and returns its base URL.
func startServer(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()

	s, err := New(Options{Config: cfg, Logger: zerolog.Nop(), Version: "test"})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	require.Eventually(t, s.IsRunning, time.Second, 10*time.Millisecond)
	return s, "http://" + ln.Addr().String()
}

func postEvent(t *testing.T, base, body string) int {
	t.Helper()
	resp, err := http.Post(base+"/api/v1/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestNew_RequiresValidConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cfg := testConfig(t, "")
	_, err = New(Options{Config: cfg})
	assert.ErrorContains(t, err, "host.base_url")
}

func TestServer_RecoversOverflowedSession(t *testing.T) {
	host := &fakeHost{}
	hostSrv := httptest.NewServer(host)
	defer hostSrv.Close()

	s, base := startServer(t, testConfig(t, hostSrv.URL))

	assert.Equal(t, http.StatusAccepted, postEvent(t, base,
		`{"type":"session.created","properties":{"info":{"id":"ses_1","title":"refactor","directory":"/work/a"}}}`))
	assert.Equal(t, http.StatusAccepted, postEvent(t, base,
		`{"type":"session.error","properties":{"sessionID":"ses_1","error":{"name":"APIError","data":{"message":"prompt is too long: 210000 tokens > 200000 maximum"}}}}`))

	require.Eventually(t, func() bool {
		snap, ok := s.Controller().Snapshot("ses_1")
		return ok && snap.Phase == recovery.PhasePending
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "/work/a", s.Sessions().Directory("ses_1"))

	assert.Equal(t, http.StatusAccepted, postEvent(t, base,
		`{"type":"session.idle","properties":{"sessionID":"ses_1"}}`))

	require.Eventually(t, func() bool {
		return host.has("POST /tui/submit-prompt dir=/work/a")
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, host.has("GET /session/ses_1/message dir=/work/a"))
	assert.True(t, host.has("POST /session/ses_1/summarize dir=/work/a"))
	assert.True(t, host.has("POST /tui/show-toast dir=/work/a"))

	require.Eventually(t, func() bool {
		entries, err := s.journal.List(context.Background(), "ses_1", 100)
		if err != nil {
			return false
		}
		kinds := make(map[string]bool)
		for _, e := range entries {
			kinds[e.Kind] = true
		}
		return kinds["detected"] && kinds["compacted"] && kinds["resubmitted"]
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/api/v1/sessions/ses_1/journal")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusAccepted, postEvent(t, base,
		`{"type":"session.deleted","properties":{"info":{"id":"ses_1"}}}`))
	require.Eventually(t, func() bool {
		_, ok := s.Controller().Snapshot("ses_1")
		return !ok && s.Sessions().Directory("ses_1") == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_EventValidation(t *testing.T) {
	hostSrv := httptest.NewServer(&fakeHost{})
	defer hostSrv.Close()

	_, base := startServer(t, testConfig(t, hostSrv.URL))

	assert.Equal(t, http.StatusAccepted, postEvent(t, base, `{"type":"lsp.client.diagnostics","properties":{}}`))
	assert.Equal(t, http.StatusBadRequest, postEvent(t, base, `{"type":"session.created","properties":{"info":"nope"}}`))
	assert.Equal(t, http.StatusBadRequest, postEvent(t, base, `not json`))
}

func TestServer_HealthReflectsHostCheck(t *testing.T) {
	hostSrv := httptest.NewServer(&fakeHost{})
	defer hostSrv.Close()

	s, base := startServer(t, testConfig(t, hostSrv.URL))
	require.NoError(t, s.cron.RunNow(context.Background(), cron.JobHostHealth))

	resp, err := http.Get(base + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health handlers.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	require.NotNil(t, health.Host)
	assert.True(t, health.Host.Healthy)
	assert.Equal(t, "1.2.0", health.Host.Version)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	hostSrv := httptest.NewServer(&fakeHost{})
	defer hostSrv.Close()

	_, base := startServer(t, testConfig(t, hostSrv.URL))
	postEvent(t, base, `{"type":"session.idle","properties":{"sessionID":"ses_9"}}`)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	assert.Contains(t, buf.String(), `salvage_events_total{type="session.idle"} 1`)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	hostSrv := httptest.NewServer(&fakeHost{})
	defer hostSrv.Close()

	s, err := New(Options{Config: testConfig(t, hostSrv.URL), Logger: zerolog.Nop()})
	require.NoError(t, err)
	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}
