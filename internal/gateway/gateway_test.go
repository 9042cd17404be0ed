// ABOUTME: Shared gateway test fixtures plus health, lifecycle and store wiring tests
// ABOUTME: Runs the real handler tree over httptest with the in-memory store

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle-gateway/internal/bot"
	"github.com/2389/huddle-gateway/internal/config"
	"github.com/2389/huddle-gateway/internal/conversation"
	"github.com/2389/huddle-gateway/internal/store"
)

const testSecret = "gateway-test-secret-0123456789ab"

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database:  config.DatabaseConfig{Driver: config.DriverMemory},
		Auth:      config.AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour},
		Sessions:  config.SessionsConfig{TTL: time.Minute, SweepInterval: time.Minute},
		Transport: config.TransportConfig{QueueSize: 64, Overflow: conversation.OverflowDropOldest},
		Handshake: config.HandshakeConfig{Policy: bot.PolicyPerMessage, Timeout: 2 * time.Second},
		Dedupe:    config.DedupeConfig{TTL: time.Minute, MaxEntries: 1000},
		Bots: map[string]bot.Spec{
			"shouter": {Internal: &bot.InternalSpec{Kind: "uppercase-echo"}},
			"calc":    {Internal: &bot.InternalSpec{Kind: "calculator"}},
		},
		Logging: config.LoggingConfig{Level: "debug", Format: "text"},
	}
}

type testEnv struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	gw, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.cancelConns()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testEnv{gw: gw, srv: srv}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) create(t *testing.T, nickname string, bots ...string) MembershipResponse {
	t.Helper()
	var out MembershipResponse
	status := e.do(t, http.MethodPost, "/api/conversations", "", conversation.CreateRequest{
		Name:     "standup",
		Nickname: nickname,
		Bots:     bots,
	}, &out)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, out.Token)
	return out
}

func (e *testEnv) join(t *testing.T, conversationID, nickname string) MembershipResponse {
	t.Helper()
	var out MembershipResponse
	status := e.do(t, http.MethodPost, "/api/conversations/"+conversationID+"/join", "", JoinRequest{Nickname: nickname}, &out)
	require.Equal(t, http.StatusCreated, status)
	return out
}

func (e *testEnv) history(t *testing.T, conversationID, token string) []*store.Message {
	t.Helper()
	var out HistoryResponse
	status := e.do(t, http.MethodGet, "/api/conversations/"+conversationID+"/messages?limit=1000", token, nil, &out)
	require.Equal(t, http.StatusOK, status)
	return out.Messages
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.srv.Client().Get(env.srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestReady(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.srv.Client().Get(env.srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "not ready before Run")

	env.gw.ready.Store(true)
	resp, err = env.srv.Client().Get(env.srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "2 bots configured")
}

func TestNew_RejectsWeakSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "short"
	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestInitStore_Drivers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		driver string
		want   any
	}{
		{config.DriverMemory, &store.MockStore{}},
		{config.DriverSQLite, &store.SQLiteStore{}},
		{config.DriverBadger, &store.BadgerStore{}},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			cfg := testConfig()
			cfg.Database.Driver = tt.driver
			cfg.Database.Path = filepath.Join(t.TempDir(), "data")
			s, err := initStore(cfg, logger)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	cfg := testConfig()
	gw, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, gw.ready.Load, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, gw.ready.Load())
}
