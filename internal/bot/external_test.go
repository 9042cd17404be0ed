// ABOUTME: Tests for the external bot adapter's handshake state machine
// ABOUTME: Uses httptest endpoints and a controllable session table for both handshake policies

package bot

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle-gateway/internal/session"
	"github.com/2389/huddle-gateway/internal/store"
)

// fakeSessions is a Sessions whose liveness tests can flip by hand.
type fakeSessions struct {
	mu      sync.Mutex
	n       int
	live    map[string]bool
	revoked []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{live: make(map[string]bool)}
}

func (f *fakeSessions) Issue(conversationID, botParticipantID string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	token := fmt.Sprintf("token-%d", f.n)
	f.live[token] = true
	return session.Session{Token: token, ConversationID: conversationID, BotParticipantID: botParticipantID}, nil
}

func (f *fakeSessions) Live(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[token]
}

func (f *fakeSessions) Revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, token)
	f.revoked = append(f.revoked, token)
}

func (f *fakeSessions) expireAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.live)
}

// handshakeEndpoint records handshake bodies and answers with status.
type handshakeEndpoint struct {
	mu       sync.Mutex
	requests []HandshakeRequest
	status   atomic.Int32
}

func newHandshakeEndpoint(t *testing.T, status int) (*handshakeEndpoint, *httptest.Server) {
	t.Helper()
	ep := &handshakeEndpoint{}
	ep.status.Store(int32(status))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req HandshakeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		ep.mu.Lock()
		ep.requests = append(ep.requests, req)
		ep.mu.Unlock()
		w.WriteHeader(int(ep.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return ep, srv
}

func (e *handshakeEndpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func newTestExternal(t *testing.T, url string, policy HandshakePolicy, sessions Sessions) *ExternalAdapter {
	t.Helper()
	return NewExternalAdapter(ExternalConfig{
		Endpoint: url,
		Info:     Info{ConversationID: "conv-1", BotParticipantID: "bot-1"},
		Sessions: sessions,
		Policy:   policy,
		Timeout:  2 * time.Second,
	})
}

func notify(t *testing.T, a *ExternalAdapter, seq int64) {
	t.Helper()
	a.Notify(t.Context(), &store.Message{ID: fmt.Sprintf("m-%d", seq), Seq: seq, Kind: store.RoleHuman})
	a.Wait()
}

func TestExternalAdapter_HandshakeBody(t *testing.T) {
	ep, srv := newHandshakeEndpoint(t, http.StatusOK)
	sessions := newFakeSessions()
	a := newTestExternal(t, srv.URL, PolicyPerMessage, sessions)

	assert.Equal(t, StateUnregistered, a.State())
	notify(t, a, 1)

	require.Equal(t, 1, ep.count())
	assert.Equal(t, HandshakeRequest{
		ConversationID:   "conv-1",
		BotParticipantID: "bot-1",
		Session:          "token-1",
	}, ep.requests[0])
	assert.Equal(t, StatePendingSession, a.State())
}

func TestExternalAdapter_PerMessagePolicy(t *testing.T) {
	ep, srv := newHandshakeEndpoint(t, http.StatusAccepted)
	sessions := newFakeSessions()
	a := newTestExternal(t, srv.URL, PolicyPerMessage, sessions)

	notify(t, a, 1)
	require.Equal(t, 1, ep.count())

	// Live pending session: no second invitation
	notify(t, a, 2)
	assert.Equal(t, 1, ep.count())

	// Pending session lapsed: invite again
	sessions.expireAll()
	notify(t, a, 3)
	assert.Equal(t, 2, ep.count())
	assert.Equal(t, StatePendingSession, a.State())

	a.MarkAuthenticated()
	notify(t, a, 4)
	assert.Equal(t, 2, ep.count(), "authenticated bots receive messages through their connection")
	assert.Equal(t, StateAuthenticated, a.State())

	// Every drop is followed by a fresh handshake on the next message
	for i := 0; i < 3; i++ {
		a.MarkDisconnected()
		assert.Equal(t, StateUnregistered, a.State())
		notify(t, a, int64(5+i))
		assert.Equal(t, 3+i, ep.count())
		a.MarkAuthenticated()
	}
}

func TestExternalAdapter_PerMessageRetriesAfterRejection(t *testing.T) {
	ep, srv := newHandshakeEndpoint(t, http.StatusServiceUnavailable)
	sessions := newFakeSessions()
	a := newTestExternal(t, srv.URL, PolicyPerMessage, sessions)

	notify(t, a, 1)
	assert.Equal(t, StateUnregistered, a.State())
	assert.Equal(t, []string{"token-1"}, sessions.revoked)

	ep.status.Store(http.StatusOK)
	notify(t, a, 2)
	assert.Equal(t, 2, ep.count())
	assert.Equal(t, StatePendingSession, a.State())
}

func TestExternalAdapter_OncePolicy(t *testing.T) {
	ep, srv := newHandshakeEndpoint(t, http.StatusOK)
	sessions := newFakeSessions()
	a := newTestExternal(t, srv.URL, PolicyOnce, sessions)

	notify(t, a, 1)
	require.Equal(t, 1, ep.count())

	// Session lapses unused: no second initial handshake
	sessions.expireAll()
	notify(t, a, 2)
	assert.Equal(t, 1, ep.count())
	assert.Equal(t, StateUnregistered, a.State())

	// Bot connects with the first session, then drops: one re-handshake allowed
	a.MarkAuthenticated()
	a.MarkDisconnected()
	notify(t, a, 3)
	assert.Equal(t, 2, ep.count())

	a.MarkAuthenticated()
	a.MarkDisconnected()
	notify(t, a, 4)
	assert.Equal(t, 2, ep.count(), "only one re-handshake per conversation lifetime")
	assert.Equal(t, 2, a.Handshakes())
}

func TestExternalAdapter_OncePolicyFailedInitial(t *testing.T) {
	ep, srv := newHandshakeEndpoint(t, http.StatusInternalServerError)
	a := newTestExternal(t, srv.URL, PolicyOnce, newFakeSessions())

	notify(t, a, 1)
	notify(t, a, 2)
	assert.Equal(t, 1, ep.count())
	assert.Equal(t, StateUnregistered, a.State())
}

func TestExternalAdapter_UnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sessions := newFakeSessions()
	a := newTestExternal(t, url, PolicyPerMessage, sessions)
	notify(t, a, 1)

	assert.Equal(t, StateUnregistered, a.State())
	assert.Len(t, sessions.revoked, 1)
}

func TestExternalAdapter_WithSessionRegistry(t *testing.T) {
	ep, srv := newHandshakeEndpoint(t, http.StatusOK)
	registry := session.NewRegistry(time.Minute, nil)
	a := newTestExternal(t, srv.URL, PolicyPerMessage, registry)

	notify(t, a, 1)
	require.Equal(t, 1, ep.count())

	binding, err := registry.Consume(ep.requests[0].Session)
	require.NoError(t, err)
	assert.Equal(t, session.Binding{ConversationID: "conv-1", BotParticipantID: "bot-1"}, binding)
}

func TestExternalAdapter_ExpiredSessionKeepsItsError(t *testing.T) {
	ep, srv := newHandshakeEndpoint(t, http.StatusOK)
	registry := session.NewRegistry(50*time.Millisecond, nil)
	a := newTestExternal(t, srv.URL, PolicyPerMessage, registry)

	notify(t, a, 1)
	require.Equal(t, 1, ep.count())
	stale := ep.requests[0].Session
	require.Eventually(t, func() bool { return !registry.Live(stale) }, time.Second, 5*time.Millisecond)

	// The next message replaces the stale session with a fresh one
	notify(t, a, 2)
	require.Equal(t, 2, ep.count())

	_, err := registry.Consume(stale)
	assert.ErrorIs(t, err, session.ErrExpired)
	assert.NotEqual(t, stale, ep.requests[1].Session)
}

func TestHandshakePolicy_DefaultsToPerMessage(t *testing.T) {
	a := NewExternalAdapter(ExternalConfig{Sessions: newFakeSessions(), Policy: "sometimes"})
	assert.Equal(t, PolicyPerMessage, a.policy)
	assert.Equal(t, DefaultHandshakeTimeout, a.timeout)
	assert.Equal(t, "pending_session", StatePendingSession.String())
}
