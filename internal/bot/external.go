// ABOUTME: Adapter for out-of-process bots reached through an HTTP handshake
// ABOUTME: Tracks the Unregistered -> PendingSession -> Authenticated state machine per bot participant

package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/huddle-gateway/internal/session"
	"github.com/2389/huddle-gateway/internal/store"
)

// State is the connection state of an external bot in one conversation.
type State int

const (
	StateUnregistered State = iota
	StatePendingSession
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StatePendingSession:
		return "pending_session"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HandshakePolicy decides when an unauthenticated external bot is invited to connect.
type HandshakePolicy string

const (
	// PolicyPerMessage handshakes on every message that finds the bot
	// unauthenticated and without a live pending session.
	PolicyPerMessage HandshakePolicy = "per_message"
	// PolicyOnce allows one initial handshake and one more after the first
	// dropped connection.
	PolicyOnce HandshakePolicy = "once"
)

// Valid reports whether p is a known policy.
func (p HandshakePolicy) Valid() bool {
	return p == PolicyPerMessage || p == PolicyOnce
}

// DefaultHandshakeTimeout bounds the outbound POST when no timeout is configured.
const DefaultHandshakeTimeout = 10 * time.Second

// Sessions is the slice of the session registry the adapter needs.
type Sessions interface {
	Issue(conversationID, botParticipantID string) (session.Session, error)
	Live(token string) bool
	Revoke(token string)
}

// HandshakeRequest is the body POSTed to an external bot's endpoint.
type HandshakeRequest struct {
	ConversationID   string `json:"conversation_id"`
	BotParticipantID string `json:"bot_participant_id"`
	Session          string `json:"session"`
}

// ExternalConfig configures an ExternalAdapter.
type ExternalConfig struct {
	Endpoint string
	Info     Info
	Sessions Sessions
	Client   *http.Client
	Policy   HandshakePolicy
	Timeout  time.Duration
	Logger   *slog.Logger
}

// ExternalAdapter invites an external bot to connect and tracks whether it has.
// Once authenticated the bot's connection is a broadcast subscriber, so
// Notify has nothing further to do.
type ExternalAdapter struct {
	endpoint string
	info     Info
	sessions Sessions
	client   *http.Client
	policy   HandshakePolicy
	timeout  time.Duration
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	pendingToken string
	handshakes   int // attempts made
	allowance    int // attempts permitted under PolicyOnce
	regranted    bool

	inflight sync.WaitGroup
}

// NewExternalAdapter creates an adapter in StateUnregistered.
func NewExternalAdapter(cfg ExternalConfig) *ExternalAdapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	policy := cfg.Policy
	if !policy.Valid() {
		policy = PolicyPerMessage
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &ExternalAdapter{
		endpoint:  cfg.Endpoint,
		info:      cfg.Info,
		sessions:  cfg.Sessions,
		client:    client,
		policy:    policy,
		timeout:   timeout,
		logger:    logger.With("component", "external-bot", "endpoint", cfg.Endpoint),
		allowance: 1,
	}
}

// Kind returns KindExternal.
func (a *ExternalAdapter) Kind() Kind { return KindExternal }

// State returns the current connection state.
func (a *ExternalAdapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Handshakes returns how many handshakes have been started.
func (a *ExternalAdapter) Handshakes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handshakes
}

// Notify starts a handshake when the bot is not connected and policy allows it.
func (a *ExternalAdapter) Notify(ctx context.Context, msg *store.Message) {
	a.mu.Lock()

	if a.state == StateAuthenticated {
		a.mu.Unlock()
		return
	}

	if a.state == StatePendingSession {
		if a.sessions.Live(a.pendingToken) {
			a.mu.Unlock()
			a.logUndelivered(msg, "awaiting bot connection")
			return
		}
		a.sessions.Revoke(a.pendingToken)
		a.pendingToken = ""
		a.state = StateUnregistered
	}

	if !a.mayHandshakeLocked() {
		a.mu.Unlock()
		a.logUndelivered(msg, "handshake budget exhausted")
		return
	}

	sess, err := a.sessions.Issue(a.info.ConversationID, a.info.BotParticipantID)
	if err != nil {
		a.mu.Unlock()
		a.logger.Error("failed to issue session", "error", err)
		a.logUndelivered(msg, "no session")
		return
	}
	a.state = StatePendingSession
	a.pendingToken = sess.Token
	a.handshakes++
	a.inflight.Add(1)
	a.mu.Unlock()

	a.logUndelivered(msg, "handshake started")

	// The handshake outlives the submit that triggered it
	go a.handshake(context.WithoutCancel(ctx), sess.Token)
}

func (a *ExternalAdapter) mayHandshakeLocked() bool {
	if a.policy == PolicyPerMessage {
		return true
	}
	return a.handshakes < a.allowance
}

func (a *ExternalAdapter) handshake(ctx context.Context, token string) {
	defer a.inflight.Done()

	if err := a.post(ctx, token); err != nil {
		a.logger.Warn("bot handshake failed", "error", err)
		a.sessions.Revoke(token)

		a.mu.Lock()
		if a.state == StatePendingSession && a.pendingToken == token {
			a.state = StateUnregistered
			a.pendingToken = ""
		}
		a.mu.Unlock()
		return
	}
	a.logger.Debug("bot handshake acknowledged")
}

func (a *ExternalAdapter) post(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := json.Marshal(HandshakeRequest{
		ConversationID:   a.info.ConversationID,
		BotParticipantID: a.info.BotParticipantID,
		Session:          token,
	})
	if err != nil {
		return fmt.Errorf("encoding handshake: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting handshake: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("handshake rejected: %s", resp.Status)
	}
	return nil
}

// MarkAuthenticated records that the bot redeemed its session and connected.
func (a *ExternalAdapter) MarkAuthenticated() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateAuthenticated
	a.pendingToken = ""
	a.logger.Info("bot connected")
}

// MarkDisconnected records that the bot's connection closed.
func (a *ExternalAdapter) MarkDisconnected() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateAuthenticated {
		return
	}
	a.state = StateUnregistered
	if a.policy == PolicyOnce && !a.regranted {
		a.regranted = true
		a.allowance++
	}
	a.logger.Info("bot disconnected")
}

// Wait blocks until in-flight handshakes finish.
func (a *ExternalAdapter) Wait() {
	a.inflight.Wait()
}

func (a *ExternalAdapter) logUndelivered(msg *store.Message, reason string) {
	a.logger.Info("message not delivered to bot",
		"seq", msg.Seq,
		"message_id", msg.ID,
		"reason", reason,
	)
}
