// ABOUTME: Single-use session tokens binding an external bot connection to a conversation
// ABOUTME: Lock-free per-token state with lazy expiry and a periodic tombstone sweep

package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrNotFound is returned for tokens that were never issued, were revoked, or were swept.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned when a token is presented after its deadline.
	ErrExpired = errors.New("session expired")
	// ErrAlreadyConsumed is returned when a token is presented a second time.
	ErrAlreadyConsumed = errors.New("session already consumed")
)

// TokenBytes is the amount of randomness in a session token.
const TokenBytes = 32

const (
	statePending int32 = iota
	stateConsumed
	stateExpired
	stateRevoked
)

// Binding is what a consumed token grants: one bot participant in one conversation.
type Binding struct {
	ConversationID   string
	BotParticipantID string
}

// Session describes an issued token. Token is only known to the caller of Issue;
// the registry keeps its digest.
type Session struct {
	Token            string
	ConversationID   string
	BotParticipantID string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

type entry struct {
	binding   Binding
	createdAt time.Time
	expiresAt time.Time
	state     atomic.Int32
}

// Registry issues and redeems session tokens. Entries are keyed by the
// BLAKE2b-256 digest of the token; each entry carries its own state word so
// consumes of different tokens never contend.
type Registry struct {
	entries      sync.Map // [32]byte -> *entry
	ttl          time.Duration
	tombstoneTTL time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewRegistry creates a registry whose tokens live for ttl. Consumed and
// expired entries linger for another ttl so repeat presentations get a
// precise error before the sweep forgets them.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ttl:          ttl,
		tombstoneTTL: ttl,
		now:          time.Now,
		logger:       logger.With("component", "sessions"),
	}
}

// TTL returns the lifetime of newly issued tokens.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func digest(token string) [32]byte {
	return blake2b.Sum256([]byte(token))
}

// Create mints a token for the given bot participant and returns it.
func (r *Registry) Create(conversationID, botParticipantID string) (string, error) {
	s, err := r.Issue(conversationID, botParticipantID)
	if err != nil {
		return "", err
	}
	return s.Token, nil
}

// Issue mints a token and returns it with its deadlines.
func (r *Registry) Issue(conversationID, botParticipantID string) (Session, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return Session{}, fmt.Errorf("generating session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	now := r.now()
	e := &entry{
		binding:   Binding{ConversationID: conversationID, BotParticipantID: botParticipantID},
		createdAt: now,
		expiresAt: now.Add(r.ttl),
	}
	if _, loaded := r.entries.LoadOrStore(digest(token), e); loaded {
		// 256 bits of randomness; a collision means the entropy source is broken
		return Session{}, errors.New("session token collision")
	}

	r.logger.Debug("session issued",
		"conversation_id", conversationID,
		"participant_id", botParticipantID,
		"expires_at", e.expiresAt,
	)
	return Session{
		Token:            token,
		ConversationID:   conversationID,
		BotParticipantID: botParticipantID,
		CreatedAt:        now,
		ExpiresAt:        e.expiresAt,
	}, nil
}

// Consume redeems a token exactly once.
func (r *Registry) Consume(token string) (Binding, error) {
	v, ok := r.entries.Load(digest(token))
	if !ok {
		return Binding{}, ErrNotFound
	}
	e := v.(*entry)

	if !r.now().Before(e.expiresAt) {
		e.state.CompareAndSwap(statePending, stateExpired)
	} else if e.state.CompareAndSwap(statePending, stateConsumed) {
		r.logger.Debug("session consumed",
			"conversation_id", e.binding.ConversationID,
			"participant_id", e.binding.BotParticipantID,
		)
		return e.binding, nil
	}

	switch e.state.Load() {
	case stateConsumed:
		return Binding{}, ErrAlreadyConsumed
	case stateRevoked:
		return Binding{}, ErrNotFound
	default:
		return Binding{}, ErrExpired
	}
}

// Peek reports what Consume would return for token without redeeming it.
func (r *Registry) Peek(token string) (Binding, error) {
	v, ok := r.entries.Load(digest(token))
	if !ok {
		return Binding{}, ErrNotFound
	}
	e := v.(*entry)

	switch e.state.Load() {
	case stateConsumed:
		return Binding{}, ErrAlreadyConsumed
	case stateRevoked:
		return Binding{}, ErrNotFound
	case stateExpired:
		return Binding{}, ErrExpired
	}
	if !r.now().Before(e.expiresAt) {
		return Binding{}, ErrExpired
	}
	return e.binding, nil
}

// Live reports whether token is still redeemable.
func (r *Registry) Live(token string) bool {
	v, ok := r.entries.Load(digest(token))
	if !ok {
		return false
	}
	e := v.(*entry)
	return e.state.Load() == statePending && r.now().Before(e.expiresAt)
}

// Revoke withdraws a token that is still redeemable. Expired and consumed
// tokens are left as tombstones for the sweep, so a late presentation still
// gets ErrExpired or ErrAlreadyConsumed. Revoking an unknown token is a no-op.
func (r *Registry) Revoke(token string) {
	key := digest(token)
	v, ok := r.entries.Load(key)
	if !ok {
		return
	}
	e := v.(*entry)

	if !r.now().Before(e.expiresAt) {
		e.state.CompareAndSwap(statePending, stateExpired)
		return
	}
	if e.state.CompareAndSwap(statePending, stateRevoked) {
		r.entries.CompareAndDelete(key, e)
	}
}

// Sweep drops entries whose tombstone period has elapsed and returns how many were removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.tombstoneTTL)
	removed := 0
	r.entries.Range(func(k, v any) bool {
		if v.(*entry).expiresAt.Before(cutoff) {
			r.entries.Delete(k)
			removed++
		}
		return true
	})
	if removed > 0 {
		r.logger.Debug("swept sessions", "removed", removed)
	}
	return removed
}

// Len returns the number of tracked entries, tombstones included.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}
