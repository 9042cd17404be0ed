// ABOUTME: Tests for the session registry
// ABOUTME: Covers single use, expiry, revocation, sweeping and concurrent redemption

package session

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

func newTestRegistry(ttl time.Duration) (*Registry, *testClock) {
	clock := &testClock{cur: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(ttl, nil)
	r.now = clock.Now
	return r, clock
}

func TestRegistry_TokenFormat(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)

	token, err := r.Create("conv-1", "bot-1")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, TokenBytes)

	other, err := r.Create("conv-1", "bot-1")
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestRegistry_ConsumeOnce(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)

	token, err := r.Create("conv-1", "bot-1")
	require.NoError(t, err)
	assert.True(t, r.Live(token))

	b, err := r.Consume(token)
	require.NoError(t, err)
	assert.Equal(t, Binding{ConversationID: "conv-1", BotParticipantID: "bot-1"}, b)
	assert.False(t, r.Live(token))

	_, err = r.Consume(token)
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestRegistry_Errors(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(r *Registry, clock *testClock) string
		wantErr error
	}{
		{
			name: "unknown token",
			prepare: func(r *Registry, clock *testClock) string {
				return "never-issued"
			},
			wantErr: ErrNotFound,
		},
		{
			name: "expired before use",
			prepare: func(r *Registry, clock *testClock) string {
				token, _ := r.Create("conv-1", "bot-2")
				clock.Advance(time.Minute)
				return token
			},
			wantErr: ErrExpired,
		},
		{
			name: "consumed then expired",
			prepare: func(r *Registry, clock *testClock) string {
				token, _ := r.Create("conv-1", "bot-2")
				_, _ = r.Consume(token)
				clock.Advance(2 * time.Minute)
				return token
			},
			wantErr: ErrAlreadyConsumed,
		},
		{
			name: "expired presented twice",
			prepare: func(r *Registry, clock *testClock) string {
				token, _ := r.Create("conv-1", "bot-2")
				clock.Advance(time.Hour)
				_, _ = r.Consume(token)
				clock.Advance(-time.Hour)
				return token
			},
			wantErr: ErrExpired,
		},
		{
			name: "revoked",
			prepare: func(r *Registry, clock *testClock) string {
				token, _ := r.Create("conv-1", "bot-2")
				r.Revoke(token)
				return token
			},
			wantErr: ErrNotFound,
		},
		{
			name: "revoked after expiry",
			prepare: func(r *Registry, clock *testClock) string {
				token, _ := r.Create("conv-1", "bot-2")
				clock.Advance(time.Minute)
				r.Revoke(token)
				return token
			},
			wantErr: ErrExpired,
		},
		{
			name: "revoked after consume",
			prepare: func(r *Registry, clock *testClock) string {
				token, _ := r.Create("conv-1", "bot-2")
				_, _ = r.Consume(token)
				r.Revoke(token)
				return token
			},
			wantErr: ErrAlreadyConsumed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, clock := newTestRegistry(time.Minute)
			token := tt.prepare(r, clock)

			_, err := r.Consume(token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegistry_PeekDoesNotConsume(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)

	token, err := r.Create("conv-1", "bot-1")
	require.NoError(t, err)

	b, err := r.Peek(token)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", b.ConversationID)
	assert.True(t, r.Live(token))

	_, err = r.Consume(token)
	require.NoError(t, err)
	_, err = r.Peek(token)
	assert.ErrorIs(t, err, ErrAlreadyConsumed)

	unused, _ := r.Create("conv-1", "bot-2")
	clock.Advance(time.Minute)
	_, err = r.Peek(unused)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = r.Peek("never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ConcurrentConsume(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	token, err := r.Create("conv-1", "bot-1")
	require.NoError(t, err)

	var wins, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Consume(token)
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, ErrAlreadyConsumed):
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(63), already.Load())
}

func TestRegistry_SweepKeepsTombstonesForOneTTL(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)

	consumed, _ := r.Create("conv-1", "bot-1")
	_, err := r.Consume(consumed)
	require.NoError(t, err)
	_, _ = r.Create("conv-1", "bot-2")
	require.Equal(t, 2, r.Len())

	// Expired but still within the tombstone window
	clock.Advance(90 * time.Second)
	assert.Zero(t, r.Sweep())
	_, err = r.Consume(consumed)
	assert.ErrorIs(t, err, ErrAlreadyConsumed)

	clock.Advance(time.Minute)
	assert.Equal(t, 2, r.Sweep())
	assert.Zero(t, r.Len())

	_, err = r.Consume(consumed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	r := NewRegistry(time.Millisecond, nil)
	_, _ = r.Create("conv-1", "bot-1")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Millisecond) }()

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
