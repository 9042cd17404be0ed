// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on failure injection and copy semantics of the in-memory implementation

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_FailAppends(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	seedConversation(t, store, "conv-1")

	boom := errors.New("disk on fire")
	store.FailAppends(boom)

	_, err := store.Append(ctx, "conv-1", textMessage(1, "p", "x"))
	assert.ErrorIs(t, err, boom)

	last, err := store.LastSeq(ctx, "conv-1")
	require.NoError(t, err)
	assert.Zero(t, last, "failed append must not be stored")

	store.FailAppends(nil)
	_, err = store.Append(ctx, "conv-1", textMessage(1, "p", "x"))
	require.NoError(t, err)
	assert.Equal(t, 2, store.AppendCalls())
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	seedConversation(t, store, "conv-1")

	msg := textMessage(1, "p", "original")
	_, err := store.Append(ctx, "conv-1", msg)
	require.NoError(t, err)
	msg.Payload.Text = "mutated by caller"

	page, err := store.ReadPage(ctx, "conv-1", 0, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "original", page[0].Payload.Text)

	page[0].Payload.Text = "mutated by reader"
	again, err := store.ReadPage(ctx, "conv-1", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Payload.Text)
}

func TestMockStore_AddParticipantUnknownConversation(t *testing.T) {
	store := NewMockStore()
	err := store.AddParticipant(context.Background(), &Participant{ID: "p", ConversationID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}
