// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers database creation, driver selection and schema constraints

package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	seedConversation(t, store, "conv-1")
	_, err = store.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
}

func TestNewSQLiteStore_UnsupportedDriver(t *testing.T) {
	_, err := NewSQLiteStoreWithDriver("postgres", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sqlite driver")
}

func TestNewSQLiteStore_CGODriver(t *testing.T) {
	store, err := NewSQLiteStoreWithDriver(DriverCGO, filepath.Join(t.TempDir(), "cgo.db"))
	if err != nil && strings.Contains(err.Error(), "CGO_ENABLED=0") {
		t.Skip("mattn/go-sqlite3 needs cgo")
	}
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	seedConversation(t, store, "conv-1")
	_, err = store.Append(ctx, "conv-1", textMessage(1, "p-alice", "hi"))
	require.NoError(t, err)
	_, err = store.Append(ctx, "conv-1", textMessage(1, "p-alice", "again"))
	assert.ErrorIs(t, err, ErrDuplicateSeq)
}

func TestSQLiteStore_SchemaSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	seedConversation(t, first, "conv-1")
	_, err = first.Append(ctx, "conv-1", textMessage(1, "p-alice", "persisted"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	seq, err := second.LastSeq(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestSQLiteStore_AppendUnknownConversation(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Append(context.Background(), "nope", textMessage(1, "p", "x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateSeq)
}

func TestSQLiteStore_RejectsUnknownRole(t *testing.T) {
	store := setupTestStore(t)
	seedConversation(t, store, "conv-1")

	err := store.AddParticipant(context.Background(), &Participant{
		ID: "p-1", ConversationID: "conv-1", Name: "x", Role: Role("admin"),
	})
	assert.Error(t, err)
}
