// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Provides conversation, participant and message-log persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLiteStoreWithDriver.
const (
	DriverModernc = "sqlite"  // pure Go, modernc.org/sqlite
	DriverCGO     = "sqlite3" // cgo, github.com/mattn/go-sqlite3
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver is NewSQLiteStore with an explicit database/sql driver name.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer at a time; this also keeps :memory: on a single shared database
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			ended_at   TEXT
		);

		CREATE TABLE IF NOT EXISTS participants (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			name            TEXT NOT NULL,
			role            TEXT NOT NULL,
			present         INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL,

			CHECK (role IN ('human', 'bot', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_participants_conversation
			ON participants(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id   TEXT NOT NULL REFERENCES conversations(id),
			seq               INTEGER NOT NULL,
			id                TEXT NOT NULL UNIQUE,
			sender_id         TEXT,
			kind              TEXT NOT NULL,
			timestamp         TEXT NOT NULL,
			type              TEXT NOT NULL,
			text              TEXT NOT NULL DEFAULT '',
			quoted_message_id TEXT,
			local_id          TEXT,
			file_name         TEXT,
			mime_type         TEXT,
			metadata_json     TEXT,

			PRIMARY KEY (conversation_id, seq),
			CHECK (kind IN ('human', 'bot', 'system'))
		);

		-- NULL local_ids never collide
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_local_id
			ON messages(conversation_id, sender_id, local_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts an empty string to NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateConversation inserts a new conversation row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, name, created_at) VALUES (?, ?, ?)`,
		conv.ID,
		conv.Name,
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	s.logger.Debug("created conversation", "conversation_id", conv.ID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var createdAtStr string
	var endedAtStr sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, ended_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Name, &createdAtStr, &endedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if endedAtStr.Valid {
		endedAt, err := time.Parse(time.RFC3339Nano, endedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		conv.EndedAt = &endedAt
	}
	return &conv, nil
}

// EndConversation stamps ended_at on a conversation.
func (s *SQLiteStore) EndConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET ended_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("ending conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddParticipant inserts a participant into its conversation.
func (s *SQLiteStore) AddParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (id, conversation_id, name, role, present, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.ConversationID,
		p.Name,
		string(p.Role),
		p.Present,
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting participant: %w", err)
	}
	return nil
}

// SetParticipantPresent flips the presence flag of a participant.
func (s *SQLiteStore) SetParticipantPresent(ctx context.Context, conversationID, participantID string, present bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET present = ? WHERE id = ? AND conversation_id = ?`,
		present, participantID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("updating participant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListParticipants returns the participants of a conversation in join order.
func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, name, role, present, created_at
		 FROM participants WHERE conversation_id = ?
		 ORDER BY created_at ASC, rowid ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		var role, createdAtStr string
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.Name, &role, &p.Present, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		p.Role = Role(role)
		p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}

// Append persists a message at its pre-assigned sequence number.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, msg *Message) (int64, error) {
	var metadata sql.NullString
	if len(msg.Payload.Metadata) > 0 {
		data, err := json.Marshal(msg.Payload.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (
			conversation_id, seq, id, sender_id, kind, timestamp, type, text,
			quoted_message_id, local_id, file_name, mime_type, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID,
		msg.Seq,
		msg.ID,
		nullString(msg.SenderID),
		string(msg.Kind),
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
		string(msg.Payload.Type),
		msg.Payload.Text,
		nullString(msg.Payload.QuotedMessageID),
		nullString(msg.Payload.LocalID),
		nullString(msg.Payload.FileName),
		nullString(msg.Payload.MimeType),
		metadata,
	)
	if err != nil {
		if isConstraintViolation(err) {
			switch {
			case strings.Contains(err.Error(), "local_id"):
				return 0, ErrDuplicateLocalID
			case strings.Contains(err.Error(), "seq"):
				return 0, ErrDuplicateSeq
			}
		}
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("appended message",
		"conversation_id", conversationID,
		"seq", msg.Seq,
		"message_id", msg.ID,
	)
	return msg.Seq, nil
}

const messageColumns = `conversation_id, seq, id, sender_id, kind, timestamp, type, text,
	quoted_message_id, local_id, file_name, mime_type, metadata_json`

// GetMessage returns one message of a conversation by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	return s.queryMessage(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, messageID)
}

// FindByLocalID returns the message a sender stored under localID.
func (s *SQLiteStore) FindByLocalID(ctx context.Context, conversationID, senderID, localID string) (*Message, error) {
	return s.queryMessage(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND sender_id = ? AND local_id = ?`,
		conversationID, senderID, localID)
}

func (s *SQLiteStore) queryMessage(ctx context.Context, query string, args ...any) (*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying message: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanMessage(rows)
}

// ReadPage returns up to limit messages after since, ordered by sequence.
func (s *SQLiteStore) ReadPage(ctx context.Context, conversationID string, since int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = readPageSize
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE conversation_id = ? AND seq > ?
		 ORDER BY seq ASC
		 LIMIT ?`,
		conversationID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Read lazily iterates the log after since, one page at a time.
func (s *SQLiteStore) Read(ctx context.Context, conversationID string, since int64) iter.Seq2[*Message, error] {
	return pagedRead(ctx, conversationID, since, s.ReadPage)
}

// LastSeq returns the highest sequence number stored for a conversation.
func (s *SQLiteStore) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("querying last seq: %w", err)
	}
	return seq.Int64, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var msg Message
	var senderID, quotedID, localID, fileName, mimeType, metadata sql.NullString
	var kind, timestampStr, contentType string

	err := rows.Scan(
		&msg.ConversationID,
		&msg.Seq,
		&msg.ID,
		&senderID,
		&kind,
		&timestampStr,
		&contentType,
		&msg.Payload.Text,
		&quotedID,
		&localID,
		&fileName,
		&mimeType,
		&metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.SenderID = senderID.String
	msg.Kind = Role(kind)
	msg.Payload.Type = ContentType(contentType)
	msg.Payload.QuotedMessageID = quotedID.String
	msg.Payload.LocalID = localID.String
	msg.Payload.FileName = fileName.String
	msg.Payload.MimeType = mimeType.String
	msg.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Payload.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &msg, nil
}
