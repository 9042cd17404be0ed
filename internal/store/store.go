// ABOUTME: Store interface and data types for huddle-gateway persistence
// ABOUTME: Defines Conversation, Participant, Message and the append-only per-conversation log

package store

import (
	"context"
	"errors"
	"iter"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSeq is returned when a sequence number is already taken in a conversation
var ErrDuplicateSeq = errors.New("sequence number already used")

// ErrDuplicateLocalID is returned when a sender reuses a local_id within a conversation
var ErrDuplicateLocalID = errors.New("local id already used")

// Role identifies what kind of entity a participant is.
type Role string

const (
	RoleHuman  Role = "human"
	RoleBot    Role = "bot"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleHuman, RoleBot, RoleSystem:
		return true
	}
	return false
}

// ContentType is the content carried by a message payload.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentVoice      ContentType = "voice"
	ContentMedia      ContentType = "media"
	ContentAttachment ContentType = "attachment"
	ContentSystem     ContentType = "system"
)

// System event names, stored in Payload.Text of system messages.
const (
	EventConversationCreated = "conversation-created"
	EventParticipantJoined   = "participant-joined"
	EventParticipantLeft     = "participant-left"
	EventConversationEnded   = "conversation-ended"
)

// MaxTextLength bounds Payload.Text.
const MaxTextLength = 4000

// Conversation is a bounded chat session with an ordered message log.
type Conversation struct {
	ID        string
	Name      string
	CreatedAt time.Time
	EndedAt   *time.Time
}

// Ended reports whether the conversation has been closed.
func (c *Conversation) Ended() bool {
	return c.EndedAt != nil
}

// Participant is a human, bot, or system entity inside one conversation.
type Participant struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	Role           Role      `json:"role"`
	Present        bool      `json:"is_present"`
	CreatedAt      time.Time `json:"created_at"`
}

// Payload is the sender-controlled part of a message.
type Payload struct {
	Type            ContentType    `json:"type" validate:"required,oneof=text voice media attachment system"`
	Text            string         `json:"text,omitempty" validate:"max=4000"`
	QuotedMessageID string         `json:"quoted_message_id,omitempty"`
	LocalID         string         `json:"local_id,omitempty" validate:"max=32"`
	FileName        string         `json:"original_file_name,omitempty" validate:"max=100"`
	MimeType        string         `json:"mime_type,omitempty" validate:"max=256"`
	Metadata        map[string]any `json:"additional_metadata,omitempty"`
}

// Message is one sequenced entry in a conversation log.
// SenderID is empty for system messages.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	Seq            int64     `json:"seq"`
	Timestamp      time.Time `json:"time"`
	Kind           Role      `json:"kind"`
	Payload        Payload   `json:"payload"`
}

// SystemEvent returns the event name of a system message, or "" for other kinds.
func (m *Message) SystemEvent() string {
	if m.Kind != RoleSystem {
		return ""
	}
	return m.Payload.Text
}

// SentByHuman reports whether a human participant authored the message.
func (m *Message) SentByHuman() bool {
	return m.Kind == RoleHuman
}

// Clone returns a copy of m that shares no mutable state with it.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Payload.Metadata = cloneMetadata(m.Payload.Metadata)
	return &cp
}

func cloneMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		switch v := v.(type) {
		case map[string]any:
			out[k] = cloneMetadata(v)
		case []any:
			out[k] = slices.Clone(v)
		default:
			out[k] = v
		}
	}
	return out
}

// MessageStore is the durable append-only per-conversation log.
type MessageStore interface {
	// Append persists msg and returns its sequence number. The caller assigns
	// msg.Seq; implementations reject a reused (conversation, seq) pair with
	// ErrDuplicateSeq and a reused (conversation, sender, local_id) triple
	// with ErrDuplicateLocalID.
	Append(ctx context.Context, conversationID string, msg *Message) (int64, error)

	// GetMessage returns one message of a conversation by ID, or ErrNotFound.
	GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error)

	// FindByLocalID returns the message a sender stored under localID, or ErrNotFound.
	FindByLocalID(ctx context.Context, conversationID, senderID, localID string) (*Message, error)

	// Read yields messages with Seq > since in ascending order. The sequence is
	// lazy and finite; callers resume by passing the last Seq they saw.
	Read(ctx context.Context, conversationID string, since int64) iter.Seq2[*Message, error]

	// ReadPage returns up to limit messages with Seq > since.
	ReadPage(ctx context.Context, conversationID string, since int64, limit int) ([]*Message, error)

	// LastSeq returns the high-water mark of a conversation (0 when empty).
	LastSeq(ctx context.Context, conversationID string) (int64, error)
}

// ConversationStore persists conversations and their participants.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	EndConversation(ctx context.Context, id string, at time.Time) error

	AddParticipant(ctx context.Context, p *Participant) error
	SetParticipantPresent(ctx context.Context, conversationID, participantID string, present bool) error
	ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error)
}

// Store combines everything the dispatcher needs from persistence.
type Store interface {
	MessageStore
	ConversationStore
	Close() error
}

// readPageSize is how many rows Read fetches per underlying query.
const readPageSize = 100

// pagedRead adapts a page reader into a lazy iterator resumable by sequence.
func pagedRead(ctx context.Context, conversationID string, since int64,
	page func(ctx context.Context, conversationID string, since int64, limit int) ([]*Message, error),
) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		cursor := since
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			msgs, err := page(ctx, conversationID, cursor, readPageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range msgs {
				if !yield(m, nil) {
					return
				}
				cursor = m.Seq
			}
			if len(msgs) < readPageSize {
				return
			}
		}
	}
}
