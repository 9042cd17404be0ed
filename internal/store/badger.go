// ABOUTME: BadgerDB implementation of the Store interface
// ABOUTME: Records are protobuf Structs under lexicographically ordered keys (msg:{conv}:{seq:019d})

package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Key layout:
//
//	conv:{conversation_id}                              -> conversation record
//	part:{conversation_id}:{created_unix_nano}:{id}     -> participant record
//	msg:{conversation_id}:{seq}                         -> message record
//	mid:{conversation_id}:{message_id}                  -> seq (index)
//	lid:{conversation_id}:{sender_id}:{local_id}        -> seq (index)
//
// Numeric segments are zero padded to 19 digits so byte order equals numeric order.
const (
	convPrefix = "conv:"
	partPrefix = "part:"
	msgPrefix  = "msg:"
	midPrefix  = "mid:"
	lidPrefix  = "lid:"
	seqDigits  = "%019d"
	maxPadded  = "9999999999999999999"
)

// BadgerStore implements the Store interface on an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore opens (or creates) a Badger database in dir.
// An empty dir opens an in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	logger := slog.Default().With("component", "store")

	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	logger.Info("Badger store initialized", "path", dir, "in_memory", dir == "")
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	s.logger.Info("closing Badger store")
	return s.db.Close()
}

func convKey(id string) []byte {
	return []byte(convPrefix + id)
}

func partKeyPrefix(conversationID string) []byte {
	return []byte(partPrefix + conversationID + ":")
}

func msgKeyPrefix(conversationID string) string {
	return msgPrefix + conversationID + ":"
}

func msgKey(conversationID string, seq int64) []byte {
	return []byte(msgKeyPrefix(conversationID) + fmt.Sprintf(seqDigits, seq))
}

func midKey(conversationID, messageID string) []byte {
	return []byte(midPrefix + conversationID + ":" + messageID)
}

func lidKey(conversationID, senderID, localID string) []byte {
	return []byte(lidPrefix + conversationID + ":" + senderID + ":" + localID)
}

// CreateConversation stores a new conversation record.
func (s *BadgerStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	value, err := encodeRecord(conversationFields(conv))
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(convKey(conv.ID), value)
	})
}

// GetConversation retrieves a conversation by ID.
func (s *BadgerStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv *Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		fields, err := getRecord(txn, convKey(id))
		if err != nil {
			return err
		}
		conv, err = conversationFromFields(fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// EndConversation stamps the end time on a conversation.
func (s *BadgerStore) EndConversation(ctx context.Context, id string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		fields, err := getRecord(txn, convKey(id))
		if err != nil {
			return err
		}
		fields["ended_at"] = at.UTC().Format(time.RFC3339Nano)
		value, err := encodeRecord(fields)
		if err != nil {
			return err
		}
		return txn.Set(convKey(id), value)
	})
}

// AddParticipant stores a participant under its conversation.
func (s *BadgerStore) AddParticipant(ctx context.Context, p *Participant) error {
	value, err := encodeRecord(participantFields(p))
	if err != nil {
		return err
	}
	key := append(partKeyPrefix(p.ConversationID),
		[]byte(fmt.Sprintf(seqDigits+":%s", p.CreatedAt.UnixNano(), p.ID))...)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(p.ConversationID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Set(key, value)
	})
}

// SetParticipantPresent flips the presence flag of a participant.
func (s *BadgerStore) SetParticipantPresent(ctx context.Context, conversationID, participantID string, present bool) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prefix := partKeyPrefix(conversationID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: false})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !strings.HasSuffix(string(item.Key()), ":"+participantID) {
				continue
			}
			key := item.KeyCopy(nil)
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			fields, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			fields["present"] = present
			value, err := encodeRecord(fields)
			if err != nil {
				return err
			}
			return txn.Set(key, value)
		}
		return ErrNotFound
	})
}

// ListParticipants returns participants in join order.
func (s *BadgerStore) ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	var participants []*Participant
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := partKeyPrefix(conversationID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 32})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			fields, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			p, err := participantFromFields(fields)
			if err != nil {
				return err
			}
			participants = append(participants, p)
		}
		return nil
	})
	return participants, err
}

// Append persists a message at its pre-assigned sequence number.
func (s *BadgerStore) Append(ctx context.Context, conversationID string, msg *Message) (int64, error) {
	value, err := encodeRecord(messageFields(conversationID, msg))
	if err != nil {
		return 0, err
	}
	key := msgKey(conversationID, msg.Seq)

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(conversationID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return ErrDuplicateSeq
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		seq := []byte(strconv.FormatInt(msg.Seq, 10))
		if msg.Payload.LocalID != "" {
			lk := lidKey(conversationID, msg.SenderID, msg.Payload.LocalID)
			_, err := txn.Get(lk)
			switch {
			case err == nil:
				return ErrDuplicateLocalID
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			if err := txn.Set(lk, seq); err != nil {
				return err
			}
		}
		if err := txn.Set(midKey(conversationID, msg.ID), seq); err != nil {
			return err
		}
		return txn.Set(key, value)
	})
	if errors.Is(err, badger.ErrConflict) {
		return 0, ErrDuplicateSeq
	}
	if err != nil {
		if errors.Is(err, ErrDuplicateSeq) || errors.Is(err, ErrDuplicateLocalID) || errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("writing message: %w", err)
	}

	s.logger.Debug("appended message",
		"conversation_id", conversationID,
		"seq", msg.Seq,
		"message_id", msg.ID,
	)
	return msg.Seq, nil
}

// GetMessage resolves a message ID through the mid: index.
func (s *BadgerStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	return s.messageByIndex(conversationID, midKey(conversationID, messageID))
}

// FindByLocalID resolves a (sender, local_id) pair through the lid: index.
func (s *BadgerStore) FindByLocalID(ctx context.Context, conversationID, senderID, localID string) (*Message, error) {
	return s.messageByIndex(conversationID, lidKey(conversationID, senderID, localID))
}

func (s *BadgerStore) messageByIndex(conversationID string, indexKey []byte) (*Message, error) {
	var msg *Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		seq, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing index value: %w", err)
		}
		fields, err := getRecord(txn, msgKey(conversationID, seq))
		if err != nil {
			return err
		}
		msg, err = messageFromFields(fields)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return msg, nil
}

// ReadPage returns up to limit messages after since using a prefix scan.
func (s *BadgerStore) ReadPage(ctx context.Context, conversationID string, since int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = readPageSize
	}

	var messages []*Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(msgKeyPrefix(conversationID))
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: limit})
		defer it.Close()

		for it.Seek(msgKey(conversationID, since+1)); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			fields, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			msg, err := messageFromFields(fields)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	return messages, nil
}

// Read lazily iterates the log after since.
func (s *BadgerStore) Read(ctx context.Context, conversationID string, since int64) iter.Seq2[*Message, error] {
	return pagedRead(ctx, conversationID, since, s.ReadPage)
}

// LastSeq seeks to the end of the conversation's key range and walks back one key.
func (s *BadgerStore) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	var last int64
	err := s.db.View(func(txn *badger.Txn) error {
		prefixStr := msgKeyPrefix(conversationID)
		prefix := []byte(prefixStr)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append([]byte(prefixStr), maxPadded...))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		seq, err := strconv.ParseInt(string(it.Item().Key()[len(prefixStr):]), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing message key: %w", err)
		}
		last = seq
		return nil
	})
	return last, err
}

// Records travel as google.protobuf.Struct so the on-disk format stays
// self-describing without a generated schema.

func encodeRecord(fields map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return proto.Marshal(st)
}

func decodeRecord(raw []byte) (map[string]any, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return st.AsMap(), nil
}

func getRecord(txn *badger.Txn, key []byte) (map[string]any, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(raw)
}

func conversationFields(c *Conversation) map[string]any {
	fields := map[string]any{
		"id":         c.ID,
		"name":       c.Name,
		"created_at": c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if c.EndedAt != nil {
		fields["ended_at"] = c.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func conversationFromFields(f map[string]any) (*Conversation, error) {
	created, err := timeField(f, "created_at")
	if err != nil {
		return nil, err
	}
	conv := &Conversation{
		ID:        stringField(f, "id"),
		Name:      stringField(f, "name"),
		CreatedAt: created,
	}
	if _, ok := f["ended_at"]; ok {
		ended, err := timeField(f, "ended_at")
		if err != nil {
			return nil, err
		}
		conv.EndedAt = &ended
	}
	return conv, nil
}

func participantFields(p *Participant) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"conversation_id": p.ConversationID,
		"name":            p.Name,
		"role":            string(p.Role),
		"present":         p.Present,
		"created_at":      p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func participantFromFields(f map[string]any) (*Participant, error) {
	created, err := timeField(f, "created_at")
	if err != nil {
		return nil, err
	}
	present, _ := f["present"].(bool)
	return &Participant{
		ID:             stringField(f, "id"),
		ConversationID: stringField(f, "conversation_id"),
		Name:           stringField(f, "name"),
		Role:           Role(stringField(f, "role")),
		Present:        present,
		CreatedAt:      created,
	}, nil
}

func messageFields(conversationID string, m *Message) map[string]any {
	fields := map[string]any{
		"id":              m.ID,
		"conversation_id": conversationID,
		"sender_id":       m.SenderID,
		// Decimal string: structpb numbers are float64
		"seq":               strconv.FormatInt(m.Seq, 10),
		"timestamp":         m.Timestamp.UTC().Format(time.RFC3339Nano),
		"kind":              string(m.Kind),
		"type":              string(m.Payload.Type),
		"text":              m.Payload.Text,
		"quoted_message_id": m.Payload.QuotedMessageID,
		"local_id":          m.Payload.LocalID,
		"file_name":         m.Payload.FileName,
		"mime_type":         m.Payload.MimeType,
	}
	if len(m.Payload.Metadata) > 0 {
		fields["metadata"] = m.Payload.Metadata
	}
	return fields
}

func messageFromFields(f map[string]any) (*Message, error) {
	ts, err := timeField(f, "timestamp")
	if err != nil {
		return nil, err
	}
	seq, err := strconv.ParseInt(stringField(f, "seq"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing seq: %w", err)
	}
	msg := &Message{
		ID:             stringField(f, "id"),
		ConversationID: stringField(f, "conversation_id"),
		SenderID:       stringField(f, "sender_id"),
		Seq:            seq,
		Timestamp:      ts,
		Kind:           Role(stringField(f, "kind")),
		Payload: Payload{
			Type:            ContentType(stringField(f, "type")),
			Text:            stringField(f, "text"),
			QuotedMessageID: stringField(f, "quoted_message_id"),
			LocalID:         stringField(f, "local_id"),
			FileName:        stringField(f, "file_name"),
			MimeType:        stringField(f, "mime_type"),
		},
	}
	if md, ok := f["metadata"].(map[string]any); ok {
		msg.Payload.Metadata = md
	}
	return msg, nil
}

func stringField(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func timeField(f map[string]any, key string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, stringField(f, key))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", key, err)
	}
	return t, nil
}

// badgerLogger routes Badger's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
