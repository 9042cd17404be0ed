// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory conversation log with failure injection; also backs database.driver=memory

package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	participants  map[string][]*Participant // keyed by conversation ID, join order
	messages      map[string][]*Message     // keyed by conversation ID, seq order

	appendErr   error
	appendCalls int
	endErr      error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		participants:  make(map[string][]*Participant),
		messages:      make(map[string][]*Message),
	}
}

// FailAppends makes every subsequent Append return err. Pass nil to recover.
func (m *MockStore) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

// FailEnds makes every subsequent EndConversation return err. Pass nil to recover.
func (m *MockStore) FailEnds(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endErr = err
}

// AppendCalls reports how many times Append has been invoked, failed calls included.
func (m *MockStore) AppendCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appendCalls
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// EndConversation stamps the end time on a conversation.
func (m *MockStore) EndConversation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.endErr != nil {
		return m.endErr
	}
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	ended := at
	c.EndedAt = &ended
	return nil
}

// AddParticipant stores a participant.
func (m *MockStore) AddParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[p.ConversationID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.participants[p.ConversationID] = append(m.participants[p.ConversationID], &cp)
	return nil
}

// SetParticipantPresent flips the presence flag of a participant.
func (m *MockStore) SetParticipantPresent(ctx context.Context, conversationID, participantID string, present bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.participants[conversationID] {
		if p.ID == participantID {
			p.Present = present
			return nil
		}
	}
	return ErrNotFound
}

// ListParticipants returns copies of a conversation's participants in join order.
func (m *MockStore) ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Participant, 0, len(m.participants[conversationID]))
	for _, p := range m.participants[conversationID] {
		cp := *p
		result = append(result, &cp)
	}
	return result, nil
}

// Append stores a message, enforcing (conversation, seq) uniqueness like SQLite.
func (m *MockStore) Append(ctx context.Context, conversationID string, msg *Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendCalls++
	if m.appendErr != nil {
		return 0, m.appendErr
	}
	if _, ok := m.conversations[conversationID]; !ok {
		return 0, ErrNotFound
	}

	log := m.messages[conversationID]
	i := sort.Search(len(log), func(i int) bool { return log[i].Seq >= msg.Seq })
	if i < len(log) && log[i].Seq == msg.Seq {
		return 0, ErrDuplicateSeq
	}

	if msg.Payload.LocalID != "" {
		for _, m := range log {
			if m.SenderID == msg.SenderID && m.Payload.LocalID == msg.Payload.LocalID {
				return 0, ErrDuplicateLocalID
			}
		}
	}

	cp := msg.Clone()
	cp.ConversationID = conversationID
	log = append(log, nil)
	copy(log[i+1:], log[i:])
	log[i] = cp
	m.messages[conversationID] = log
	return msg.Seq, nil
}

// GetMessage returns a copy of one message by ID.
func (m *MockStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	return m.find(conversationID, func(msg *Message) bool { return msg.ID == messageID })
}

// FindByLocalID returns a copy of the message a sender stored under localID.
func (m *MockStore) FindByLocalID(ctx context.Context, conversationID, senderID, localID string) (*Message, error) {
	return m.find(conversationID, func(msg *Message) bool {
		return msg.SenderID == senderID && msg.Payload.LocalID == localID
	})
}

func (m *MockStore) find(conversationID string, match func(*Message) bool) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[conversationID] {
		if match(msg) {
			return msg.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ReadPage returns up to limit messages with Seq > since.
func (m *MockStore) ReadPage(ctx context.Context, conversationID string, since int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = readPageSize
	}

	log := m.messages[conversationID]
	start := sort.Search(len(log), func(i int) bool { return log[i].Seq > since })

	var result []*Message
	for _, msg := range log[start:] {
		if len(result) == limit {
			break
		}
		result = append(result, msg.Clone())
	}
	return result, nil
}

// Read lazily iterates the log after since.
func (m *MockStore) Read(ctx context.Context, conversationID string, since int64) iter.Seq2[*Message, error] {
	return pagedRead(ctx, conversationID, since, m.ReadPage)
}

// LastSeq returns the highest stored sequence number, or 0.
func (m *MockStore) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.messages[conversationID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Seq, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
