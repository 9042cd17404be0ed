// ABOUTME: Per-conversation fan-out of frames to bounded subscriber queues
// ABOUTME: Publishing never blocks; a full queue drops its oldest frame or disconnects the subscriber

package conversation

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/huddle-gateway/internal/store"
)

// DefaultQueueSize is the per-subscriber frame buffer.
const DefaultQueueSize = 64

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued frame to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDisconnect closes the subscription with ErrOverflow.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// Valid reports whether p is a known policy.
func (p OverflowPolicy) Valid() bool {
	return p == OverflowDropOldest || p == OverflowDisconnect
}

// Frame is one unit pushed to a connection. Exactly one field is set.
type Frame struct {
	Message *store.Message `json:"message,omitempty"`
	State   *StateFrame    `json:"state,omitempty"`
	Error   *ErrorFrame    `json:"error,omitempty"`
}

// StateFrame carries the participant list after a membership change.
type StateFrame struct {
	Participants []*store.Participant `json:"participants"`
}

// ErrorFrame reports a failed client request on the connection that made it.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Subscription is one connection's view of a conversation.
type Subscription struct {
	ID             string
	ConversationID string
	ParticipantID  string
	// StartSeq is the conversation's last sequence number when the
	// subscription was registered; every later message arrives as a frame.
	StartSeq int64

	frames      chan Frame
	done        chan struct{}
	once        sync.Once
	err         atomic.Pointer[error]
	dropped     atomic.Int64
	broadcaster *Broadcaster
}

// Frames returns the frame queue. It is never closed; watch Done.
func (s *Subscription) Frames() <-chan Frame {
	return s.frames
}

// Done is closed when the subscription ends. Frames queued before that
// moment stay readable.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended: nil for a normal Close,
// ErrOverflow, ErrEnded, or ErrForbidden after the participant left.
func (s *Subscription) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Dropped returns how many frames were discarded under OverflowDropOldest.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from its conversation.
func (s *Subscription) Close() {
	s.broadcaster.remove(s)
	s.finish(nil)
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		if err != nil {
			s.err.Store(&err)
		}
		close(s.done)
	})
}

// offer enqueues f without blocking. It returns false when the subscriber
// must be disconnected.
func (s *Subscription) offer(f Frame, policy OverflowPolicy) bool {
	select {
	case s.frames <- f:
		return true
	default:
	}
	if policy == OverflowDisconnect {
		return false
	}
	// Make room; the reader may race us for the oldest frame, which is fine
	select {
	case <-s.frames:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
	}
	return true
}

type group struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// Broadcaster keeps one broadcast group per conversation. Groups are created
// on first subscribe and dropped when empty, so conversations never share a lock.
type Broadcaster struct {
	groups    sync.Map // conversation ID -> *group
	queueSize int
	overflow  OverflowPolicy
	logger    *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(queueSize int, overflow OverflowPolicy, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if !overflow.Valid() {
		overflow = OverflowDropOldest
	}
	return &Broadcaster{
		queueSize: queueSize,
		overflow:  overflow,
		logger:    logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a new subscriber for a conversation.
func (b *Broadcaster) Subscribe(conversationID, participantID string) *Subscription {
	sub := &Subscription{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		ParticipantID:  participantID,
		frames:         make(chan Frame, b.queueSize),
		done:           make(chan struct{}),
		broadcaster:    b,
	}

	for {
		v, _ := b.groups.LoadOrStore(conversationID, &group{subs: make(map[string]*Subscription)})
		g := v.(*group)
		g.mu.Lock()
		if g.closed {
			// Lost a race with the group being emptied; retry with a fresh one
			g.mu.Unlock()
			continue
		}
		g.subs[sub.ID] = sub
		g.mu.Unlock()
		break
	}

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"participant_id", participantID,
		"sub_id", sub.ID)
	return sub
}

// Publish delivers f to every subscriber of the conversation. Delivery order
// is identical for all subscribers because the group lock is held throughout.
func (b *Broadcaster) Publish(conversationID string, f Frame) {
	v, ok := b.groups.Load(conversationID)
	if !ok {
		return
	}
	g := v.(*group)

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, sub := range g.subs {
		if sub.offer(f, b.overflow) {
			continue
		}
		delete(g.subs, id)
		sub.finish(ErrOverflow)
		b.logger.Warn("disconnected slow subscriber",
			"conversation_id", conversationID,
			"participant_id", sub.ParticipantID,
			"sub_id", id)
	}
	b.dropIfEmptyLocked(conversationID, g)
}

// Disconnect ends every subscription a participant holds in a conversation.
func (b *Broadcaster) Disconnect(conversationID, participantID string, reason error) {
	v, ok := b.groups.Load(conversationID)
	if !ok {
		return
	}
	g := v.(*group)

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, sub := range g.subs {
		if sub.ParticipantID == participantID {
			delete(g.subs, id)
			sub.finish(reason)
		}
	}
	b.dropIfEmptyLocked(conversationID, g)
}

// CloseConversation ends all subscriptions of a conversation with reason.
func (b *Broadcaster) CloseConversation(conversationID string, reason error) {
	v, ok := b.groups.LoadAndDelete(conversationID)
	if !ok {
		return
	}
	g := v.(*group)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, sub := range g.subs {
		delete(g.subs, id)
		sub.finish(reason)
	}
}

// Subscribers returns how many subscriptions a conversation currently has.
func (b *Broadcaster) Subscribers(conversationID string) int {
	v, ok := b.groups.Load(conversationID)
	if !ok {
		return 0
	}
	g := v.(*group)
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

func (b *Broadcaster) remove(sub *Subscription) {
	v, ok := b.groups.Load(sub.ConversationID)
	if !ok {
		return
	}
	g := v.(*group)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.subs[sub.ID]; !ok {
		return
	}
	delete(g.subs, sub.ID)
	b.dropIfEmptyLocked(sub.ConversationID, g)

	b.logger.Debug("subscriber removed",
		"conversation_id", sub.ConversationID,
		"sub_id", sub.ID)
}

// dropIfEmptyLocked must be called with g.mu held.
func (b *Broadcaster) dropIfEmptyLocked(conversationID string, g *group) {
	if len(g.subs) == 0 && !g.closed {
		g.closed = true
		b.groups.CompareAndDelete(conversationID, g)
	}
}
