// ABOUTME: Service owns conversation state: membership, sequencing, persistence and fanout
// ABOUTME: Every message is appended under its conversation's lock before anyone sees it; bots hear about it after

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/2389/huddle-gateway/internal/bot"
	"github.com/2389/huddle-gateway/internal/dedupe"
	"github.com/2389/huddle-gateway/internal/session"
	"github.com/2389/huddle-gateway/internal/store"
)

var (
	// ErrNotFound is returned for unknown conversations.
	ErrNotFound = errors.New("conversation not found")
	// ErrForbidden is returned when the caller is not an active participant.
	ErrForbidden = errors.New("not an active participant")
	// ErrInvalid is returned for malformed payloads and requests.
	ErrInvalid = errors.New("invalid request")
	// ErrEnded is returned when the conversation has been closed.
	ErrEnded = errors.New("conversation ended")
	// ErrUnavailable wraps storage failures.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrOverflow ends a subscription whose queue filled under OverflowDisconnect.
	ErrOverflow = errors.New("subscriber queue overflow")
)

const (
	// DefaultHistoryLimit is used when History is called without a limit.
	DefaultHistoryLimit = 100
	// MaxHistoryLimit caps a single History page.
	MaxHistoryLimit = 1000

	anonymousPrefix = "ANON_"
)

// SessionConsumer redeems bot session tokens.
type SessionConsumer interface {
	Peek(token string) (session.Binding, error)
	Consume(token string) (session.Binding, error)
}

// Config wires a Service to its collaborators. Bots is copied at construction.
type Config struct {
	Bots        map[string]bot.Spec
	Builder     *bot.Builder
	Sessions    SessionConsumer
	Dedupe      *dedupe.Cache[*store.Message]
	Broadcaster *Broadcaster
	Logger      *slog.Logger
}

// Service is the conversation dispatcher.
type Service struct {
	store       store.Store
	bots        map[string]bot.Spec
	builder     *bot.Builder
	sessions    SessionConsumer
	dedupe      *dedupe.Cache[*store.Message]
	broadcaster *Broadcaster
	validate    *validator.Validate
	now         func() time.Time
	logger      *slog.Logger

	convs sync.Map // conversation ID -> *convState
}

// convState is the in-memory owner of one conversation. mu covers sequence
// assignment, append and broadcast.
type convState struct {
	mu           sync.Mutex
	conv         store.Conversation
	seq          int64
	participants []*store.Participant
	adapters     map[string]bot.Adapter // bot participant ID -> adapter

	// outbox holds bot notifications in sequence order. It is filled under mu
	// and drained outside it by whichever goroutine finds it idle.
	outMu    sync.Mutex
	outbox   []delivery
	draining bool
}

// delivery is one outbox entry: a message, or a participant list when msg is nil.
type delivery struct {
	adapters     []bot.Adapter
	msg          *store.Message
	participants []*store.Participant
}

func (c *convState) participant(id string) *store.Participant {
	for _, p := range c.participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (c *convState) snapshotParticipants() []*store.Participant {
	return lo.Map(c.participants, func(p *store.Participant, _ int) *store.Participant {
		cp := *p
		return &cp
	})
}

func (c *convState) snapshotAdapters() []bot.Adapter {
	ids := lo.Keys(c.adapters)
	sort.Strings(ids)
	return lo.Map(ids, func(id string, _ int) bot.Adapter { return c.adapters[id] })
}

// New creates a Service over st.
func New(st store.Store, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = NewBroadcaster(DefaultQueueSize, OverflowDropOldest, logger)
	}
	builder := cfg.Builder
	if builder == nil {
		builder = &bot.Builder{Registry: bot.NewRegistry(), Logger: logger}
	}
	bots := make(map[string]bot.Spec, len(cfg.Bots))
	for name, spec := range cfg.Bots {
		bots[name] = spec
	}
	return &Service{
		store:       st,
		bots:        bots,
		builder:     builder,
		sessions:    cfg.Sessions,
		dedupe:      cfg.Dedupe,
		broadcaster: broadcaster,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         time.Now,
		logger:      logger.With("component", "conversation"),
	}
}

// Broadcaster returns the fanout used by the service.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// BotNames lists the configured bots in sorted order.
func (s *Service) BotNames() []string {
	names := lo.Keys(s.bots)
	sort.Strings(names)
	return names
}

// BotSpec returns the configuration of a named bot.
func (s *Service) BotSpec(name string) (bot.Spec, bool) {
	spec, ok := s.bots[name]
	return spec, ok
}

// CreateRequest describes a new conversation.
type CreateRequest struct {
	Name     string   `json:"name" validate:"max=100"`
	Nickname string   `json:"nickname" validate:"max=50"`
	Bots     []string `json:"bots" validate:"dive,required"`
}

// CreateResult is what the creator gets back.
type CreateResult struct {
	Conversation *store.Conversation
	Participant  *store.Participant
	Bots         []*store.Participant
}

// Create starts a conversation with one human participant and the requested bots.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	botNames := lo.Uniq(req.Bots)
	if unknown := lo.Reject(botNames, func(name string, _ int) bool {
		_, ok := s.bots[name]
		return ok
	}); len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown bots %s", ErrInvalid, strings.Join(unknown, ", "))
	}

	now := s.now().UTC()
	st := &convState{
		conv:     store.Conversation{ID: uuid.New().String(), Name: req.Name, CreatedAt: now},
		adapters: make(map[string]bot.Adapter),
	}
	if err := s.store.CreateConversation(ctx, &st.conv); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	st.mu.Lock()
	result, emitted, err := s.populateLocked(ctx, st, req.Nickname, botNames)
	if err != nil {
		st.mu.Unlock()
		s.abandon(ctx, st, err)
		return nil, err
	}
	s.convs.Store(st.conv.ID, st)
	s.enqueueLocked(st, emitted...)
	s.publishStateLocked(st)

	conv := st.conv
	result.Conversation = &conv
	st.mu.Unlock()

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"participant_id", result.Participant.ID,
		"bots", botNames)

	s.drain(ctx, st)
	return result, nil
}

// populateLocked writes the opening system messages and participants of a new conversation.
func (s *Service) populateLocked(ctx context.Context, st *convState, nickname string, botNames []string) (*CreateResult, []*store.Message, error) {
	var emitted []*store.Message
	msg, err := s.appendSystemLocked(ctx, st, store.EventConversationCreated, "")
	if err != nil {
		return nil, nil, err
	}
	emitted = append(emitted, msg)

	human, msg, err := s.addParticipantLocked(ctx, st, nickname, store.RoleHuman)
	if err != nil {
		return nil, nil, err
	}
	emitted = append(emitted, msg)

	result := &CreateResult{Participant: human}
	for _, name := range botNames {
		p, msg, err := s.addParticipantLocked(ctx, st, name, store.RoleBot)
		if err != nil {
			return nil, nil, err
		}
		emitted = append(emitted, msg)
		result.Bots = append(result.Bots, p)
	}
	return result, emitted, nil
}

// abandon closes a conversation whose creation failed part way, so a lazy
// load never revives its partial log as a live conversation.
func (s *Service) abandon(ctx context.Context, st *convState, cause error) {
	s.broadcaster.CloseConversation(st.conv.ID, ErrEnded)
	if err := s.store.EndConversation(context.WithoutCancel(ctx), st.conv.ID, s.now().UTC()); err != nil {
		s.logger.Error("failed to close abandoned conversation",
			"conversation_id", st.conv.ID,
			"cause", cause,
			"error", err)
		return
	}
	s.logger.Warn("conversation creation failed", "conversation_id", st.conv.ID, "error", cause)
}

// Join adds a human participant to an existing conversation.
func (s *Service) Join(ctx context.Context, conversationID, nickname string) (*store.Participant, error) {
	if err := s.validate.Var(nickname, "max=50"); err != nil {
		return nil, fmt.Errorf("%w: nickname: %v", ErrInvalid, err)
	}
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.conv.Ended() {
		st.mu.Unlock()
		return nil, ErrEnded
	}
	p, msg, err := s.addParticipantLocked(ctx, st, nickname, store.RoleHuman)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	s.enqueueLocked(st, msg)
	s.publishStateLocked(st)
	st.mu.Unlock()

	s.logger.Info("participant joined", "conversation_id", conversationID, "participant_id", p.ID)
	s.drain(ctx, st)
	return p, nil
}

// Leave marks a participant as no longer present and closes its subscriptions.
func (s *Service) Leave(ctx context.Context, conversationID, participantID string) error {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.conv.Ended() {
		st.mu.Unlock()
		return ErrEnded
	}
	p := st.participant(participantID)
	if p == nil || !p.Present {
		st.mu.Unlock()
		return ErrForbidden
	}
	if err := s.store.SetParticipantPresent(ctx, conversationID, participantID, false); err != nil {
		st.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	p.Present = false

	msg, err := s.appendSystemLocked(ctx, st, store.EventParticipantLeft, participantID)
	if err != nil {
		st.mu.Unlock()
		return err
	}
	s.broadcaster.Disconnect(conversationID, participantID, ErrForbidden)

	adapter, isBot := st.adapters[participantID]
	delete(st.adapters, participantID)
	s.enqueueLocked(st, msg)
	s.publishStateLocked(st)
	st.mu.Unlock()

	if c, ok := adapter.(bot.Connectable); isBot && ok {
		c.MarkDisconnected()
	}

	s.logger.Info("participant left", "conversation_id", conversationID, "participant_id", participantID)
	s.drain(ctx, st)
	return nil
}

// End closes a conversation. Subscribers receive the conversation-ended
// message and are then disconnected with ErrEnded.
func (s *Service) End(ctx context.Context, conversationID string) error {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.conv.Ended() {
		st.mu.Unlock()
		return ErrEnded
	}
	endedAt := s.now().UTC()
	if err := s.store.EndConversation(ctx, conversationID, endedAt); err != nil {
		st.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	// The store already says ended, so the in-memory state follows even if
	// the closing system message cannot be written.
	msg, appendErr := s.appendSystemLocked(ctx, st, store.EventConversationEnded, "")
	st.conv.EndedAt = &endedAt
	s.broadcaster.CloseConversation(conversationID, ErrEnded)
	if appendErr == nil {
		s.enqueueLocked(st, msg)
	}
	st.mu.Unlock()

	// Ended conversations are served from the store from now on
	s.convs.CompareAndDelete(conversationID, st)

	if appendErr != nil {
		s.logger.Error("conversation ended without its closing message", "conversation_id", conversationID, "error", appendErr)
		return appendErr
	}
	s.logger.Info("conversation ended", "conversation_id", conversationID, "last_seq", msg.Seq)
	s.drain(ctx, st)
	return nil
}

// Submit sequences, persists and broadcasts a message from an active participant.
// A repeated (sender, local_id) pair returns the message sequenced the first time.
func (s *Service) Submit(ctx context.Context, conversationID, senderID string, payload store.Payload) (*store.Message, error) {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.validatePayload(payload); err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.conv.Ended() {
		st.mu.Unlock()
		return nil, ErrEnded
	}
	sender := st.participant(senderID)
	if sender == nil || !sender.Present {
		st.mu.Unlock()
		return nil, ErrForbidden
	}
	if payload.Type == store.ContentSystem && sender.Role != store.RoleSystem {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: system payloads are reserved", ErrInvalid)
	}

	if payload.LocalID != "" {
		prev, err := s.previousLocked(ctx, conversationID, senderID, payload.LocalID)
		if err != nil {
			st.mu.Unlock()
			return nil, err
		}
		if prev != nil {
			st.mu.Unlock()
			s.logger.Debug("duplicate local id", "conversation_id", conversationID, "seq", prev.Seq)
			return prev.Clone(), nil
		}
	}
	if payload.QuotedMessageID != "" {
		if _, err := s.store.GetMessage(ctx, conversationID, payload.QuotedMessageID); err != nil {
			st.mu.Unlock()
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: quoted message does not exist", ErrInvalid)
			}
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	msg, err := s.appendLocked(ctx, st, &store.Message{
		SenderID: senderID,
		Kind:     sender.Role,
		Payload:  payload,
	})
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	if payload.LocalID != "" && s.dedupe != nil {
		s.dedupe.Put(dedupe.Key(conversationID, senderID, payload.LocalID), msg)
	}
	s.enqueueLocked(st, msg)
	st.mu.Unlock()

	s.drain(ctx, st)
	return msg.Clone(), nil
}

// previousLocked finds the message a sender already stored under localID:
// first in the cache, then in the store, which keeps the constraint forever.
func (s *Service) previousLocked(ctx context.Context, conversationID, senderID, localID string) (*store.Message, error) {
	key := dedupe.Key(conversationID, senderID, localID)
	if s.dedupe != nil {
		if prev, ok := s.dedupe.Get(key); ok {
			return prev, nil
		}
	}
	prev, err := s.store.FindByLocalID(ctx, conversationID, senderID, localID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if s.dedupe != nil {
		s.dedupe.Put(key, prev)
	}
	return prev, nil
}

func (s *Service) validatePayload(p store.Payload) error {
	if err := s.validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if p.Type == store.ContentText && strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: text message without text", ErrInvalid)
	}
	return nil
}

// History returns up to limit messages after since.
func (s *Service) History(ctx context.Context, conversationID string, since int64, limit int) ([]*store.Message, error) {
	if _, err := s.state(ctx, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = lo.Clamp(limit, 1, MaxHistoryLimit)

	msgs, err := s.store.ReadPage(ctx, conversationID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return msgs, nil
}

// Participants returns a snapshot of a conversation's participants in join order.
func (s *Service) Participants(ctx context.Context, conversationID string) ([]*store.Participant, error) {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotParticipants(), nil
}

// Participant returns one participant of a conversation.
func (s *Service) Participant(ctx context.Context, conversationID, participantID string) (*store.Participant, error) {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	p := st.participant(participantID)
	if p == nil {
		return nil, ErrForbidden
	}
	cp := *p
	return &cp, nil
}

// Subscribe attaches a connection for an active participant. The new
// subscription first receives the current participant state. It is closed
// automatically when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, conversationID, participantID string) (*Subscription, error) {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conv.Ended() {
		return nil, ErrEnded
	}
	p := st.participant(participantID)
	if p == nil || !p.Present {
		return nil, ErrForbidden
	}
	return s.subscribeLocked(ctx, st, participantID), nil
}

// AttachBot redeems a session token for conversationID and subscribes the
// bot participant it names. A token for another conversation is refused
// without being spent.
func (s *Service) AttachBot(ctx context.Context, conversationID, token string) (*Subscription, error) {
	if s.sessions == nil {
		return nil, session.ErrNotFound
	}
	binding, err := s.sessions.Peek(token)
	if err != nil {
		return nil, err
	}
	if binding.ConversationID != conversationID {
		return nil, fmt.Errorf("%w: session belongs to another conversation", ErrForbidden)
	}
	if binding, err = s.sessions.Consume(token); err != nil {
		return nil, err
	}

	st, err := s.state(ctx, binding.ConversationID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.conv.Ended() {
		st.mu.Unlock()
		return nil, ErrEnded
	}
	p := st.participant(binding.BotParticipantID)
	if p == nil || !p.Present || p.Role != store.RoleBot {
		st.mu.Unlock()
		return nil, ErrForbidden
	}
	sub := s.subscribeLocked(ctx, st, p.ID)
	adapter := st.adapters[p.ID]
	st.mu.Unlock()

	if c, ok := adapter.(bot.Connectable); ok {
		c.MarkAuthenticated()
	}
	s.logger.Info("bot attached",
		"conversation_id", binding.ConversationID,
		"participant_id", binding.BotParticipantID)
	return sub, nil
}

// DetachBot records that a bot's connection closed so the next message can
// invite it again.
func (s *Service) DetachBot(ctx context.Context, conversationID, botParticipantID string) {
	v, ok := s.convs.Load(conversationID)
	if !ok {
		return
	}
	st := v.(*convState)
	st.mu.Lock()
	adapter := st.adapters[botParticipantID]
	st.mu.Unlock()

	if c, ok := adapter.(bot.Connectable); ok {
		c.MarkDisconnected()
		s.logger.Info("bot detached", "conversation_id", conversationID, "participant_id", botParticipantID)
	}
}

// Adapter returns the adapter serving a bot participant.
func (s *Service) Adapter(ctx context.Context, conversationID, botParticipantID string) (bot.Adapter, bool) {
	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a, ok := st.adapters[botParticipantID]
	return a, ok
}

func (s *Service) subscribeLocked(ctx context.Context, st *convState, participantID string) *Subscription {
	sub := s.broadcaster.Subscribe(st.conv.ID, participantID)
	sub.StartSeq = st.seq
	sub.offer(Frame{State: &StateFrame{Participants: st.snapshotParticipants()}}, OverflowDropOldest)

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub
}

// state returns the live state of a conversation, loading it from the store
// on first access.
func (s *Service) state(ctx context.Context, conversationID string) (*convState, error) {
	if v, ok := s.convs.Load(conversationID); ok {
		return v.(*convState), nil
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	participants, err := s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	last, err := s.store.LastSeq(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	st := &convState{
		conv:         *conv,
		seq:          last,
		participants: participants,
		adapters:     make(map[string]bot.Adapter),
	}
	if conv.Ended() {
		return st, nil
	}
	for _, p := range participants {
		if p.Role != store.RoleBot || !p.Present {
			continue
		}
		if err := s.attachAdapter(st, p); err != nil {
			s.logger.Error("failed to restore bot",
				"conversation_id", conversationID,
				"participant_id", p.ID,
				"bot", p.Name,
				"error", err)
		}
	}

	actual, loaded := s.convs.LoadOrStore(conversationID, st)
	if !loaded {
		s.logger.Debug("conversation loaded", "conversation_id", conversationID, "last_seq", last)
	}
	return actual.(*convState), nil
}

func (s *Service) attachAdapter(st *convState, p *store.Participant) error {
	spec, ok := s.bots[p.Name]
	if !ok {
		return fmt.Errorf("%w: bot %q is not configured", ErrInvalid, p.Name)
	}
	adapter, err := s.builder.Build(p.Name, spec, bot.Info{
		ConversationID:   st.conv.ID,
		BotParticipantID: p.ID,
		Send:             s.sendAs(st.conv.ID, p.ID),
	})
	if err != nil {
		return err
	}
	st.adapters[p.ID] = adapter
	return nil
}

// sendAs binds Submit to a bot participant.
func (s *Service) sendAs(conversationID, participantID string) bot.SendFunc {
	return func(ctx context.Context, payload store.Payload) (*store.Message, error) {
		return s.Submit(ctx, conversationID, participantID, payload)
	}
}

func (s *Service) addParticipantLocked(ctx context.Context, st *convState, name string, role store.Role) (*store.Participant, *store.Message, error) {
	p := &store.Participant{
		ID:             uuid.New().String(),
		ConversationID: st.conv.ID,
		Name:           name,
		Role:           role,
		Present:        true,
		CreatedAt:      s.now().UTC(),
	}
	if role == store.RoleHuman && strings.TrimSpace(p.Name) == "" {
		p.Name = anonymousPrefix + p.ID
	}
	if err := s.store.AddParticipant(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	st.participants = append(st.participants, p)

	if role == store.RoleBot {
		if err := s.attachAdapter(st, p); err != nil {
			return nil, nil, err
		}
	}

	msg, err := s.appendSystemLocked(ctx, st, store.EventParticipantJoined, p.ID)
	if err != nil {
		return nil, nil, err
	}
	cp := *p
	return &cp, msg, nil
}

func (s *Service) appendSystemLocked(ctx context.Context, st *convState, event, participantID string) (*store.Message, error) {
	payload := store.Payload{Type: store.ContentSystem, Text: event}
	if participantID != "" {
		payload.Metadata = map[string]any{"participant_id": participantID}
	}
	return s.appendLocked(ctx, st, &store.Message{Kind: store.RoleSystem, Payload: payload})
}

// appendLocked assigns the next sequence number, persists msg and publishes
// it. The counter only advances once the append has succeeded.
func (s *Service) appendLocked(ctx context.Context, st *convState, msg *store.Message) (*store.Message, error) {
	msg.ID = uuid.New().String()
	msg.ConversationID = st.conv.ID
	msg.Seq = st.seq + 1
	msg.Timestamp = s.now().UTC()

	if _, err := s.store.Append(ctx, st.conv.ID, msg); err != nil {
		s.logger.Error("failed to append message",
			"conversation_id", st.conv.ID,
			"seq", msg.Seq,
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	st.seq = msg.Seq

	s.broadcaster.Publish(st.conv.ID, Frame{Message: msg})
	return msg, nil
}

// publishStateLocked sends the participant list to subscribers and queues it
// for adapters that take state directly.
func (s *Service) publishStateLocked(st *convState) {
	participants := st.snapshotParticipants()
	s.broadcaster.Publish(st.conv.ID, Frame{State: &StateFrame{Participants: participants}})

	receivers := lo.Filter(st.snapshotAdapters(), func(a bot.Adapter, _ int) bool {
		_, ok := a.(bot.StateReceiver)
		return ok
	})
	if len(receivers) == 0 {
		return
	}
	st.outMu.Lock()
	st.outbox = append(st.outbox, delivery{adapters: receivers, participants: participants})
	st.outMu.Unlock()
}

// enqueueLocked queues msgs for the current bots. Being called under mu
// makes outbox order equal sequence order.
func (s *Service) enqueueLocked(st *convState, msgs ...*store.Message) {
	adapters := st.snapshotAdapters()
	if len(adapters) == 0 {
		return
	}
	st.outMu.Lock()
	for _, msg := range msgs {
		st.outbox = append(st.outbox, delivery{adapters: adapters, msg: msg})
	}
	st.outMu.Unlock()
}

// drain delivers queued notifications in order. It runs outside mu so bots
// can submit replies; a reply submitted from inside a delivery is queued and
// picked up by the loop already running, so at most one goroutine per
// conversation notifies bots at a time.
func (s *Service) drain(ctx context.Context, st *convState) {
	// Deliveries may belong to other callers' submits
	ctx = context.WithoutCancel(ctx)

	st.outMu.Lock()
	if st.draining {
		st.outMu.Unlock()
		return
	}
	st.draining = true
	for len(st.outbox) > 0 {
		d := st.outbox[0]
		st.outbox[0] = delivery{}
		st.outbox = st.outbox[1:]
		st.outMu.Unlock()

		s.deliver(ctx, d)

		st.outMu.Lock()
	}
	st.draining = false
	st.outMu.Unlock()
}

// deliver hands each adapter its own copy so handlers cannot disturb what
// subscribers and the dedupe cache hold.
func (s *Service) deliver(ctx context.Context, d delivery) {
	for _, a := range d.adapters {
		if d.msg != nil {
			a.Notify(ctx, d.msg.Clone())
			continue
		}
		if r, ok := a.(bot.StateReceiver); ok {
			r.NotifyState(ctx, lo.Map(d.participants, func(p *store.Participant, _ int) *store.Participant {
				cp := *p
				return &cp
			}))
		}
	}
}
