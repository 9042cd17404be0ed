// ABOUTME: In-process bot adapter and the kind registry that constructs handlers
// ABOUTME: A fresh handler is built per message and invoked synchronously with panics recovered

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/2389/huddle-gateway/internal/store"
)

// Handler reacts to one conversation message.
type Handler interface {
	ReceiveMessage(ctx context.Context, msg *store.Message) error
}

// StatusHandler is implemented by handlers that also want the participant
// list whenever membership changes.
type StatusHandler interface {
	UpdateStatus(ctx context.Context, participants []*store.Participant) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *store.Message) error

// ReceiveMessage calls f.
func (f HandlerFunc) ReceiveMessage(ctx context.Context, msg *store.Message) error {
	return f(ctx, msg)
}

// Factory builds a handler for one message delivery.
type Factory func(info Info, args []any, kwargs map[string]any) (Handler, error)

// Registry maps kind names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Lookup returns the factory for kind.
func (r *Registry) Lookup(kind string) (Factory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// InternalAdapter runs an in-process handler.
type InternalAdapter struct {
	info    Info
	factory Factory
	args    []any
	kwargs  map[string]any
	logger  *slog.Logger
}

// NewInternalAdapter binds factory to one bot participant.
func NewInternalAdapter(info Info, factory Factory, args []any, kwargs map[string]any, logger *slog.Logger) *InternalAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InternalAdapter{
		info:    info,
		factory: factory,
		args:    args,
		kwargs:  kwargs,
		logger:  logger.With("component", "internal-bot"),
	}
}

// Kind returns KindInternal.
func (a *InternalAdapter) Kind() Kind { return KindInternal }

// Notify constructs a handler and delivers msg on the calling goroutine.
func (a *InternalAdapter) Notify(ctx context.Context, msg *store.Message) {
	err := a.run(func(h Handler) error {
		if err := h.ReceiveMessage(ctx, msg); err != nil {
			return fmt.Errorf("receiving message: %w", err)
		}
		return nil
	})
	if err != nil {
		a.logger.Error("bot failed to handle message",
			"seq", msg.Seq,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// NotifyState hands the participant list to handlers implementing StatusHandler.
func (a *InternalAdapter) NotifyState(ctx context.Context, participants []*store.Participant) {
	err := a.run(func(h Handler) error {
		sh, ok := h.(StatusHandler)
		if !ok {
			return nil
		}
		if err := sh.UpdateStatus(ctx, participants); err != nil {
			return fmt.Errorf("updating status: %w", err)
		}
		return nil
	})
	if err != nil {
		a.logger.Error("bot failed to handle status", "error", err)
	}
}

// run builds a fresh handler and calls fn with it, turning panics into errors.
func (a *InternalAdapter) run(fn func(Handler) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bot panicked: %v", r)
			a.logger.Debug("bot panic stack", "stack", string(debug.Stack()))
		}
	}()

	h, err := a.factory(a.info, a.args, a.kwargs)
	if err != nil {
		return fmt.Errorf("constructing bot: %w", err)
	}
	return fn(h)
}
