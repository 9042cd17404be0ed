// ABOUTME: Bot adapter capability interface and the immutable bot configuration types
// ABOUTME: Builder turns a configured Spec into an internal or external Adapter

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/huddle-gateway/internal/store"
)

// Kind distinguishes the two adapter variants.
type Kind string

const (
	KindInternal Kind = "internal"
	KindExternal Kind = "external"
)

// ErrUnknownKind is returned when an internal spec names an unregistered handler kind.
var ErrUnknownKind = errors.New("unknown bot kind")

// SendFunc submits a payload back into the conversation as the bot participant.
type SendFunc func(ctx context.Context, payload store.Payload) (*store.Message, error)

// Info is handed to every bot handler. It is a value; handlers may copy it freely.
type Info struct {
	ConversationID   string
	BotParticipantID string
	Send             SendFunc
}

// Adapter delivers conversation messages to one bot participant.
type Adapter interface {
	// Notify hands msg to the bot. It never reports failure to the caller;
	// problems are logged by the adapter.
	Notify(ctx context.Context, msg *store.Message)
	Kind() Kind
}

// StateReceiver is implemented by adapters that take participant-state
// updates directly. Connected external bots get them as broadcast frames.
type StateReceiver interface {
	NotifyState(ctx context.Context, participants []*store.Participant)
}

// Connectable is implemented by adapters whose bot holds a live connection.
type Connectable interface {
	MarkAuthenticated()
	MarkDisconnected()
}

// InternalSpec selects an in-process handler by registry kind.
type InternalSpec struct {
	Kind   string         `yaml:"kind" toml:"kind" json:"kind"`
	Args   []any          `yaml:"args" toml:"args" json:"args,omitempty"`
	Kwargs map[string]any `yaml:"kwargs" toml:"kwargs" json:"kwargs,omitempty"`
}

// ExternalSpec points at an out-of-process bot's handshake endpoint.
type ExternalSpec struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
}

// Spec is the configuration of one named bot. Exactly one of Internal and
// External is set.
type Spec struct {
	Internal *InternalSpec `yaml:"internal,omitempty" toml:"internal,omitempty" json:"internal,omitempty"`
	External *ExternalSpec `yaml:"external,omitempty" toml:"external,omitempty" json:"external,omitempty"`
}

// Kind reports which variant the spec describes.
func (s Spec) Kind() Kind {
	if s.External != nil {
		return KindExternal
	}
	return KindInternal
}

// Validate checks that exactly one variant is configured.
func (s Spec) Validate() error {
	switch {
	case s.Internal != nil && s.External != nil:
		return errors.New("bot must be either internal or external, not both")
	case s.Internal == nil && s.External == nil:
		return errors.New("bot must be internal or external")
	case s.Internal != nil && s.Internal.Kind == "":
		return errors.New("internal bot requires a kind")
	case s.External != nil && s.External.Endpoint == "":
		return errors.New("external bot requires an endpoint")
	}
	return nil
}

// Builder constructs adapters for bot participants.
type Builder struct {
	Registry *Registry
	Sessions Sessions
	Client   *http.Client
	Policy   HandshakePolicy
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Build returns the adapter for spec, bound to info.
func (b *Builder) Build(name string, spec Spec, info Info) (Adapter, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		"bot", name,
		"conversation_id", info.ConversationID,
		"participant_id", info.BotParticipantID,
	)

	switch spec.Kind() {
	case KindExternal:
		if b.Sessions == nil {
			return nil, fmt.Errorf("external bot %q: no session registry", name)
		}
		return NewExternalAdapter(ExternalConfig{
			Endpoint: spec.External.Endpoint,
			Info:     info,
			Sessions: b.Sessions,
			Client:   b.Client,
			Policy:   b.Policy,
			Timeout:  b.Timeout,
			Logger:   logger,
		}), nil
	default:
		factory, ok := b.Registry.Lookup(spec.Internal.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Internal.Kind)
		}
		return NewInternalAdapter(info, factory, spec.Internal.Args, spec.Internal.Kwargs, logger), nil
	}
}
