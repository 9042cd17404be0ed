// ABOUTME: Sample external bot: accepts gateway handshakes and echoes human messages back
// ABOUTME: Settings come from ECHOBOT_* environment variables (optionally via .env)

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/2389/huddle-gateway/internal/bot"
	"github.com/2389/huddle-gateway/internal/conversation"
	"github.com/2389/huddle-gateway/internal/gateway"
	"github.com/2389/huddle-gateway/internal/store"
)

// Config is read from ECHOBOT_LISTEN_ADDR, ECHOBOT_GATEWAY_URL and ECHOBOT_PREFIX.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:9000"`
	GatewayURL string `envconfig:"GATEWAY_URL" default:"ws://127.0.0.1:8080"`
	Prefix     string `envconfig:"PREFIX" default:"echo: "`
}

// Bot keeps one gateway connection per conversation it was invited to.
type Bot struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	ctx   context.Context
	mu    sync.Mutex
	conns map[string]*link // conversation ID -> connection
	wg    sync.WaitGroup
}

type link struct {
	cancel context.CancelFunc
}

// NewBot creates a bot whose connections live until ctx is cancelled.
func NewBot(ctx context.Context, cfg Config, logger *slog.Logger) *Bot {
	return &Bot{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger.With("component", "echo-bot"),
		ctx:    ctx,
		conns:  make(map[string]*link),
	}
}

// ServeHTTP accepts a handshake and connects in the background.
func (b *Bot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req bot.HandshakeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Session == "" || req.ConversationID == "" {
		http.Error(w, "bad handshake", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	if old, ok := b.conns[req.ConversationID]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(b.ctx)
	c := &link{cancel: cancel}
	b.conns[req.ConversationID] = c
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.forget(req.ConversationID, c)
		if err := b.run(ctx, req); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("conversation connection ended", "conversation_id", req.ConversationID, "error", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

// forget drops c unless a newer handshake already replaced it.
func (b *Bot) forget(conversationID string, c *link) {
	b.mu.Lock()
	if b.conns[conversationID] == c {
		delete(b.conns, conversationID)
	}
	b.mu.Unlock()
	c.cancel()
}

// Connections reports how many conversations have a live connection.
func (b *Bot) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Wait blocks until every connection has returned.
func (b *Bot) Wait() {
	b.wg.Wait()
}

func (b *Bot) run(ctx context.Context, req bot.HandshakeRequest) error {
	url := fmt.Sprintf("%s/ws/conversations/%s", b.cfg.GatewayURL, req.ConversationID)
	conn, _, err := b.dialer.DialContext(ctx, url, http.Header{gateway.SessionHeader: {req.Session}})
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()

	logger := b.logger.With("conversation_id", req.ConversationID, "participant_id", req.BotParticipantID)
	logger.Info("connected")

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var f conversation.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Info("gateway closed the conversation")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		reply, ok := b.replyTo(f.Message)
		if !ok {
			if f.Error != nil {
				logger.Warn("gateway rejected a frame", "code", f.Error.Code, "message", f.Error.Message)
			}
			continue
		}
		if err := conn.WriteJSON(gateway.InboundFrame{Message: &reply}); err != nil {
			return fmt.Errorf("writing reply: %w", err)
		}
	}
}

// replyTo decides whether msg deserves an echo.
func (b *Bot) replyTo(msg *store.Message) (store.Payload, bool) {
	if msg == nil || !msg.SentByHuman() || msg.Payload.Type != store.ContentText {
		return store.Payload{}, false
	}
	return store.Payload{
		Type:            store.ContentText,
		Text:            b.cfg.Prefix + msg.Payload.Text,
		QuotedMessageID: msg.ID,
	}, true
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var cfg Config
	if err := envconfig.Process("ECHOBOT", &cfg); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b := NewBot(ctx, cfg, logger)
	mux := http.NewServeMux()
	mux.Handle("/handshake", b)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("echo-bot listening", "addr", cfg.ListenAddr, "gateway", cfg.GatewayURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	b.Wait()
}
