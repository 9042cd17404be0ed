// ABOUTME: WebSocket transport for humans (participant JWT) and external bots (session token)
// ABOUTME: Read pump submits inbound payloads; write pump drains the conversation subscription

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/huddle-gateway/internal/auth"
	"github.com/2389/huddle-gateway/internal/conversation"
	"github.com/2389/huddle-gateway/internal/store"
)

// Bot session credentials. The query form exists for clients that cannot set headers.
const (
	SessionHeader     = "X-Huddle-Session"
	SessionQueryParam = "session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 << 10
	replyQueueSize = 8
)

// InboundFrame is what clients send: a payload to submit as themselves.
type InboundFrame struct {
	Message *store.Payload `json:"message"`
}

// peer is one authenticated WebSocket connection.
type peer struct {
	conn          *websocket.Conn
	sub           *conversation.Subscription
	participantID string
	isBot         bool
	replies       chan conversation.Frame
}

func sessionToken(r *http.Request) string {
	if tok := r.Header.Get(SessionHeader); tok != "" {
		return tok
	}
	return r.URL.Query().Get(SessionQueryParam)
}

// attach authenticates the request and subscribes it to the conversation.
// Bots redeem their single-use session; humans present a participant JWT.
func (g *Gateway) attach(ctx context.Context, r *http.Request, conversationID string) (*conversation.Subscription, bool, error) {
	if tok := sessionToken(r); tok != "" {
		sub, err := g.conversation.AttachBot(ctx, conversationID, tok)
		return sub, true, err
	}

	ac, err := auth.Authenticate(r, g.verifier)
	if err != nil {
		return nil, false, err
	}
	if !ac.Allows(conversationID) {
		return nil, false, fmt.Errorf("%w: token is not valid for this conversation", conversation.ErrForbidden)
	}
	sub, err := g.conversation.Subscribe(ctx, conversationID, ac.ParticipantID)
	return sub, false, err
}

// handleWebSocket handles GET /ws/conversations/{id}.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(g.connCtx, cancel)
	defer stop()

	sub, isBot, err := g.attach(ctx, r, convID)
	if err != nil {
		g.logger.Info("websocket refused", "conversation_id", convID, "bot", isBot, "error", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		g.logger.Debug("websocket upgrade failed", "error", err)
		sub.Close()
		if isBot {
			g.conversation.DetachBot(context.WithoutCancel(ctx), convID, sub.ParticipantID)
		}
		return
	}

	p := &peer{
		conn:          conn,
		sub:           sub,
		participantID: sub.ParticipantID,
		isBot:         isBot,
		replies:       make(chan conversation.Frame, replyQueueSize),
	}
	logger := g.logger.With("conversation_id", convID, "participant_id", p.participantID, "bot", isBot)
	logger.Info("websocket connected", "start_seq", sub.StartSeq)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writePump(ctx, p)
	}()

	g.readPump(ctx, convID, p)
	cancel()
	<-writerDone
	_ = conn.Close()

	if isBot {
		g.conversation.DetachBot(context.WithoutCancel(ctx), convID, p.participantID)
	}
	logger.Info("websocket disconnected", "reason", sub.Err(), "dropped_frames", sub.Dropped())
}

// readPump turns inbound frames into Submit calls until the connection fails.
func (g *Gateway) readPump(ctx context.Context, conversationID string, p *peer) {
	p.conn.SetReadLimit(maxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("websocket read failed", "participant_id", p.participantID, "error", err)
			}
			return
		}

		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil || in.Message == nil {
			g.reply(ctx, p, errorFrame("invalid", "expected {\"message\":{...}}"))
			continue
		}
		if _, err := g.conversation.Submit(ctx, conversationID, p.participantID, *in.Message); err != nil {
			g.reply(ctx, p, errorFrame(errorCode(err), err.Error()))
			if errors.Is(err, conversation.ErrEnded) || errors.Is(err, conversation.ErrForbidden) {
				return
			}
		}
	}
}

func errorFrame(code, message string) conversation.Frame {
	return conversation.Frame{Error: &conversation.ErrorFrame{Code: code, Message: message}}
}

// reply queues a frame for this connection only.
func (g *Gateway) reply(ctx context.Context, p *peer, f conversation.Frame) {
	select {
	case p.replies <- f:
	case <-ctx.Done():
	}
}

// writePump is the only goroutine that writes to the connection.
func (g *Gateway) writePump(ctx context.Context, p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	// Closing the socket unblocks the read pump when the subscription ends first.
	defer p.conn.Close()

	for {
		select {
		case f := <-p.sub.Frames():
			if err := g.writeFrame(p.conn, f); err != nil {
				return
			}
		case f := <-p.replies:
			if err := g.writeFrame(p.conn, f); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.sub.Done():
			g.drain(p)
			g.writeClose(p.conn, p.sub.Err())
			return
		case <-ctx.Done():
			g.flushReplies(p)
			g.writeClose(p.conn, nil)
			return
		}
	}
}

// drain flushes frames that were queued before the subscription closed, so a
// client sees conversation-ended before the close frame.
func (g *Gateway) drain(p *peer) {
	for {
		select {
		case f := <-p.sub.Frames():
			if err := g.writeFrame(p.conn, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

// flushReplies sends error frames the read pump queued just before it stopped.
func (g *Gateway) flushReplies(p *peer) {
	for {
		select {
		case f := <-p.replies:
			if err := g.writeFrame(p.conn, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (g *Gateway) writeFrame(conn *websocket.Conn, f conversation.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// closeCode maps the reason a subscription ended onto a WebSocket close code.
func closeCode(reason error) (int, string) {
	switch {
	case reason == nil:
		return websocket.CloseGoingAway, "going away"
	case errors.Is(reason, conversation.ErrEnded):
		return websocket.CloseNormalClosure, "conversation ended"
	case errors.Is(reason, conversation.ErrOverflow):
		return websocket.CloseTryAgainLater, "subscriber queue overflow"
	case errors.Is(reason, conversation.ErrForbidden):
		return websocket.ClosePolicyViolation, "no longer a participant"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

func (g *Gateway) writeClose(conn *websocket.Conn, reason error) {
	code, text := closeCode(reason)
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
