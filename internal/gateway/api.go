// ABOUTME: REST handlers for conversation membership, messages, history and bot listing
// ABOUTME: Maps dispatcher sentinel errors onto HTTP status codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/2389/huddle-gateway/internal/auth"
	"github.com/2389/huddle-gateway/internal/bot"
	"github.com/2389/huddle-gateway/internal/conversation"
	"github.com/2389/huddle-gateway/internal/session"
	"github.com/2389/huddle-gateway/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	EndedAt   string `json:"ended_at,omitempty"`
}

// MembershipResponse is returned by create and join. Token authenticates the
// new participant on every other endpoint.
type MembershipResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Participant  *store.Participant   `json:"participant"`
	Bots         []*store.Participant `json:"bots,omitempty"`
	Token        string               `json:"token"`
}

// JoinRequest is the JSON body for POST /api/conversations/{id}/join.
type JoinRequest struct {
	Nickname string `json:"nickname"`
}

// HistoryResponse is the JSON response for GET /api/conversations/{id}/messages.
type HistoryResponse struct {
	Messages []*store.Message `json:"messages"`
}

// ParticipantsResponse is the JSON response for GET /api/conversations/{id}/participants.
type ParticipantsResponse struct {
	Participants []*store.Participant `json:"participants"`
}

// BotResponse describes one configured bot for GET /api/bots.
type BotResponse struct {
	Name     string   `json:"name"`
	Kind     bot.Kind `json:"kind"`
	Handler  string   `json:"handler,omitempty"`
	Endpoint string   `json:"endpoint,omitempty"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	requireAuth := auth.HTTPAuthMiddleware(g.verifier)

	mux.HandleFunc("GET /api/bots", g.handleListBots)
	mux.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	mux.HandleFunc("POST /api/conversations/{id}/join", g.handleJoin)
	mux.Handle("POST /api/conversations/{id}/leave", requireAuth(http.HandlerFunc(g.handleLeave)))
	mux.Handle("POST /api/conversations/{id}/end", requireAuth(http.HandlerFunc(g.handleEnd)))
	mux.Handle("POST /api/conversations/{id}/messages", requireAuth(http.HandlerFunc(g.handleSubmit)))
	mux.Handle("GET /api/conversations/{id}/messages", requireAuth(http.HandlerFunc(g.handleHistory)))
	mux.Handle("GET /api/conversations/{id}/participants", requireAuth(http.HandlerFunc(g.handleParticipants)))
}

// handleListBots handles GET /api/bots.
func (g *Gateway) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots := lo.Map(g.conversation.BotNames(), func(name string, _ int) BotResponse {
		spec, _ := g.conversation.BotSpec(name)
		resp := BotResponse{Name: name, Kind: spec.Kind()}
		if spec.Internal != nil {
			resp.Handler = spec.Internal.Kind
		}
		if spec.External != nil {
			resp.Endpoint = spec.External.Endpoint
		}
		return resp
	})
	g.sendJSON(w, http.StatusOK, map[string][]BotResponse{"bots": bots})
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req conversation.CreateRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	res, err := g.conversation.Create(r.Context(), req)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	token, err := g.verifier.Generate(res.Participant.ID, res.Conversation.ID, g.config.Auth.TokenTTL)
	if err != nil {
		g.logger.Error("failed to sign participant token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	g.sendJSON(w, http.StatusCreated, MembershipResponse{
		Conversation: toConversationResponse(res.Conversation),
		Participant:  res.Participant,
		Bots:         res.Bots,
		Token:        token,
	})
}

// handleJoin handles POST /api/conversations/{id}/join.
func (g *Gateway) handleJoin(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	var req JoinRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	p, err := g.conversation.Join(r.Context(), convID, req.Nickname)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	token, err := g.verifier.Generate(p.ID, convID, g.config.Auth.TokenTTL)
	if err != nil {
		g.logger.Error("failed to sign participant token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	resp := MembershipResponse{
		Conversation: ConversationResponse{ID: convID},
		Participant:  p,
		Token:        token,
	}
	g.sendJSON(w, http.StatusCreated, resp)
}

// handleLeave handles POST /api/conversations/{id}/leave.
func (g *Gateway) handleLeave(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	if err := g.conversation.Leave(r.Context(), ac.ConversationID, ac.ParticipantID); err != nil {
		g.sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEnd handles POST /api/conversations/{id}/end. Any present human may end it.
func (g *Gateway) handleEnd(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	p, err := g.conversation.Participant(r.Context(), ac.ConversationID, ac.ParticipantID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if !p.Present || p.Role != store.RoleHuman {
		g.sendServiceError(w, conversation.ErrForbidden)
		return
	}
	if err := g.conversation.End(r.Context(), ac.ConversationID); err != nil {
		g.sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmit handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	var payload store.Payload
	if !g.decodeJSON(w, r, &payload) {
		return
	}

	msg, err := g.conversation.Submit(r.Context(), ac.ConversationID, ac.ParticipantID, payload)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, msg)
}

// handleHistory handles GET /api/conversations/{id}/messages?since=&limit=.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	since, err := queryInt(r, "since", 0)
	if err != nil || since < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "since must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", conversation.DefaultHistoryLimit)
	if err != nil || limit <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	msgs, err := g.conversation.History(r.Context(), ac.ConversationID, since, int(limit))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	g.sendJSON(w, http.StatusOK, HistoryResponse{Messages: msgs})
}

// handleParticipants handles GET /api/conversations/{id}/participants.
func (g *Gateway) handleParticipants(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	ps, err := g.conversation.Participants(r.Context(), ac.ConversationID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ParticipantsResponse{Participants: ps})
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:        c.ID,
		Name:      c.Name,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if c.EndedAt != nil {
		resp.EndedAt = c.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// decodeJSON reads a bounded JSON body into dst, answering 400 on failure.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusFor maps dispatcher and session errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrEnded):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrAlreadyConsumed),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingClaim),
		errors.Is(err, auth.ErrNoCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the stable machine-readable name of err used in error frames.
func errorCode(err error) string {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return "not_found"
	case errors.Is(err, conversation.ErrForbidden):
		return "forbidden"
	case errors.Is(err, conversation.ErrInvalid):
		return "invalid"
	case errors.Is(err, conversation.ErrEnded):
		return "ended"
	case errors.Is(err, conversation.ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
