// ABOUTME: JWT participant tokens for authenticating human clients
// ABOUTME: HS256 signed, subject is the participant, "conv" claim binds the conversation

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest signing secret NewJWTVerifier accepts.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// Identity is what a verified participant token proves.
type Identity struct {
	ParticipantID  string
	ConversationID string
}

// Verifier checks a bearer credential and returns the identity it carries.
type Verifier interface {
	Verify(tokenString string) (Identity, error)
}

// participantClaims is the JWT body. Subject carries the participant id.
type participantClaims struct {
	Conversation string `json:"conv"`
	jwt.RegisteredClaims
}

// JWTVerifier implements Verifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

// Verify validates the token and extracts the participant and conversation ids.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	claims := &participantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Conversation == "" {
		return Identity{}, fmt.Errorf("%w: conv", ErrMissingClaim)
	}
	return Identity{ParticipantID: claims.Subject, ConversationID: claims.Conversation}, nil
}

// Generate signs a token for a participant of one conversation.
func (v *JWTVerifier) Generate(participantID, conversationID string, expiresIn time.Duration) (string, error) {
	now := v.now()
	claims := participantClaims{
		Conversation: conversationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
