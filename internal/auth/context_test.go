// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests AuthContext.Allows and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_Allows(t *testing.T) {
	ac := &AuthContext{ParticipantID: "p-alice", ConversationID: "conv-1"}

	if !ac.Allows("conv-1") {
		t.Error("Allows(conv-1) = false, want true")
	}
	if ac.Allows("conv-2") {
		t.Error("Allows(conv-2) = true, want false")
	}

	var missing *AuthContext
	if missing.Allows("conv-1") {
		t.Error("nil AuthContext must not allow anything")
	}
}

func TestWithAuth_FromContext(t *testing.T) {
	ac := &AuthContext{ParticipantID: "p-alice", ConversationID: "conv-1"}
	ctx := WithAuth(context.Background(), ac)

	if got := FromContext(ctx); got != ac {
		t.Errorf("FromContext() = %v, want %v", got, ac)
	}
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() on empty context = %v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() did not panic on empty context")
		}
	}()
	MustFromContext(context.Background())
}
