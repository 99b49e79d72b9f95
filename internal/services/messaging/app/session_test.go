package server

import (
	"testing"

	"github.com/gradhall/gradhall/internal/services/messaging/domain"
)

func TestSessionStartsAuthenticated(t *testing.T) {
	session := newWSSession(nil, domain.Identity{ID: "user-a"}, "token-a")
	if session.currentState() != stateAuthenticated {
		t.Fatalf("state = %d, want %d", session.currentState(), stateAuthenticated)
	}
}

func TestSessionSubscribeMovesToSubscribed(t *testing.T) {
	session := newWSSession(nil, domain.Identity{ID: "user-a"}, "token-a")

	session.subscribe("channel-1")
	if session.currentState() != stateSubscribed {
		t.Fatalf("state = %d, want %d", session.currentState(), stateSubscribed)
	}
	if !session.subscribed("channel-1") {
		t.Fatal("expected channel recorded")
	}
	if session.subscribed("channel-2") {
		t.Fatal("expected other channel absent")
	}
	if session.subscriptionCount() != 1 {
		t.Fatalf("subscription count = %d, want 1", session.subscriptionCount())
	}
}

func TestSessionEnqueueReportsOverflow(t *testing.T) {
	session := newWSSession(nil, domain.Identity{ID: "user-a"}, "token-a")

	for i := 0; i < sendQueueLen; i++ {
		if !session.enqueue(errorFrame("", codeInvalidArgument, "filler", false)) {
			t.Fatalf("enqueue %d failed before capacity", i)
		}
	}
	if session.enqueue(errorFrame("", codeInvalidArgument, "overflow", false)) {
		t.Fatal("expected enqueue to fail at capacity")
	}
}

func TestSessionCloseIsIdempotentAndKeepsFirstCode(t *testing.T) {
	session := newWSSession(nil, domain.Identity{ID: "user-a"}, "token-a")

	session.close(closeOverflow)
	if session.currentState() != stateClosed {
		t.Fatalf("state = %d, want %d", session.currentState(), stateClosed)
	}
	session.close(closeNormal)
	if code := session.currentCloseCode(); code != closeOverflow {
		t.Fatalf("close code = %d, want %d", code, closeOverflow)
	}
}

func TestSessionRejectsFramesAfterClose(t *testing.T) {
	session := newWSSession(nil, domain.Identity{ID: "user-a"}, "token-a")
	session.close(closeNormal)

	if session.enqueue(errorFrame("", codeInvalidArgument, "late", false)) {
		t.Fatal("expected enqueue to fail after close")
	}
	session.subscribe("channel-1")
	if session.subscriptionCount() != 0 {
		t.Fatal("expected no subscriptions after close")
	}
}
