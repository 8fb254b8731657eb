package types

import (
	"context"
	"testing"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{ID: "user_1", Type: ActorTypeUser, Email: "a@example.com"})

	actor, ok := GetActor(ctx)
	if !ok {
		t.Fatal("GetActor should find the stored actor")
	}
	if actor.ID != "user_1" || actor.Type != ActorTypeUser {
		t.Errorf("unexpected actor: %+v", actor)
	}
}

func TestGetActorMissing(t *testing.T) {
	if _, ok := GetActor(context.Background()); ok {
		t.Error("GetActor should report false on an empty context")
	}
}

func TestRequestID(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty context = %q, want empty", got)
	}
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID = %q, want req-123", got)
	}
}

func TestPlanTierValid(t *testing.T) {
	for _, tier := range PlanTiers {
		if !tier.Valid() {
			t.Errorf("%s should be valid", tier)
		}
	}
	if PlanTier("gold").Valid() {
		t.Error("unknown tier should be invalid")
	}
	if PlanFree.IsPaid() || !PlanBasic.IsPaid() {
		t.Error("IsPaid mismatch")
	}
}
