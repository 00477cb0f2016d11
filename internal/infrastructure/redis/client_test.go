package redis

import (
	"testing"

	"github.com/google/uuid"

	"livechat-ws/internal/domain"
)

func TestKeys(t *testing.T) {
	id := uuid.MustParse("6f1c1d0e-7a4b-4b8e-9a37-0d6c1f3b2a10")

	if got, want := presenceKey(domain.ParticipantOperator, id), "presence:operator:"+id.String(); got != want {
		t.Fatalf("presenceKey = %q, want %q", got, want)
	}
	if got, want := typingKey(id, "user"), "session:"+id.String()+":typing:user"; got != want {
		t.Fatalf("typingKey = %q, want %q", got, want)
	}
	if presenceKey(domain.ParticipantVisitor, id) == presenceKey(domain.ParticipantOperator, id) {
		t.Fatal("visitor and operator keys collide")
	}
}
