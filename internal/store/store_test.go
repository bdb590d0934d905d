package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateMessageEchoesRecord(t *testing.T) {
	s := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	s.nowFn = func() time.Time { return base }
	s.AddConversation("c1", "u1", "u2")

	msg, err := s.CreateMessage(context.Background(), "c1", "u1", MessageTypeText, "hi", "")
	if err != nil {
		t.Fatalf("create message failed: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("expected generated message id")
	}
	if msg.ConversationID != "c1" || msg.SenderID != "u1" || msg.Content != "hi" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !msg.CreatedAt.Equal(base) {
		t.Fatalf("unexpected creation time %v", msg.CreatedAt)
	}

	second, err := s.CreateMessage(context.Background(), "c1", "u2", MessageTypeText, "yo", "")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if second.ID == msg.ID {
		t.Fatalf("expected unique message ids, got duplicate %s", msg.ID)
	}
}

func TestCreateMessageUnknownConversation(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.CreateMessage(context.Background(), "missing", "u1", MessageTypeText, "hi", "")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if s.MessageCount() != 0 {
		t.Fatal("no message should be persisted")
	}
}

func TestMembership(t *testing.T) {
	s := NewMemoryStore()
	s.AddConversation("c1", "u1", "u2")

	ok, err := s.IsMember(context.Background(), "c1", "u1")
	if err != nil || !ok {
		t.Fatalf("expected u1 to be a member, got %v err=%v", ok, err)
	}

	ok, err = s.IsMember(context.Background(), "c1", "u3")
	if err != nil || ok {
		t.Fatalf("expected u3 not to be a member, got %v err=%v", ok, err)
	}

	// Unknown conversation reads as not-a-member, never as a distinct error.
	ok, err = s.IsMember(context.Background(), "missing", "u1")
	if err != nil || ok {
		t.Fatalf("unknown conversation should read as non-member, got %v err=%v", ok, err)
	}

	members, err := s.GetMembers(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get members failed: %v", err)
	}
	if len(members) != 2 || members[0] != "u1" || members[1] != "u2" {
		t.Fatalf("unexpected members %v", members)
	}
}

func TestMessageTypeValidation(t *testing.T) {
	for _, typ := range []MessageType{MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeAudio} {
		if !typ.Valid() {
			t.Fatalf("%s should be valid", typ)
		}
	}
	if MessageType("VIDEO").Valid() {
		t.Fatal("unknown type should be invalid")
	}
}
