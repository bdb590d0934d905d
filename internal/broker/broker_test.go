package broker

import (
	"context"
	"testing"
)

func TestTopicFunctions(t *testing.T) {
	if got := UserTopic("u1"); got != "user:u1" {
		t.Fatalf("unexpected user topic %s", got)
	}
	if got := PresenceTopic("u1"); got != "presence:u1" {
		t.Fatalf("unexpected presence topic %s", got)
	}
	if got := TypingTopic("c1"); got != "typing:c1" {
		t.Fatalf("unexpected typing topic %s", got)
	}

	userID, ok := SplitUserTopic("user:u1")
	if !ok || userID != "u1" {
		t.Fatalf("split user topic: got %q ok=%v", userID, ok)
	}
	if _, ok := SplitUserTopic("typing:c1"); ok {
		t.Fatal("split user topic accepted a typing topic")
	}
	if _, ok := SplitPresenceTopic("presence:"); ok {
		t.Fatal("split presence topic accepted an empty suffix")
	}

	convID, ok := SplitTypingTopic("typing:c1")
	if !ok || convID != "c1" {
		t.Fatalf("split typing topic: got %q ok=%v", convID, ok)
	}
}

func TestMemoryBrokerPatternDelivery(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	var userTopics []string
	cancel, err := b.Subscribe(ctx, UserPattern, func(topic string, payload []byte) {
		userTopics = append(userTopics, topic)
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	typingCount := 0
	if _, err := b.Subscribe(ctx, TypingPattern, func(topic string, payload []byte) {
		typingCount++
	}); err != nil {
		t.Fatalf("subscribe typing failed: %v", err)
	}

	if err := b.Publish(ctx, UserTopic("u1"), []byte(`{}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := b.Publish(ctx, TypingTopic("c1"), []byte(`{}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(userTopics) != 1 || userTopics[0] != "user:u1" {
		t.Fatalf("unexpected user deliveries: %v", userTopics)
	}
	if typingCount != 1 {
		t.Fatalf("expected 1 typing delivery, got %d", typingCount)
	}

	cancel()
	if err := b.Publish(ctx, UserTopic("u1"), []byte(`{}`)); err != nil {
		t.Fatalf("publish after cancel failed: %v", err)
	}
	if len(userTopics) != 1 {
		t.Fatalf("cancelled subscription still receiving: %v", userTopics)
	}
}
