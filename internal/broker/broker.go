// Package broker is the process-wide publish/subscribe bus used to fan
// conversation events across gateway instances. Topic construction is kept as
// pure functions so routing is testable without a running backend.
package broker

import (
	"context"
	"strings"
)

// Handler receives one published payload. Handlers must not block; slow
// consumers stall the whole subscription.
type Handler func(topic string, payload []byte)

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers h for every topic matching pattern. Patterns use a
	// single trailing "*" wildcard ("user:*"). The returned cancel func stops
	// delivery; it is safe to call more than once.
	Subscribe(ctx context.Context, pattern string, h Handler) (cancel func(), err error)
	Close() error
}

const (
	userPrefix     = "user:"
	presencePrefix = "presence:"
	typingPrefix   = "typing:"

	UserPattern     = userPrefix + "*"
	PresencePattern = presencePrefix + "*"
	TypingPattern   = typingPrefix + "*"
)

// UserTopic is the private per-user channel: message delivery, read-state
// convergence and call relays. Per-user channels keep delivery private and
// bound fan-out to interested gateway instances.
func UserTopic(userID string) string { return userPrefix + userID }

func PresenceTopic(userID string) string { return presencePrefix + userID }

func TypingTopic(conversationID string) string { return typingPrefix + conversationID }

func SplitUserTopic(topic string) (userID string, ok bool) {
	return splitTopic(topic, userPrefix)
}

func SplitPresenceTopic(topic string) (userID string, ok bool) {
	return splitTopic(topic, presencePrefix)
}

func SplitTypingTopic(topic string) (conversationID string, ok bool) {
	return splitTopic(topic, typingPrefix)
}

func splitTopic(topic, prefix string) (string, bool) {
	if !strings.HasPrefix(topic, prefix) || len(topic) == len(prefix) {
		return "", false
	}
	return topic[len(prefix):], true
}

// matchPattern reports whether topic matches a subscription pattern with an
// optional trailing "*".
func matchPattern(pattern, topic string) bool {
	if idx := strings.IndexByte(pattern, '*'); idx >= 0 {
		return strings.HasPrefix(topic, pattern[:idx])
	}
	return pattern == topic
}
