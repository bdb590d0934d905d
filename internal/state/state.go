// Package state holds the shared ephemeral stores: presence liveness with a
// TTL and per-(conversation, user) unread counters. Both are soft state —
// last write wins across processes, absence after expiry means offline.
package state

import "context"

// Presence is a liveness cache, not an authoritative membership list. A user
// with zero live connections expires to offline without an explicit event;
// an explicit disconnect marks offline immediately.
type Presence interface {
	// MarkOnline records the user as online and refreshes the TTL.
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Unread tracks soft unread-badge counters. Reset is idempotent and the
// counter can never go below zero.
type Unread interface {
	Increment(ctx context.Context, conversationID, userID string) (int64, error)
	Reset(ctx context.Context, conversationID, userID string) error
	Get(ctx context.Context, conversationID, userID string) (int64, error)
}

// Store is what a full session-state backend provides.
type Store interface {
	Presence
	Unread
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

func unreadKey(conversationID, userID string) string {
	return "unread:" + conversationID + ":" + userID
}
