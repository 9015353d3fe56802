package domain

import (
	"context"
	"time"
)

// KV is the key-value persistence boundary used by the alias book and the
// error log. The on-disk format is owned by the implementation.
type KV interface {
	Persist(ctx context.Context, key string, value []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
}

// HistoryRow is one conversation row from the external chat-history store,
// read-only from this core's point of view.
type HistoryRow struct {
	ChatID      string    `json:"chat_id"`      // stable identifier (phone number)
	DisplayName string    `json:"display_name"` // contact label as shown in the chat app
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// HistoryStore exposes the most recent record per conversation, used by the
// alias book's background reconciliation pass.
type HistoryStore interface {
	RecentConversations(ctx context.Context, limit int) ([]HistoryRow, error)
}
