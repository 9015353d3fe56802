package alias

import (
	"context"
	"time"

	"tabpilot/internal/domain"
	"tabpilot/internal/textnorm"
)

const historySyncLimit = 200

// SyncFromHistory reconciles the book against the read-only chat-history
// store, deriving (alias, target) pairs from the most recent record per
// conversation. The pass is rate-limited by the configured cooldown unless
// force is set; a skipped pass returns (UpsertResult{}, false).
func (b *Book) SyncFromHistory(ctx context.Context, history domain.HistoryStore, force bool) (UpsertResult, bool) {
	if history == nil {
		return UpsertResult{}, false
	}

	b.syncMu.Lock()
	if !force && b.now().Sub(b.lastSyncAt) < b.cooldown {
		b.syncMu.Unlock()
		return UpsertResult{}, false
	}
	b.lastSyncAt = b.now()
	b.syncMu.Unlock()

	rows, err := history.RecentConversations(ctx, historySyncLimit)
	if err != nil {
		b.logger.Warn("alias history sync failed", "error", err)
		return UpsertResult{}, false
	}

	// Keep only the most recent row per target.
	latest := make(map[string]domain.HistoryRow)
	for _, row := range rows {
		if row.ChatID == "" || row.DisplayName == "" {
			continue
		}
		if prev, ok := latest[row.ChatID]; ok && prev.LastSeenAt.After(row.LastSeenAt) {
			continue
		}
		latest[row.ChatID] = row
	}

	records := make([]domain.AliasRecord, 0, len(latest))
	for _, row := range latest {
		alias := textnorm.Normalize(row.DisplayName)
		if !validAlias(alias) {
			continue
		}
		records = append(records, domain.AliasRecord{
			Alias:  alias,
			Label:  row.DisplayName,
			Target: row.ChatID,
			Source: domain.AliasObserved,
		})
	}

	res := b.Upsert(ctx, records, true)
	if res.Changed {
		b.logger.Info("alias book synced from history",
			"added", res.Added, "updated", res.Updated, "rows", len(rows))
	}
	return res, true
}

// LastSyncAt reports when the last sync pass ran.
func (b *Book) LastSyncAt() time.Time {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	return b.lastSyncAt
}
