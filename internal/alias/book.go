// Package alias maintains the persistent directory mapping natural-language
// contact names to stable identifiers (phone numbers), with usage statistics.
package alias

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tabpilot/internal/domain"
	"tabpilot/internal/textnorm"
)

const (
	persistKey      = "alias_book"
	defaultCap      = 400
	maxVariants     = 8
	minAliasLen     = 2
	maxAliasLen     = 64
	defaultCooldown = 5 * time.Minute
)

// Book is the in-memory alias directory. It stays authoritative for the
// process lifetime even when persistence fails; the next successful write
// reconciles storage.
type Book struct {
	mu      sync.RWMutex
	records map[string]*domain.AliasRecord

	kv     domain.KV
	logger *slog.Logger
	cap    int

	// flushMu serializes persistence so concurrent mutations never
	// interleave their write step.
	flushMu sync.Mutex

	syncMu     sync.Mutex
	lastSyncAt time.Time
	cooldown   time.Duration

	now func() time.Time
}

// Config configures a Book.
type Config struct {
	KV           domain.KV
	Logger       *slog.Logger
	MaxEntries   int
	SyncCooldown time.Duration
}

func NewBook(cfg Config) *Book {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultCap
	}
	if cfg.SyncCooldown <= 0 {
		cfg.SyncCooldown = defaultCooldown
	}
	return &Book{
		records:  make(map[string]*domain.AliasRecord),
		kv:       cfg.KV,
		logger:   cfg.Logger,
		cap:      cfg.MaxEntries,
		cooldown: cfg.SyncCooldown,
		now:      time.Now,
	}
}

// Load restores the book from the key-value store. A missing or unreadable
// snapshot is not an error: the book simply starts empty.
func (b *Book) Load(ctx context.Context) {
	if b.kv == nil {
		return
	}
	data, err := b.kv.Read(ctx, persistKey)
	if err != nil || len(data) == 0 {
		if err != nil {
			b.logger.Warn("alias book load failed, starting empty", "error", err)
		}
		return
	}
	var records []domain.AliasRecord
	if err := json.Unmarshal(data, &records); err != nil {
		b.logger.Warn("alias book snapshot corrupt, starting empty", "error", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range records {
		r := records[i]
		b.records[r.Alias] = &r
	}
	b.logger.Info("alias book loaded", "entries", len(records))
}

// validAlias enforces the book key invariant: normalized, 2-64 chars, not
// purely numeric.
func validAlias(alias string) bool {
	if len(alias) < minAliasLen || len(alias) > maxAliasLen {
		return false
	}
	return !textnorm.IsNumeric(alias)
}

// variants derives up to maxVariants normalized lookup keys from one
// candidate text: the whole phrase, trailing-word suffixes, then single words.
func variants(candidate string) []string {
	tokens := textnorm.Tokens(candidate)
	if len(tokens) == 0 {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	add := func(v string) {
		if len(out) < maxVariants && v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	add(strings.Join(tokens, " "))
	for i := 1; i < len(tokens); i++ { // trailing-word suffixes, longest first
		add(strings.Join(tokens[i:], " "))
	}
	for _, tok := range tokens {
		add(tok)
	}
	return out
}

// Resolve returns the stored record matching any candidate, or nil. Longer
// alias matches win; candidates are tried in order. Resolving the same text
// twice without an intervening mutation returns the same record.
func (b *Book) Resolve(candidates []string) *domain.AliasRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var best *domain.AliasRecord
	for _, cand := range candidates {
		for _, v := range variants(cand) {
			if rec, ok := b.records[v]; ok {
				if best == nil || len(rec.Alias) > len(best.Alias) {
					best = rec
				}
			}
		}
		if best != nil {
			cp := *best
			return &cp
		}
	}
	return nil
}

// MatchPrefix finds the longest stored alias that is a leading word-boundary
// prefix of text, returning the record and the remainder after the alias.
// Ties between equal-length aliases are broken by map-independent ordering:
// since keys are unique and equal length means equal key here, no tie exists.
func (b *Book) MatchPrefix(text string) (domain.AliasRecord, string, bool) {
	normalized := textnorm.Normalize(text)
	if normalized == "" {
		return domain.AliasRecord{}, "", false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var best *domain.AliasRecord
	for alias, rec := range b.records {
		if !strings.HasPrefix(normalized, alias) {
			continue
		}
		if len(normalized) > len(alias) && normalized[len(alias)] != ' ' {
			continue // mid-word match, e.g. alias "ana" against "anabel"
		}
		if best == nil || len(alias) > len(best.Alias) {
			best = rec
		}
	}
	if best == nil {
		return domain.AliasRecord{}, "", false
	}
	rest := strings.TrimSpace(normalized[len(best.Alias):])
	cp := *best
	return cp, rest, true
}

// UpsertResult reports what an Upsert changed.
type UpsertResult struct {
	Changed bool
	Added   int
	Updated int
}

// Upsert merges records by alias key. An existing record is only rewritten on
// an explicit target change, a longer label, or a different source tag, so
// repeated observation passes do not churn persistence.
func (b *Book) Upsert(ctx context.Context, records []domain.AliasRecord, persist bool) UpsertResult {
	var res UpsertResult
	now := b.now()

	b.mu.Lock()
	for _, in := range records {
		key := textnorm.Normalize(in.Alias)
		if !validAlias(key) || in.Target == "" {
			continue
		}
		existing, ok := b.records[key]
		if !ok {
			rec := in
			rec.Alias = key
			rec.CreatedAt = now
			rec.UpdatedAt = now
			if rec.Source == "" {
				rec.Source = domain.AliasObserved
			}
			b.records[key] = &rec
			res.Added++
			continue
		}

		changed := false
		if in.Target != "" && in.Target != existing.Target {
			existing.Target = in.Target
			changed = true
		}
		if len(in.Label) > len(existing.Label) {
			existing.Label = in.Label
			changed = true
		}
		if in.Source != "" && in.Source != existing.Source {
			existing.Source = in.Source
			changed = true
		}
		if changed {
			existing.UpdatedAt = now
			res.Updated++
		}
	}
	b.evictLocked()
	b.mu.Unlock()

	res.Changed = res.Added > 0 || res.Updated > 0
	if res.Changed && persist {
		b.persist(ctx)
	}
	return res
}

// MarkUsed records a successful dispatch through the given record.
func (b *Book) MarkUsed(ctx context.Context, rec domain.AliasRecord) {
	b.mu.Lock()
	stored, ok := b.records[rec.Alias]
	if ok {
		stored.UseCount++
		stored.LastUsedAt = b.now()
		stored.Source = domain.AliasSuccess
		stored.UpdatedAt = b.now()
	}
	b.mu.Unlock()
	if ok {
		b.persist(ctx)
	}
}

// Len returns the number of stored aliases.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// evictLocked trims the book to its cap, dropping the least-used and oldest
// entries first. Caller holds b.mu.
func (b *Book) evictLocked() {
	if len(b.records) <= b.cap {
		return
	}
	all := make([]*domain.AliasRecord, 0, len(b.records))
	for _, r := range b.records {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UseCount != all[j].UseCount {
			return all[i].UseCount < all[j].UseCount
		}
		return all[i].UpdatedAt.Before(all[j].UpdatedAt)
	})
	for _, r := range all[:len(all)-b.cap] {
		delete(b.records, r.Alias)
	}
}

// persist writes the current snapshot through the key-value store. Failures
// are logged and swallowed: the in-memory copy remains authoritative and the
// next successful write reconciles storage. flushMu keeps concurrent
// mutations from interleaving their write step.
func (b *Book) persist(ctx context.Context) {
	if b.kv == nil {
		return
	}

	b.mu.RLock()
	records := make([]domain.AliasRecord, 0, len(b.records))
	for _, r := range b.records {
		records = append(records, *r)
	}
	b.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Alias < records[j].Alias })
	data, err := json.Marshal(records)
	if err != nil {
		b.logger.Error("alias book marshal failed", "error", err)
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if err := b.kv.Persist(ctx, persistKey, data); err != nil {
		b.logger.Warn("alias book persist failed, keeping in-memory copy", "error", err)
	}
}
