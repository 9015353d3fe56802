package domain

import "time"

// AliasSource records how an alias mapping was learned.
type AliasSource string

const (
	AliasManual   AliasSource = "manual"   // declared by the user
	AliasObserved AliasSource = "observed" // derived from chat history
	AliasSuccess  AliasSource = "success"  // confirmed by a successful dispatch
)

// AliasRecord maps a normalized natural-language token to a stable target
// identifier (typically a phone number). Alias is the book key: lowercase,
// diacritic-stripped, whitespace-collapsed, 2-64 chars, never purely numeric.
type AliasRecord struct {
	Alias      string      `json:"alias"`
	Label      string      `json:"label"`
	Target     string      `json:"target"`
	Source     AliasSource `json:"source"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	LastUsedAt time.Time   `json:"last_used_at,omitempty"`
	UseCount   int         `json:"use_count"`
}
