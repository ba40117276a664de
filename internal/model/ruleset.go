package model

import (
	"time"

	"github.com/roach88/curator/internal/rules"
)

// Ruleset is a named container for rule versions.
type Ruleset struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	IsActive        bool      `json:"is_active"`
	ActiveVersionID *int64    `json:"active_version_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RuleVersion is one immutable, checksummed snapshot of a rule document.
type RuleVersion struct {
	ID          int64           `json:"id"`
	RulesetID   int64           `json:"ruleset_id"`
	RulesetName string          `json:"ruleset"`
	VersionNo   int             `json:"version_no"`
	Rules       *rules.Document `json:"rules"`
	RulesJSON   []byte          `json:"-"`
	Checksum    string          `json:"checksum"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}
