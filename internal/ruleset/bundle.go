// Package ruleset moves rulesets between deployments as self-verifying
// bundles: every version travels with its rules and checksum, and import
// refuses a bundle whose checksums do not match its content.
package ruleset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/store"
)

// Format identifies the bundle layout.
const Format = "curator.ruleset/v1"

// Bundle is the exported form of a ruleset and all of its versions.
type Bundle struct {
	Format        string          `json:"format"`
	Name          string          `json:"name"`
	Enabled       bool            `json:"enabled"`
	ActiveVersion int             `json:"active_version,omitempty"`
	Versions      []BundleVersion `json:"versions"`
}

// BundleVersion is one exported rule version.
type BundleVersion struct {
	VersionNo   int             `json:"version_no"`
	Checksum    string          `json:"checksum"`
	Rules       json.RawMessage `json:"rules"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// ErrFormat reports a bundle this version cannot read.
var ErrFormat = errors.New("unsupported bundle format")

// ChecksumMismatchError reports a version whose rules do not hash to the
// checksum recorded next to them.
type ChecksumMismatchError struct {
	VersionNo int
	Want      string
	Got       string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("version %d: checksum mismatch: bundle has %s, content hashes to %s", e.VersionNo, e.Want, e.Got)
}

// Export builds the bundle for the named ruleset.
func Export(ctx context.Context, st *store.Store, name string) (*Bundle, error) {
	rs, err := st.GetRuleset(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("export %q: %w", name, err)
	}
	versions, err := st.ListVersions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("export %q: %w", name, err)
	}

	b := &Bundle{
		Format:   Format,
		Name:     rs.Name,
		Enabled:  rs.IsActive,
		Versions: make([]BundleVersion, 0, len(versions)),
	}
	for _, v := range versions {
		if v.IsActive {
			b.ActiveVersion = v.VersionNo
		}
		b.Versions = append(b.Versions, BundleVersion{
			VersionNo:   v.VersionNo,
			Checksum:    v.Checksum,
			Rules:       json.RawMessage(v.RulesJSON),
			CreatedAt:   v.CreatedAt,
			PublishedAt: v.PublishedAt,
		})
	}
	return b, nil
}

// Decode reads a bundle and checks its format marker.
func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Format != Format {
		return nil, fmt.Errorf("decode bundle: %w: %q", ErrFormat, b.Format)
	}
	return &b, nil
}

// Import verifies every version of b and creates the ruleset, under rename
// when it is non-empty. Nothing is written unless all versions verify.
// Returns store.ErrDuplicate when the target name exists.
func Import(ctx context.Context, st *store.Store, b *Bundle, rename string, at time.Time) (*model.Ruleset, error) {
	if b.Format != Format {
		return nil, fmt.Errorf("import: %w: %q", ErrFormat, b.Format)
	}
	name := strings.TrimSpace(b.Name)
	if rename != "" {
		name = strings.TrimSpace(rename)
	}
	if name == "" {
		return nil, fmt.Errorf("import: ruleset name is empty")
	}

	versions := make([]model.RuleVersion, 0, len(b.Versions))
	seen := make(map[int]bool, len(b.Versions))
	for _, bv := range b.Versions {
		if bv.VersionNo < 1 || seen[bv.VersionNo] {
			return nil, fmt.Errorf("import: invalid or repeated version_no %d", bv.VersionNo)
		}
		seen[bv.VersionNo] = true

		doc, err := rules.Parse(bv.Rules)
		if err != nil {
			return nil, fmt.Errorf("import: version %d: %w", bv.VersionNo, err)
		}
		canonical, err := doc.Canonical()
		if err != nil {
			return nil, fmt.Errorf("import: version %d: %w", bv.VersionNo, err)
		}
		sum, err := doc.Checksum()
		if err != nil {
			return nil, fmt.Errorf("import: version %d: %w", bv.VersionNo, err)
		}
		if sum != bv.Checksum {
			return nil, &ChecksumMismatchError{VersionNo: bv.VersionNo, Want: bv.Checksum, Got: sum}
		}
		versions = append(versions, model.RuleVersion{
			VersionNo:   bv.VersionNo,
			Rules:       doc,
			RulesJSON:   canonical,
			Checksum:    sum,
			CreatedAt:   bv.CreatedAt,
			PublishedAt: bv.PublishedAt,
		})
	}

	rs, err := st.ImportRuleset(ctx, name, versions, b.ActiveVersion, at)
	if err != nil {
		return nil, err
	}
	if !b.Enabled {
		if err := st.SetRulesetActive(ctx, name, false); err != nil {
			return nil, fmt.Errorf("import %q: %w", name, err)
		}
		rs.IsActive = false
	}
	return rs, nil
}
