package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/curator/internal/canon"
	"github.com/roach88/curator/internal/rules"
)

// marshalTags converts a tag list to JSON TEXT. nil encodes as [].
func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(data), nil
}

func unmarshalTags(data string) ([]string, error) {
	tags := []string{}
	if data == "" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return tags, nil
}

// marshalEventPayload converts an event payload to canonical JSON TEXT so the
// stored log is byte-stable across runs.
func marshalEventPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := canon.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

func unmarshalEventPayload(data string) (map[string]any, error) {
	out := map[string]any{}
	if data == "" || data == "{}" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal event payload: %w", err)
	}
	return out, nil
}

func marshalFeatures(f *rules.Features) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal features: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalFeatures(ns sql.NullString) (*rules.Features, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var f rules.Features
	if err := json.Unmarshal([]byte(ns.String), &f); err != nil {
		return nil, fmt.Errorf("unmarshal features: %w", err)
	}
	return &f, nil
}

func marshalClassification(r *rules.Result) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal classification: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalClassification(ns sql.NullString) (*rules.Result, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var r rules.Result
	if err := json.Unmarshal([]byte(ns.String), &r); err != nil {
		return nil, fmt.Errorf("unmarshal classification: %w", err)
	}
	return &r, nil
}

// toMillis converts a wall time to the stored representation.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
