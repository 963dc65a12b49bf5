package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/chorus/internal/events"
)

// tsLayout is fixed-width so that text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t the way the store persists timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// InsertEvent stores an event. Details and scores are JSON-encoded.
func InsertEvent(ev events.Event) (*Instruction, error) {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return nil, fmt.Errorf("encode details for %s: %w", ev.ID, err)
	}
	var scores any
	if ev.Scores != nil {
		b, err := json.Marshal(ev.Scores)
		if err != nil {
			return nil, fmt.Errorf("encode scores for %s: %w", ev.ID, err)
		}
		scores = string(b)
	}
	return &Instruction{
		Query: `INSERT INTO events (id, type, channel, ts, details, scores) VALUES (?, ?, ?, ?, ?, ?)`,
		Params: []any{
			ev.ID,
			string(ev.Type),
			ev.Details.Channel,
			FormatTime(ev.Timestamp),
			string(details),
			scores,
		},
	}, nil
}

// UpdateEventScores replaces the stored scores of event id.
func UpdateEventScores(id string, scores events.Scores) (*Instruction, error) {
	var encoded any
	if scores != nil {
		b, err := json.Marshal(scores)
		if err != nil {
			return nil, fmt.Errorf("encode scores for %s: %w", id, err)
		}
		encoded = string(b)
	}
	return &Instruction{
		Query:  `UPDATE events SET scores = ? WHERE id = ?`,
		Params: []any{encoded, id},
	}, nil
}

// RecentEvents reads up to limit of a channel's latest events, oldest
// first.
func RecentEvents(channel string, limit int) *Instruction {
	return &Instruction{
		Query: `SELECT id, type, ts, details, scores FROM (
			SELECT id, type, ts, details, scores FROM events
			WHERE channel = ? ORDER BY ts DESC LIMIT ?
		) recent ORDER BY ts ASC`,
		Params: []any{channel, limit},
	}
}

// PruneEvents deletes events older than before.
func PruneEvents(before time.Time) *Instruction {
	return &Instruction{
		Query:  `DELETE FROM events WHERE ts < ?`,
		Params: []any{FormatTime(before)},
	}
}

// PutSetting upserts a setting.
func PutSetting(key, value string) *Instruction {
	return &Instruction{
		Query: `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		Params: []any{key, value, FormatTime(time.Now())},
	}
}

// GetSetting reads one setting. The result has zero or one row.
func GetSetting(key string) *Instruction {
	return &Instruction{
		Query:  `SELECT value FROM settings WHERE key = ?`,
		Params: []any{key},
	}
}

// SettingValue extracts the value read by GetSetting.
func SettingValue(rows []Row) (string, bool) {
	if len(rows) == 0 {
		return "", false
	}
	v, ok := rows[0]["value"].(string)
	return v, ok
}

// DecodeEvents converts rows read by RecentEvents back into events.
func DecodeEvents(rows []Row) ([]events.Event, error) {
	out := make([]events.Event, 0, len(rows))
	for i, row := range rows {
		ev, err := decodeEvent(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeEvent(row Row) (events.Event, error) {
	var ev events.Event
	id, _ := row["id"].(string)
	if id == "" {
		return ev, fmt.Errorf("missing id")
	}
	ev.ID = id

	typ, _ := row["type"].(string)
	t, err := events.ParseType(typ)
	if err != nil {
		return ev, err
	}
	ev.Type = t

	ts, _ := row["ts"].(string)
	if ev.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
		return ev, fmt.Errorf("parse ts: %w", err)
	}

	details, _ := row["details"].(string)
	if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
		return ev, fmt.Errorf("decode details: %w", err)
	}

	if scores, ok := row["scores"].(string); ok && scores != "" {
		if err := json.Unmarshal([]byte(scores), &ev.Scores); err != nil {
			return ev, fmt.Errorf("decode scores: %w", err)
		}
	}
	return ev, nil
}
