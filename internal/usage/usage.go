// Package usage records the tokens spent on LLM calls. Records are
// append-only rows in the usage_records table, written and aggregated
// through the store's commit layer.
package usage

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/chorus/internal/store"
)

// Roles distinguish why a model was called.
const (
	RoleReply = "reply"
	RoleJudge = "judge"
)

// Record is one model call's token usage.
type Record struct {
	ID           string
	Timestamp    time.Time
	Model        string
	Provider     string
	Role         string
	InputTokens  int
	OutputTokens int
}

// Summary holds aggregated token totals.
type Summary struct {
	Records      int64 `json:"records"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (s *Summary) add(o Summary) {
	s.Records += o.Records
	s.InputTokens += o.InputTokens
	s.OutputTokens += o.OutputTokens
}

// Insert returns the instruction persisting rec. A missing ID gets a
// UUIDv7 and a missing timestamp gets the current time.
func Insert(rec Record) (*store.Instruction, error) {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return &store.Instruction{
		Query: `INSERT INTO usage_records (id, ts, model, provider, role, input_tokens, output_tokens)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		Params: []any{
			rec.ID,
			store.FormatTime(rec.Timestamp),
			rec.Model,
			rec.Provider,
			rec.Role,
			rec.InputTokens,
			rec.OutputTokens,
		},
	}, nil
}

// ByModel reads per-model totals for records within [start, end).
func ByModel(start, end time.Time) *store.Instruction {
	return &store.Instruction{
		Query: `SELECT model, COUNT(*) AS records,
				COALESCE(SUM(input_tokens), 0) AS input_tokens,
				COALESCE(SUM(output_tokens), 0) AS output_tokens
			FROM usage_records
			WHERE ts >= ? AND ts < ?
			GROUP BY model`,
		Params: []any{store.FormatTime(start), store.FormatTime(end)},
	}
}

// Prune deletes records older than before.
func Prune(before time.Time) *store.Instruction {
	return &store.Instruction{
		Query:  `DELETE FROM usage_records WHERE ts < ?`,
		Params: []any{store.FormatTime(before)},
	}
}

// Report is a decoded ByModel read.
type Report struct {
	Total   Summary            `json:"total"`
	ByModel map[string]Summary `json:"by_model"`
}

// Models returns the report's model names, sorted.
func (r Report) Models() []string {
	names := make([]string, 0, len(r.ByModel))
	for m := range r.ByModel {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

// DecodeReport converts rows read by ByModel into a Report.
func DecodeReport(rows []store.Row) (Report, error) {
	rep := Report{ByModel: make(map[string]Summary, len(rows))}
	for i, row := range rows {
		model, _ := row["model"].(string)
		var sum Summary
		var err error
		if sum.Records, err = toInt64(row["records"]); err != nil {
			return Report{}, fmt.Errorf("row %d records: %w", i, err)
		}
		if sum.InputTokens, err = toInt64(row["input_tokens"]); err != nil {
			return Report{}, fmt.Errorf("row %d input_tokens: %w", i, err)
		}
		if sum.OutputTokens, err = toInt64(row["output_tokens"]); err != nil {
			return Report{}, fmt.Errorf("row %d output_tokens: %w", i, err)
		}
		rep.ByModel[model] = sum
		rep.Total.add(sum)
	}
	return rep, nil
}

// toInt64 accepts the integer shapes drivers return for aggregates.
// Postgres reports SUM over integers as numeric text.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
