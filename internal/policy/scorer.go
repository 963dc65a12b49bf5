package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/nugget/chorus/internal/llm"
	"github.com/nugget/chorus/internal/pipeline"
)

// Heuristic scores a batch as the mean per-reply quality. A refusal
// scores 0; an unbalanced code block halves a reply's quality.
type Heuristic struct{}

// ScoreBatch implements pipeline.BatchScorer.
func (Heuristic) ScoreBatch(_ context.Context, b *pipeline.Batch) (float64, error) {
	if len(b.Events) == 0 {
		return 0, nil
	}
	var sum float64
	for _, ev := range b.Events {
		q := 1 - ev.Scores[ClassRefusal]
		q *= 0.5 + 0.5*ev.Scores[ClassFormatting]
		sum += q
	}
	return sum / float64(len(b.Events)), nil
}

const judgePrompt = `You grade chat replies. Given the user's message and the proposed reply, answer with a single number between 0 and 1: 1 means the reply is relevant, accurate and appropriate, 0 means it should not be sent. Answer with the number only.`

// Judge asks a model to grade the batch. When the model fails or its
// answer does not parse, the fallback scorer is used.
type Judge struct {
	Gen      pipeline.Generator
	Fallback pipeline.BatchScorer
	Logger   *slog.Logger
}

// ScoreBatch implements pipeline.BatchScorer.
func (j *Judge) ScoreBatch(ctx context.Context, b *pipeline.Batch) (float64, error) {
	var reply strings.Builder
	for i, ev := range b.Events {
		if i > 0 {
			reply.WriteString("\n---\n")
		}
		reply.WriteString(ev.Details.Content)
	}
	conv := llm.Conversation{{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("User message:\n%s\n\nProposed reply:\n%s", b.Trigger.Details.Content, reply.String()),
	}}

	text, err := j.Gen.Generate(ctx, judgePrompt, conv)
	if err == nil {
		var score float64
		if score, err = parseScore(text); err == nil {
			return score, nil
		}
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	j.logger().Warn("batch judge failed, using fallback scorer", "error", err)
	if j.Fallback == nil {
		return 0, err
	}
	return j.Fallback.ScoreBatch(ctx, b)
}

func (j *Judge) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// parseScore reads the first number in s and clamps it to [0, 1].
func parseScore(s string) (float64, error) {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r == '.' || r == '-' || (r >= '0' && r <= '9'))
	}) {
		v, err := strconv.ParseFloat(strings.TrimRight(f, "."), 64)
		if err != nil || math.IsNaN(v) {
			continue
		}
		return math.Max(0, math.Min(1, v)), nil
	}
	return 0, fmt.Errorf("no score in judge reply %q", s)
}
