package policy

import (
	"context"
	"strings"

	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/pipeline"
)

// Rules returns the finalize rule catalog.
func Rules(cfg Config) []pipeline.Rule {
	rules := []pipeline.Rule{
		{ID: RuleDropEmpty, Order: 10, Apply: dropEmpty},
		{ID: RuleTruncate, Order: 30, Apply: truncate(cfg.MaxMessageLen)},
		{ID: RuleCloseFences, Order: 40, Apply: closeFences(cfg.MaxMessageLen)},
		{ID: RuleDedupe, Order: 50, Apply: dedupe},
		{ID: RuleBatchThreshold, Order: 60, Apply: batchThreshold(cfg.MinBatchScore)},
	}
	if cfg.DropRefusals {
		rules = append(rules, pipeline.Rule{ID: RuleDropRefusal, Order: 20, Apply: dropRefusal})
	}
	return rules
}

func dropEmpty(_ context.Context, ev events.Event, _ *pipeline.Batch) (events.Event, pipeline.Verdict, error) {
	if strings.TrimSpace(ev.Details.Content) == "" {
		return ev, pipeline.Drop, nil
	}
	return ev, pipeline.Keep, nil
}

func dropRefusal(_ context.Context, ev events.Event, _ *pipeline.Batch) (events.Event, pipeline.Verdict, error) {
	if ev.Scores[ClassRefusal] >= 1 {
		return ev, pipeline.Drop, nil
	}
	return ev, pipeline.Keep, nil
}

const fenceClose = "\n```"

// closeFences appends a closing fence to a reply with an unbalanced
// code block, trimming the body so the result stays within limit runes.
func closeFences(limit int) func(context.Context, events.Event, *pipeline.Batch) (events.Event, pipeline.Verdict, error) {
	return func(_ context.Context, ev events.Event, _ *pipeline.Batch) (events.Event, pipeline.Verdict, error) {
		if strings.Count(ev.Details.Content, "```")%2 == 0 {
			return ev, pipeline.Keep, nil
		}
		body := []rune(strings.TrimRight(ev.Details.Content, "\n"))
		if room := limit - len(fenceClose); limit > 0 && len(body) > room {
			body = body[:max(room, 0)]
		}
		d := ev.Details
		d.Content = string(body) + fenceClose
		out := ev.WithDetails(d)
		if out.Scores != nil {
			out.Scores[ClassFormatting] = 1
		}
		return out, pipeline.Keep, nil
	}
}

// dedupe drops a reply whose text repeats an earlier reply in the batch.
func dedupe(_ context.Context, ev events.Event, b *pipeline.Batch) (events.Event, pipeline.Verdict, error) {
	key := normalize(ev.Details.Content)
	for _, other := range b.Events {
		if other.ID == ev.ID {
			break
		}
		if normalize(other.Details.Content) == key {
			return ev, pipeline.Drop, nil
		}
	}
	return ev, pipeline.Keep, nil
}

func truncate(limit int) func(context.Context, events.Event, *pipeline.Batch) (events.Event, pipeline.Verdict, error) {
	return func(_ context.Context, ev events.Event, _ *pipeline.Batch) (events.Event, pipeline.Verdict, error) {
		r := []rune(ev.Details.Content)
		if limit <= 0 || len(r) <= limit {
			return ev, pipeline.Keep, nil
		}
		d := ev.Details
		d.Content = string(r[:limit-1]) + "…"
		return ev.WithDetails(d), pipeline.Keep, nil
	}
}

func batchThreshold(floor float64) func(context.Context, events.Event, *pipeline.Batch) (events.Event, pipeline.Verdict, error) {
	return func(_ context.Context, ev events.Event, b *pipeline.Batch) (events.Event, pipeline.Verdict, error) {
		if b.Score < floor {
			return ev, pipeline.Drop, nil
		}
		return ev, pipeline.Keep, nil
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
