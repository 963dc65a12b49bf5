package policy

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/pipeline"
)

// MetaDirect marks an inbound message sent in a direct conversation.
const MetaDirect = "direct"

var questionWords = []string{"who", "what", "when", "where", "why", "how", "can", "could", "would", "should", "is", "are", "do", "does"}

var refusalPhrases = []string{
	"as an ai",
	"i can't help with",
	"i cannot help with",
	"i can't assist",
	"i cannot assist",
	"i'm not able to help",
	"i am unable to",
}

// InputClassifiers returns the input-focus classifiers. Weights decide
// how much each signal counts toward focus.
func InputClassifiers(cfg Config) []pipeline.Classifier {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	return []pipeline.Classifier{
		{ID: ClassMention, Kind: pipeline.InputFocus, Weight: 1, Score: label(func(ev events.Event) bool {
			return name != "" && strings.Contains(strings.ToLower(ev.Details.Content), name)
		})},
		{ID: ClassDirect, Kind: pipeline.InputFocus, Weight: 1, Score: label(func(ev events.Event) bool {
			return ev.Details.Meta[MetaDirect] == "true"
		})},
		{ID: ClassQuestion, Kind: pipeline.InputFocus, Weight: 0.6, Score: label(isQuestion)},
		{ID: ClassRecency, Kind: pipeline.InputFocus, Weight: 0.3, Score: func(_ context.Context, ev events.Event) (float64, error) {
			age := cfg.Now().Sub(ev.Timestamp)
			if age <= 0 {
				return 1, nil
			}
			return math.Exp2(-age.Seconds() / cfg.RecencyHalfLife.Seconds()), nil
		}},
		{ID: ClassSubstance, Kind: pipeline.InputFocus, Weight: 0.2, Score: func(_ context.Context, ev events.Event) (float64, error) {
			return math.Min(1, float64(len(strings.Fields(ev.Details.Content)))/20), nil
		}},
	}
}

// OutputClassifiers returns the output-filter classifiers.
func OutputClassifiers(cfg Config) []pipeline.Classifier {
	limit := float64(cfg.MaxMessageLen)
	return []pipeline.Classifier{
		{ID: ClassLength, Kind: pipeline.OutputFilter, Score: func(_ context.Context, ev events.Event) (float64, error) {
			return float64(utf8.RuneCountInString(ev.Details.Content)) / limit, nil
		}},
		{ID: ClassRefusal, Kind: pipeline.OutputFilter, Score: label(isRefusal)},
		{ID: ClassFormatting, Kind: pipeline.OutputFilter, Score: label(func(ev events.Event) bool {
			return strings.Count(ev.Details.Content, "```")%2 == 0
		})},
	}
}

func label(fn func(events.Event) bool) func(context.Context, events.Event) (float64, error) {
	return func(_ context.Context, ev events.Event) (float64, error) {
		if fn(ev) {
			return 1, nil
		}
		return 0, nil
	}
}

func isQuestion(ev events.Event) bool {
	q := strings.ToLower(strings.TrimSpace(ev.Details.Content))
	if q == "" {
		return false
	}
	if strings.HasSuffix(q, "?") {
		return true
	}
	first, _, _ := strings.Cut(q, " ")
	for _, w := range questionWords {
		if first == w {
			return true
		}
	}
	return false
}

func isRefusal(ev events.Event) bool {
	c := strings.ToLower(strings.ReplaceAll(ev.Details.Content, "’", "'"))
	for _, p := range refusalPhrases {
		if strings.Contains(c, p) {
			return true
		}
	}
	return false
}
