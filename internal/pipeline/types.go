package pipeline

import (
	"context"

	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/llm"
)

// Generator produces reply text from a prompt and conversation history.
// *llm.Generator satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string, history llm.Conversation) (string, error)
}

// Kind selects the stage that consumes a classifier.
type Kind int

const (
	// InputFocus classifiers score inbound events in stage 1.
	InputFocus Kind = iota
	// OutputFilter classifiers score candidate replies in stage 4.
	OutputFilter
)

func (k Kind) String() string {
	switch k {
	case InputFocus:
		return "input_focus"
	case OutputFilter:
		return "output_filter"
	default:
		return "unknown"
	}
}

// Classifier maps an event to a scalar. Label classifiers return 0 or 1.
type Classifier struct {
	ID   string
	Kind Kind
	// Weight scales an input-focus score when computing focus. Zero
	// means 1.
	Weight float64
	Score  func(ctx context.Context, ev events.Event) (float64, error)
}

func (c Classifier) weight() float64 {
	if c.Weight == 0 {
		return 1
	}
	return c.Weight
}

// Verdict is a rule's decision for one event.
type Verdict int

const (
	Keep Verdict = iota
	Drop
)

func (v Verdict) String() string {
	if v == Drop {
		return "drop"
	}
	return "keep"
}

// Rule is one finalize step. Rules run in ascending Order; ties keep
// registration order. The returned event replaces the input when the
// verdict is Keep.
type Rule struct {
	ID    string
	Order int
	Apply func(ctx context.Context, ev events.Event, batch *Batch) (events.Event, Verdict, error)
}

// Batch is the candidate set flowing through stages 4 and 5.
type Batch struct {
	// Trigger is the curated inbound event being answered.
	Trigger events.Event
	// Events are the candidates, in sequence order. During finalize it
	// holds the survivors of the previous rule.
	Events []events.Event
	// Score is the aggregate batch score from stage 4.
	Score float64
}

// IDs returns the candidate IDs in order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Events))
	for i, ev := range b.Events {
		ids[i] = ev.ID
	}
	return ids
}

// BatchScorer computes the aggregate score for a classified batch.
type BatchScorer interface {
	ScoreBatch(ctx context.Context, batch *Batch) (float64, error)
}

// BatchScorerFunc adapts a function to BatchScorer.
type BatchScorerFunc func(ctx context.Context, batch *Batch) (float64, error)

// ScoreBatch calls f.
func (f BatchScorerFunc) ScoreBatch(ctx context.Context, batch *Batch) (float64, error) {
	return f(ctx, batch)
}

// Policy is the classifier and rule content a pipeline runs with.
type Policy struct {
	Classifiers []Classifier
	Rules       []Rule
	BatchScorer BatchScorer
}

func (p Policy) classifiers(k Kind) []Classifier {
	var out []Classifier
	for _, c := range p.Classifiers {
		if c.Kind == k {
			out = append(out, c)
		}
	}
	return out
}
