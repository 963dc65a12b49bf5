// Package pipeline turns an inbound conversational event into a batch of
// approved reply events. A run has five stages executed strictly in
// order:
//
//  1. curate: unscored inputs get input-focus scores; scored inputs pass
//     through untouched
//  2. generate: the single content call to the generation service
//  3. compose: split the reply into platform-sized candidates
//  4. classify: output-filter scores per candidate plus a batch score
//  5. finalize: ordered rules drop or rewrite candidates, then the
//     survivors are reconciled into a consistent reply chain
//
// A run is all-or-nothing: any failure aborts it without output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/llm"
	"github.com/nugget/chorus/internal/metrics"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultMaxCandidates = 4
	DefaultMaxMessageLen = 2000
	DefaultAuthor        = "chorus"
)

// Options tunes a pipeline.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// FocusThreshold is the minimum trigger focus needed to respond.
	FocusThreshold float64
	// HistoryFloor drops inbound history messages whose focus is below
	// it from the generation context. Earlier replies are always kept.
	HistoryFloor float64
	// MaxCandidates caps the number of reply events per run.
	MaxCandidates int
	// MaxMessageLen is the platform message limit in runes.
	MaxMessageLen int
	// Author is stamped on reply events.
	Author string
}

// Input is one pipeline invocation.
type Input struct {
	Trigger events.Event
	History []events.Event
	Persona string
}

// Result is the outcome of a successful run.
type Result struct {
	// Trigger and History are the curated inputs.
	Trigger events.Event
	History []events.Event
	// Focus is the trigger's aggregate focus score.
	Focus float64
	// Skipped is set when focus fell below the threshold. No stage past
	// curate ran.
	Skipped bool
	// Candidates is the number of events entering stage 4.
	Candidates int
	// BatchScore is the aggregate stage-4 score.
	BatchScore float64
	// Outputs are the approved reply events, in sequence order.
	Outputs []events.Event
	// Dropped lists candidate IDs removed by finalize rules.
	Dropped []string
}

// Pipeline runs the five stages against a fixed policy. It is safe for
// concurrent use.
type Pipeline struct {
	gen     Generator
	policy  Policy
	rules   []Rule
	input   []Classifier
	output  []Classifier
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New validates the policy and returns a pipeline.
func New(gen Generator, policy Policy, opts Options) (*Pipeline, error) {
	if gen == nil {
		return nil, errors.New("pipeline: generator is required")
	}
	seen := make(map[string]bool, len(policy.Classifiers))
	for _, c := range policy.Classifiers {
		if c.ID == "" || c.Score == nil {
			return nil, fmt.Errorf("pipeline: classifier %q is incomplete", c.ID)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("pipeline: duplicate classifier %q", c.ID)
		}
		seen[c.ID] = true
	}
	for _, r := range policy.Rules {
		if r.ID == "" || r.Apply == nil {
			return nil, fmt.Errorf("pipeline: rule %q is incomplete", r.ID)
		}
	}

	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = DefaultMaxMessageLen
	}
	if opts.Author == "" {
		opts.Author = DefaultAuthor
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rules := slices.Clone(policy.Rules)
	slices.SortStableFunc(rules, func(a, b Rule) int { return a.Order - b.Order })

	return &Pipeline{
		gen:     gen,
		policy:  policy,
		rules:   rules,
		input:   policy.classifiers(InputFocus),
		output:  policy.classifiers(OutputFilter),
		opts:    opts,
		logger:  logger.With("component", "pipeline"),
		metrics: opts.Metrics,
	}, nil
}

// Run executes one invocation.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	res, err := p.run(ctx, in)
	switch {
	case err != nil:
		p.metrics.PipelineRun("error")
	case res.Skipped:
		p.metrics.PipelineRun("skipped")
	default:
		p.metrics.PipelineRun("ok")
	}
	return res, err
}

func (p *Pipeline) run(ctx context.Context, in Input) (*Result, error) {
	log := p.logger.With("trigger", in.Trigger.ID, "channel", in.Trigger.Details.Channel)

	// Stage 1.
	start := time.Now()
	trigger, err := p.curate(ctx, in.Trigger)
	if err != nil {
		return nil, err
	}
	history := make([]events.Event, len(in.History))
	for i, ev := range in.History {
		if history[i], err = p.curate(ctx, ev); err != nil {
			return nil, err
		}
	}
	p.metrics.ObserveStage(StageCurate, time.Since(start))

	res := &Result{Trigger: trigger, History: history, Focus: p.focus(trigger)}
	if res.Focus < p.opts.FocusThreshold {
		log.Debug("trigger below focus threshold, not responding",
			"focus", res.Focus,
			"threshold", p.opts.FocusThreshold,
		)
		res.Skipped = true
		return res, nil
	}

	// Stage 2.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start = time.Now()
	text, err := p.generate(ctx, in.Persona, trigger, history)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	p.metrics.ObserveStage(StageGenerate, time.Since(start))

	// Stage 3.
	start = time.Now()
	candidates, overflow := compose(text, trigger, p.opts)
	if overflow > 0 {
		log.Warn("reply exceeds candidate limit, tail discarded",
			"max_candidates", p.opts.MaxCandidates,
			"parts_discarded", overflow,
		)
	}
	if len(candidates) == 0 {
		return nil, p.generationError(llm.ErrNoContent)
	}
	p.metrics.ObserveStage(StageCompose, time.Since(start))
	res.Candidates = len(candidates)

	// Stage 4.
	start = time.Now()
	batch, err := p.classify(ctx, trigger, candidates)
	if err != nil {
		return nil, err
	}
	p.metrics.ObserveStage(StageClassify, time.Since(start))
	res.BatchScore = batch.Score

	// Stage 5.
	start = time.Now()
	if err := p.finalize(ctx, batch); err != nil {
		return nil, err
	}
	res.Outputs, res.Dropped = reconcile(trigger, candidates, batch.Events)
	p.metrics.ObserveStage(StageFinalize, time.Since(start))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Debug("pipeline run complete",
		"focus", res.Focus,
		"candidates", res.Candidates,
		"batch_score", res.BatchScore,
		"outputs", len(res.Outputs),
		"dropped", len(res.Dropped),
	)
	return res, nil
}

// curate attaches input-focus scores to an unscored event. A scored
// event is returned as is, sharing its score map.
func (p *Pipeline) curate(ctx context.Context, ev events.Event) (events.Event, error) {
	if ev.Scored() {
		return ev, nil
	}
	scores := make(events.Scores, len(p.input))
	for _, c := range p.input {
		v, err := c.Score(ctx, ev)
		if err != nil {
			return ev, &ClassifierError{Classifier: c.ID, EventID: ev.ID, Err: err}
		}
		scores[c.ID] = v
	}
	return ev.WithScores(scores), nil
}

// focus is the largest weighted input-focus score. Without input
// classifiers every event is in focus.
func (p *Pipeline) focus(ev events.Event) float64 {
	if len(p.input) == 0 {
		return 1
	}
	var best float64
	for _, c := range p.input {
		if v := ev.Scores[c.ID] * c.weight(); v > best {
			best = v
		}
	}
	return best
}

func (p *Pipeline) generate(ctx context.Context, persona string, trigger events.Event, history []events.Event) (string, error) {
	conv := make(llm.Conversation, 0, len(history)+1)
	for _, ev := range history {
		if ev.ID == trigger.ID {
			continue
		}
		if ev.Type == events.MessageReceived && p.focus(ev) < p.opts.HistoryFloor {
			continue
		}
		if m, ok := toMessage(ev); ok {
			conv = append(conv, m)
		}
	}
	if m, ok := toMessage(trigger); ok {
		conv = append(conv, m)
	}

	text, err := p.gen.Generate(ctx, buildPrompt(persona, trigger), conv)
	if err != nil {
		return "", p.generationError(err)
	}
	if strings.TrimSpace(text) == "" {
		return "", p.generationError(llm.ErrNoContent)
	}
	return text, nil
}

func (p *Pipeline) generationError(err error) *GenerationError {
	ge := &GenerationError{Err: err}
	if m, ok := p.gen.(interface{ Model() string }); ok {
		ge.Model = m.Model()
	}
	return ge
}

func (p *Pipeline) classify(ctx context.Context, trigger events.Event, candidates []events.Event) (*Batch, error) {
	batch := &Batch{Trigger: trigger, Events: make([]events.Event, len(candidates))}
	ids := make([]string, len(p.output))
	for i, c := range p.output {
		ids[i] = c.ID
	}

	for i, ev := range candidates {
		scores := make(events.Scores, len(p.output))
		for _, c := range p.output {
			v, err := c.Score(ctx, ev)
			if err != nil {
				return nil, &ClassifierError{Classifier: c.ID, EventID: ev.ID, Err: err}
			}
			scores[c.ID] = v
		}
		ev = ev.WithScores(scores)
		if !ev.Scores.Has(ids...) {
			return nil, &StageError{Stage: StageClassify, Err: fmt.Errorf("event %s has an incomplete score set", ev.ID)}
		}
		batch.Events[i] = ev
	}

	if p.policy.BatchScorer != nil {
		score, err := p.policy.BatchScorer.ScoreBatch(ctx, batch)
		if err != nil {
			return nil, &StageError{Stage: StageClassify, Err: fmt.Errorf("batch score: %w", err)}
		}
		batch.Score = score
	} else {
		batch.Score = 1
	}
	return batch, nil
}

// finalize applies rules in order. Each rule sees the survivors of the
// previous one.
func (p *Pipeline) finalize(ctx context.Context, batch *Batch) error {
	for _, r := range p.rules {
		kept := make([]events.Event, 0, len(batch.Events))
		for _, ev := range batch.Events {
			out, verdict, err := r.Apply(ctx, ev, batch)
			if err != nil {
				return &RuleError{Rule: r.ID, EventID: ev.ID, Err: err}
			}
			if verdict == Drop {
				p.logger.Debug("rule dropped candidate", "rule", r.ID, "event", ev.ID)
				continue
			}
			kept = append(kept, out)
		}
		batch.Events = kept
	}
	return nil
}

func toMessage(ev events.Event) (llm.Message, bool) {
	content := strings.TrimSpace(ev.Details.Content)
	if content == "" {
		return llm.Message{}, false
	}
	switch ev.Type {
	case events.MessageReceived:
		if ev.Details.Author != "" {
			content = ev.Details.Author + ": " + content
		}
		return llm.Message{Role: llm.RoleUser, Content: content}, true
	case events.ReplySent:
		return llm.Message{Role: llm.RoleAssistant, Content: content}, true
	default:
		return llm.Message{}, false
	}
}

func buildPrompt(persona string, trigger events.Event) string {
	var sb strings.Builder
	if persona = strings.TrimSpace(persona); persona != "" {
		sb.WriteString(persona)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "You are replying in channel %q", trigger.Details.Channel)
	if trigger.Details.Author != "" {
		fmt.Fprintf(&sb, " to %s", trigger.Details.Author)
	}
	sb.WriteString(". Keep replies conversational. Separate distinct messages with a line containing only ---.")
	return sb.String()
}
