package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nugget/chorus/internal/app"
	"github.com/nugget/chorus/internal/config"
	"github.com/nugget/chorus/internal/dispatch"
	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/pipeline"
	"github.com/nugget/chorus/internal/registry"
	"github.com/nugget/chorus/internal/store"
)

// Reactions and notices sent by the conversation service.
const (
	// ReactionNoReply acknowledges a message whose replies were all
	// filtered out.
	ReactionNoReply = "🤔"
	errorNotice     = "I couldn't put a reply together just now. Please try again in a moment."
)

// Conversation answers inbound messages through the reply pipeline.
type Conversation struct {
	core   *app.Core
	logger *slog.Logger

	// sleep waits between generation retries.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewConversation creates the conversation service.
func NewConversation(core *app.Core) *Conversation {
	return &Conversation{
		core:   core,
		logger: core.Logger.With("service", "conversation"),
		sleep:  sleepContext,
	}
}

// Descriptor implements Service.
func (s *Conversation) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:       "conversation",
		EventTypes: []events.Type{events.MessageReceived},
	}
}

// Subscribe implements Service.
func (s *Conversation) Subscribe(d *dispatch.Dispatcher) {
	d.Subscribe(events.MessageReceived, "conversation", s.Handle)
}

// Handle runs one inbound message through the pipeline and dispatches
// the approved replies.
func (s *Conversation) Handle(ctx context.Context, ev events.Event) error {
	log := s.logger.With("trigger", ev.ID, "channel", ev.Details.Channel)

	history, err := s.record(ctx, ev)
	if err != nil {
		return fmt.Errorf("conversation %s: %w", ev.ID, err)
	}

	res, err := s.run(ctx, ev, history)
	if err != nil {
		if ctx.Err() == nil {
			s.showError(log, ev)
		}
		return fmt.Errorf("conversation %s: %w", ev.ID, err)
	}
	scored, err := scoreUpdates(ev, history, res)
	if err != nil {
		return fmt.Errorf("conversation %s: %w", ev.ID, err)
	}
	if res.Skipped {
		log.Debug("message below focus threshold", "focus", res.Focus)
		return s.saveScores(ctx, ev, scored)
	}
	for _, out := range res.Outputs {
		log.Log(ctx, config.LevelTrace, "reply approved",
			"event_id", out.ID, "content", out.Details.Content, "scores", out.Scores)
	}
	if len(res.Dropped) > 0 {
		log.Log(ctx, config.LevelTrace, "replies dropped", "candidates", res.Dropped)
	}
	if len(res.Outputs) == 0 {
		log.Info("all replies filtered", "candidates", res.Candidates, "batch_score", res.BatchScore)
		if err := s.saveScores(ctx, ev, scored); err != nil {
			return err
		}
		if allowAction(s.core, log, ev.Details.Channel) {
			s.core.Emit(events.ReactionAdded, events.Details{
				Channel:    ev.Details.Channel,
				Author:     "conversation",
				MessageRef: ev.Details.MessageRef,
				Emoji:      ReactionNoReply,
			})
		}
		return nil
	}

	approved := s.throttle(log, res.Outputs)
	if len(approved) == 0 {
		return s.saveScores(ctx, ev, scored)
	}

	// Throttle slots are reserved above; hand them back if nothing is sent.
	if err := ctx.Err(); err != nil {
		s.core.Actions.Release(actionKey(ev.Details.Channel), len(approved))
		return fmt.Errorf("conversation %s: %w", ev.ID, err)
	}
	ins := scored
	for _, out := range approved {
		in, err := store.InsertEvent(out)
		if err != nil {
			s.core.Actions.Release(actionKey(ev.Details.Channel), len(approved))
			return err
		}
		ins = append(ins, in)
	}
	if _, err := s.core.Store.Commit(ctx, ins...); err != nil {
		s.core.Actions.Release(actionKey(ev.Details.Channel), len(approved))
		return fmt.Errorf("conversation %s: commit replies: %w", ev.ID, err)
	}

	for _, out := range approved {
		s.core.Dispatcher.Dispatch(out)
	}
	s.core.Emit(events.ResponseReady, events.Details{
		Channel: ev.Details.Channel,
		Author:  "conversation",
		ReplyTo: ev.ID,
		Meta: map[string]string{
			"replies":     strconv.Itoa(len(approved)),
			"batch_score": strconv.FormatFloat(res.BatchScore, 'f', 3, 64),
			"focus":       strconv.FormatFloat(res.Focus, 'f', 3, 64),
		},
	})

	log.Info("replies dispatched",
		"replies", len(approved),
		"dropped", len(res.Dropped),
		"batch_score", res.BatchScore,
	)
	return nil
}

// record persists the trigger and reads the channel's recent history
// in one transaction. The trigger itself is excluded from the history.
func (s *Conversation) record(ctx context.Context, ev events.Event) ([]events.Event, error) {
	insert, err := store.InsertEvent(ev)
	if err != nil {
		return nil, err
	}
	res, err := s.core.Store.Commit(ctx,
		insert,
		store.RecentEvents(ev.Details.Channel, s.core.Config.Pipeline.History+1),
	)
	if err != nil {
		return nil, fmt.Errorf("record trigger: %w", err)
	}
	recent, err := store.DecodeEvents(res.Reads)
	if err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	history := recent[:0]
	for _, h := range recent {
		if h.ID != ev.ID {
			history = append(history, h)
		}
	}
	return history, nil
}

// scoreUpdates stores the stage-1 scores of events that entered the run
// unscored, so later runs pass them through instead of scoring again.
func scoreUpdates(trigger events.Event, history []events.Event, res *pipeline.Result) ([]*store.Instruction, error) {
	var out []*store.Instruction
	add := func(before, after events.Event) error {
		if before.Scored() || !after.Scored() {
			return nil
		}
		in, err := store.UpdateEventScores(after.ID, after.Scores)
		if err != nil {
			return err
		}
		out = append(out, in)
		return nil
	}
	if err := add(trigger, res.Trigger); err != nil {
		return nil, err
	}
	for i, h := range res.History {
		if i >= len(history) {
			break
		}
		if err := add(history[i], h); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// saveScores commits score updates on paths that send no replies.
func (s *Conversation) saveScores(ctx context.Context, ev events.Event, ins []*store.Instruction) error {
	if len(ins) == 0 {
		return nil
	}
	if _, err := s.core.Store.Commit(ctx, ins...); err != nil {
		return fmt.Errorf("conversation %s: save scores: %w", ev.ID, err)
	}
	return nil
}

// run executes the pipeline, retrying generation failures with
// exponential backoff.
func (s *Conversation) run(ctx context.Context, ev events.Event, history []events.Event) (*pipeline.Result, error) {
	in := pipeline.Input{
		Trigger: ev,
		History: history,
		Persona: s.core.Config.Pipeline.Persona,
	}
	backoff := s.core.Config.Pipeline.RetryBackoff
	retries := s.core.Config.Pipeline.Retries

	for attempt := 0; ; attempt++ {
		res, err := s.core.Pipeline.Run(ctx, in)
		var genErr *pipeline.GenerationError
		if err == nil || !errors.As(err, &genErr) || attempt >= retries || ctx.Err() != nil {
			return res, err
		}

		s.logger.Warn("generation failed, retrying",
			"trigger", ev.ID,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		if err := s.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
}

// throttle keeps the longest prefix of outputs the action throttle
// allows. Later replies chain to earlier ones, so nothing after a
// denied reply is sent.
func (s *Conversation) throttle(log *slog.Logger, outputs []events.Event) []events.Event {
	for i, out := range outputs {
		if !allowAction(s.core, log, out.Details.Channel) {
			return outputs[:i]
		}
	}
	return outputs
}

func (s *Conversation) showError(log *slog.Logger, ev events.Event) {
	if !allowAction(s.core, log, ev.Details.Channel) {
		return
	}
	s.core.Emit(events.ErrorShown, events.Details{
		Channel: ev.Details.Channel,
		Author:  "conversation",
		Content: errorNotice,
		ReplyTo: ev.Details.MessageRef,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
