package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/chorus/internal/app"
	"github.com/nugget/chorus/internal/dispatch"
	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/gateway"
	"github.com/nugget/chorus/internal/registry"
)

// actionFor maps each action event type to the action that performs it.
var actionFor = map[events.Type]string{
	events.ReplySent:     ActionSendReply,
	events.ReactionAdded: ActionAddReaction,
	events.ErrorShown:    ActionShowError,
}

// Delivery hands action events to the gateway.
type Delivery struct {
	core   *app.Core
	logger *slog.Logger
}

// NewDelivery creates the delivery service.
func NewDelivery(core *app.Core) *Delivery {
	return &Delivery{core: core, logger: core.Logger.With("service", "delivery")}
}

// Descriptor implements Service.
func (s *Delivery) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:       "delivery",
		EventTypes: []events.Type{events.ReplySent, events.ReactionAdded, events.ErrorShown},
		Actions: map[string]registry.Action{
			ActionSendReply:   s.sendReply,
			ActionAddReaction: s.addReaction,
			ActionShowError:   s.showError,
		},
	}
}

// Subscribe implements Service.
func (s *Delivery) Subscribe(d *dispatch.Dispatcher) {
	for _, t := range s.Descriptor().EventTypes {
		d.Subscribe(t, "delivery", s.Handle)
	}
}

// Handle resolves the action for ev's type through the registry and
// runs it.
func (s *Delivery) Handle(ctx context.Context, ev events.Event) error {
	name, ok := actionFor[ev.Type]
	if !ok {
		return fmt.Errorf("delivery: no action for %s", ev.Type)
	}
	action, err := s.core.Registry.ResolveAction(name)
	if err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	return action(ctx, ev)
}

func (s *Delivery) sendReply(ctx context.Context, ev events.Event) error {
	c := gateway.Content{
		Ref:     ev.ID,
		ReplyTo: ev.Details.ReplyTo,
		Text:    ev.Details.Content,
	}
	if kind := ev.Details.Meta[MetaBlock]; kind != "" {
		c.Text = ""
		c.Blocks = []gateway.Block{{
			Kind:  gateway.BlockKind(kind),
			Title: ev.Details.Meta[MetaTitle],
			Body:  ev.Details.Content,
		}}
	}
	return s.send(ctx, ev, c)
}

func (s *Delivery) addReaction(ctx context.Context, ev events.Event) error {
	return s.send(ctx, ev, gateway.Content{
		Ref:      ev.ID,
		ReplyTo:  ev.Details.MessageRef,
		Reaction: ev.Details.Emoji,
	})
}

func (s *Delivery) showError(ctx context.Context, ev events.Event) error {
	return s.send(ctx, ev, gateway.Content{
		Ref:     ev.ID,
		ReplyTo: ev.Details.ReplyTo,
		Blocks:  []gateway.Block{gateway.ErrorBlock("Something went wrong", ev.Details.Content)},
	})
}

func (s *Delivery) send(ctx context.Context, ev events.Event, c gateway.Content) error {
	err := s.core.Gateway.SendFormatted(ctx, ev.Details.Channel, c)
	if errors.Is(err, gateway.ErrNoSubscribers) {
		s.logger.Debug("nobody listening, delivery skipped",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"channel", ev.Details.Channel,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("deliver %s %s: %w", ev.Type, ev.ID, err)
	}
	s.logger.Debug("delivered", "event_id", ev.ID, "event_type", ev.Type, "channel", ev.Details.Channel)
	return nil
}
