// Package services holds the built-in chorus services. Each service
// declares the event types it provides and the actions it owns, and
// subscribes listeners on the shared dispatcher.
package services

import (
	"fmt"
	"log/slog"

	"github.com/nugget/chorus/internal/app"
	"github.com/nugget/chorus/internal/dispatch"
	"github.com/nugget/chorus/internal/registry"
)

// Action names registered by the delivery service.
const (
	ActionSendReply   = "send_reply"
	ActionAddReaction = "add_reaction"
	ActionShowError   = "show_error"
)

// Meta keys understood by delivery.
const (
	// MetaBlock renders a reply as a block of the given kind.
	MetaBlock = "block"
	// MetaTitle is the block title.
	MetaTitle = "title"
)

// Service is a unit registered on the core at startup.
type Service interface {
	Descriptor() registry.Descriptor
	Subscribe(d *dispatch.Dispatcher)
}

// Builtin returns the standard service set.
func Builtin(core *app.Core) []Service {
	return []Service{
		NewConversation(core),
		NewDelivery(core),
		NewHelp(core),
		NewJournal(core),
	}
}

// Register adds every service to the registry and subscribes its
// listeners. The first conflict aborts registration.
func Register(core *app.Core, svcs ...Service) error {
	for _, s := range svcs {
		d := s.Descriptor()
		if err := core.Registry.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Name, err)
		}
		s.Subscribe(core.Dispatcher)
		core.Logger.Debug("service registered",
			"service", d.Name,
			"event_types", len(d.EventTypes),
			"actions", d.ActionNames(),
		)
	}
	return nil
}

// actionKey is the action throttle key for outbound effects in channel.
func actionKey(channel string) string { return "reply:" + channel }

// allowAction consults the action throttle for an outbound effect in
// channel and records the run when allowed.
func allowAction(core *app.Core, logger *slog.Logger, channel string) bool {
	key := actionKey(channel)
	if core.Actions.Allow(key) {
		return true
	}
	core.Metrics.Throttled(core.Actions.Name())
	logger.Warn("action throttled", "channel", channel, "key", key)
	return false
}
