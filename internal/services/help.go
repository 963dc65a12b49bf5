package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/chorus/internal/app"
	"github.com/nugget/chorus/internal/buildinfo"
	"github.com/nugget/chorus/internal/dispatch"
	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/gateway"
	"github.com/nugget/chorus/internal/registry"
)

// Help answers help requests with the list of registered services.
type Help struct {
	core    *app.Core
	journal *Journal
	logger  *slog.Logger
}

// NewHelp creates the help service.
func NewHelp(core *app.Core) *Help {
	return &Help{
		core:    core,
		journal: NewJournal(core),
		logger:  core.Logger.With("service", "help"),
	}
}

// Descriptor implements Service.
func (s *Help) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:       "help",
		EventTypes: []events.Type{events.HelpRequested},
	}
}

// Subscribe implements Service.
func (s *Help) Subscribe(d *dispatch.Dispatcher) {
	d.Subscribe(events.HelpRequested, "help", s.Handle)
}

// Handle replies to ev with an info block.
func (s *Help) Handle(ctx context.Context, ev events.Event) error {
	body, err := s.Text(ctx, ev.Details.Channel)
	if err != nil {
		return fmt.Errorf("help: %w", err)
	}
	if !allowAction(s.core, s.logger, ev.Details.Channel) {
		return nil
	}
	s.core.Emit(events.ReplySent, events.Details{
		Channel: ev.Details.Channel,
		Author:  "help",
		Content: body,
		ReplyTo: ev.Details.MessageRef,
		Meta: map[string]string{
			MetaBlock: string(gateway.BlockInfo),
			MetaTitle: "Chorus " + buildinfo.Version,
		},
	})
	return nil
}

// Text renders the help body for channel as markdown.
func (s *Help) Text(ctx context.Context, channel string) (string, error) {
	var b strings.Builder
	b.WriteString("Mention me by name or ask a question and I'll join in.\n\n")
	b.WriteString("**Services**\n\n")
	for _, d := range s.core.Registry.Descriptors() {
		types := make([]string, 0, len(d.EventTypes))
		for _, t := range d.EventTypes {
			types = append(types, "`"+string(t)+"`")
		}
		fmt.Fprintf(&b, "- **%s**: %s", d.Name, strings.Join(types, ", "))
		if actions := d.ActionNames(); len(actions) > 0 {
			fmt.Fprintf(&b, " (actions: %s)", strings.Join(actions, ", "))
		}
		b.WriteString("\n")
	}

	last, ok, err := s.journal.LastResponse(ctx, channel)
	if err != nil {
		return "", err
	}
	if ok {
		fmt.Fprintf(&b, "\nLast reply in this channel: %s\n", last.UTC().Format(time.RFC1123))
	}
	return b.String(), nil
}
