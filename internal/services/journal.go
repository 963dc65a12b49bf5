package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/chorus/internal/app"
	"github.com/nugget/chorus/internal/dispatch"
	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/registry"
	"github.com/nugget/chorus/internal/store"
)

// Journal persists bookkeeping events and tracks when each channel last
// received a response.
type Journal struct {
	core   *app.Core
	logger *slog.Logger
}

// NewJournal creates the journal service.
func NewJournal(core *app.Core) *Journal {
	return &Journal{core: core, logger: core.Logger.With("service", "journal")}
}

// Descriptor implements Service.
func (s *Journal) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:       "journal",
		EventTypes: []events.Type{events.ReactionReceived, events.ResponseReady, events.TaskCompleted},
	}
}

// Subscribe implements Service.
func (s *Journal) Subscribe(d *dispatch.Dispatcher) {
	for _, t := range s.Descriptor().EventTypes {
		d.Subscribe(t, "journal", s.Handle)
	}
}

// Handle stores ev. A response_ready event also updates the channel's
// last-response setting in the same transaction.
func (s *Journal) Handle(ctx context.Context, ev events.Event) error {
	insert, err := store.InsertEvent(ev)
	if err != nil {
		return err
	}
	ins := []*store.Instruction{insert}
	if ev.Type == events.ResponseReady && ev.Details.Channel != "" {
		ins = append(ins, store.PutSetting(lastResponseKey(ev.Details.Channel), store.FormatTime(ev.Timestamp)))
	}

	if _, err := s.core.Store.Commit(ctx, ins...); err != nil {
		return fmt.Errorf("journal %s %s: %w", ev.Type, ev.ID, err)
	}
	s.logger.Debug("event journaled", "event_id", ev.ID, "event_type", ev.Type)
	return nil
}

// LastResponse returns when channel last received a response.
func (s *Journal) LastResponse(ctx context.Context, channel string) (time.Time, bool, error) {
	res, err := s.core.Store.Commit(ctx, store.GetSetting(lastResponseKey(channel)))
	if err != nil {
		return time.Time{}, false, err
	}
	v, ok := store.SettingValue(res.Reads)
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last response for %s: %w", channel, err)
	}
	return t, true, nil
}

func lastResponseKey(channel string) string {
	return "last_response:" + channel
}
