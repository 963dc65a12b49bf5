// Package events defines the typed, immutable event records that flow
// through the dispatcher. Inbound stimuli (messages, reactions) and
// outbound effects (replies, reactions, error notices) are both events;
// the Type decides which services may receive them.
package events

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Event is a single routed record. Treat it as immutable once it has
// been dispatched: the With* helpers return modified copies and never
// share maps with the receiver.
type Event struct {
	// ID is a UUIDv7, so lexical order follows creation order.
	ID string `json:"id"`
	// Type determines routing eligibility.
	Type Type `json:"type"`
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"ts"`
	// Details is the event payload.
	Details Details `json:"details"`
	// Scores is attached by the pipeline. Nil means "not yet scored".
	Scores Scores `json:"scores,omitempty"`
}

// Details is the payload carried by an event. Not every field is
// meaningful for every type; unused fields stay at their zero value.
type Details struct {
	// Channel identifies the conversation the event belongs to.
	Channel string `json:"channel,omitempty"`
	// Author is the platform identity that produced the stimulus, or
	// the service name for outbound events.
	Author string `json:"author,omitempty"`
	// MessageRef is the platform's identifier for the underlying
	// message, when one exists.
	MessageRef string `json:"message_ref,omitempty"`
	// Content is the message text.
	Content string `json:"content,omitempty"`
	// ReplyTo names the event ID or platform message this one answers.
	ReplyTo string `json:"reply_to,omitempty"`
	// Emoji is set for reaction events.
	Emoji string `json:"emoji,omitempty"`
	// Sequence orders replies within one pipeline batch.
	Sequence int `json:"seq,omitempty"`
	// Meta holds free-form annotations.
	Meta map[string]string `json:"meta,omitempty"`
}

// Scores maps classifier IDs to their scalar output. Label-producing
// classifiers encode each label as "<classifier>:<label>" with a 0/1
// value.
type Scores map[string]float64

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// New creates an event of the given type stamped with the current time.
func New(t Type, d Details) Event {
	return Event{
		ID:        NewID(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Details:   d,
	}
}

// Scored reports whether the event already carries a score set.
func (e Event) Scored() bool { return e.Scores != nil }

// WithScores returns a copy of e carrying a clone of s.
func (e Event) WithScores(s Scores) Event {
	e.Scores = maps.Clone(s)
	if e.Scores == nil {
		e.Scores = Scores{}
	}
	e.Details.Meta = maps.Clone(e.Details.Meta)
	return e
}

// WithDetails returns a copy of e with its payload replaced.
func (e Event) WithDetails(d Details) Event {
	e.Details = d
	e.Details.Meta = maps.Clone(d.Meta)
	e.Scores = maps.Clone(e.Scores)
	return e
}

// WithMeta returns a copy of e with one extra annotation.
func (e Event) WithMeta(key, value string) Event {
	d := e.Details
	d.Meta = maps.Clone(d.Meta)
	if d.Meta == nil {
		d.Meta = make(map[string]string, 1)
	}
	d.Meta[key] = value
	return e.WithDetails(d)
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	return e.WithDetails(e.Details)
}

// Has reports whether every named score is present.
func (s Scores) Has(ids ...string) bool {
	for _, id := range ids {
		if _, ok := s[id]; !ok {
			return false
		}
	}
	return true
}
