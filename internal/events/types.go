package events

import "fmt"

// Type is the routing key for an event. The set is closed: ParseType
// rejects anything not listed below.
type Type string

// Domain events describe something that happened.
const (
	// MessageReceived is an inbound chat message.
	// Details: channel, author, message_ref, content.
	MessageReceived Type = "message_received"
	// ReactionReceived is an inbound emoji reaction.
	// Details: channel, author, message_ref, emoji.
	ReactionReceived Type = "reaction_received"
	// ResponseReady signals that a pipeline run produced approved output.
	// Details: channel, reply_to, meta[replies, batch_score].
	ResponseReady Type = "response_ready"
	// HelpRequested is an inbound request for usage information.
	// Details: channel, author, message_ref.
	HelpRequested Type = "help_requested"
	// TaskCompleted signals that a background task finished.
	// Details: meta[task, ok, affected].
	TaskCompleted Type = "task_completed"
)

// Action events describe an effect that should leave the system.
const (
	// ReplySent carries one approved reply for delivery.
	// Details: channel, content, reply_to, seq.
	ReplySent Type = "reply_sent"
	// ReactionAdded carries a reaction for delivery.
	// Details: channel, message_ref, emoji.
	ReactionAdded Type = "reaction_added"
	// ErrorShown carries a user-facing failure notice.
	// Details: channel, content, reply_to.
	ErrorShown Type = "error_shown"
)

// Family partitions event types.
type Family int

const (
	// FamilyUnknown is returned for types outside the closed set.
	FamilyUnknown Family = iota
	// FamilyDomain covers events that record something that happened.
	FamilyDomain
	// FamilyAction covers events that request an outbound effect.
	FamilyAction
)

func (f Family) String() string {
	switch f {
	case FamilyDomain:
		return "domain"
	case FamilyAction:
		return "action"
	default:
		return "unknown"
	}
}

var families = map[Type]Family{
	MessageReceived:  FamilyDomain,
	ReactionReceived: FamilyDomain,
	ResponseReady:    FamilyDomain,
	HelpRequested:    FamilyDomain,
	TaskCompleted:    FamilyDomain,
	ReplySent:        FamilyAction,
	ReactionAdded:    FamilyAction,
	ErrorShown:       FamilyAction,
}

// Family returns the family t belongs to.
func (t Type) Family() Family { return families[t] }

// Valid reports whether t is part of the closed set.
func (t Type) Valid() bool { return t.Family() != FamilyUnknown }

func (t Type) String() string { return string(t) }

// ParseType converts s into a Type, rejecting unknown values.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// AllTypes returns every known type, domain events first.
func AllTypes() []Type {
	return []Type{
		MessageReceived, ReactionReceived, ResponseReady, HelpRequested, TaskCompleted,
		ReplySent, ReactionAdded, ErrorShown,
	}
}
