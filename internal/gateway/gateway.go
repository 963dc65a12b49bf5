// Package gateway connects chorus to a chat platform. The core only
// needs two things from a platform: a stream of inbound events and a
// way to send formatted content to a channel. WSGateway provides both
// over a websocket with a small JSON frame protocol.
package gateway

import (
	"bytes"
	"context"
	"errors"

	"github.com/yuin/goldmark"

	"github.com/nugget/chorus/internal/events"
)

// BlockKind is the presentation style of a structured block.
type BlockKind string

const (
	BlockInfo  BlockKind = "info"
	BlockError BlockKind = "error"
)

// Block is a titled presentation block shown alongside message text.
type Block struct {
	Kind  BlockKind `json:"kind"`
	Title string    `json:"title,omitempty"`
	Body  string    `json:"body,omitempty"`
}

// Content is one outbound message.
type Content struct {
	// Ref identifies the outbound message so later events can point at it.
	Ref string
	// ReplyTo is the platform message being answered.
	ReplyTo string
	// Text is markdown message text.
	Text string
	// Reaction, when set, is an emoji added to ReplyTo instead of a
	// message.
	Reaction string
	Blocks   []Block
}

// Handler receives inbound domain events.
type Handler func(ev events.Event)

// Gateway is a chat platform connection.
type Gateway interface {
	// OnInboundEvent installs the handler for inbound events. A later
	// call replaces the earlier handler.
	OnInboundEvent(h Handler)
	// SendFormatted delivers content to a channel.
	SendFormatted(ctx context.Context, channelRef string, c Content) error
}

// ErrNoSubscribers is returned when nobody is connected to the target
// channel.
var ErrNoSubscribers = errors.New("gateway: no subscribers for channel")

// Render converts markdown to HTML.
func Render(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// InfoBlock is a convenience constructor.
func InfoBlock(title, body string) Block {
	return Block{Kind: BlockInfo, Title: title, Body: body}
}

// ErrorBlock is a convenience constructor.
func ErrorBlock(title, body string) Block {
	return Block{Kind: BlockError, Title: title, Body: body}
}
