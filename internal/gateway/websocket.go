package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nugget/chorus/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 << 10
	sendBuffer = 256
)

// Frame types.
const (
	FrameMessage  = "message"
	FrameReaction = "reaction"
	FrameJoin     = "join"
	FrameError    = "error"
)

// Frame is the JSON unit exchanged with websocket clients.
type Frame struct {
	Type      string  `json:"type"`
	Channel   string  `json:"channel,omitempty"`
	Author    string  `json:"author,omitempty"`
	ID        string  `json:"id,omitempty"`
	ReplyTo   string  `json:"reply_to,omitempty"`
	MessageID string  `json:"message_id,omitempty"`
	Text      string  `json:"text,omitempty"`
	HTML      string  `json:"html,omitempty"`
	Emoji     string  `json:"emoji,omitempty"`
	Direct    bool    `json:"direct,omitempty"`
	Blocks    []Block `json:"blocks,omitempty"`
}

// WSConfig tunes the websocket gateway.
type WSConfig struct {
	// InboundRate is the per-connection inbound frame rate (frames/s).
	InboundRate float64
	// InboundBurst is the per-connection burst size.
	InboundBurst int
	// HelpPrefixes mark a message as a help request.
	HelpPrefixes []string
	Logger       *slog.Logger
}

// WSGateway serves chat clients over websocket. Each connection joins
// one or more channels; outbound content is fanned out to every
// connection in the target channel.
type WSGateway struct {
	cfg      WSConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handler  Handler
	clients  map[*client]struct{}
	channels map[string]map[*client]struct{}
}

// NewWSGateway creates a gateway. It implements http.Handler for the
// websocket route.
func NewWSGateway(cfg WSConfig) *WSGateway {
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = 2
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = 5
	}
	if len(cfg.HelpPrefixes) == 0 {
		cfg.HelpPrefixes = []string{"!help", "/help"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSGateway{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		channels: make(map[string]map[*client]struct{}),
	}
}

// OnInboundEvent implements Gateway.
func (g *WSGateway) OnInboundEvent(h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// SendFormatted implements Gateway.
func (g *WSGateway) SendFormatted(ctx context.Context, channelRef string, c Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	frame := Frame{
		Type:    FrameMessage,
		Channel: channelRef,
		ID:      c.Ref,
		ReplyTo: c.ReplyTo,
		Text:    c.Text,
		Blocks:  c.Blocks,
	}
	if c.Reaction != "" {
		frame = Frame{Type: FrameReaction, Channel: channelRef, MessageID: c.ReplyTo, Emoji: c.Reaction}
	} else if c.Text != "" {
		html, err := Render(c.Text)
		if err != nil {
			return fmt.Errorf("render message: %w", err)
		}
		frame.HTML = html
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	g.mu.RLock()
	subs := make([]*client, 0, len(g.channels[channelRef]))
	for cl := range g.channels[channelRef] {
		subs = append(subs, cl)
	}
	g.mu.RUnlock()

	if len(subs) == 0 {
		return ErrNoSubscribers
	}
	for _, cl := range subs {
		cl.enqueue(data)
	}
	return nil
}

// Connected returns the number of open connections.
func (g *WSGateway) Connected() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// ServeHTTP upgrades the request and serves the connection until it
// closes. Query parameters "user" and "channel" set the connection's
// identity and initial channel.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		gw:      g,
		conn:    conn,
		user:    r.URL.Query().Get("user"),
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(g.cfg.InboundRate), g.cfg.InboundBurst),
		joined:  make(map[string]struct{}),
	}
	g.register(cl)
	if ch := r.URL.Query().Get("channel"); ch != "" {
		g.join(cl, ch)
	}
	g.logger.Info("client connected", "user", cl.user, "remote", r.RemoteAddr)

	go cl.writePump()
	cl.readPump()
}

// Close disconnects every client.
func (g *WSGateway) Close() {
	g.mu.RLock()
	clients := make([]*client, 0, len(g.clients))
	for cl := range g.clients {
		clients = append(clients, cl)
	}
	g.mu.RUnlock()
	for _, cl := range clients {
		cl.conn.Close()
	}
}

func (g *WSGateway) register(cl *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[cl] = struct{}{}
}

func (g *WSGateway) unregister(cl *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[cl]; !ok {
		return
	}
	delete(g.clients, cl)
	for ch := range cl.joined {
		if subs := g.channels[ch]; subs != nil {
			delete(subs, cl)
			if len(subs) == 0 {
				delete(g.channels, ch)
			}
		}
	}
	close(cl.send)
}

func (g *WSGateway) join(cl *client, channel string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.channels[channel] == nil {
		g.channels[channel] = make(map[*client]struct{})
	}
	g.channels[channel][cl] = struct{}{}
	cl.joined[channel] = struct{}{}
}

func (g *WSGateway) emit(ev events.Event) {
	g.mu.RLock()
	h := g.handler
	g.mu.RUnlock()
	if h == nil {
		g.logger.Debug("inbound event with no handler", "event_type", ev.Type)
		return
	}
	h(ev)
}

// toEvent converts an inbound frame into a domain event.
func (g *WSGateway) toEvent(cl *client, f Frame) (events.Event, bool) {
	author := f.Author
	if author == "" {
		author = cl.user
	}
	switch f.Type {
	case FrameMessage:
		ref := f.ID
		if ref == "" {
			ref = events.NewID()
		}
		d := events.Details{
			Channel:    f.Channel,
			Author:     author,
			MessageRef: ref,
			Content:    f.Text,
			ReplyTo:    f.ReplyTo,
		}
		if f.Direct {
			d.Meta = map[string]string{"direct": "true"}
		}
		t := events.MessageReceived
		if g.isHelp(f.Text) {
			t = events.HelpRequested
		}
		return events.New(t, d), true
	case FrameReaction:
		return events.New(events.ReactionReceived, events.Details{
			Channel:    f.Channel,
			Author:     author,
			MessageRef: f.MessageID,
			Emoji:      f.Emoji,
		}), true
	default:
		return events.Event{}, false
	}
}

func (g *WSGateway) isHelp(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	for _, p := range g.cfg.HelpPrefixes {
		if text == p || strings.HasPrefix(text, p+" ") {
			return true
		}
	}
	return false
}

type client struct {
	gw      *WSGateway
	conn    *websocket.Conn
	user    string
	send    chan []byte
	limiter *rate.Limiter
	joined  map[string]struct{} // guarded by gw.mu
	closeMu sync.Mutex
	closed  bool
}

func (c *client) enqueue(data []byte) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.gw.logger.Warn("client send buffer full, dropping frame", "user", c.user)
	}
}

func (c *client) sendFrame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) readPump() {
	defer func() {
		c.closeMu.Lock()
		c.closed = true
		c.gw.unregister(c)
		c.closeMu.Unlock()
		c.conn.Close()
		c.gw.logger.Info("client disconnected", "user", c.user)
	}()

	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Debug("websocket read error", "user", c.user, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendFrame(Frame{Type: FrameError, Text: "rate limit exceeded"})
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendFrame(Frame{Type: FrameError, Text: "invalid frame"})
			continue
		}
		if f.Channel == "" {
			c.sendFrame(Frame{Type: FrameError, Text: "channel is required"})
			continue
		}

		if f.Type == FrameJoin {
			c.gw.join(c, f.Channel)
			continue
		}
		ev, ok := c.gw.toEvent(c, f)
		if !ok {
			c.sendFrame(Frame{Type: FrameError, Text: fmt.Sprintf("unknown frame type %q", f.Type)})
			continue
		}
		c.gw.join(c, f.Channel)
		c.gw.emit(ev)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
