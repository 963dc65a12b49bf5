package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/chorus/internal/events"
)

func newTestGateway(t *testing.T, cfg WSConfig) (*WSGateway, *httptest.Server, chan events.Event) {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := NewWSGateway(cfg)
	got := make(chan events.Event, 16)
	gw.OnInboundEvent(func(ev events.Event) { got <- ev })
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return gw, srv, got
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitEvent(t *testing.T, ch chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
		return events.Event{}
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWSGateway_RoundTrip(t *testing.T) {
	gw, srv, got := newTestGateway(t, WSConfig{})
	conn := dial(t, srv, "user=alice&channel=general")

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameMessage, Channel: "general", ID: "m-1", Text: "hello bot"}))
	ev := waitEvent(t, got)
	assert.Equal(t, events.MessageReceived, ev.Type)
	assert.Equal(t, "alice", ev.Details.Author)
	assert.Equal(t, "m-1", ev.Details.MessageRef)
	assert.Equal(t, "hello bot", ev.Details.Content)

	err := gw.SendFormatted(context.Background(), "general", Content{
		Ref:     "r-1",
		ReplyTo: "m-1",
		Text:    "**hi** there",
		Blocks:  []Block{InfoBlock("Note", "details")},
	})
	require.NoError(t, err)

	f := readFrame(t, conn)
	assert.Equal(t, FrameMessage, f.Type)
	assert.Equal(t, "r-1", f.ID)
	assert.Equal(t, "m-1", f.ReplyTo)
	assert.Contains(t, f.HTML, "<strong>hi</strong>")
	require.Len(t, f.Blocks, 1)
	assert.Equal(t, BlockInfo, f.Blocks[0].Kind)
}

func TestWSGateway_ReactionsAndHelp(t *testing.T) {
	gw, srv, got := newTestGateway(t, WSConfig{})
	conn := dial(t, srv, "user=bob")

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameReaction, Channel: "dev", MessageID: "m-9", Emoji: "🎉"}))
	ev := waitEvent(t, got)
	assert.Equal(t, events.ReactionReceived, ev.Type)
	assert.Equal(t, "🎉", ev.Details.Emoji)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameMessage, Channel: "dev", Text: "!help"}))
	ev = waitEvent(t, got)
	assert.Equal(t, events.HelpRequested, ev.Type)
	assert.NotEmpty(t, ev.Details.MessageRef)

	require.NoError(t, gw.SendFormatted(context.Background(), "dev", Content{ReplyTo: "m-9", Reaction: "👍"}))
	f := readFrame(t, conn)
	assert.Equal(t, FrameReaction, f.Type)
	assert.Equal(t, "m-9", f.MessageID)
	assert.Equal(t, "👍", f.Emoji)
}

func TestWSGateway_RateLimit(t *testing.T) {
	_, srv, got := newTestGateway(t, WSConfig{InboundRate: 0.001, InboundBurst: 1})
	conn := dial(t, srv, "user=carol&channel=c")

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameMessage, Channel: "c", Text: "one"}))
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameMessage, Channel: "c", Text: "two"}))

	waitEvent(t, got)
	f := readFrame(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Contains(t, f.Text, "rate limit")

	select {
	case ev := <-got:
		t.Fatalf("unexpected second event %q", ev.Details.Content)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWSGateway_InvalidFrames(t *testing.T) {
	_, srv, got := newTestGateway(t, WSConfig{})
	conn := dial(t, srv, "user=dave")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, FrameError, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameMessage, Text: "no channel"}))
	assert.Equal(t, FrameError, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: "bogus", Channel: "x"}))
	assert.Equal(t, FrameError, readFrame(t, conn).Type)

	assert.Empty(t, got)
}

func TestWSGateway_NoSubscribers(t *testing.T) {
	gw, _, _ := newTestGateway(t, WSConfig{})
	err := gw.SendFormatted(context.Background(), "nobody-here", Content{Text: "hi"})
	assert.True(t, errors.Is(err, ErrNoSubscribers))
}

func TestRender(t *testing.T) {
	html, err := Render("# Title\n\n- a\n- b")
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Title</h1>")
	assert.Contains(t, html, "<li>a</li>")
}
