package policy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/llm"
	"github.com/nugget/chorus/internal/pipeline"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Name:            "Chorus",
		RecencyHalfLife: 10 * time.Minute,
		MaxMessageLen:   50,
		DropRefusals:    true,
		MinBatchScore:   0.3,
		Now:             func() time.Time { return now },
	}
}

func msg(content string) events.Event {
	ev := events.New(events.MessageReceived, events.Details{Channel: "c", Author: "a", Content: content})
	ev.Timestamp = now
	return ev
}

func scoreAll(t *testing.T, cs []pipeline.Classifier, ev events.Event) events.Scores {
	t.Helper()
	out := events.Scores{}
	for _, c := range cs {
		v, err := c.Score(context.Background(), ev)
		if err != nil {
			t.Fatalf("classifier %s: %v", c.ID, err)
		}
		out[c.ID] = v
	}
	return out
}

func TestInputClassifiers(t *testing.T) {
	cs := InputClassifiers(testConfig())
	tests := []struct {
		name    string
		content string
		id      string
		want    float64
	}{
		{"mention", "hey chorus, you there", ClassMention, 1},
		{"no mention", "hey everyone", ClassMention, 0},
		{"question mark", "lunch today?", ClassQuestion, 1},
		{"question word", "how does this work", ClassQuestion, 1},
		{"statement", "the build is green", ClassQuestion, 0},
		{"recent", "anything", ClassRecency, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreAll(t, cs, msg(tt.content))
			if got[tt.id] != tt.want {
				t.Errorf("%s(%q) = %v, want %v", tt.id, tt.content, got[tt.id], tt.want)
			}
		})
	}
}

func TestRecencyHalfLife(t *testing.T) {
	cs := InputClassifiers(testConfig())
	ev := msg("old news")
	ev.Timestamp = now.Add(-10 * time.Minute)
	got := scoreAll(t, cs, ev)[ClassRecency]
	if got < 0.49 || got > 0.51 {
		t.Errorf("recency after one half-life = %v, want 0.5", got)
	}
}

func TestDirectMessage(t *testing.T) {
	ev := msg("hi").WithMeta(MetaDirect, "true")
	if got := scoreAll(t, InputClassifiers(testConfig()), ev)[ClassDirect]; got != 1 {
		t.Errorf("direct = %v, want 1", got)
	}
}

func TestOutputClassifiers(t *testing.T) {
	cs := OutputClassifiers(testConfig())
	got := scoreAll(t, cs, msg("As an AI, I cannot assist with that.\n```\ncode"))
	if got[ClassRefusal] != 1 {
		t.Errorf("refusal = %v, want 1", got[ClassRefusal])
	}
	if got[ClassFormatting] != 0 {
		t.Errorf("formatting = %v, want 0 for an open fence", got[ClassFormatting])
	}
	if got[ClassLength] <= 0 || got[ClassLength] > 1.5 {
		t.Errorf("length = %v", got[ClassLength])
	}
}

func TestDefaultPolicy_DropsRefusalAndDuplicates(t *testing.T) {
	gen := &stubGen{text: "Sure, here you go.\n\nAs an AI I cannot help with that part.\n\nsure,  here you go.\n\n```go\nfmt.Println(1)"}
	p, err := pipeline.New(gen, Default(testConfig()), pipeline.Options{MaxMessageLen: 50})
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Run(context.Background(), pipeline.Input{Trigger: msg("chorus can you show me?")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped {
		t.Fatal("mention should put the trigger in focus")
	}
	if len(res.Outputs) != 2 {
		for _, o := range res.Outputs {
			t.Logf("output: %q", o.Details.Content)
		}
		t.Fatalf("got %d outputs, want 2", len(res.Outputs))
	}
	if !strings.HasSuffix(res.Outputs[1].Details.Content, "```") {
		t.Errorf("open fence was not closed: %q", res.Outputs[1].Details.Content)
	}
	if res.Outputs[1].Details.ReplyTo != res.Outputs[0].ID {
		t.Errorf("chain not reconciled: %q", res.Outputs[1].Details.ReplyTo)
	}
}

func TestDefaultPolicy_ClosedFenceFitsLimit(t *testing.T) {
	// The candidate is exactly at the limit before its fence is closed.
	gen := &stubGen{text: "```\n" + strings.Repeat("x", 46)}
	p, err := pipeline.New(gen, Default(testConfig()), pipeline.Options{MaxMessageLen: 50})
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Run(context.Background(), pipeline.Input{Trigger: msg("chorus show me")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Outputs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(res.Outputs))
	}
	got := res.Outputs[0].Details.Content
	if n := len([]rune(got)); n > 50 {
		t.Errorf("length = %d, want at most 50", n)
	}
	if strings.Count(got, "```") != 2 || !strings.HasSuffix(got, "\n```") {
		t.Errorf("fence not closed: %q", got)
	}
}

func TestCloseFences_ReservesRoom(t *testing.T) {
	ev := msg("```go\n" + strings.Repeat("y", 20))
	out, _, err := closeFences(16)(context.Background(), ev, &pipeline.Batch{})
	if err != nil {
		t.Fatal(err)
	}
	if want := "```go\n" + strings.Repeat("y", 6) + "\n```"; out.Details.Content != want {
		t.Errorf("content = %q, want %q", out.Details.Content, want)
	}

	balanced := msg("```\ncode\n```")
	out, _, _ = closeFences(16)(context.Background(), balanced, &pipeline.Batch{})
	if out.Details.Content != balanced.Details.Content {
		t.Errorf("balanced reply changed: %q", out.Details.Content)
	}
}

func TestDefaultPolicy_SkipsUnfocused(t *testing.T) {
	gen := &stubGen{text: "unused"}
	p, err := pipeline.New(gen, Default(testConfig()), pipeline.Options{FocusThreshold: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Run(context.Background(), pipeline.Input{Trigger: msg("ok")})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Error("idle chatter should not get a reply")
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times", gen.calls)
	}
}

func TestTruncate(t *testing.T) {
	ev := msg(strings.Repeat("x", 60))
	out, v, err := truncate(50)(context.Background(), ev, &pipeline.Batch{})
	if err != nil || v != pipeline.Keep {
		t.Fatalf("truncate: %v %v", v, err)
	}
	if n := len([]rune(out.Details.Content)); n != 50 {
		t.Errorf("length = %d, want 50", n)
	}
	if ev.Details.Content == out.Details.Content {
		t.Error("input event was modified or not truncated")
	}
}

func TestBatchThreshold(t *testing.T) {
	rule := batchThreshold(0.5)
	_, v, _ := rule(context.Background(), msg("x"), &pipeline.Batch{Score: 0.4})
	if v != pipeline.Drop {
		t.Error("low batch score should drop")
	}
	_, v, _ = rule(context.Background(), msg("x"), &pipeline.Batch{Score: 0.5})
	if v != pipeline.Keep {
		t.Error("batch score at threshold should keep")
	}
}

func TestHeuristic(t *testing.T) {
	b := &pipeline.Batch{Events: []events.Event{
		msg("a").WithScores(events.Scores{ClassRefusal: 0, ClassFormatting: 1}),
		msg("b").WithScores(events.Scores{ClassRefusal: 1, ClassFormatting: 1}),
	}}
	got, err := Heuristic{}.ScoreBatch(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.5 {
		t.Errorf("score = %v, want 0.5", got)
	}
}

type stubGen struct {
	text  string
	err   error
	calls int
}

func (s *stubGen) Generate(context.Context, string, llm.Conversation) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestJudge(t *testing.T) {
	b := &pipeline.Batch{
		Trigger: msg("question"),
		Events:  []events.Event{msg("answer").WithScores(events.Scores{ClassFormatting: 1})},
	}
	tests := []struct {
		name string
		gen  *stubGen
		want float64
	}{
		{"plain number", &stubGen{text: "0.8"}, 0.8},
		{"wrapped", &stubGen{text: "Score: 0.25."}, 0.25},
		{"clamped", &stubGen{text: "7"}, 1},
		{"unparsable uses fallback", &stubGen{text: "great reply"}, 1},
		{"error uses fallback", &stubGen{err: errors.New("down")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Judge{Gen: tt.gen, Fallback: Heuristic{}}
			got, err := j.ScoreBatch(context.Background(), b)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}
}
