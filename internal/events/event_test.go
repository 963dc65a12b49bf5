package events

import (
	"strings"
	"testing"
)

func TestNewAssignsIDAndTimestamp(t *testing.T) {
	a := New(MessageReceived, Details{Channel: "c1", Content: "hi"})
	b := New(MessageReceived, Details{Channel: "c1", Content: "hi"})

	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("IDs should be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if a.Timestamp.Location().String() != "UTC" {
		t.Errorf("timestamp location = %s, want UTC", a.Timestamp.Location())
	}
	if a.Scored() {
		t.Error("new event should not be scored")
	}
}

func TestWithScoresDoesNotShareMaps(t *testing.T) {
	orig := New(ReplySent, Details{Meta: map[string]string{"k": "v"}})
	s := Scores{"length": 0.5}

	scored := orig.WithScores(s)
	s["length"] = 0.9
	scored.Details.Meta["k"] = "changed"

	if scored.Scores["length"] != 0.5 {
		t.Errorf("scores aliased caller map: got %v", scored.Scores["length"])
	}
	if orig.Details.Meta["k"] != "v" {
		t.Errorf("original meta mutated: %q", orig.Details.Meta["k"])
	}
	if orig.Scored() {
		t.Error("original should remain unscored")
	}
}

func TestWithScoresNilProducesEmptySet(t *testing.T) {
	ev := New(ReplySent, Details{}).WithScores(nil)
	if !ev.Scored() {
		t.Error("WithScores(nil) should still mark the event as scored")
	}
}

func TestWithMeta(t *testing.T) {
	orig := New(ReplySent, Details{})
	got := orig.WithMeta("reconciled", "true")

	if got.Details.Meta["reconciled"] != "true" {
		t.Errorf("meta not set: %v", got.Details.Meta)
	}
	if orig.Details.Meta != nil {
		t.Errorf("original meta mutated: %v", orig.Details.Meta)
	}
}

func TestScoresHas(t *testing.T) {
	s := Scores{"a": 1, "b": 0}
	if !s.Has("a", "b") {
		t.Error("Has(a, b) = false, want true")
	}
	if s.Has("a", "c") {
		t.Error("Has(a, c) = true, want false")
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		family  Family
		wantErr bool
	}{
		{"message_received", MessageReceived, FamilyDomain, false},
		{"reply_sent", ReplySent, FamilyAction, false},
		{"error_shown", ErrorShown, FamilyAction, false},
		{"MESSAGE_RECEIVED", "", FamilyUnknown, true},
		{"", "", FamilyUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseType(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if got.Family() != tt.family {
				t.Errorf("Family() = %v, want %v", got.Family(), tt.family)
			}
		})
	}
}

func TestAllTypesAreValid(t *testing.T) {
	seen := make(map[Type]bool)
	for _, typ := range AllTypes() {
		if !typ.Valid() {
			t.Errorf("%q is not valid", typ)
		}
		if seen[typ] {
			t.Errorf("%q listed twice", typ)
		}
		seen[typ] = true
		if strings.ToLower(string(typ)) != string(typ) {
			t.Errorf("%q should be lower case", typ)
		}
	}
	if len(seen) != len(families) {
		t.Errorf("AllTypes has %d entries, families has %d", len(seen), len(families))
	}
}
