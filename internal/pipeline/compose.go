package pipeline

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nugget/chorus/internal/events"
)

// MetaReconciled marks a reply rewritten by reconcile.
const MetaReconciled = "reconciled"

// compose splits generated text into reply candidates. Parts are
// separated by "---" lines or blank lines; any part longer than the
// message limit is split further. The first candidate replies to the
// trigger, each later one to its predecessor.
//
// Parts beyond MaxCandidates are folded into the last candidate while it
// stays within the message limit. The number of parts that still did
// not fit is returned.
func compose(text string, trigger events.Event, opts Options) ([]events.Event, int) {
	var parts []string
	for _, section := range splitSections(text) {
		parts = append(parts, splitLength(section, opts.MaxMessageLen)...)
	}
	var overflow int
	if len(parts) > opts.MaxCandidates {
		parts, overflow = fold(parts, opts.MaxCandidates, opts.MaxMessageLen)
	}

	out := make([]events.Event, 0, len(parts))
	replyTo := triggerRef(trigger)
	for i, part := range parts {
		ev := events.New(events.ReplySent, events.Details{
			Channel:  trigger.Details.Channel,
			Author:   opts.Author,
			Content:  part,
			ReplyTo:  replyTo,
			Sequence: i + 1,
			Meta:     map[string]string{"trigger": trigger.ID},
		})
		out = append(out, ev)
		replyTo = ev.ID
	}
	return out, overflow
}

// fold keeps the first n parts and appends following parts to the last
// one until the next would exceed limit runes.
func fold(parts []string, n, limit int) ([]string, int) {
	kept := parts[:n:n]
	last := kept[n-1]
	rest := parts[n:]
	for len(rest) > 0 {
		merged := last + "\n\n" + rest[0]
		if utf8.RuneCountInString(merged) > limit {
			break
		}
		last = merged
		rest = rest[1:]
	}
	kept[n-1] = last
	return kept, len(rest)
}

// triggerRef is what the first reply points at: the platform message
// when known, otherwise the trigger event.
func triggerRef(trigger events.Event) string {
	if trigger.Details.MessageRef != "" {
		return trigger.Details.MessageRef
	}
	return trigger.ID
}

// splitSections breaks text on separator lines and blank lines. Blank
// lines inside a fenced code block do not split.
func splitSections(text string) []string {
	var (
		out     []string
		cur     []string
		inFence bool
	)
	flush := func() {
		if s := strings.TrimSpace(strings.Join(cur, "\n")); s != "" {
			out = append(out, s)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if !inFence && (trimmed == "" || trimmed == "---") {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

// splitLength cuts s into pieces of at most limit runes, preferring to
// break at whitespace.
func splitLength(s string, limit int) []string {
	r := []rune(s)
	var out []string
	for len(r) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if unicode.IsSpace(r[i]) {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(r[:cut])); piece != "" {
			out = append(out, piece)
		}
		r = []rune(strings.TrimLeftFunc(string(r[cut:]), unicode.IsSpace))
	}
	if piece := strings.TrimSpace(string(r)); piece != "" {
		out = append(out, piece)
	}
	return out
}

// reconcile makes the survivors a consistent reply chain. A ReplyTo
// naming a dropped candidate is moved to the nearest surviving
// predecessor, or the trigger when none survives. Sequence numbers are
// renumbered from 1. Rewritten events are marked in Meta.
func reconcile(trigger events.Event, candidates, survivors []events.Event) ([]events.Event, []string) {
	alive := make(map[string]bool, len(survivors))
	for _, ev := range survivors {
		alive[ev.ID] = true
	}
	var dropped []string
	droppedSet := make(map[string]bool)
	for _, ev := range candidates {
		if !alive[ev.ID] {
			dropped = append(dropped, ev.ID)
			droppedSet[ev.ID] = true
		}
	}

	out := make([]events.Event, 0, len(survivors))
	prev := triggerRef(trigger)
	for i, ev := range survivors {
		d := ev.Details
		changed := false
		if droppedSet[d.ReplyTo] {
			d.ReplyTo = prev
			changed = true
		}
		if d.Sequence != i+1 {
			d.Sequence = i + 1
			changed = true
		}
		if changed {
			ev = ev.WithDetails(d).WithMeta(MetaReconciled, strconv.FormatBool(true))
		}
		out = append(out, ev)
		prev = ev.ID
	}
	return out, dropped
}
