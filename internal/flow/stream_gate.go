package flow

import (
	"strings"
	"unicode"
)

// streamGate forwards streamed text to the caller until something that looks
// like a JSON payload shows up. From there on the text is held and the reply
// is delivered whole once parsed.
type streamGate struct {
	onDelta   func(string)
	pending   strings.Builder
	decided   bool
	held      bool
	forwarded bool
}

func newStreamGate(onDelta func(string)) *streamGate {
	return &streamGate{onDelta: onDelta}
}

func (g *streamGate) write(chunk string) {
	switch {
	case g.held:
		return
	case g.decided:
		if i := strings.IndexAny(chunk, "{`"); i >= 0 {
			g.forward(chunk[:i])
			g.held = true
			return
		}
		g.forward(chunk)
		return
	}
	g.pending.WriteString(chunk)
	buffered := g.pending.String()
	rest := strings.TrimLeftFunc(buffered, unicode.IsSpace)
	if rest == "" {
		return
	}
	g.decided = true
	g.pending.Reset()
	if opensStructured(rest) {
		g.held = true
		return
	}
	g.write(buffered)
}

func (g *streamGate) forward(chunk string) {
	if chunk == "" {
		return
	}
	g.forwarded = true
	g.onDelta(chunk)
}

// complete reports whether everything streamed so far reached the caller.
func (g *streamGate) complete() bool { return g.forwarded && !g.held }

// opensStructured reports whether text starts a JSON object, array or fence.
func opensStructured(text string) bool {
	switch text[0] {
	case '{', '[', '`':
		return true
	}
	return false
}
