// Package flow chains per-frame corrections. Corrections that stamp a
// marker keyword are skipped on frames that already carry it.
package flow

import (
	"fmt"
	"log/slog"
	"time"

	"deepfield/internal/fits"
	"deepfield/internal/frame"
)

// Node transforms one frame into a new frame.
type Node interface {
	Apply(f *frame.Frame) (*frame.Frame, error)
}

// Marked is implemented by nodes that can tell whether a frame was already
// processed by them.
type Marked interface {
	Node
	Processed(f *frame.Frame) bool
}

// Func adapts a plain function to Node.
type Func func(f *frame.Frame) (*frame.Frame, error)

// Apply implements Node.
func (fn Func) Apply(f *frame.Frame) (*frame.Frame, error) { return fn(f) }

// Identity returns its input.
type Identity struct{}

// Apply implements Node.
func (Identity) Apply(f *frame.Frame) (*frame.Frame, error) { return f, nil }

// Serial runs nodes in order, skipping marked nodes whose marker is present.
type Serial struct {
	Nodes []Node
	Log   *slog.Logger
}

// Apply implements Node.
func (s Serial) Apply(f *frame.Frame) (*frame.Frame, error) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	out := f
	for i, nd := range s.Nodes {
		if m, ok := nd.(Marked); ok && m.Processed(out) {
			log.Info("frame already processed", "frame", out.Name, "node", fmt.Sprintf("%T", nd))
			continue
		}
		next, err := nd.Apply(out)
		if err != nil {
			return nil, fmt.Errorf("node %d (%T): %w", i, nd, err)
		}
		out = next
	}
	return out, nil
}

// Corrector supplies marker handling for header-keyed corrections.
type Corrector struct {
	Key     string
	Comment string
	// NoMark disables both the check and the stamping.
	NoMark bool
}

// Processed reports whether f carries the marker keyword.
func (c Corrector) Processed(f *frame.Frame) bool {
	if c.NoMark || f == nil || f.Header == nil {
		return false
	}
	return f.Header.Has(c.Key)
}

// Mark stamps the marker keyword with value.
func (c Corrector) Mark(h *fits.Header, value string) {
	if c.NoMark {
		return
	}
	h.Set(c.Key, value, c.Comment)
}

// Stamp returns the current UTC time for history entries.
func Stamp() string { return time.Now().UTC().Format("2006-01-02T15:04:05.000000") }
