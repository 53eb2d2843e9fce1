package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"
)

// SourceEventKind labels one observation from the platform activity stream.
type SourceEventKind string

const (
	SourceForeground SourceEventKind = "foreground"
	SourceBackground SourceEventKind = "background"
	SourceScreenOn   SourceEventKind = "screen_on"
	SourceScreenOff  SourceEventKind = "screen_off"
)

// SourceEvent is one raw device observation. App is set for app transitions
// only. A zero At is stamped with the agent's clock on receipt.
type SourceEvent struct {
	Kind SourceEventKind `json:"kind"`
	App  string          `json:"app,omitempty"`
	At   time.Time       `json:"at,omitempty"`
}

// Source streams raw device activity into the agent: app transitions feed
// the spool's activity log and screen toggles feed the screen tracker.
type Source interface {
	// Events returns the observation channel. The channel closes when the
	// source ends; the agent also stops consuming when its context is done.
	Events(ctx context.Context) (<-chan SourceEvent, error)
}

// ChannelSource is a Source fed programmatically. Tests and simulations use
// it to script device activity.
type ChannelSource struct {
	ch chan SourceEvent
}

func NewChannelSource() *ChannelSource {
	return &ChannelSource{ch: make(chan SourceEvent)}
}

func (s *ChannelSource) Events(_ context.Context) (<-chan SourceEvent, error) {
	return s.ch, nil
}

// Push delivers one observation, blocking until the agent consumes it or ctx
// is done.
func (s *ChannelSource) Push(ctx context.Context, ev SourceEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- ev:
		return nil
	}
}

// Close ends the stream. The agent keeps running; it just stops receiving
// activity.
func (s *ChannelSource) Close() {
	close(s.ch)
}

// StreamSource decodes activity from a line-delimited JSON stream, typically
// a platform watcher piped into the agent:
//
//	{"kind":"foreground","app":"com.spotify.music","at":"2026-08-25T09:00:00Z"}
//	{"kind":"screen_off"}
//
// Unparseable lines are skipped. The reader goroutine runs until the stream
// ends; close the reader to release it.
type StreamSource struct {
	r io.Reader
}

func NewStreamSource(r io.Reader) *StreamSource {
	return &StreamSource{r: r}
}

func (s *StreamSource) Events(ctx context.Context) (<-chan SourceEvent, error) {
	ch := make(chan SourceEvent)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(s.r)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var ev SourceEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}
