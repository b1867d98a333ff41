// Package hub fans out live run events to watch subscribers.
//
// The tracker publishes a frame whenever metric points land or a run
// changes status. Watchers (websocket connections from the dashboard or
// CLI followers) subscribe per run and receive every frame published
// after their subscription, plus a bounded replay window for reconnects.
package hub

import (
	"encoding/json"
	"log"
	"sync"
)

// maxReplayFrames bounds the per-run replay buffer. Reconnecting watchers
// that fall further behind re-read history over the REST API instead.
const maxReplayFrames = 256

// Frame is one broadcast unit on a run feed.
type Frame struct {
	Type     string          `json:"type"`
	RunID    string          `json:"run_id"`
	Sequence int64           `json:"sequence"`
	Payload  json.RawMessage `json:"payload"`
}

// Sink receives frames for one subscriber connection.
// Implementations must tolerate concurrent Send calls.
type Sink interface {
	Send(frame Frame) error
}

// Hub tracks one feed per run.
type Hub struct {
	mu    sync.Mutex
	feeds map[string]*feed
}

func New() *Hub {
	return &Hub{feeds: make(map[string]*feed)}
}

func (h *Hub) feed(runID string) *feed {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.feeds[runID]
	if ok {
		return f
	}

	f = &feed{
		runID:       runID,
		subscribers: make(map[Sink]struct{}),
	}
	h.feeds[runID] = f
	return f
}

// Subscribe registers the sink on the run's feed and returns the latest
// published sequence, so the caller can request replay from that point.
func (h *Hub) Subscribe(runID string, sink Sink) int64 {
	return h.feed(runID).join(sink)
}

// Unsubscribe removes the sink. Unknown sinks and runs are ignored.
func (h *Hub) Unsubscribe(runID string, sink Sink) {
	h.mu.Lock()
	f, ok := h.feeds[runID]
	h.mu.Unlock()
	if !ok {
		return
	}
	f.leave(sink)
}

// Publish assigns the next sequence on the run's feed, buffers the frame
// for replay, and sends it to every current subscriber. Send errors are
// ignored; broken connections unsubscribe when their read loop exits.
func (h *Hub) Publish(runID string, frameType string, payload any) int64 {
	frame := Frame{
		Type:    frameType,
		RunID:   runID,
		Payload: mustJSON(payload),
	}
	return h.feed(runID).publish(frame)
}

// Replay returns buffered frames with a sequence greater than afterSequence,
// oldest first.
func (h *Hub) Replay(runID string, afterSequence int64) []Frame {
	h.mu.Lock()
	f, ok := h.feeds[runID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return f.replay(afterSequence)
}

// Drop discards the run's feed and its replay buffer. Existing
// subscribers stop receiving frames; new subscribers start a fresh feed.
func (h *Hub) Drop(runID string) {
	h.mu.Lock()
	delete(h.feeds, runID)
	h.mu.Unlock()
}

type feed struct {
	mu           sync.Mutex
	runID        string
	nextSequence int64
	frames       []Frame
	subscribers  map[Sink]struct{}
}

func (f *feed) join(sink Sink) int64 {
	f.mu.Lock()
	f.subscribers[sink] = struct{}{}
	latest := f.nextSequence
	f.mu.Unlock()
	return latest
}

func (f *feed) leave(sink Sink) {
	f.mu.Lock()
	delete(f.subscribers, sink)
	f.mu.Unlock()
}

func (f *feed) publish(frame Frame) int64 {
	f.mu.Lock()
	f.nextSequence++
	frame.Sequence = f.nextSequence

	f.frames = append(f.frames, frame)
	if len(f.frames) > maxReplayFrames {
		f.frames = f.frames[len(f.frames)-maxReplayFrames:]
	}

	sinks := make([]Sink, 0, len(f.subscribers))
	for sink := range f.subscribers {
		sinks = append(sinks, sink)
	}
	f.mu.Unlock()

	for _, sink := range sinks {
		_ = sink.Send(frame)
	}
	return frame.Sequence
}

func (f *feed) replay(afterSequence int64) []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	frames := make([]Frame, 0, len(f.frames))
	for _, frame := range f.frames {
		if frame.Sequence > afterSequence {
			frames = append(frames, frame)
		}
	}
	return frames
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal feed frame payload: %v", err)
		return nil
	}
	return b
}
