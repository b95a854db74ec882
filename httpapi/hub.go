package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
)

// StreamEvent is sent to SSE clients. Data carries terminal output
// bytes (base64 over the wire); frames never ride the SSE stream, they
// go over the canvas websocket.
type StreamEvent struct {
	Seq       uint64                `json:"seq"`
	Type      string                `json:"type"`
	TabEvent  string                `json:"tab_event,omitempty"`
	Key       schema.TabKey         `json:"key,omitempty"`
	OldKey    schema.TabKey         `json:"old_key,omitempty"`
	Data      []byte                `json:"data,omitempty"`
	Tab       *schema.TabSnapshot   `json:"tab,omitempty"`
	Prompt    *schema.HostKeyPrompt `json:"prompt,omitempty"`
	Snapshot  *SnapshotPayload      `json:"snapshot,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// SnapshotPayload seeds client state on connect.
type SnapshotPayload struct {
	Tabs      []schema.TabSnapshot                    `json:"tabs"`
	ActiveKey schema.TabKey                           `json:"active_key"`
	Buffers   map[schema.TabKey]schema.BufferSnapshot `json:"buffers"`
}

// Hub broadcasts coordinator events per user. It implements
// core.EventSink. Tab and output events are kept in a replay history;
// frame events are fanned out live only.
type Hub struct {
	mu          sync.Mutex
	users       map[schema.UserID]*userHub
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		users:       make(map[schema.UserID]*userHub),
		historySize: historySize,
	}
}

// OnTabEvent implements core.EventSink.
func (h *Hub) OnTabEvent(event schema.TabEvent) {
	log := logx.WithUser(context.Background(), event.UserID)
	log.Trace("hub tab event", "type", event.Type, "tab", event.Tab.Key)
	tab := event.Tab
	h.publish(event.UserID, StreamEvent{
		Type:      "tab",
		TabEvent:  string(event.Type),
		Key:       event.Tab.Key,
		OldKey:    event.OldKey,
		Tab:       &tab,
		Prompt:    event.Prompt,
		Timestamp: time.Now(),
	})
}

// OnOutput implements core.EventSink.
func (h *Hub) OnOutput(event schema.OutputEvent) {
	log := logx.WithUser(context.Background(), event.UserID).With("tab", event.Key)
	log.Trace("hub output event", "bytes", len(event.Data))
	h.publish(event.UserID, StreamEvent{
		Type:      "output",
		Key:       event.Key,
		Data:      event.Data,
		Timestamp: time.Now(),
	})
}

// OnFrame implements core.EventSink. Frames go to canvas subscribers
// only; they are too large for the SSE history.
func (h *Hub) OnFrame(event schema.FrameEvent) {
	h.mu.Lock()
	uh := h.users[event.UserID]
	var subs []chan schema.FrameEvent
	if uh != nil {
		subs = make([]chan schema.FrameEvent, 0, len(uh.frameSubs))
		for sub := range uh.frameSubs {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
		}
	}
}

// Subscribe registers an SSE subscriber for a user.
func (h *Hub) Subscribe(userID schema.UserID) (<-chan StreamEvent, func(), uint64, []StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uh := h.getOrCreateUserHubLocked(userID)
	ch := make(chan StreamEvent, 256)
	uh.subs[ch] = struct{}{}
	history := append([]StreamEvent(nil), uh.history...)
	seq := uh.seq
	log := logx.WithUser(context.Background(), userID)
	log.Info("hub subscribe", "subs", len(uh.subs), "history", len(history))
	unsub := func() {
		h.mu.Lock()
		delete(uh.subs, ch)
		close(ch)
		remaining := len(uh.subs)
		h.mu.Unlock()
		log.Info("hub unsubscribe", "subs", remaining)
	}
	return ch, unsub, seq, history
}

// SubscribeFrames registers a canvas subscriber for a user.
func (h *Hub) SubscribeFrames(userID schema.UserID) (<-chan schema.FrameEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uh := h.getOrCreateUserHubLocked(userID)
	ch := make(chan schema.FrameEvent, 64)
	uh.frameSubs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		delete(uh.frameSubs, ch)
		close(ch)
		h.mu.Unlock()
	}
}

// Replay returns events after the provided seq.
func (h *Hub) Replay(userID schema.UserID, after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	uh := h.users[userID]
	if uh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(uh.history))
	for _, event := range uh.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	logx.WithUser(context.Background(), userID).Debug("hub replay", "after", after, "count", len(events))
	return events
}

func (h *Hub) publish(userID schema.UserID, event StreamEvent) {
	h.mu.Lock()
	uh := h.getOrCreateUserHubLocked(userID)
	uh.seq++
	event.Seq = uh.seq
	uh.history = append(uh.history, event)
	if len(uh.history) > h.historySize {
		uh.history = uh.history[len(uh.history)-h.historySize:]
	}
	subs := make([]chan StreamEvent, 0, len(uh.subs))
	for sub := range uh.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		logx.WithUser(context.Background(), userID).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateUserHubLocked(userID schema.UserID) *userHub {
	uh := h.users[userID]
	if uh == nil {
		uh = &userHub{
			subs:      make(map[chan StreamEvent]struct{}),
			frameSubs: make(map[chan schema.FrameEvent]struct{}),
		}
		h.users[userID] = uh
	}
	return uh
}

type userHub struct {
	seq       uint64
	history   []StreamEvent
	subs      map[chan StreamEvent]struct{}
	frameSubs map[chan schema.FrameEvent]struct{}
}
