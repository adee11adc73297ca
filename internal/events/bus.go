// Package events fans controller happenings out to dashboard and agent
// websocket subscribers. Admin subscribers see everything; public
// subscribers see only events published on the public topic. Two ring
// buffers hold recent history for replay on connect.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Topics classify visibility, not routing.
const (
	TopicAdmin  = "admin"
	TopicPublic = "public"
)

// Event types.
const (
	TypeLog                  = "log"
	TypeRunnerStatus         = "runner_status"
	TypeListenerStatus       = "listener_status"
	TypeChallengeAssigned    = "challenge_assigned"
	TypeTransmissionComplete = "transmission_complete"
	TypeRecordingStarted     = "recording_started"
	TypeRecordingComplete    = "recording_complete"
	TypeRecordingAssignment  = "recording_assignment"
	TypeRunnerEnrolled       = "runner_enrolled"
	TypeSystemControl        = "system_control"
	TypeChallengesUpdate     = "challenges_update"
)

// Ring capacities: enough log history to repaint a dashboard, a short tail
// of transmissions for the public view.
const (
	LogRingSize          = 500
	TransmissionRingSize = 50
)

type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Topic     string          `json:"-"`
	Timestamp string          `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Filter restricts a subscription to listed types; empty means all.
type Filter struct {
	Types []string
}

type subscriber struct {
	ch     chan Event
	topic  string
	filter Filter
}

// Bus is the in-process pub-sub hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	logRing *ring
	txRing  *ring
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		logRing:     newRing(LogRingSize),
		txRing:      newRing(TransmissionRingSize),
	}
}

// Subscribe registers a subscriber on a topic and returns a channel and
// cancel function. Admin subscriptions receive public events too.
func (b *Bus) Subscribe(topic string, filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, topic: topic, filter: filter}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish marshals payload and fans the event out. Slow subscribers are
// dropped rather than blocking the publisher.
func (b *Bus) Publish(eventType, topic, agentID string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}

	seq := b.seq.Add(1)
	event := Event{
		ID:        fmt.Sprintf("%d-%d", time.Now().UnixMilli(), seq),
		Type:      eventType,
		Topic:     topic,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		AgentID:   agentID,
		Data:      data,
	}

	switch eventType {
	case TypeLog:
		b.logRing.add(event)
	case TypeTransmissionComplete:
		b.txRing.add(event)
	}

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if !visible(event, sub.topic) {
			continue
		}
		if !matchesFilter(event, sub.filter) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow
		}
	}
	b.mu.RUnlock()

	return event
}

// visible reports whether an event on its topic reaches a subscriber on
// subTopic. Public subscribers never see admin events.
func visible(e Event, subTopic string) bool {
	if subTopic == TopicAdmin {
		return true
	}
	return e.Topic == TopicPublic
}

func matchesFilter(e Event, f Filter) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if strings.TrimSpace(t) == e.Type {
			return true
		}
	}
	return false
}

// Published returns the number of events published since start. The
// metrics collector reads it at scrape time.
func (b *Bus) Published() uint64 { return b.seq.Load() }

// RecentLogs returns buffered log events, oldest first.
func (b *Bus) RecentLogs() []Event { return b.logRing.snapshot() }

// RecentTransmissions returns buffered transmission events, oldest first.
func (b *Bus) RecentTransmissions(publicOnly bool) []Event {
	events := b.txRing.snapshot()
	if !publicOnly {
		return events
	}
	out := events[:0:0]
	for _, e := range events {
		if e.Topic == TopicPublic {
			out = append(out, e)
		}
	}
	return out
}

// ── ring ──

type ring struct {
	mu   sync.RWMutex
	buf  []Event
	head int
	size int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size), size: size}
}

func (r *ring) add(e Event) {
	r.mu.Lock()
	r.buf[r.head] = e
	r.head = (r.head + 1) % r.size
	r.mu.Unlock()
}

func (r *ring) snapshot() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var events []Event
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % r.size
		if r.buf[idx].ID == "" {
			continue
		}
		events = append(events, r.buf[idx])
	}
	return events
}
