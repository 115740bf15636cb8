package broker

import (
	"log/slog"
	"sync"
	"time"

	"turnguard/internal/model"
)

type MessageKind string

const (
	KindSnapshot   MessageKind = "snapshot"
	KindEvent      MessageKind = "event"
	KindTransition MessageKind = "transition"
	KindAlert      MessageKind = "alert"
	KindCommand    MessageKind = "command"
	KindGap        MessageKind = "gap"
)

type Snapshot struct {
	Devices    []model.Device `json:"devices"`
	OpenAlerts []model.Alert  `json:"open_alerts"`
	TakenAt    time.Time      `json:"taken_at"`
}

type Message struct {
	Kind       MessageKind             `json:"kind"`
	At         time.Time               `json:"at"`
	Snapshot   *Snapshot               `json:"snapshot,omitempty"`
	Event      *model.AccessEvent      `json:"event,omitempty"`
	Transition *model.HealthTransition `json:"transition,omitempty"`
	Alert      *model.Alert            `json:"alert,omitempty"`
	Command    *model.Command          `json:"command,omitempty"`
}

// Filter restricts what a subscriber receives. Snapshot and gap markers
// are always delivered.
type Filter struct {
	DeviceID string
	Kinds    map[MessageKind]bool
}

func (f Filter) admits(m Message) bool {
	if m.Kind == KindSnapshot || m.Kind == KindGap {
		return true
	}
	if len(f.Kinds) > 0 && !f.Kinds[m.Kind] {
		return false
	}
	if f.DeviceID == "" {
		return true
	}
	switch {
	case m.Event != nil:
		return m.Event.DeviceID == f.DeviceID
	case m.Transition != nil:
		return m.Transition.DeviceID == f.DeviceID
	case m.Alert != nil:
		return m.Alert.DeviceID == f.DeviceID
	case m.Command != nil:
		return m.Command.DeviceID == f.DeviceID
	}
	return true
}

type Subscriber struct {
	ch     chan Message
	filter Filter
	mu     sync.Mutex
	gapped bool
	closed bool
}

func (s *Subscriber) C() <-chan Message { return s.ch }

// Gapped reports whether messages were dropped for this subscriber since
// the last snapshot.
func (s *Subscriber) Gapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gapped
}

func (s *Subscriber) deliver(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.filter.admits(m) {
		return
	}
	if s.gapped {
		// Already behind; everything until the resnapshot is lost anyway.
		return
	}
	select {
	case s.ch <- m:
		return
	default:
	}
	// This subscriber is behind. Shed its oldest buffered message, queue
	// a gap marker and stop buffering until the client re-snapshots.
	// Other subscribers and the publisher are unaffected.
	s.gapped = true
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- Message{Kind: KindGap, At: time.Now().UTC()}:
	default:
	}
}

// Broker fans events, health transitions, alerts and command updates out
// to dashboard subscribers. New subscribers always receive a snapshot
// before any live message.
type Broker struct {
	mu         sync.Mutex
	subs       map[*Subscriber]struct{}
	bufferSize int
	snapshotFn func() Snapshot
	logger     *slog.Logger
}

func New(bufferSize int, snapshotFn func() Snapshot, logger *slog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Broker{
		subs:       make(map[*Subscriber]struct{}),
		bufferSize: bufferSize,
		snapshotFn: snapshotFn,
		logger:     logger,
	}
}

func (b *Broker) Subscribe(f Filter) *Subscriber {
	sub := &Subscriber{
		ch:     make(chan Message, b.bufferSize),
		filter: f,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.ch <- b.snapshotMessage()
	b.subs[sub] = struct{}{}
	return sub
}

// Resnapshot resets a gapped subscriber: the buffer is drained and a
// fresh snapshot queued, after which the live stream resumes.
func (b *Broker) Resnapshot(sub *Subscriber) {
	b.mu.Lock()
	snap := b.snapshotMessage()
	b.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	for {
		select {
		case <-sub.ch:
			continue
		default:
		}
		break
	}
	sub.gapped = false
	sub.ch <- snap
}

func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

func (b *Broker) snapshotMessage() Message {
	var snap Snapshot
	if b.snapshotFn != nil {
		snap = b.snapshotFn()
	}
	snap.TakenAt = time.Now().UTC()
	return Message{Kind: KindSnapshot, At: snap.TakenAt, Snapshot: &snap}
}

func (b *Broker) publish(m Message) {
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(m)
	}
}

func (b *Broker) PublishEvent(ev model.AccessEvent) {
	b.publish(Message{Kind: KindEvent, At: ev.Timestamp, Event: &ev})
}

func (b *Broker) PublishTransition(tr model.HealthTransition) {
	b.publish(Message{Kind: KindTransition, At: tr.At, Transition: &tr})
}

func (b *Broker) PublishAlert(a model.Alert) {
	b.publish(Message{Kind: KindAlert, Alert: &a})
}

func (b *Broker) PublishCommand(c model.Command) {
	b.publish(Message{Kind: KindCommand, Command: &c})
}

func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
