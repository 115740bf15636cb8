package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"turnguard/internal/model"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Devices:    []model.Device{{ID: "t-1", Class: model.ClassTurnstile, Status: model.StatusOnline}},
		OpenAlerts: []model.Alert{},
	}
}

func testBroker(buffer int) *Broker {
	return New(buffer, testSnapshot, nil)
}

func recv(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case m := <-sub.C():
		return m
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
		return Message{}
	}
}

func event(deviceID string, seq uint64) model.AccessEvent {
	return model.AccessEvent{DeviceID: deviceID, Seq: seq, Timestamp: time.Now().UTC(), Outcome: model.OutcomePermitted}
}

func TestSnapshotDeliveredFirst(t *testing.T) {
	b := testBroker(16)
	b.PublishEvent(event("t-1", 1))

	sub := b.Subscribe(Filter{})
	defer b.Unsubscribe(sub)

	first := recv(t, sub)
	require.Equal(t, KindSnapshot, first.Kind)
	require.NotNil(t, first.Snapshot)
	require.Len(t, first.Snapshot.Devices, 1)

	b.PublishEvent(event("t-1", 2))
	second := recv(t, sub)
	require.Equal(t, KindEvent, second.Kind)
	require.Equal(t, uint64(2), second.Event.Seq)
}

func TestFilterByDeviceAndKind(t *testing.T) {
	b := testBroker(16)
	sub := b.Subscribe(Filter{
		DeviceID: "t-1",
		Kinds:    map[MessageKind]bool{KindAlert: true},
	})
	defer b.Unsubscribe(sub)
	recv(t, sub) // snapshot

	b.PublishEvent(event("t-1", 1))
	b.PublishAlert(model.Alert{ID: "a-1", DeviceID: "t-2", Kind: model.AlertOffline})
	b.PublishAlert(model.Alert{ID: "a-2", DeviceID: "t-1", Kind: model.AlertOffline})

	m := recv(t, sub)
	require.Equal(t, KindAlert, m.Kind)
	require.Equal(t, "a-2", m.Alert.ID)
	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected extra message: %+v", extra)
	default:
	}
}

func TestSlowSubscriberGapsWithoutBlockingOthers(t *testing.T) {
	b := testBroker(4)
	slow := b.Subscribe(Filter{})
	fast := b.Subscribe(Filter{})
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)
	recv(t, fast) // snapshot

	// The slow subscriber never drains; its snapshot plus buffered events
	// overflow the 4-slot buffer. The fast subscriber keeps reading and
	// must see every event in order.
	for i := 1; i <= 10; i++ {
		b.PublishEvent(event("t-1", uint64(i)))
		m := recv(t, fast)
		require.Equal(t, KindEvent, m.Kind, "message %d", i)
		require.Equal(t, uint64(i), m.Event.Seq)
	}

	require.True(t, slow.Gapped())

	// The slow stream contains exactly one gap marker.
	gaps := 0
	drained := 0
	for drained < 4 {
		m := recv(t, slow)
		drained++
		if m.Kind == KindGap {
			gaps++
		}
	}
	require.Equal(t, 1, gaps)
}

func TestResnapshotRecoversGappedSubscriber(t *testing.T) {
	b := testBroker(2)
	sub := b.Subscribe(Filter{})
	defer b.Unsubscribe(sub)

	for i := 1; i <= 8; i++ {
		b.PublishEvent(event("t-1", uint64(i)))
	}
	require.True(t, sub.Gapped())

	b.Resnapshot(sub)
	require.False(t, sub.Gapped())

	m := recv(t, sub)
	require.Equal(t, KindSnapshot, m.Kind)

	b.PublishEvent(event("t-1", 9))
	m = recv(t, sub)
	require.Equal(t, KindEvent, m.Kind)
	require.Equal(t, uint64(9), m.Event.Seq)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := testBroker(8)
	sub := b.Subscribe(Filter{})
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	// Publishing after unsubscribe must not panic on the closed channel.
	b.PublishEvent(event("t-1", 1))

	_, open := <-sub.C()
	if open {
		// Snapshot queued before unsubscribe is fine; the channel must
		// still be closed behind it.
		for range sub.C() {
		}
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := testBroker(256)
	sub := b.Subscribe(Filter{})
	defer b.Unsubscribe(sub)
	recv(t, sub) // snapshot

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			b.PublishEvent(event(fmt.Sprintf("t-%d", i%3), uint64(i+1)))
		}
	}()
	seen := 0
	for seen < 50 {
		m := recv(t, sub)
		if m.Kind == KindEvent {
			seen++
		}
	}
	<-done
}
