package game

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEventBusDeliversInPublishOrder(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t))

	var (
		mu  sync.Mutex
		got []uint64
	)
	bus.Subscribe(func(evt Event) {
		mu.Lock()
		got = append(got, evt.Seq)
		mu.Unlock()
	})

	for i := 1; i <= 100; i++ {
		bus.Publish(Event{GameID: "g1", Seq: uint64(i), Type: EventAwayToggled})
	}
	bus.Close()
	<-bus.Done()

	require.Len(t, got, 100)
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestEventBusTypedSubscription(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t))

	var turns, all int
	bus.SubscribeTyped(EventTurnAdvanced, func(Event) { turns++ })
	bus.Subscribe(func(Event) { all++ })

	bus.Publish(Event{Type: EventTurnAdvanced})
	bus.Publish(Event{Type: EventMemberJoined})
	bus.Close()
	<-bus.Done()

	assert.Equal(t, 1, turns)
	assert.Equal(t, 2, all)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t))

	calls := make(chan Event, 4)
	handle := bus.Subscribe(func(evt Event) { calls <- evt })
	bus.Publish(Event{Seq: 1})
	require.Eventually(t, func() bool { return len(calls) == 1 }, time.Second, time.Millisecond)

	bus.Unsubscribe(handle)
	bus.Publish(Event{Seq: 2})
	bus.Close()
	<-bus.Done()

	assert.Len(t, calls, 1)
	assert.Equal(t, -1, bus.Subscribe(nil))
}

func TestEventBusSurvivesPanickingListener(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t))

	var delivered int
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered++ })

	bus.Publish(Event{Seq: 1})
	bus.Publish(Event{Seq: 2})
	bus.Close()
	<-bus.Done()

	assert.Equal(t, 2, delivered)
}

func TestEventBusDropsAfterClose(t *testing.T) {
	bus := NewEventBus(nil)

	var delivered int
	bus.Subscribe(func(Event) { delivered++ })
	bus.Close()
	bus.Publish(Event{Seq: 1})
	<-bus.Done()

	assert.Zero(t, delivered)
}

func TestMembershipChange(t *testing.T) {
	assert.True(t, Event{Type: EventMemberJoined}.MembershipChange())
	assert.True(t, Event{Type: EventSessionFinished}.MembershipChange())
	assert.False(t, Event{Type: EventTurnAdvanced}.MembershipChange())
	assert.False(t, Event{Type: EventReadyToggled}.MembershipChange())
}
