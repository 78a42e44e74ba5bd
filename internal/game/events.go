package game

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType indicates the category of a game event.
type EventType string

const (
	EventSessionCreated  EventType = "SessionCreated"
	EventMemberJoined    EventType = "MemberJoined"
	EventMemberLeft      EventType = "MemberLeft"
	EventReadyToggled    EventType = "ReadyToggled"
	EventStateChanged    EventType = "StateChanged"
	EventTurnAdvanced    EventType = "TurnAdvanced"
	EventActionPerformed EventType = "ActionPerformed"
	EventAwayToggled     EventType = "AwayToggled"
	EventSessionFinished EventType = "SessionFinished"
)

// Event is an immutable record of one accepted change to a game. Seq is
// strictly increasing per game.
type Event struct {
	GameID   string         `json:"gameId"`
	Seq      uint64         `json:"seq"`
	Type     EventType      `json:"type"`
	PlayerID string         `json:"playerId,omitempty"`
	At       time.Time      `json:"at"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// MembershipChange reports whether the event alters what the lobby listing
// shows.
func (e Event) MembershipChange() bool {
	switch e.Type {
	case EventSessionCreated, EventMemberJoined, EventMemberLeft,
		EventStateChanged, EventSessionFinished:
		return true
	}
	return false
}

// Listener defines a callback that reacts to game events.
type Listener func(Event)

type typedListener struct {
	eventType EventType
	callback  Listener
}

// EventBus queues the events of a single game and delivers them, in publish
// order, from one drain goroutine. Publish never blocks on listeners.
type EventBus struct {
	mu         sync.Mutex
	listeners  map[int]typedListener
	nextHandle int
	pending    []Event
	closed     bool
	wake       chan struct{}
	done       chan struct{}
	logger     *zap.Logger
}

// NewEventBus constructs a bus and starts its drain goroutine.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := &EventBus{
		listeners: make(map[int]typedListener),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger:    logger,
	}
	go bus.run()
	return bus
}

// Subscribe registers a listener for all events and returns a handle.
func (bus *EventBus) Subscribe(listener Listener) int {
	return bus.SubscribeTyped("", listener)
}

// SubscribeTyped registers a listener for one event type. An empty type
// matches every event.
func (bus *EventBus) SubscribeTyped(eventType EventType, listener Listener) int {
	if listener == nil {
		return -1
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	handle := bus.nextHandle
	bus.nextHandle++
	bus.listeners[handle] = typedListener{eventType: eventType, callback: listener}
	return handle
}

// Unsubscribe removes the listener identified by the provided handle.
func (bus *EventBus) Unsubscribe(handle int) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	delete(bus.listeners, handle)
}

// Publish enqueues the event. Events published after Close are dropped.
func (bus *EventBus) Publish(event Event) {
	bus.mu.Lock()
	if bus.closed {
		bus.mu.Unlock()
		bus.logger.Debug("event published on closed bus",
			zap.String("game_id", event.GameID),
			zap.String("type", string(event.Type)),
		)
		return
	}
	bus.pending = append(bus.pending, event)
	bus.mu.Unlock()
	bus.signal()
}

// Close stops the bus once every queued event has been delivered.
func (bus *EventBus) Close() {
	bus.mu.Lock()
	bus.closed = true
	bus.mu.Unlock()
	bus.signal()
}

// Done is closed after the drain goroutine exits.
func (bus *EventBus) Done() <-chan struct{} {
	return bus.done
}

func (bus *EventBus) signal() {
	select {
	case bus.wake <- struct{}{}:
	default:
	}
}

func (bus *EventBus) run() {
	defer close(bus.done)
	for {
		bus.mu.Lock()
		batch := bus.pending
		bus.pending = nil
		closed := bus.closed
		listeners := bus.snapshotLocked()
		bus.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-bus.wake
			continue
		}

		for _, evt := range batch {
			for _, l := range listeners {
				if l.eventType != "" && l.eventType != evt.Type {
					continue
				}
				bus.deliver(l.callback, evt)
			}
		}
	}
}

func (bus *EventBus) deliver(listener Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			bus.logger.Error("event listener panicked",
				zap.String("game_id", evt.GameID),
				zap.Uint64("seq", evt.Seq),
				zap.Any("panic", r),
			)
		}
	}()
	listener(evt)
}

// snapshotLocked returns listeners in subscription order.
func (bus *EventBus) snapshotLocked() []typedListener {
	handles := make([]int, 0, len(bus.listeners))
	for h := range bus.listeners {
		handles = append(handles, h)
	}
	sort.Ints(handles)
	out := make([]typedListener, len(handles))
	for i, h := range handles {
		out[i] = bus.listeners[h]
	}
	return out
}
