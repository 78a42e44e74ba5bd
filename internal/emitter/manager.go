// Package emitter maintains long-lived one-way push channels to clients. Each
// emitter is subscribed to one topic, has its own bounded queue and writer
// goroutine, is kept alive by re-sending its last payload, and is closed when
// idle, when a send fails, or on request.
package emitter

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/clock"
)

// ErrEmitterNotFound is returned for ids that are unknown or already closed.
var ErrEmitterNotFound = errors.New("emitter not found")

// ErrManagerStopped is returned by Open after Stop.
var ErrManagerStopped = errors.New("emitter manager stopped")

// Options configure emitter upkeep.
type Options struct {
	KeepAlive     time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	QueueSize     int
	WriteTimeout  time.Duration
}

// DefaultOptions returns the upkeep settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		KeepAlive:     15 * time.Second,
		IdleTimeout:   60 * time.Second,
		SweepInterval: 30 * time.Second,
		QueueSize:     64,
		WriteTimeout:  10 * time.Second,
	}
}

// Prime produces the first payload for a new emitter and the sequence number
// it already covers. It runs while publishes to the topic are held off, so no
// message is lost or reordered between the two.
type Prime func() (payload []byte, seq uint64, err error)

type topicSubs struct {
	mu   sync.Mutex
	subs map[string]*Emitter
	dead bool
}

// Manager owns every open emitter and the topic dispatch table.
type Manager struct {
	emitters cmap.ConcurrentMap[string, *Emitter]
	topics   cmap.ConcurrentMap[string, *topicSubs]

	clock  clock.Clock
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	onClose []func(*Emitter)
	sweep   clock.Timer
	stopped bool
}

// NewManager creates an emitter manager.
func NewManager(clk clock.Clock, opts Options, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = def.KeepAlive
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	return &Manager{
		emitters: cmap.New[*Emitter](),
		topics:   cmap.New[*topicSubs](),
		clock:    clk,
		opts:     opts,
		logger:   logger,
	}
}

// OnClose registers a hook that runs after an emitter has been closed.
func (m *Manager) OnClose(fn func(*Emitter)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = append(m.onClose, fn)
}

// Open creates an emitter on topic backed by sender. When prime is set its
// payload is the first message the emitter sends, and published messages
// whose sequence number it already covers are skipped.
func (m *Manager) Open(topic Topic, playerID string, sender Sender, prime Prime) (*Emitter, error) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return nil, ErrManagerStopped
	}

	now := m.clock.Now()
	e := &Emitter{
		id:           uuid.NewString(),
		playerID:     playerID,
		topic:        topic,
		sender:       sender,
		queue:        make(chan []byte, m.opts.QueueSize),
		mgr:          m,
		lastActivity: now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	m.emitters.Set(e.id, e)
	if err := m.subscribe(e, prime); err != nil {
		m.emitters.Remove(e.id)
		return nil, err
	}

	e.mu.Lock()
	e.keepAlive = m.clock.AfterFunc(m.opts.KeepAlive, e.refresh)
	e.idleCheck = m.clock.AfterFunc(m.opts.IdleTimeout, e.checkIdle)
	e.mu.Unlock()

	go e.writeLoop()

	m.logger.Debug("emitter opened",
		zap.String("emitter_id", e.id),
		zap.Stringer("topic", topic),
		zap.String("player_id", playerID),
	)
	return e, nil
}

func (m *Manager) subscribe(e *Emitter, prime Prime) error {
	key := e.topic.String()
	for {
		m.topics.SetIfAbsent(key, &topicSubs{subs: make(map[string]*Emitter)})
		subs, ok := m.topics.Get(key)
		if !ok {
			continue
		}

		subs.mu.Lock()
		if subs.dead {
			subs.mu.Unlock()
			continue
		}
		if closed, _ := e.Closed(); closed {
			subs.mu.Unlock()
			return ErrEmitterNotFound
		}
		if prime != nil {
			payload, seq, err := prime()
			if err != nil {
				subs.mu.Unlock()
				m.dropIfEmpty(key, subs)
				return err
			}
			e.floor = seq
			if payload != nil {
				e.queue <- payload
				e.last = payload
			}
		}
		subs.subs[e.id] = e
		subs.mu.Unlock()
		return nil
	}
}

// Publish delivers payload to every emitter on topic. It returns the number
// of emitters that accepted it. Publishing to a topic with no subscribers is
// a no-op.
func (m *Manager) Publish(topic Topic, payload []byte) int {
	return m.PublishSeq(topic, 0, payload)
}

// PublishSeq is Publish for payloads carrying a per-topic sequence number.
// Emitters primed past seq skip the payload.
func (m *Manager) PublishSeq(topic Topic, seq uint64, payload []byte) int {
	subs, ok := m.topics.Get(topic.String())
	if !ok {
		return 0
	}

	var (
		delivered  int
		overflowed []*Emitter
	)
	subs.mu.Lock()
	for _, e := range subs.subs {
		accepted, overflow := e.enqueue(payload, seq)
		if accepted {
			delivered++
		}
		if overflow {
			overflowed = append(overflowed, e)
		}
	}
	subs.mu.Unlock()

	for _, e := range overflowed {
		m.logger.Warn("emitter queue full",
			zap.String("emitter_id", e.id),
			zap.Stringer("topic", topic),
		)
		m.closeEmitter(e, ReasonOverflow)
	}
	return delivered
}

// SendTo queues payload on a single emitter.
func (m *Manager) SendTo(emitterID string, payload []byte) error {
	e, ok := m.emitters.Get(emitterID)
	if !ok {
		return ErrEmitterNotFound
	}
	accepted, overflow := e.enqueue(payload, 0)
	if overflow {
		m.closeEmitter(e, ReasonOverflow)
	}
	if !accepted {
		return ErrEmitterNotFound
	}
	return nil
}

// Get returns an open emitter.
func (m *Manager) Get(emitterID string) (*Emitter, error) {
	e, ok := m.emitters.Get(emitterID)
	if !ok {
		return nil, ErrEmitterNotFound
	}
	return e, nil
}

// Touch records inbound activity on an emitter, such as a WebSocket pong.
func (m *Manager) Touch(emitterID string) error {
	e, ok := m.emitters.Get(emitterID)
	if !ok {
		return ErrEmitterNotFound
	}
	e.Touch()
	return nil
}

// Close closes the emitter with the given id. Closing an unknown or already
// closed emitter returns ErrEmitterNotFound and has no other effect.
func (m *Manager) Close(emitterID string) error {
	e, ok := m.emitters.Get(emitterID)
	if !ok {
		return ErrEmitterNotFound
	}
	m.closeEmitter(e, ReasonExplicit)
	return nil
}

// CloseTopic closes every emitter on topic and returns how many it closed.
// With ReasonTopicGone each emitter first sends what it has already queued.
func (m *Manager) CloseTopic(topic Topic, reason string) int {
	subs, ok := m.topics.Get(topic.String())
	if !ok {
		return 0
	}
	subs.mu.Lock()
	open := make([]*Emitter, 0, len(subs.subs))
	for _, e := range subs.subs {
		open = append(open, e)
	}
	subs.mu.Unlock()

	for _, e := range open {
		m.closeEmitter(e, reason)
	}
	return len(open)
}

// Count returns the number of open emitters.
func (m *Manager) Count() int {
	return m.emitters.Count()
}

// Subscribers returns the number of open emitters on topic.
func (m *Manager) Subscribers(topic Topic) int {
	subs, ok := m.topics.Get(topic.String())
	if !ok {
		return 0
	}
	subs.mu.Lock()
	defer subs.mu.Unlock()
	return len(subs.subs)
}

// HasPlayer reports whether playerID has an open emitter on topic.
func (m *Manager) HasPlayer(topic Topic, playerID string) bool {
	subs, ok := m.topics.Get(topic.String())
	if !ok {
		return false
	}
	subs.mu.Lock()
	defer subs.mu.Unlock()
	for _, e := range subs.subs {
		if e.playerID == playerID {
			return true
		}
	}
	return false
}

// Sweep closes every emitter that has been idle for at least the idle
// timeout and returns how many it closed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	var idle []*Emitter
	for item := range m.emitters.IterBuffered() {
		if item.Val.idleSince(now) {
			idle = append(idle, item.Val)
		}
	}
	for _, e := range idle {
		m.closeEmitter(e, ReasonIdle)
	}
	if len(idle) > 0 {
		m.logger.Info("idle emitters swept", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Start runs the periodic idle sweep until Stop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.sweep != nil {
		return
	}
	m.sweep = m.clock.AfterFunc(m.opts.SweepInterval, m.runSweep)
}

func (m *Manager) runSweep() {
	m.Sweep()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.sweep = m.clock.AfterFunc(m.opts.SweepInterval, m.runSweep)
}

// Stop halts the sweep and closes every emitter.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.sweep != nil {
		m.sweep.Stop()
		m.sweep = nil
	}
	m.mu.Unlock()

	for item := range m.emitters.IterBuffered() {
		m.closeEmitter(item.Val, ReasonShutdown)
	}
}

func (m *Manager) closeEmitter(e *Emitter, reason string) {
	if !e.markClosed(reason) {
		return
	}

	m.emitters.Remove(e.id)
	key := e.topic.String()
	if subs, ok := m.topics.Get(key); ok {
		subs.mu.Lock()
		delete(subs.subs, e.id)
		subs.mu.Unlock()
		m.dropIfEmpty(key, subs)
	}

	if reason == ReasonTopicGone {
		go func() {
			<-e.done
			m.closeSender(e)
		}()
	} else {
		m.closeSender(e)
	}

	m.logger.Debug("emitter closed",
		zap.String("emitter_id", e.id),
		zap.Stringer("topic", e.topic),
		zap.String("reason", reason),
	)

	m.mu.Lock()
	hooks := append([]func(*Emitter){}, m.onClose...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(e)
	}
}

func (m *Manager) closeSender(e *Emitter) {
	if err := e.sender.Close(); err != nil {
		m.logger.Debug("emitter transport close failed",
			zap.String("emitter_id", e.id),
			zap.Error(err),
		)
	}
}

// dropIfEmpty removes the topic entry when it has no subscribers left.
func (m *Manager) dropIfEmpty(key string, subs *topicSubs) {
	m.topics.RemoveCb(key, func(_ string, cur *topicSubs, exists bool) bool {
		if !exists || cur != subs {
			return false
		}
		cur.mu.Lock()
		defer cur.mu.Unlock()
		if len(cur.subs) > 0 {
			return false
		}
		cur.dead = true
		return true
	})
}
