package emitter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/clock"
)

// Sender is the transport behind an emitter. Send delivers one complete
// payload and is only called from the emitter's writer goroutine. Close
// releases the connection; it may run concurrently with Send and must
// unblock it.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Close reasons.
const (
	ReasonExplicit   = "explicit"
	ReasonIdle       = "idle"
	ReasonSendFailed = "send_failed"
	ReasonOverflow   = "overflow"
	ReasonShutdown   = "shutdown"
	ReasonTopicGone  = "topic_gone"
)

// Emitter is one open push channel for one client on one topic. It moves from
// open to closed exactly once.
type Emitter struct {
	id       string
	playerID string
	topic    Topic
	floor    uint64

	sender Sender
	queue  chan []byte
	mgr    *Manager

	mu           sync.Mutex
	last         []byte
	lastSentAt   time.Time
	lastActivity time.Time
	closed       bool
	reason       string
	keepAlive    clock.Timer
	idleCheck    clock.Timer

	stop chan struct{}
	done chan struct{}
}

// ID returns the emitter id.
func (e *Emitter) ID() string { return e.id }

// PlayerID returns the owning player, empty for anonymous lobby watchers.
func (e *Emitter) PlayerID() string { return e.playerID }

// Topic returns the subscribed topic.
func (e *Emitter) Topic() Topic { return e.topic }

// Done is closed once the writer goroutine has exited.
func (e *Emitter) Done() <-chan struct{} { return e.done }

// Closed reports whether the emitter has been closed, and why.
func (e *Emitter) Closed() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed, e.reason
}

// LastSentAt returns the time of the last successful send.
func (e *Emitter) LastSentAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSentAt
}

// Touch records inbound client activity.
func (e *Emitter) Touch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.lastActivity = e.mgr.clock.Now()
	}
}

// Close tears the emitter down. It is idempotent.
func (e *Emitter) Close() {
	e.mgr.closeEmitter(e, ReasonExplicit)
}

// enqueue hands payload to the writer without blocking. It reports false when
// the emitter is closed or its queue is full.
func (e *Emitter) enqueue(payload []byte, seq uint64) (accepted bool, overflow bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, false
	}
	if seq != 0 && seq <= e.floor {
		return false, false
	}
	select {
	case e.queue <- payload:
		e.last = payload
		if seq != 0 {
			e.floor = seq
		}
		return true, false
	default:
		return false, true
	}
}

func (e *Emitter) writeLoop() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case payload, ok := <-e.queue:
			if !ok {
				return
			}
			if err := e.send(payload); err != nil {
				e.mgr.logger.Warn("emitter send failed",
					zap.String("emitter_id", e.id),
					zap.Stringer("topic", e.topic),
					zap.Error(err),
				)
				e.mgr.closeEmitter(e, ReasonSendFailed)
				return
			}
		}
	}
}

func (e *Emitter) send(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.mgr.opts.WriteTimeout)
	defer cancel()
	if err := e.sender.Send(ctx, payload); err != nil {
		return err
	}

	now := e.mgr.clock.Now()
	e.mu.Lock()
	e.lastSentAt = now
	e.lastActivity = now
	e.mu.Unlock()
	return nil
}

// refresh re-sends the most recent payload so that a quiet channel stays
// alive. Nothing is sent before the first payload.
func (e *Emitter) refresh() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	last := e.last
	e.keepAlive = e.mgr.clock.AfterFunc(e.mgr.opts.KeepAlive, e.refresh)
	e.mu.Unlock()

	if last == nil {
		return
	}
	if _, overflow := e.enqueue(last, 0); overflow {
		e.mgr.closeEmitter(e, ReasonOverflow)
	}
}

// checkIdle closes the emitter once it has been inactive for the idle
// timeout, otherwise it re-arms for the remaining time.
func (e *Emitter) checkIdle() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	remaining := e.lastActivity.Add(e.mgr.opts.IdleTimeout).Sub(e.mgr.clock.Now())
	if remaining > 0 {
		e.idleCheck = e.mgr.clock.AfterFunc(remaining, e.checkIdle)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.mgr.closeEmitter(e, ReasonIdle)
}

func (e *Emitter) idleSince(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && now.Sub(e.lastActivity) >= e.mgr.opts.IdleTimeout
}

// markClosed flips the emitter to closed and reports whether this call did
// it. A topic_gone close lets the writer drain what is already queued.
func (e *Emitter) markClosed(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	e.reason = reason
	if e.keepAlive != nil {
		e.keepAlive.Stop()
	}
	if e.idleCheck != nil {
		e.idleCheck.Stop()
	}
	if reason == ReasonTopicGone {
		close(e.queue)
	} else {
		close(e.stop)
	}
	return true
}
