// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/makerflow/makerflow/internal/logger"
)

var (
	dispatchLog     *zerolog.Logger
	dispatchLogOnce sync.Once
)

func getDispatchLog() *zerolog.Logger {
	dispatchLogOnce.Do(func() {
		l := logger.GetEngineLogger()
		dispatchLog = &l
	})
	return dispatchLog
}

// Dispatcher fans events out to subscribers over bounded channels. Publish
// never blocks the caller: when a subscriber's buffer is full the event is
// dropped for that subscriber and counted, so a slow consumer cannot stall
// the engine's commit path.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	bufSize int
	closed  bool
	dropped atomic.Uint64
}

// NewDispatcher creates a dispatcher whose subscriber channels hold up to
// bufSize events.
func NewDispatcher(bufSize int) *Dispatcher {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Dispatcher{
		subs:    make(map[int]chan Event),
		bufSize: bufSize,
	}
}

// Subscribe registers a new consumer. The returned cancel function removes
// the subscription and closes its channel.
func (d *Dispatcher) Subscribe() (<-chan Event, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	ch := make(chan Event, d.bufSize)
	if d.closed {
		close(ch)
		return ch, func() {}
	}
	d.subs[id] = ch

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if sub, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer space.
func (d *Dispatcher) Publish(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, ch := range d.subs {
		select {
		case ch <- event:
		default:
			d.dropped.Add(1)
			getDispatchLog().Warn().
				Str("execution_id", event.GetMetadata().ExecutionID).
				Msg("event dropped, subscriber buffer full")
		}
	}
}

// Dropped returns the number of events dropped due to full buffers.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close removes all subscribers and closes their channels. Publish after
// Close is a no-op.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
}
