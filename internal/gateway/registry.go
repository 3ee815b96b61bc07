package gateway

import (
	"sync"
	"time"

	"wattgate/internal/logs"
)

// Conn is the write side of one device's duplex channel.
type Conn interface {
	// Send writes one JSON message; false means the transport is gone.
	Send(v any) bool
	// Ping sends a liveness probe.
	Ping() bool
	Close()
}

type entry struct {
	conn  Conn
	alive bool // liveness ack observed since the previous sweep
}

// Registry maps deviceID -> open channel. All state is in-memory; a restart
// loses connections but not device history. Every failure degrades to "not
// delivered", never to an error.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*entry

	done     chan struct{}
	stopOnce sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		done:  make(chan struct{}),
	}
}

// Register replaces any prior channel for the id (last-writer-wins; a
// reconnecting device supersedes its stale entry).
func (r *Registry) Register(deviceID string, c Conn) {
	r.mu.Lock()
	prev := r.conns[deviceID]
	r.conns[deviceID] = &entry{conn: c, alive: true}
	r.mu.Unlock()

	if prev != nil {
		prev.conn.Close()
	}
	logs.Logger.WithField("device", deviceID).Info("device channel registered")
}

// Evict removes the mapping and closes the channel.
func (r *Registry) Evict(deviceID string) {
	r.mu.Lock()
	e := r.conns[deviceID]
	delete(r.conns, deviceID)
	r.mu.Unlock()

	if e != nil {
		e.conn.Close()
	}
}

// EvictConn evicts only if c is still the current channel, so a closing
// superseded connection cannot knock out its replacement.
func (r *Registry) EvictConn(deviceID string, c Conn) {
	r.mu.Lock()
	e, ok := r.conns[deviceID]
	if ok && e.conn == c {
		delete(r.conns, deviceID)
	} else {
		e = nil
	}
	r.mu.Unlock()

	if e != nil {
		e.conn.Close()
	}
}

// Send pushes one message to the device. Returns false without blocking when
// the device has no open channel or the write fails.
func (r *Registry) Send(deviceID string, msg any) bool {
	r.mu.Lock()
	e, ok := r.conns[deviceID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if !e.conn.Send(msg) {
		r.EvictConn(deviceID, e.conn)
		return false
	}
	return true
}

// MarkAlive records a liveness ack (websocket pong) for the device.
func (r *Registry) MarkAlive(deviceID string) {
	r.mu.Lock()
	if e, ok := r.conns[deviceID]; ok {
		e.alive = true
	}
	r.mu.Unlock()
}

// Connected reports whether the device holds an open channel right now.
func (r *Registry) Connected(deviceID string) bool {
	r.mu.Lock()
	_, ok := r.conns[deviceID]
	r.mu.Unlock()
	return ok
}

// Deliver satisfies the command dispatcher's push-capable delivery target.
func (r *Registry) Deliver(deviceID string, relay int, state bool) bool {
	return r.Send(deviceID, CommandMessage{Type: "command", Relay: relay, State: state})
}

// StartSweep runs the liveness sweep until Close. A channel that missed its
// ack since the previous sweep is closed and evicted; staleness is therefore
// bounded by two intervals.
func (r *Registry) StartSweep(interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-t.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	r.mu.Lock()
	stale := make(map[string]Conn)
	probe := make(map[string]Conn)
	for id, e := range r.conns {
		if !e.alive {
			stale[id] = e.conn
			delete(r.conns, id)
			continue
		}
		e.alive = false
		probe[id] = e.conn
	}
	r.mu.Unlock()

	for id, c := range stale {
		logs.Logger.WithField("device", id).Warn("device channel stale, evicting")
		c.Close()
	}
	for id, c := range probe {
		if !c.Ping() {
			r.EvictConn(id, c)
		}
	}
}

// Close stops the sweep and drops every channel.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for id, e := range r.conns {
		conns = append(conns, e.conn)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
