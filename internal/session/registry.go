package session

import (
	"context"
	"sync"
	"time"
)

// Registry tracks live connections by id. It is the only structure shared
// between connections.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*entry
	wg    sync.WaitGroup
}

type entry struct {
	conn *Connection
	once sync.Once
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*entry)}
}

// Register adds c and returns the function that removes it. A connection
// registered under an existing id replaces the old entry.
func (r *Registry) Register(c *Connection) (unregister func()) {
	if r == nil {
		return func() {}
	}
	e := &entry{conn: c}

	r.mu.Lock()
	old := r.conns[c.ID()]
	r.conns[c.ID()] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(c.ID(), old)
	}
	return func() { r.unregister(c.ID(), e) }
}

func (r *Registry) unregister(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.conns[id] == e {
			delete(r.conns, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Get(id string) (*Connection, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.conn)
	}
	return out
}

// Stats aggregates the registered connections.
type Stats struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
	// Tentative counts connected transports whose ICE check has not settled.
	Tentative     int   `json:"tentative"`
	CapturedBytes int64 `json:"capturedBytes"`
}

func (r *Registry) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	conns := r.snapshot()
	st := Stats{Connections: len(conns)}
	for _, c := range conns {
		info := c.Info()
		if info.Session {
			st.Sessions++
		}
		if info.Tentative {
			st.Tentative++
		}
		st.CapturedBytes += info.CapturedBytes
	}
	return st
}

// CancelAll closes every registered connection.
func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}
	for _, c := range r.snapshot() {
		c.Close()
		canceled++
	}
	return canceled
}

// ReapIdle closes connections with no inbound activity for maxIdle.
func (r *Registry) ReapIdle(maxIdle time.Duration) (reaped int) {
	if r == nil || maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)
	for _, c := range r.snapshot() {
		if c.LastActivity().Before(cutoff) {
			c.log.Info("closing idle connection", "idle_for", time.Since(c.LastActivity()).String())
			c.Close()
			reaped++
		}
	}
	return reaped
}

// Wait blocks until every registered connection has unregistered or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
