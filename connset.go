package neo

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ConnectionSet is the live collection of Connections a Client currently
// maintains, one per registered node address (spec §3's node registry,
// runtime view). It owns nothing about how addresses were discovered —
// that is registry.go's job — only the Connections themselves.
type ConnectionSet struct {
	cfg    ConnConfig
	auth   func(addr string) Authenticator
	loop   *EventLoopContext
	stats  *Stats
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
	order []string // registration order, for round robin

	rrIdx atomic.Uint64
}

// NewConnectionSet builds an empty set. authFor, if non-nil, is consulted
// for each new node to obtain its Authenticator; pass nil to skip
// authentication entirely.
func NewConnectionSet(cfg ConnConfig, authFor func(addr string) Authenticator, loop *EventLoopContext, stats *Stats, logger *slog.Logger) *ConnectionSet {
	if loop == nil {
		loop = NewEventLoopContext()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionSet{
		cfg:    cfg,
		auth:   authFor,
		loop:   loop,
		stats:  stats,
		logger: logger,
		conns:  make(map[string]*Connection),
	}
}

// AddNode registers addr if not already present and starts its Connection.
// Idempotent: re-adding an already-registered address is a no-op.
func (s *ConnectionSet) AddNode(addr string) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[addr]; ok {
		return c
	}
	var auth Authenticator
	if s.auth != nil {
		auth = s.auth(addr)
	}
	c := NewConnection(addr, auth, s.cfg, s.loop, s.stats, s.logger)
	s.conns[addr] = c
	s.order = append(s.order, addr)
	s.stats.setRegistered(len(s.conns))
	return c
}

// RemoveNode stops and forgets addr's Connection, if present.
func (s *ConnectionSet) RemoveNode(addr string) {
	s.mu.Lock()
	c, ok := s.conns[addr]
	if ok {
		delete(s.conns, addr)
		for i, a := range s.order {
			if a == addr {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.stats.setRegistered(len(s.conns))
	s.mu.Unlock()
	if ok {
		c.Stop()
	}
}

// Get returns the Connection registered for addr, if any.
func (s *ConnectionSet) Get(addr string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[addr]
	return c, ok
}

// All returns a snapshot of every currently registered Connection, in
// registration order.
func (s *ConnectionSet) All() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.order))
	for _, a := range s.order {
		out = append(out, s.conns[a])
	}
	return out
}

// Next picks the next Connection in round-robin order (spec's RoundRobin
// request kind), advancing the cursor on every call regardless of outcome.
func (s *ConnectionSet) Next() (*Connection, error) {
	s.mu.Lock()
	n := len(s.order)
	if n == 0 {
		s.mu.Unlock()
		return nil, ErrNoNodesRegistered
	}
	i := s.rrIdx.Add(1) - 1
	addr := s.order[int(i%uint64(n))]
	c := s.conns[addr]
	s.mu.Unlock()
	return c, nil
}

// StopAll stops every registered Connection, e.g. during Client.Close.
func (s *ConnectionSet) StopAll() {
	for _, c := range s.All() {
		c.Stop()
	}
}

func (s *ConnectionSet) String() string {
	return fmt.Sprintf("ConnectionSet(%d nodes)", len(s.All()))
}
