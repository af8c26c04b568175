package neo

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// RequestKind selects how a logical request is addressed to the node
// registry (spec §3, §4.9).
type RequestKind uint8

const (
	// KindSingleNode addresses one caller-named node.
	KindSingleNode RequestKind = iota
	// KindRoundRobin addresses the next node in rotation.
	KindRoundRobin
	// KindMultiNode addresses a caller-named subset of nodes.
	KindMultiNode
	// KindAllNodes addresses every currently registered node.
	KindAllNodes
)

func (k RequestKind) String() string {
	switch k {
	case KindSingleNode:
		return "single-node"
	case KindRoundRobin:
		return "round-robin"
	case KindMultiNode:
		return "multi-node"
	case KindAllNodes:
		return "all-nodes"
	default:
		return "unknown"
	}
}

// Handler is the user-supplied per-RoC body: it drives one RoC's protocol
// exchange to completion using nextEvent/send/receive/yield, or any of
// their wrappers (spec §4.5's "Handler").
type Handler func(ctx context.Context, roc *RoC) error

// RequestRecord is the RequestSet's bookkeeping entry for one logical
// request, covering one RoC (SingleNode/RoundRobin) or several sharing one
// RequestId across distinct connections (MultiNode/AllNodes).
type RequestRecord struct {
	ID        RequestId
	Kind      RequestKind
	Addrs     []string
	StartedAt time.Time

	// Controller is non-nil only for a request started with
	// RunSuspendableAllNodesRequest, and lets a caller that only has the
	// RequestRecord (e.g. looked up later via RequestSet.Lookup) reach the
	// Suspend/Resume/Stop surface without holding onto the value
	// RunSuspendableAllNodesRequest returned (spec §4.6/§4.7's
	// RequestSet.getRequestController).
	Controller *SuspendableController

	mu   sync.Mutex
	errs []error
	done chan struct{}
}

// Wait blocks until every RoC belonging to this request has finished, then
// returns the first error encountered, if any (spec §4.9's
// all_finished_notifier).
func (r *RequestRecord) Wait(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.errs {
		if e != nil {
			return e
		}
	}
	return nil
}

func (r *RequestRecord) addErr(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

// RequestSet is the admission-bounded table of in-flight requests (spec
// §4.9): at most maxRequests logical requests may be outstanding at once,
// enforced with a weighted semaphore the way the teacher bounds concurrent
// commands with a buffered connSem channel (client.go).
type RequestSet struct {
	ids   requestIdAllocator
	sem   *semaphore.Weighted
	max   int64
	stats *Stats

	mu      sync.Mutex
	records map[RequestId]*RequestRecord
}

// NewRequestSet builds a RequestSet admitting at most maxRequests
// concurrent logical requests.
func NewRequestSet(maxRequests int, stats *Stats) *RequestSet {
	rs := &RequestSet{
		sem:     semaphore.NewWeighted(int64(maxRequests)),
		max:     int64(maxRequests),
		stats:   stats,
		records: make(map[RequestId]*RequestRecord),
	}
	stats.setMaxRequests(maxRequests)
	return rs
}

func (rs *RequestSet) register(rec *RequestRecord) {
	rs.mu.Lock()
	rs.records[rec.ID] = rec
	rs.stats.setActiveRequests(len(rs.records))
	rs.mu.Unlock()
}

func (rs *RequestSet) unregister(rec *RequestRecord) {
	rs.mu.Lock()
	delete(rs.records, rec.ID)
	rs.stats.setActiveRequests(len(rs.records))
	rs.mu.Unlock()
}

// Lookup returns the RequestRecord for id, if still in flight.
func (rs *RequestSet) Lookup(id RequestId) (*RequestRecord, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rec, ok := rs.records[id]
	return rec, ok
}

// Len reports the number of currently in-flight logical requests.
func (rs *RequestSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.records)
}

func (rs *RequestSet) finish(rec *RequestRecord, started time.Time) {
	rs.unregister(rec)
	rs.sem.Release(1)
	close(rec.done)
	rs.stats.observeRequest(rec.Kind.String(), time.Since(started))
}

// StartSingleNode starts handler bound to the node at addr (spec §4.9's
// SingleNode kind).
func (rs *RequestSet) StartSingleNode(ctx context.Context, conns *ConnectionSet, addr string, userCtx any, handler Handler) (*RequestRecord, error) {
	conn, ok := conns.Get(addr)
	if !ok {
		return nil, ErrNoNodesRegistered
	}
	return rs.startOne(ctx, conn, KindSingleNode, []string{addr}, userCtx, handler)
}

// StartRoundRobin starts handler bound to the next node in rotation (spec
// §4.9's RoundRobin kind).
func (rs *RequestSet) StartRoundRobin(ctx context.Context, conns *ConnectionSet, userCtx any, handler Handler) (*RequestRecord, error) {
	conn, err := conns.Next()
	if err != nil {
		return nil, err
	}
	return rs.startOne(ctx, conn, KindRoundRobin, []string{conn.Addr}, userCtx, handler)
}

func (rs *RequestSet) startOne(ctx context.Context, conn *Connection, kind RequestKind, addrs []string, userCtx any, handler Handler) (*RequestRecord, error) {
	if !rs.sem.TryAcquire(1) {
		return nil, ErrNoMoreRequests
	}
	id := rs.ids.allocate()
	rec := &RequestRecord{ID: id, Kind: kind, Addrs: addrs, StartedAt: time.Now(), done: make(chan struct{})}
	rs.register(rec)

	roc := newRoC(id, conn, userCtx)
	go func() {
		defer conn.Detach(id)
		err := handler(ctx, roc)
		rec.addErr(err)
		rs.finish(rec, rec.StartedAt)
	}()
	return rec, nil
}

// StartMultiNode starts one RoC per node in addrs, all sharing one
// RequestId, and waits for all of them independently — one node's error
// never aborts another's RoC (spec §4.8's "independent per-node", §4.9's
// MultiNode kind).
func (rs *RequestSet) StartMultiNode(ctx context.Context, conns *ConnectionSet, addrs []string, userCtx any, handler Handler) (*RequestRecord, error) {
	if len(addrs) == 0 {
		return nil, ErrNoNodesRegistered
	}
	targets := make([]*Connection, 0, len(addrs))
	for _, a := range addrs {
		c, ok := conns.Get(a)
		if !ok {
			return nil, ErrNoNodesRegistered
		}
		targets = append(targets, c)
	}
	return rs.startFanout(ctx, targets, KindMultiNode, addrs, userCtx, handler)
}

// StartAllNodes starts one RoC per currently registered node, all sharing
// one RequestId (spec §4.9's AllNodes kind). This is the one-shot form;
// allnodes.go provides the persistent per-node initialise/handle kit built
// on top of the same primitive.
func (rs *RequestSet) StartAllNodes(ctx context.Context, conns *ConnectionSet, userCtx any, handler Handler) (*RequestRecord, error) {
	targets := conns.All()
	if len(targets) == 0 {
		return nil, ErrNoNodesRegistered
	}
	addrs := make([]string, len(targets))
	for i, c := range targets {
		addrs[i] = c.Addr
	}
	return rs.startFanout(ctx, targets, KindAllNodes, addrs, userCtx, handler)
}

func (rs *RequestSet) startFanout(ctx context.Context, targets []*Connection, kind RequestKind, addrs []string, userCtx any, handler Handler) (*RequestRecord, error) {
	if !rs.sem.TryAcquire(1) {
		return nil, ErrNoMoreRequests
	}
	id := rs.ids.allocate()
	rec := &RequestRecord{ID: id, Kind: kind, Addrs: addrs, StartedAt: time.Now(), done: make(chan struct{})}
	rs.register(rec)

	go func() {
		var wg sync.WaitGroup
		for _, conn := range targets {
			conn := conn
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Detach(id)
				roc := newRoC(id, conn, userCtx)
				// Each node's RoC runs against the shared ctx but never a
				// context cancelled by a sibling's error: per spec §4.8,
				// MultiNode is "independent per-node" and AllNodes is
				// "per-connection retry" — one node's failure must never
				// abort another node's RoC.
				rec.addErr(handler(ctx, roc))
			}()
		}
		wg.Wait()
		rs.finish(rec, rec.StartedAt)
	}()
	return rec, nil
}
