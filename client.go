package neo

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientConfig configures a Client end to end.
type ClientConfig struct {
	Conn        ConnConfig
	MaxRequests int
	Credentials *CredentialStore
	Logger      *slog.Logger
	Registry    *prometheus.Registry
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 5000 // spec §4.9's default admission bound
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client is the package's top-level façade: a ConnectionSet of registered
// nodes plus an admission-bounded RequestSet, wired together the way the
// teacher's own top-level Client ties a connection pool to command
// dispatch (client.go).
type Client struct {
	Conns *ConnectionSet
	Reqs  *RequestSet
	Stats *Stats

	loop   *EventLoopContext
	logger *slog.Logger
}

// NewClient builds a Client with no nodes registered yet; call
// Conns.AddNode or attach a RegistryWatcher to populate it.
func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	stats := NewStats(cfg.Registry)
	loop := NewEventLoopContext()

	var authFor func(addr string) Authenticator
	if cfg.Credentials != nil {
		authFor = func(string) Authenticator { return &HMACAuthenticator{Store: cfg.Credentials} }
	}

	conns := NewConnectionSet(cfg.Conn, authFor, loop, stats, cfg.Logger)
	reqs := NewRequestSet(cfg.MaxRequests, stats)

	return &Client{
		Conns:  conns,
		Reqs:   reqs,
		Stats:  stats,
		loop:   loop,
		logger: cfg.Logger,
	}
}

// SingleNode starts handler against the node at addr and waits for it to
// finish (spec §4.9's SingleNode kind, exposed as a blocking convenience).
func (c *Client) SingleNode(ctx context.Context, addr string, userCtx any, handler Handler) error {
	rec, err := c.Reqs.StartSingleNode(ctx, c.Conns, addr, userCtx, handler)
	if err != nil {
		return err
	}
	return rec.Wait(ctx)
}

// RoundRobin starts handler against the next node in rotation and waits
// for it to finish (spec §4.9's RoundRobin kind).
func (c *Client) RoundRobin(ctx context.Context, userCtx any, handler Handler) error {
	rec, err := c.Reqs.StartRoundRobin(ctx, c.Conns, userCtx, handler)
	if err != nil {
		return err
	}
	return rec.Wait(ctx)
}

// MultiNode starts handler against every node in addrs and waits for all
// of them to finish (spec §4.9's MultiNode kind).
func (c *Client) MultiNode(ctx context.Context, addrs []string, userCtx any, handler Handler) error {
	rec, err := c.Reqs.StartMultiNode(ctx, c.Conns, addrs, userCtx, handler)
	if err != nil {
		return err
	}
	return rec.Wait(ctx)
}

// AllNodes starts handler against every currently registered node and
// waits for all of them to finish (spec §4.9's AllNodes kind).
func (c *Client) AllNodes(ctx context.Context, userCtx any, handler Handler) error {
	rec, err := c.Reqs.StartAllNodes(ctx, c.Conns, userCtx, handler)
	if err != nil {
		return err
	}
	return rec.Wait(ctx)
}

// AllNodesRequest starts a persistent all-nodes request (spec §4.9's
// all-nodes kit) against every currently registered node and returns its
// RequestRecord immediately, without waiting: a node's participant
// survives reconnects on its own, so the request only finishes when cmd,
// init, or handler decides it has (e.g. by returning a terminal error).
// Call rec.Wait to block for that.
func (c *Client) AllNodesRequest(ctx context.Context, cmd Command, userCtx any, init Initialiser, handler AllNodesHandler) (*RequestRecord, error) {
	return RunAllNodesRequest(ctx, c.Conns, c.Reqs, cmd, userCtx, init, handler, c.Stats)
}

// SuspendableAllNodes starts a persistent, request-wide suspendable
// all-nodes request (spec §4.6/§4.7) and returns both its RequestRecord and
// the *SuspendableController a caller uses to Suspend/Resume/Stop every
// node's participant at once. onSettled, if non-nil, is invoked once per
// transition once every currently-connected participant has acked it.
func (c *Client) SuspendableAllNodes(ctx context.Context, cmd Command, userCtx any, init SuspendableInitialiser, handler AllNodesHandler, onSettled func(DesiredState)) (*RequestRecord, *SuspendableController, error) {
	return RunSuspendableAllNodesRequest(ctx, c.Conns, c.Reqs, cmd, userCtx, init, handler, onSettled, c.Stats)
}

// Close stops every registered Connection. In-flight requests registered on
// a connected Connection observe ErrClosed as it tears down.
func (c *Client) Close() {
	c.Conns.StopAll()
}
