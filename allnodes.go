package neo

import (
	"context"
	"errors"
)

// Initialiser is run once per node immediately after an all-nodes request's
// initial Command is accepted, before its steady-state Handler begins
// (spec §4.9's all-nodes kit). Typical uses are replaying subscription
// state or priming a per-node cache. It runs again on every reconnect: a
// node that drops and comes back re-enters at SendCommand, not where it
// left off.
type Initialiser interface {
	Initialise(ctx context.Context, roc *RoC) error
}

// SuspendableInitialiser additionally reacts to the request being
// suspended and resumed (spec §4.6 combined with the all-nodes kit):
// Suspend is called just before this node's participant relays Suspend over
// the wire and parks, Resume once it has relayed Resume and been acked, just
// before it re-enters Handler.
type SuspendableInitialiser interface {
	Initialiser
	Suspend(ctx context.Context, roc *RoC) error
	Resume(ctx context.Context, roc *RoC) error
}

// InitialiserFunc adapts a plain function to Initialiser.
type InitialiserFunc func(ctx context.Context, roc *RoC) error

func (f InitialiserFunc) Initialise(ctx context.Context, roc *RoC) error { return f(ctx, roc) }

// AllNodesHandler is the steady-state body run after Initialise succeeds,
// the per-node analogue of the teacher's receiveLoop in pubsub.go: it
// should loop receiving/handling messages until the connection is lost or
// ctx is cancelled. status is the status byte SendCommand received for
// this node, once the two globally-reserved codes have already been
// resolved (spec §4.9 step 5, §7.4): a request kind defining its own status
// codes above the reserved range interprets status here instead of
// SendCommand treating it as a protocol error.
type AllNodesHandler func(ctx context.Context, roc *RoC, status StatusCode) error

// RunAllNodesRequest starts cmd on every currently registered node,
// connecting, initialising, then handling each per-node RoC independently,
// and keeps every node's RoC alive across however many times its
// Connection reconnects underneath it (spec §4.9's all-nodes kit: `loop: ok
// := Connector(); Initialiser.initialise(); Handler(); on IOError:
// Disconnected(e); continue loop`). A node whose Connection drops for a
// reconnectable reason waits for the Connection to reattach and re-enters
// at SendCommand; only a terminal error (closed, protocol violation, auth
// failure, or one of the two reserved status codes) ends that node's RoC
// for good.
func RunAllNodesRequest(ctx context.Context, conns *ConnectionSet, rs *RequestSet, cmd Command, userCtx any, init Initialiser, handler AllNodesHandler, stats *Stats) (*RequestRecord, error) {
	return rs.StartAllNodes(ctx, conns, userCtx, func(ctx context.Context, roc *RoC) error {
		return runAllNodesRoC(ctx, roc, cmd, init, handler, stats)
	})
}

// runAllNodesRoC drives one node's share of an AllNodes request across
// however many reconnects its Connection goes through.
func runAllNodesRoC(ctx context.Context, roc *RoC, cmd Command, init Initialiser, handler AllNodesHandler, stats *Stats) error {
	conn, id, userCtx := roc.Conn, roc.ID, roc.Context
	for {
		err := runAllNodesPass(ctx, roc, cmd, init, handler, stats)
		if err == nil || !isReconnectable(err) {
			return err
		}
		if waitErr := conn.AwaitConnected(ctx); waitErr != nil {
			return waitErr
		}
		roc = newRoC(id, conn, userCtx)
	}
}

// runAllNodesPass is one SendCommand/Initialise/Handler cycle against a
// single live Connection attach.
func runAllNodesPass(ctx context.Context, roc *RoC, cmd Command, init Initialiser, handler AllNodesHandler, stats *Stats) error {
	status, err := SendCommand(roc, cmd)
	if err != nil {
		return err
	}

	if init != nil {
		stats.incInitialising()
		err := init.Initialise(ctx, roc)
		stats.decInitialising()
		if err != nil {
			return err
		}
	}

	return handler(ctx, roc, status)
}

// RunSuspendableAllNodesRequest is RunAllNodesRequest's suspendable
// counterpart (spec §4.6/§4.7): one SuspendableShared is created for the
// whole request and shared by every node's participant, so a Suspend/
// Resume/Stop call on the returned *SuspendableController applies
// request-wide rather than to a single node — the controller settles
// (invokes onSettled, if non-nil) exactly once per transition, once every
// currently-connected participant has relayed it over the wire and been
// acked.
func RunSuspendableAllNodesRequest(ctx context.Context, conns *ConnectionSet, rs *RequestSet, cmd Command, userCtx any, init SuspendableInitialiser, handler AllNodesHandler, onSettled func(DesiredState), stats *Stats) (*RequestRecord, *SuspendableController, error) {
	shared := newSuspendableShared(onSettled)
	ctrl := &SuspendableController{shared: shared}

	rec, err := rs.StartAllNodes(ctx, conns, userCtx, func(ctx context.Context, roc *RoC) error {
		return runSuspendableAllNodesRoC(ctx, roc, cmd, init, handler, shared, stats)
	})
	if err != nil {
		return nil, nil, err
	}
	rec.Controller = ctrl
	return rec, ctrl, nil
}

// runSuspendableAllNodesRoC is runAllNodesRoC's suspendable counterpart: a
// reconnecting participant checks the request-wide desired state before
// resuming, and aborts without sending any setup message if the request
// has since been stopped (spec §4.7).
func runSuspendableAllNodesRoC(ctx context.Context, roc *RoC, cmd Command, init SuspendableInitialiser, handler AllNodesHandler, shared *SuspendableShared, stats *Stats) error {
	conn, id, userCtx := roc.Conn, roc.ID, roc.Context
	for {
		if shared.currentDesired() == StateStopped {
			return nil
		}
		err := runSuspendableParticipant(ctx, roc, cmd, init, handler, shared, stats)
		if err == nil || !isReconnectable(err) {
			return err
		}
		if waitErr := conn.AwaitConnected(ctx); waitErr != nil {
			return waitErr
		}
		roc = newRoC(id, conn, userCtx)
	}
}

// runSuspendableParticipant drives one node's participant through a single
// connect session: SendCommand/Initialise once, then alternates between
// running the steady-state Handler — interrupted the moment the
// request-wide desired state changes — and parking in Suspended, relaying
// every transition to the node over the wire and acking it against shared,
// until Stopped or a connection error ends the session.
func runSuspendableParticipant(ctx context.Context, roc *RoC, cmd Command, init SuspendableInitialiser, handler AllNodesHandler, shared *SuspendableShared, stats *Stats) error {
	status, err := SendCommand(roc, cmd)
	if err != nil {
		return err
	}

	if init != nil {
		stats.incInitialising()
		err := init.Initialise(ctx, roc)
		stats.decInitialising()
		if err != nil {
			return err
		}
	}

	shared.join()
	defer shared.leave()
	state := shared.currentDesired()

	for {
		switch state {
		case StateStopped:
			if err := sendControl(roc, state.controlCode()); err != nil {
				return err
			}
			shared.Ack()
			return nil

		case StateSuspended:
			if init != nil {
				if err := init.Suspend(ctx, roc); err != nil {
					return err
				}
			}
			if err := sendControl(roc, state.controlCode()); err != nil {
				return err
			}
			shared.Ack()

			next, stopped := shared.WaitForStateChange(ctx, StateSuspended)
			if stopped {
				return ctx.Err()
			}
			if next == StateRunning {
				if err := sendControl(roc, next.controlCode()); err != nil {
					return err
				}
				shared.Ack()
				if init != nil {
					if err := init.Resume(ctx, roc); err != nil {
						return err
					}
				}
			}
			state = next

		default: // StateRunning
			err := runWhileState(ctx, shared, StateRunning, func(hctx context.Context) error {
				return handler(hctx, roc, status)
			})
			if err != nil {
				return err
			}
			next := shared.currentDesired()
			if next == state {
				// Handler returned on its own, not because the
				// request-wide state moved: nothing left to do.
				return nil
			}
			state = next
		}
	}
}

// runWhileState runs fn with a context cancelled the moment the
// request-wide desired state stops being want, so a Handler written in the
// ordinary ctx.Done()-checking idiom is interrupted as soon as Suspend or
// Stop is requested (spec §4.7). A return caused solely by that
// cancellation is reported as success; fn's own errors, and cancellation of
// the caller's own ctx, still propagate.
func runWhileState(ctx context.Context, shared *SuspendableShared, want DesiredState, fn func(context.Context) error) error {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		shared.WaitForStateChange(hctx, want)
		cancel()
	}()

	err := fn(hctx)
	cancel()
	<-watchDone

	if err != nil && ctx.Err() == nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
