// Package service contains the core relay orchestration.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Bridge-Gate/Bridgegate/internal/ctxkey"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/audit"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/auth"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/ratelimit"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/relay"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/session"
	"github.com/Bridge-Gate/Bridgegate/internal/port/outbound"
	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
)

// Methods the gateway answers itself instead of forwarding.
const (
	methodAuthenticate = "authenticate"
	methodInitialize   = "initialize"
)

// loggerFromContext retrieves the enriched logger from context.
// Uses the same key as the listener middleware for request_id enrichment.
// Returns nil if no logger is in context, allowing caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// ListenerProfile describes how one listener's sessions authenticate
// and which child serves their frames.
type ListenerProfile struct {
	// InBandAuth makes sessions start in pre-auth and authenticate
	// through the first-frame handshake. When false the listener has
	// already authenticated the peer and sessions start ready.
	InBandAuth bool

	// Verifier checks in-band tokens. Only consulted when InBandAuth
	// is set.
	Verifier *auth.Verifier

	// Shared routes frames through the singleton supervised child
	// instead of a dedicated child per session.
	Shared bool

	// ReplyOnInvalid sends a JSON-RPC error frame for rejected
	// payloads. The TCP listener replies; the WebSocket listener
	// drops silently because the close code already carries the
	// verdict.
	ReplyOnInvalid bool
}

// BridgeConfig carries the tunables for a BridgeService.
type BridgeConfig struct {
	// Profiles maps listener names ("ws", "tcp") to their behavior.
	Profiles map[string]ListenerProfile

	// Escalate turns the second throttle inside one window into an
	// IP block.
	Escalate bool

	// KillGrace is how long a dedicated child gets between SIGTERM
	// and SIGKILL at session teardown.
	KillGrace time.Duration

	// ServerName and ServerVersion populate the local initialize reply.
	ServerName    string
	ServerVersion string
}

// BridgeService is the relay core. It owns each session from admission
// to teardown: the auth handshake, the per-frame security pipeline, and
// the bidirectional bridge between the network peer and the MCP child.
type BridgeService struct {
	cfg        BridgeConfig
	guard      *relay.Guard
	spawner    outbound.ChildSpawner
	shared     outbound.SharedChild
	dispatcher *Dispatcher
	meter      outbound.Meter
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewBridgeService creates the relay core. spawner serves dedicated
// sessions; shared and dispatcher serve shared-persistent sessions and
// may be nil when no listener uses that mode. meter may be nil.
func NewBridgeService(
	cfg BridgeConfig,
	guard *relay.Guard,
	spawner outbound.ChildSpawner,
	shared outbound.SharedChild,
	dispatcher *Dispatcher,
	meter outbound.Meter,
	logger *slog.Logger,
) *BridgeService {
	if meter == nil {
		meter = outbound.NopMeter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BridgeService{
		cfg:        cfg,
		guard:      guard,
		spawner:    spawner,
		shared:     shared,
		dispatcher: dispatcher,
		meter:      meter,
		logger:     logger,
		tracer:     otel.Tracer("bridgegate/service"),
	}
}

// Admit screens one connection before the listener spends transport
// work on it. Admission never consumes window budget; only a standing
// block or an already-full window refuses the peer.
func (b *BridgeService) Admit(ctx context.Context, listener, ip string) error {
	err := b.guard.AdmitConnect(ctx, ip)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, relay.ErrBlocked):
		b.meter.AdmissionDenied(listener, "blocked")
		b.guard.Emit(audit.Event{
			Kind:     audit.KindBlockedConnection,
			RemoteIP: ip,
			Listener: listener,
		})
	case errors.Is(err, relay.ErrRateLimited):
		b.meter.AdmissionDenied(listener, "rate_limited")
		b.guard.Emit(audit.Event{
			Kind:     audit.KindRateLimitExceeded,
			RemoteIP: ip,
			Listener: listener,
			Detail:   map[string]any{"phase": "admission"},
		})
	}
	return err
}

// Run owns the session until the peer hangs up, the child side ends it,
// policy closes it, or ctx is cancelled. The caller keeps its registry
// slot; Run handles everything in between.
func (b *BridgeService) Run(ctx context.Context, sess *session.Session, peer relay.Peer) error {
	profile, ok := b.cfg.Profiles[sess.Listener()]
	if !ok {
		return fmt.Errorf("no listener profile for %q", sess.Listener())
	}

	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = b.logger
	}
	logger = logger.With(
		"session_id", sess.ID(),
		"listener", sess.Listener(),
		"remote", sess.RemoteAddr(),
	)

	ctx, span := b.tracer.Start(ctx, "bridge.session",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID()),
			attribute.String("session.listener", sess.Listener()),
		),
	)
	defer span.End()

	if err := sess.Transition(session.StatePreAuth); err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		_ = sess.Transition(session.StateClosed)
		duration := time.Since(start)
		span.SetAttributes(attribute.Int64("session.duration_ms", duration.Milliseconds()))
		b.guard.Emit(audit.Event{
			Kind:      audit.KindConnectionClosed,
			SessionID: sess.ID(),
			RemoteIP:  sess.RemoteIP(),
			Listener:  sess.Listener(),
			Detail:    map[string]any{"duration_ms": duration.Milliseconds()},
		})
		logger.Info("session closed", "duration", duration)
	}()

	// Listeners that authenticate during their own handshake hand the
	// session over already vetted; in-band listeners stay in pre-auth
	// until the authenticate frame arrives.
	if !profile.InBandAuth {
		if err := sess.Transition(session.StateReady); err != nil {
			return err
		}
	}

	b.guard.Emit(audit.Event{
		Kind:      audit.KindConnectionEstablished,
		SessionID: sess.ID(),
		RemoteIP:  sess.RemoteIP(),
		Listener:  sess.Listener(),
		Detail:    map[string]any{"state": sess.State().String()},
	})
	logger.Info("session established", "state", sess.State().String())

	var runErr error
	if profile.Shared {
		runErr = b.runShared(ctx, sess, peer, profile, logger)
	} else {
		runErr = b.runDedicated(ctx, sess, peer, profile, logger)
	}

	if runErr != nil && !isNormalClose(runErr) && !isAuditedClose(runErr) {
		logger.Warn("session failed", "error", runErr)
		b.guard.Emit(audit.Event{
			Kind:      audit.KindWebsocketError,
			SessionID: sess.ID(),
			RemoteIP:  sess.RemoteIP(),
			Listener:  sess.Listener(),
			Detail:    map[string]any{"error": runErr.Error()},
		})
	}
	return runErr
}

// runDedicated spawns a child for this session alone and pumps frames
// in both directions until either side ends.
func (b *BridgeService) runDedicated(ctx context.Context, sess *session.Session, peer relay.Peer, profile ListenerProfile, logger *slog.Logger) error {
	child, err := b.spawner.Spawn(ctx)
	if err != nil {
		logger.Error("child spawn failed", "error", err)
		b.guard.Emit(audit.Event{
			Kind:      audit.KindWebsocketError,
			SessionID: sess.ID(),
			RemoteIP:  sess.RemoteIP(),
			Listener:  sess.Listener(),
			Detail:    map[string]any{"stage": "spawn", "error": err.Error()},
		})
		msg := relay.SafeErrorMessage(relay.ErrChildNotReady)
		_ = peer.WriteFrame(relay.ServerErrorReply(nil, msg))
		_ = peer.Close(relay.CloseGoingAway, msg)
		return fmt.Errorf("spawn child: %w", err)
	}
	logger.Debug("child spawned", "pid", child.Pid())

	parentCtx := ctx
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	// Peer -> child.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := b.peerLoop(ctx, sess, peer, profile, child.WriteFrame, logger); err != nil && !isNormalClose(err) {
			errCh <- fmt.Errorf("peer->child: %w", err)
		}
		logger.Debug("peer->child pump done")
	}()

	// Child -> peer.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := b.childLoop(ctx, sess, peer, child, logger); err != nil && !isNormalClose(err) {
			errCh <- fmt.Errorf("child->peer: %w", err)
		}
		logger.Debug("child->peer pump done")
	}()

	// Both pumps park on blocking reads; closing both endpoints is the
	// only way to unseat whichever one outlived the other.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-ctx.Done()
		// Cancellation from above is shutdown; a pump failure already
		// closed its own endpoint and the code here goes nowhere.
		_ = peer.Close(relay.CloseGoingAway, "server shutting down")
		_ = child.Kill(b.cfg.KillGrace)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var runErr error
	select {
	case <-done:
		select {
		case runErr = <-errCh:
		default:
		}
	case runErr = <-errCh:
		cancel()
		<-done
	}
	<-closed

	if runErr != nil {
		return runErr
	}
	return parentCtx.Err()
}

// runShared attaches the session to the supervised shared child. Only
// the peer->child direction runs here; the dispatcher owns the child's
// stdout and routes responses back by pending id.
func (b *BridgeService) runShared(ctx context.Context, sess *session.Session, peer relay.Peer, profile ListenerProfile, logger *slog.Logger) error {
	if sess.State() == session.StateReady {
		b.dispatcher.Attach(sess, b.relayWriter(sess, peer))
	}
	defer b.dispatcher.Detach(sess.ID())

	parentCtx := ctx
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-ctx.Done()
		_ = peer.Close(relay.CloseGoingAway, "server shutting down")
	}()

	forward := func(frame []byte) error {
		// Pending ids are recorded before the write so a fast response
		// can never beat its own bookkeeping.
		idKey, hasID := wire.IDKey(frame)
		if hasID {
			sess.TrackRequest(idKey)
		}
		if err := b.shared.Write(frame); err != nil {
			if hasID {
				sess.ResolveRequest(idKey)
			}
			return err
		}
		return nil
	}

	err := b.peerLoop(ctx, sess, peer, profile, forward, logger)
	cancel()
	<-closed

	if err != nil && !isNormalClose(err) {
		return err
	}
	return parentCtx.Err()
}

// peerLoop reads frames from the peer and walks each one through the
// security pipeline: window accounting, validation with sanitization,
// the session state machine, and finally the forward toward the child.
func (b *BridgeService) peerLoop(ctx context.Context, sess *session.Session, peer relay.Peer, profile ListenerProfile, forward func([]byte) error, logger *slog.Logger) error {
	listener := sess.Listener()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := peer.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, wire.ErrFrameTooLarge) {
				b.guard.Emit(audit.Event{
					Kind:      audit.KindInvalidInput,
					SessionID: sess.ID(),
					RemoteIP:  sess.RemoteIP(),
					Listener:  listener,
					Detail:    map[string]any{"reason": "Input too large"},
				})
				if profile.ReplyOnInvalid {
					_ = peer.WriteFrame(relay.InvalidRequestReply(nil, "Input too large"))
				}
				_ = peer.Close(relay.CloseTooLarge, "Input too large")
			}
			return err
		}
		sess.Touch()
		b.meter.FrameFromPeer(listener, len(frame))
		start := time.Now()

		decision, err := b.guard.Account(ctx, sess.RemoteIP())
		if err != nil {
			return fmt.Errorf("rate accounting: %w", err)
		}
		if decision.Throttled {
			if err := b.throttle(ctx, sess, peer, frame, decision, logger); err != nil {
				return err
			}
			continue
		}

		clean, verr := b.guard.Validate(frame)
		if verr != nil {
			b.guard.Emit(audit.Event{
				Kind:      audit.KindInvalidInput,
				SessionID: sess.ID(),
				RemoteIP:  sess.RemoteIP(),
				Listener:  listener,
				Detail:    map[string]any{"reason": verr.Message},
			})
			logger.Debug("frame rejected", "reason", verr.Message)
			if profile.ReplyOnInvalid {
				_ = peer.WriteFrame(relay.InvalidRequestReply(wire.RawID(frame), verr.Message))
			}
			continue
		}

		handled, err := b.handleLocal(sess, peer, profile, clean, logger)
		if err != nil {
			return err
		}
		if handled {
			b.meter.RelayLatency(listener, time.Since(start))
			continue
		}

		if err := forward(clean); err != nil {
			if errors.Is(err, relay.ErrChildNotReady) {
				// The supervisor is between children. The session
				// stays open; the peer just retries later.
				_ = peer.WriteFrame(relay.ServerErrorReply(wire.RawID(clean), relay.SafeErrorMessage(err)))
				continue
			}
			return fmt.Errorf("forward to child: %w", err)
		}
		b.meter.RelayLatency(listener, time.Since(start))
	}
}

// throttle answers one over-budget frame. The first throttles inside a
// window only discard; the second escalates to an IP block and closes
// when escalation is enabled.
func (b *BridgeService) throttle(ctx context.Context, sess *session.Session, peer relay.Peer, frame []byte, decision ratelimit.Decision, logger *slog.Logger) error {
	listener := sess.Listener()
	b.meter.Throttled(listener)
	escalate := b.cfg.Escalate && decision.Repeats >= 2

	detail := map[string]any{
		"repeats":        decision.Repeats,
		"retry_after_ms": decision.RetryAfter.Milliseconds(),
	}
	if escalate {
		detail["blocked"] = true
	}
	b.guard.Emit(audit.Event{
		Kind:      audit.KindRateLimitExceeded,
		SessionID: sess.ID(),
		RemoteIP:  sess.RemoteIP(),
		Listener:  listener,
		Detail:    detail,
	})

	msg := relay.SafeErrorMessage(relay.ErrRateLimited)
	_ = peer.WriteFrame(relay.ServerErrorReply(wire.RawID(frame), msg))

	if !escalate {
		logger.Debug("frame throttled", "repeats", decision.Repeats)
		return nil
	}

	if err := b.guard.Block(ctx, sess.RemoteIP()); err != nil {
		logger.Error("block failed", "remote_ip", sess.RemoteIP(), "error", err)
	}
	b.meter.Blocked(listener)
	logger.Warn("peer blocked after repeated throttling", "repeats", decision.Repeats)
	_ = peer.Close(relay.ClosePolicyViolation, msg)
	return relay.ErrRateLimited
}

// handleLocal answers the frames the gateway owns: initialize in any
// state, and everything while the session is still pre-auth. Returns
// handled=false when the frame should go to the child.
func (b *BridgeService) handleLocal(sess *session.Session, peer relay.Peer, profile ListenerProfile, frame []byte, logger *slog.Logger) (bool, error) {
	method := wire.PeekMethod(frame)
	id := wire.RawID(frame)

	// initialize never reaches the child; the gateway is the MCP
	// endpoint the peer negotiates with.
	if method == methodInitialize {
		return true, peer.WriteFrame(relay.InitializeReply(id, b.cfg.ServerName, b.cfg.ServerVersion))
	}

	if sess.State() != session.StatePreAuth {
		return false, nil
	}

	if method != methodAuthenticate {
		_ = peer.WriteFrame(relay.ServerErrorReply(id, relay.SafeErrorMessage(relay.ErrUnauthenticated)))
		return true, nil
	}

	token := wire.ParamString(frame, "token")
	if profile.Verifier == nil || profile.Verifier.Verify(token) != nil {
		b.meter.AuthFailure(sess.Listener())
		b.guard.Emit(audit.Event{
			Kind:      audit.KindAuthFailed,
			SessionID: sess.ID(),
			RemoteIP:  sess.RemoteIP(),
			Listener:  sess.Listener(),
		})
		msg := relay.SafeErrorMessage(relay.ErrAuthFailed)
		_ = peer.WriteFrame(relay.ServerErrorReply(id, msg))
		_ = peer.Close(relay.ClosePolicyViolation, msg)
		return true, relay.ErrAuthFailed
	}

	if err := sess.Transition(session.StateReady); err != nil {
		return true, err
	}
	b.guard.Emit(audit.Event{
		Kind:      audit.KindAuthSuccess,
		SessionID: sess.ID(),
		RemoteIP:  sess.RemoteIP(),
		Listener:  sess.Listener(),
	})
	logger.Info("session authenticated")
	if err := peer.WriteFrame(relay.AuthenticatedReply(id)); err != nil {
		return true, err
	}
	if profile.Shared {
		b.dispatcher.Attach(sess, b.relayWriter(sess, peer))
	}
	return true, nil
}

// childLoop reads the dedicated child's stdout and forwards verbatim.
func (b *BridgeService) childLoop(ctx context.Context, sess *session.Session, peer relay.Peer, child outbound.Child, logger *slog.Logger) error {
	listener := sess.Listener()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := child.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		sess.Touch()
		if err := peer.WriteFrame(frame); err != nil {
			return fmt.Errorf("write to peer: %w", err)
		}
		b.meter.FrameToPeer(listener, len(frame))
	}
}

// relayWriter counts child-origin frames as they reach the peer.
func (b *BridgeService) relayWriter(sess *session.Session, peer relay.Peer) PeerWriter {
	listener := sess.Listener()
	return func(frame []byte) error {
		if err := peer.WriteFrame(frame); err != nil {
			return err
		}
		b.meter.FrameToPeer(listener, len(frame))
		return nil
	}
}

// isNormalClose reports whether err is an expected end of session
// rather than a failure: peer hangup, child exit, shutdown, or an
// endpoint closed by our own teardown.
func isNormalClose(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}

// isAuditedClose reports whether the failure already produced its own
// audit event on the way out, so teardown must not double-report it.
func isAuditedClose(err error) bool {
	return errors.Is(err, relay.ErrAuthFailed) ||
		errors.Is(err, relay.ErrRateLimited) ||
		errors.Is(err, wire.ErrFrameTooLarge)
}
