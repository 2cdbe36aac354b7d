package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/audit"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/ratelimit"
	"github.com/Bridge-Gate/Bridgegate/internal/domain/validation"
)

// Guard bundles the security decisions every connection and frame pass
// through: IP blocking, sliding-window accounting, payload validation
// with sanitization, and the audit funnel. Both listeners share one
// Guard so a peer's budget spans transports.
type Guard struct {
	limiter   ratelimit.Limiter
	blocklist ratelimit.Blocklist
	window    ratelimit.WindowConfig
	blockFor  time.Duration
	validator *validation.Validator
	sanitizer *validation.Sanitizer
	recorder  audit.Recorder
	logger    *slog.Logger
}

// GuardConfig carries the tunables for a Guard.
type GuardConfig struct {
	// Window is the sliding-window accounting configuration.
	Window ratelimit.WindowConfig
	// BlockDuration is how long repeat offenders are banned.
	BlockDuration time.Duration
	// MaxMessageBytes caps individual frames.
	MaxMessageBytes int
}

// NewGuard creates a Guard over the given limiter, blocklist, and
// audit recorder.
func NewGuard(
	cfg GuardConfig,
	limiter ratelimit.Limiter,
	blocklist ratelimit.Blocklist,
	recorder audit.Recorder,
	logger *slog.Logger,
) *Guard {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Guard{
		limiter:   limiter,
		blocklist: blocklist,
		window:    cfg.Window,
		blockFor:  cfg.BlockDuration,
		validator: validation.NewValidator(cfg.MaxMessageBytes),
		sanitizer: validation.NewSanitizer(),
		recorder:  recorder,
		logger:    logger,
	}
}

// AdmitConnect decides whether a new connection from ip may proceed.
// It returns ErrBlocked for banned peers and ErrRateLimited when the
// peer's window is already exhausted at accept time. Token checks are
// the listener's job; they happen against per-listener credentials.
func (g *Guard) AdmitConnect(ctx context.Context, ip string) error {
	blocked, err := g.blocklist.IsBlocked(ctx, ip)
	if err != nil {
		return err
	}
	if blocked {
		return ErrBlocked
	}
	full, err := g.limiter.Full(ctx, g.windowKey(ip), g.window)
	if err != nil {
		return err
	}
	if full {
		return ErrRateLimited
	}
	return nil
}

// Account records one frame from ip against its sliding window.
func (g *Guard) Account(ctx context.Context, ip string) (ratelimit.Decision, error) {
	return g.limiter.Account(ctx, g.windowKey(ip), g.window)
}

// Block bans ip for the configured duration.
func (g *Guard) Block(ctx context.Context, ip string) error {
	g.logger.Warn("blocking peer", "remote_ip", ip, "duration", g.blockFor)
	return g.blocklist.Block(ctx, ip, g.blockFor)
}

// IsBlocked reports whether ip is currently banned.
func (g *Guard) IsBlocked(ctx context.Context, ip string) (bool, error) {
	return g.blocklist.IsBlocked(ctx, ip)
}

// Validate checks one inbound frame and returns the bytes to forward:
// the sanitized re-serialization for JSON frames, the original bytes
// for opaque text.
func (g *Guard) Validate(frame []byte) ([]byte, *validation.ValidationError) {
	val, isJSON, verr := g.validator.Check(frame)
	if verr != nil {
		return nil, verr
	}
	if !isJSON {
		return frame, nil
	}
	return g.sanitizer.Sanitize(val).AppendJSON(nil), nil
}

// Emit records a security event, stamping the time and redacting
// sensitive detail values. Never blocks the data path.
func (g *Guard) Emit(event audit.Event) {
	event.Timestamp = time.Now()
	event.Detail = audit.RedactDetail(event.Detail)
	g.recorder.Record(event)
}

func (g *Guard) windowKey(ip string) string {
	return ratelimit.FormatKey(ratelimit.KeyTypeIP, ip)
}
