// Package outbound defines the outbound port interfaces for the MCP
// server subprocesses the gateway fronts.
package outbound

import (
	"context"
	"time"
)

// Child is a stdio JSON-RPC subprocess bound to a single session.
// ReadFrame is single-reader; WriteFrame may be called concurrently.
type Child interface {
	// Pid returns the subprocess id, for logs only.
	Pid() int

	// ReadFrame returns the next line from the child's stdout.
	// io.EOF or a closed pipe means the child exited.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one line to the child's stdin.
	WriteFrame(frame []byte) error

	// Kill stops the subprocess, escalating from stdin close through
	// SIGTERM to SIGKILL after the grace period.
	Kill(grace time.Duration) error
}

// ChildSpawner launches a dedicated Child for one session.
type ChildSpawner interface {
	Spawn(ctx context.Context) (Child, error)
}

// SharedChild is the singleton supervised child of shared-persistent mode.
// Frames are written directly; responses arrive via the dispatcher that
// owns the read side.
type SharedChild interface {
	// Ready reports whether the child is up and initialized.
	Ready() bool

	// WaitReady blocks until the child is ready, grace elapses, or ctx is
	// cancelled. Returns relay.ErrChildNotReady when the grace expires.
	WaitReady(ctx context.Context, grace time.Duration) error

	// Write sends one frame to the child. Returns relay.ErrChildNotReady
	// while the child is down or restarting.
	Write(frame []byte) error
}
