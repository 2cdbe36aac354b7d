package child

import (
	"context"
	"log/slog"

	"github.com/Bridge-Gate/Bridgegate/internal/port/outbound"
)

// Spawner launches a dedicated Process per session from one fixed
// command line. It implements outbound.ChildSpawner.
type Spawner struct {
	cfg    Config
	logger *slog.Logger
}

// NewSpawner creates a Spawner for the given command.
func NewSpawner(cfg Config, logger *slog.Logger) *Spawner {
	return &Spawner{cfg: cfg, logger: logger}
}

// Spawn starts a fresh subprocess.
func (s *Spawner) Spawn(ctx context.Context) (outbound.Child, error) {
	return Spawn(ctx, s.cfg, s.logger)
}

// Compile-time interface verification.
var (
	_ outbound.Child        = (*Process)(nil)
	_ outbound.ChildSpawner = (*Spawner)(nil)
	_ outbound.SharedChild  = (*SharedSupervisor)(nil)
)
