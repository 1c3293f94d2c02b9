package system

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Systemd controls services through systemctl.
type Systemd struct {
	runner driven.CommandRunner
	path   string
}

// NewSystemd creates a Systemd controller. An empty path uses "systemctl".
func NewSystemd(runner driven.CommandRunner, path string) *Systemd {
	if path == "" {
		path = "systemctl"
	}
	return &Systemd{runner: runner, path: path}
}

// Reload asks the unit to re-read its configuration without dropping
// connections.
func (s *Systemd) Reload(ctx context.Context, unit string) error {
	if _, err := s.runner.Run(ctx, driven.Command{Name: s.path, Args: []string{"reload", unit}}); err != nil {
		return fmt.Errorf("reload %s: %w", unit, err)
	}
	return nil
}

// Restart stops and starts the unit.
func (s *Systemd) Restart(ctx context.Context, unit string) error {
	if _, err := s.runner.Run(ctx, driven.Command{Name: s.path, Args: []string{"restart", unit}}); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	return nil
}
