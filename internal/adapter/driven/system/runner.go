// Package system runs external processes and controls system services.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.CommandRunner     = (*Runner)(nil)
	_ driven.ServiceController = (*Systemd)(nil)
)

// DefaultTimeout bounds a single command when no timeout is configured.
const DefaultTimeout = 2 * time.Minute

const waitDelay = time.Second

// Runner executes commands with a per-command timeout, optionally through sudo.
type Runner struct {
	timeout time.Duration
	sudo    bool
	logger  *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout sets the per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSudo prefixes every command with "sudo -n".
func WithSudo(enabled bool) Option {
	return func(r *Runner) { r.sudo = enabled }
}

// WithLogger sets the logger used for command tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes cmd and returns its stdout. A non-zero exit or a timeout is
// returned as a *driven.ProcessError carrying stderr.
func (r *Runner) Run(ctx context.Context, cmd driven.Command) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	name, args := cmd.Name, cmd.Args
	if r.sudo {
		name, args = "sudo", append([]string{"-n", cmd.Name}, cmd.Args...)
	}

	c := exec.CommandContext(ctx, name, args...)
	c.Dir = cmd.Dir
	// Children that inherit the pipes must not keep Wait blocked past the deadline.
	c.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	r.logger.Debug("command finished",
		"command", cmd.Name,
		"args", strings.Join(cmd.Args, " "),
		"duration", time.Since(start).Round(time.Millisecond),
		"error", err,
	)

	if err == nil {
		return stdout.Bytes(), nil
	}

	perr := &driven.ProcessError{
		Command:  cmd.Name,
		ExitCode: -1,
		Stderr:   stderr.String(),
		Err:      err,
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		perr.ExitCode = exitErr.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		perr.Err = fmt.Errorf("%w: %w", ctxErr, err)
	}

	// Some tools, certbot included, report failures on stdout only.
	if strings.TrimSpace(perr.Stderr) == "" {
		perr.Stderr = stdout.String()
	}

	return stdout.Bytes(), perr
}
