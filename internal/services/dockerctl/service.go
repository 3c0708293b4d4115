// Package dockerctl drives the protocol engine containers through the
// docker CLI: graceful reloads, restarts, health probes and log reads.
package dockerctl

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
)

// Service defines the interface for container service management.
type Service interface {
	Reload(ctx context.Context, protocol string) error
	Restart(ctx context.Context, protocol string) error
	HealthStatus(ctx context.Context, protocol string) models.HealthState
	StatusAll(ctx context.Context) map[string]models.HealthState
	Logs(ctx context.Context, protocol string, tail int) (string, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its combined output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Impl implements the dockerctl Service interface.
type Impl struct {
	executor   CommandExecutor
	containers map[string]string
	logger     zerolog.Logger
}

// New creates a new docker service manager.
func New(logger zerolog.Logger, containers map[string]string) *Impl {
	return &Impl{
		executor:   &DefaultExecutor{},
		containers: containers,
		logger:     logger,
	}
}

// NewWithExecutor creates a docker service manager with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, containers map[string]string, executor CommandExecutor) *Impl {
	return &Impl{
		executor:   executor,
		containers: containers,
		logger:     logger,
	}
}

func (s *Impl) container(protocol string) (string, error) {
	name, ok := s.containers[protocol]
	if !ok || name == "" {
		return "", fmt.Errorf("no container configured: %w: %s", models.ErrUnknownProtocol, protocol)
	}
	return name, nil
}

// Reload applies new configuration to a running engine. Xray accepts
// SIGUSR1 for a graceful in-place reload that keeps established
// connections; the other engines only pick up config on restart.
func (s *Impl) Reload(ctx context.Context, protocol string) error {
	name, err := s.container(protocol)
	if err != nil {
		return err
	}

	if protocol == models.ProtocolXray {
		output, err := s.executor.Execute(ctx, "docker", "exec", name, "pkill", "-USR1", "xray")
		if err == nil {
			s.logger.Info().Str("protocol", protocol).Str("container", name).Msg("graceful reload signalled")
			return nil
		}
		s.logger.Warn().Err(err).Str("output", string(output)).Msg("graceful reload signal failed, falling back to restart")
	}

	return s.Restart(ctx, protocol)
}

// Restart restarts a protocol engine's container.
func (s *Impl) Restart(ctx context.Context, protocol string) error {
	name, err := s.container(protocol)
	if err != nil {
		return err
	}

	output, err := s.executor.Execute(ctx, "docker", "restart", name)
	if err != nil {
		return fmt.Errorf("restart %s: %w, output: %s", name, err, strings.TrimSpace(string(output)))
	}

	s.logger.Info().Str("protocol", protocol).Str("container", name).Msg("container restarted")
	return nil
}

// HealthStatus probes a container's health. Containers with a
// healthcheck report its state; containers without one count as
// healthy while running.
func (s *Impl) HealthStatus(ctx context.Context, protocol string) models.HealthState {
	name, err := s.container(protocol)
	if err != nil {
		return models.HealthUnknown
	}

	output, err := s.executor.Execute(ctx, "docker", "inspect", "--format={{.State.Health.Status}}", name)
	if err == nil {
		switch strings.TrimSpace(string(output)) {
		case "healthy":
			return models.HealthHealthy
		case "unhealthy":
			return models.HealthUnhealthy
		}
	}

	output, err = s.executor.Execute(ctx, "docker", "inspect", "--format={{.State.Running}}", name)
	if err != nil {
		return models.HealthUnknown
	}
	if strings.TrimSpace(string(output)) == "true" {
		return models.HealthHealthy
	}
	return models.HealthUnhealthy
}

// StatusAll probes every configured container.
func (s *Impl) StatusAll(ctx context.Context) map[string]models.HealthState {
	out := make(map[string]models.HealthState, len(s.containers))
	for proto := range s.containers {
		out[proto] = s.HealthStatus(ctx, proto)
	}
	return out
}

// Logs returns the tail of a container's log stream.
func (s *Impl) Logs(ctx context.Context, protocol string, tail int) (string, error) {
	name, err := s.container(protocol)
	if err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = 100
	}

	output, err := s.executor.Execute(ctx, "docker", "logs", "--tail", strconv.Itoa(tail), name)
	if err != nil {
		return "", fmt.Errorf("read logs for %s: %w", name, err)
	}
	return string(output), nil
}
