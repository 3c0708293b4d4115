// Package reload applies newly rendered configuration to running
// protocol engines: validate, signal, then confirm health within a
// bounded wait. Each protocol runs its own independent state machine.
package reload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
	"github.com/stealthvpn/proxyctl/internal/services/dockerctl"
)

// Validator checks a rendered document before any reload is attempted.
type Validator func(content []byte) error

// ValidatorLookup resolves the semantic validator for a protocol.
type ValidatorLookup func(protocol string) (func([]byte) error, bool)

// Service defines the interface for the reload coordinator.
type Service interface {
	Apply(ctx context.Context, rendered *models.RenderedConfig) *models.ReloadResult
	States() map[string]models.ReloadState
}

// Impl implements the reload Service interface.
type Impl struct {
	dockerSvc  dockerctl.Service
	validators ValidatorLookup
	health     models.HealthSettings
	logger     zerolog.Logger

	mu     sync.Mutex
	seq    map[string]*sync.Mutex
	states map[string]models.ReloadState
}

// New creates a new reload coordinator.
func New(logger zerolog.Logger, dockerSvc dockerctl.Service, validators ValidatorLookup, health models.HealthSettings) *Impl {
	return &Impl{
		dockerSvc:  dockerSvc,
		validators: validators,
		health:     health,
		logger:     logger,
		seq:        make(map[string]*sync.Mutex),
		states:     make(map[string]models.ReloadState),
	}
}

// States returns the current state of every protocol's state machine.
func (s *Impl) States() map[string]models.ReloadState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.ReloadState, len(s.states))
	for proto, st := range s.states {
		out[proto] = st
	}
	for _, proto := range models.Protocols() {
		if _, ok := out[proto]; !ok {
			out[proto] = models.ReloadIdle
		}
	}
	return out
}

func (s *Impl) setState(protocol string, state models.ReloadState) {
	s.mu.Lock()
	s.states[protocol] = state
	s.mu.Unlock()
}

// protoMutex returns the mutex serializing one protocol's reload
// sequence. Sequences for different protocols interleave freely.
func (s *Impl) protoMutex(protocol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.seq[protocol]
	if !ok {
		m = &sync.Mutex{}
		s.seq[protocol] = m
	}
	return m
}

// Apply runs one reload sequence for the rendered config's protocol:
// Validating, then Reloading, then Healthy once the engine confirms
// within the bounded wait. Validation failure leaves the previously
// applied configuration active. A failed health probe leaves the new
// config file in place (it is already durably written) and records
// ReloadFailed; rollback is a distinct operator decision, since the
// engine may have partially applied the new config.
func (s *Impl) Apply(ctx context.Context, rendered *models.RenderedConfig) *models.ReloadResult {
	proto := rendered.Protocol
	start := time.Now()

	m := s.protoMutex(proto)
	m.Lock()
	defer m.Unlock()

	result := &models.ReloadResult{Protocol: proto}
	finish := func(state models.ReloadState, err error) *models.ReloadResult {
		s.setState(proto, state)
		result.State = state
		result.Duration = time.Since(start)
		result.Error = err
		return result
	}

	s.setState(proto, models.ReloadValidating)
	validate, ok := s.validators(proto)
	if !ok {
		return finish(models.ReloadValidationFailed, fmt.Errorf("apply %s: %w", proto, models.ErrUnknownProtocol))
	}
	if err := validate(rendered.Content); err != nil {
		s.logger.Error().Err(err).Str("protocol", proto).Msg("validation failed, previous config stays active")
		return finish(models.ReloadValidationFailed, err)
	}

	s.setState(proto, models.ReloadReloading)
	if err := s.dockerSvc.Reload(ctx, proto); err != nil {
		s.logger.Error().Err(err).Str("protocol", proto).Msg("reload instruction failed")
		return finish(models.ReloadFailed, fmt.Errorf("apply %s: %w: %v", proto, models.ErrReloadFailed, err))
	}

	if err := s.awaitHealthy(ctx, proto); err != nil {
		s.logger.Error().Err(err).Str("protocol", proto).Msg("engine did not become healthy, new config left in place")
		return finish(models.ReloadFailed, err)
	}

	s.logger.Info().Str("protocol", proto).Dur("duration", time.Since(start)).Msg("reload confirmed healthy")
	return finish(models.ReloadHealthy, nil)
}

// awaitHealthy polls the engine's health until it reports healthy or
// the bounded wait expires.
func (s *Impl) awaitHealthy(ctx context.Context, protocol string) error {
	ctx, cancel := context.WithTimeout(ctx, s.health.Timeout)
	defer cancel()

	ticker := time.NewTicker(s.health.Interval)
	defer ticker.Stop()

	for {
		if s.dockerSvc.HealthStatus(ctx, protocol) == models.HealthHealthy {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("apply %s: %w: engine not healthy within %s", protocol, models.ErrReloadFailed, s.health.Timeout)
		case <-ticker.C:
		}
	}
}
