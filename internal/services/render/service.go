// Package render turns protocol templates plus the active user set into
// validated server configuration documents, one renderer variant per
// protocol family. Output is deterministic: identical inputs produce
// byte-identical documents.
package render

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
	"github.com/stealthvpn/proxyctl/internal/services/store"
)

// Renderer is one protocol family's template-to-document renderer.
type Renderer interface {
	Protocol() string
	Render(settings *models.ServerSettings, users []models.UserRecord) (*models.RenderedConfig, error)
	Validate(content []byte) error
}

// Service defines the interface for config rendering.
type Service interface {
	RenderAll(settings *models.ServerSettings, users []models.UserRecord) *models.RenderReport
	RenderOne(protocol string, settings *models.ServerSettings, users []models.UserRecord) (*models.RenderedConfig, error)
	Validator(protocol string) (func([]byte) error, bool)
}

// Impl implements the render Service interface.
type Impl struct {
	renderers map[string]Renderer
	logger    zerolog.Logger
}

// New creates a render service with the built-in renderer variants
// rooted at configDir.
func New(logger zerolog.Logger, configDir string) *Impl {
	renderers := []Renderer{
		NewXray(configDir),
		NewTrojan(configDir),
		NewSingbox(configDir),
		NewWireGuard(configDir),
	}

	m := make(map[string]Renderer, len(renderers))
	for _, r := range renderers {
		m[r.Protocol()] = r
	}
	return &Impl{renderers: m, logger: logger}
}

// NewWithRenderers creates a render service with custom renderers (for testing).
func NewWithRenderers(logger zerolog.Logger, renderers ...Renderer) *Impl {
	m := make(map[string]Renderer, len(renderers))
	for _, r := range renderers {
		m[r.Protocol()] = r
	}
	return &Impl{renderers: m, logger: logger}
}

// Validator returns the semantic validator for a protocol.
func (s *Impl) Validator(protocol string) (func([]byte) error, bool) {
	r, ok := s.renderers[protocol]
	if !ok {
		return nil, false
	}
	return r.Validate, true
}

// RenderOne renders a single protocol without writing anything.
func (s *Impl) RenderOne(protocol string, settings *models.ServerSettings, users []models.UserRecord) (*models.RenderedConfig, error) {
	r, ok := s.renderers[protocol]
	if !ok {
		return nil, fmt.Errorf("render: %w: %s", models.ErrUnknownProtocol, protocol)
	}

	rc, err := r.Render(settings, users)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(rc.Content); err != nil {
		return nil, err
	}
	return rc, nil
}

// RenderAll renders every enabled protocol and writes each validated
// document through the store's atomic-write primitive. Failures are
// isolated: one protocol's render or validation error never aborts the
// others.
func (s *Impl) RenderAll(settings *models.ServerSettings, users []models.UserRecord) *models.RenderReport {
	report := &models.RenderReport{Failed: make(map[string]error)}

	conflicted := duplicatePorts(settings)

	for _, proto := range settings.EnabledProtocols() {
		if c, ok := conflicted[proto]; ok {
			report.Failed[proto] = fmt.Errorf("render %s: %w: listen port %d also used by %s",
				proto, models.ErrSemanticConflict, c.port, c.other)
			continue
		}

		rc, err := s.RenderOne(proto, settings, users)
		if err != nil {
			s.logger.Error().Err(err).Str("protocol", proto).Msg("render failed")
			report.Failed[proto] = err
			continue
		}

		if err := writeRendered(rc); err != nil {
			s.logger.Error().Err(err).Str("protocol", proto).Msg("writing rendered config failed")
			report.Failed[proto] = err
			continue
		}

		s.logger.Info().Str("protocol", proto).Str("path", rc.Path).Msg("config rendered")
		report.Rendered = append(report.Rendered, *rc)
	}

	return report
}

type portConflict struct {
	port  int
	other string
}

// duplicatePorts maps each enabled protocol whose listen ports collide
// with another enabled protocol (or with its own secondary inbounds) to
// one colliding port and protocol. Sing-box listens on its hysteria2
// and tuic ports as well as the primary one, so all three count.
func duplicatePorts(settings *models.ServerSettings) map[string]portConflict {
	byPort := make(map[int][]string)
	for _, proto := range settings.EnabledProtocols() {
		for _, port := range listenPorts(settings, proto) {
			byPort[port] = append(byPort[port], proto)
		}
	}

	conflicted := make(map[string]portConflict)
	for port, protos := range byPort {
		if len(protos) < 2 {
			continue
		}
		for i, p := range protos {
			if _, ok := conflicted[p]; ok {
				continue
			}
			conflicted[p] = portConflict{port: port, other: protos[(i+1)%len(protos)]}
		}
	}
	return conflicted
}

// listenPorts returns every port a protocol's engine binds on the
// public interface.
func listenPorts(settings *models.ServerSettings, proto string) []int {
	port := settings.Protocols[proto].Port
	ports := []int{port}
	if proto != models.ProtocolSingbox {
		return ports
	}

	for key, def := range map[string]int{"hysteria2_port": port + 1, "tuic_port": port + 2} {
		p, err := strconv.Atoi(settings.TransportOption(proto, key, strconv.Itoa(def)))
		if err != nil {
			continue
		}
		ports = append(ports, p)
	}
	return ports
}

func writeRendered(rc *models.RenderedConfig) error {
	if err := os.MkdirAll(filepath.Dir(rc.Path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := store.WriteAtomic(rc.Path, rc.Content, 0o600); err != nil {
		return fmt.Errorf("write rendered config: %w", err)
	}
	return nil
}

var placeholderRe = regexp.MustCompile(`\{\{[A-Z0-9_]+\}\}`)

// loadTemplate reads the protocol template file, falling back to the
// built-in default when no file exists.
func loadTemplate(path, fallback string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", path, err)
	}
	return string(data), nil
}

// substitute replaces every {{NAME}} placeholder verbatim and fails if
// any placeholder is left unresolved.
func substitute(template string, vars map[string]string) (string, error) {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}

	if unresolved := placeholderRe.FindString(out); unresolved != "" {
		return "", fmt.Errorf("substitute: %w: unresolved placeholder %s", models.ErrInvalidTemplate, unresolved)
	}
	return out, nil
}

// activeUsers returns the active users carrying the protocol's
// credentials, in lexicographic username order so renders are
// reproducible.
func activeUsers(users []models.UserRecord, protocol string) []models.UserRecord {
	var out []models.UserRecord
	for _, u := range users {
		if !u.Active {
			continue
		}
		if _, ok := u.Bundle(protocol); ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
