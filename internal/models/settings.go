package models

import "time"

// ProtocolSettings holds one protocol's listening parameters.
type ProtocolSettings struct {
	Enabled   bool              `json:"enabled"`
	Port      int               `json:"port"`
	Transport map[string]string `json:"transport,omitempty"` // e.g. websocket_path, subnet
}

// ServerSettings is the singleton server-wide configuration shared by
// all renderers. It lives inside the user store document and is only
// changed through the explicit settings-update operation.
type ServerSettings struct {
	Domain string `json:"domain"`

	// Server-side key material, generated once at store initialization.
	WireGuardPrivateKey string `json:"wireguard_private_key"`
	WireGuardPublicKey  string `json:"wireguard_public_key"`
	RealityPrivateKey   string `json:"reality_private_key"`
	RealityPublicKey    string `json:"reality_public_key"`

	Protocols map[string]ProtocolSettings `json:"protocols"`
	CreatedAt time.Time                   `json:"created_at"`
}

// Enabled reports whether a protocol is enabled in the settings.
func (s *ServerSettings) EnabledProtocol(protocol string) bool {
	p, ok := s.Protocols[protocol]
	return ok && p.Enabled
}

// EnabledProtocols returns the enabled protocol names in render order.
func (s *ServerSettings) EnabledProtocols() []string {
	var out []string
	for _, p := range Protocols() {
		if s.EnabledProtocol(p) {
			out = append(out, p)
		}
	}
	return out
}

// TransportOption returns a transport option with a fallback default.
func (s *ServerSettings) TransportOption(protocol, key, def string) string {
	p, ok := s.Protocols[protocol]
	if !ok {
		return def
	}
	if v, ok := p.Transport[key]; ok && v != "" {
		return v
	}
	return def
}
