package models

import "time"

// Protocol names understood by the system. Each maps to one renderer
// variant and one managed container.
const (
	ProtocolXray      = "xray"
	ProtocolTrojan    = "trojan"
	ProtocolSingbox   = "singbox"
	ProtocolWireGuard = "wireguard"
)

// Protocols lists all supported protocol names in render order.
func Protocols() []string {
	return []string{ProtocolXray, ProtocolTrojan, ProtocolSingbox, ProtocolWireGuard}
}

// CredentialBundle holds the protocol-specific secret material assigned
// to one user for one protocol. The store treats it as opaque; only the
// fields relevant to the owning protocol are set.
type CredentialBundle struct {
	UUID       string `json:"uuid,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	PublicKey  string `json:"public_key,omitempty"`

	// Sing-box carries several sub-protocols in one bundle.
	ShadowTLSPassword   string `json:"shadowtls_password,omitempty"`
	ShadowsocksPassword string `json:"shadowsocks_password,omitempty"`
	Hysteria2Password   string `json:"hysteria2_password,omitempty"`
	TUICUUID            string `json:"tuic_uuid,omitempty"`
	TUICPassword        string `json:"tuic_password,omitempty"`

	// WireGuard peer address inside the tunnel subnet, assigned by the
	// store at creation time so renders stay stable across user churn.
	Address string `json:"address,omitempty"`
}

// UserRecord is one provisioned user. The username is the immutable
// store key; credential bundles are keyed by protocol name and are only
// replaced through the explicit rotate operation.
type UserRecord struct {
	Username    string                      `json:"username"`
	CreatedAt   time.Time                   `json:"created_at"`
	LastSeen    *time.Time                  `json:"last_seen,omitempty"`
	Active      bool                        `json:"active"`
	Credentials map[string]CredentialBundle `json:"credentials"`
}

// Bundle returns the credential bundle for a protocol and whether the
// user carries one.
func (u *UserRecord) Bundle(protocol string) (CredentialBundle, bool) {
	b, ok := u.Credentials[protocol]
	return b, ok
}
