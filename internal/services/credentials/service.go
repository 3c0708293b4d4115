// Package credentials generates protocol-specific secret material.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
	"golang.org/x/crypto/curve25519"
)

// Service defines the interface for credential generation. Generation
// is a pure "make new" operation: it never reads existing state.
type Service interface {
	Generate(protocol string) (models.CredentialBundle, error)
	GenerateAll(protocols []string) (map[string]models.CredentialBundle, error)
	GenerateKeyPair() (privateKey, publicKey string, err error)
}

// RandReader allows injecting a failing random source in tests.
type RandReader func(b []byte) (int, error)

// Impl implements the credentials Service interface.
type Impl struct {
	readRand RandReader
	logger   zerolog.Logger
}

// New creates a new credential generator.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		readRand: rand.Read,
		logger:   logger,
	}
}

// NewWithRand creates a generator with a custom random source (for testing).
func NewWithRand(logger zerolog.Logger, r RandReader) *Impl {
	return &Impl{
		readRand: r,
		logger:   logger,
	}
}

// Generate returns a fresh credential bundle for the given protocol.
// A failure to read the platform random source is fatal and surfaces
// as ErrEntropyUnavailable; it is never retried silently.
func (s *Impl) Generate(protocol string) (models.CredentialBundle, error) {
	switch protocol {
	case models.ProtocolXray:
		id, err := s.newUUID()
		if err != nil {
			return models.CredentialBundle{}, err
		}
		return models.CredentialBundle{UUID: id}, nil

	case models.ProtocolTrojan:
		pw, err := s.newSecret()
		if err != nil {
			return models.CredentialBundle{}, err
		}
		return models.CredentialBundle{Password: pw}, nil

	case models.ProtocolSingbox:
		return s.generateSingbox()

	case models.ProtocolWireGuard:
		priv, pub, err := s.GenerateKeyPair()
		if err != nil {
			return models.CredentialBundle{}, err
		}
		return models.CredentialBundle{PrivateKey: priv, PublicKey: pub}, nil

	default:
		return models.CredentialBundle{}, fmt.Errorf("generate credentials: %w: %s", models.ErrUnknownProtocol, protocol)
	}
}

// GenerateAll returns one fresh bundle per requested protocol.
func (s *Impl) GenerateAll(protocols []string) (map[string]models.CredentialBundle, error) {
	bundles := make(map[string]models.CredentialBundle, len(protocols))
	for _, proto := range protocols {
		b, err := s.Generate(proto)
		if err != nil {
			return nil, err
		}
		bundles[proto] = b
	}
	return bundles, nil
}

// GenerateKeyPair produces a Curve25519 key pair in base64, used for
// WireGuard peers and the Xray Reality server key.
func (s *Impl) GenerateKeyPair() (string, string, error) {
	var priv [32]byte
	if _, err := s.readRand(priv[:]); err != nil {
		return "", "", fmt.Errorf("generate key pair: %w: %v", models.ErrEntropyUnavailable, err)
	}

	// Standard Curve25519 scalar clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(priv[:]), base64.StdEncoding.EncodeToString(pub), nil
}

func (s *Impl) generateSingbox() (models.CredentialBundle, error) {
	var bundle models.CredentialBundle
	var err error

	if bundle.ShadowTLSPassword, err = s.newSecret(); err != nil {
		return models.CredentialBundle{}, err
	}
	if bundle.ShadowsocksPassword, err = s.newSecret(); err != nil {
		return models.CredentialBundle{}, err
	}
	if bundle.Hysteria2Password, err = s.newSecret(); err != nil {
		return models.CredentialBundle{}, err
	}
	if bundle.TUICUUID, err = s.newUUID(); err != nil {
		return models.CredentialBundle{}, err
	}
	if bundle.TUICPassword, err = s.newSecret(); err != nil {
		return models.CredentialBundle{}, err
	}

	return bundle, nil
}

// newSecret returns 256 bits of randomness, base64url encoded.
func (s *Impl) newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := s.readRand(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w: %v", models.ErrEntropyUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// newUUID returns a random (version 4) UUID string.
func (s *Impl) newUUID() (string, error) {
	buf := make([]byte, 16)
	if _, err := s.readRand(buf); err != nil {
		return "", fmt.Errorf("generate uuid: %w: %v", models.ErrEntropyUnavailable, err)
	}
	id, err := uuid.FromBytes(buf)
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String(), nil
}
