package proof

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

// Signer abstracts proof signing so Session.Finalize and the
// consensus evaluator can operate without caring how a node's key pair
// was provisioned. Narrowed from federation's dual ECDSA/Ed25519
// CryptoProvider interface to Ed25519 only, per spec §6
// ("Signatures are Ed25519").
type Signer interface {
	// NodeID is the base64 encoding of the raw 32-byte Ed25519 public key
	// (spec §6: "worker ids are the base64 of the raw 32-byte public key").
	NodeID() string
	PublicKey() ed25519.PublicKey
	Sign(data []byte) []byte
	EncodePublicKeyPEM() (string, error)
}

// Verifier checks a signature against a node id without needing that
// node's private key — used by the consensus evaluator when validating
// proofs from other nodes.
type Verifier interface {
	Verify(nodeID string, data, signature []byte) (bool, error)
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh Ed25519 key pair for a node.
func NewSigner() (Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 key generation failed: %w", err)
	}
	return &ed25519Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromKey wraps an existing Ed25519 private key, e.g. loaded
// from a keyfile at startup.
func NewSignerFromKey(priv ed25519.PrivateKey) Signer {
	return &ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// LoadSignerFromFile reads a PKCS8-encoded Ed25519 private key from a PEM
// file at path, generating and persisting a fresh one if the file does
// not exist yet — a node's identity should survive restarts (spec §6)
// rather than being a fresh key every run, the way NewSigner always is.
func LoadSignerFromFile(path string) (Signer, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateAndPersist(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading node key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("node key file %s is not valid PEM", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing node private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("node key file %s does not hold an ed25519 key", path)
	}
	return NewSignerFromKey(priv), nil
}

func generateAndPersist(path string) (Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 key generation failed: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling node private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("persisting node key file: %w", err)
	}
	return &ed25519Signer{priv: priv, pub: pub}, nil
}

func (s *ed25519Signer) NodeID() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

func (s *ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

func (s *ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

func (s *ed25519Signer) EncodePublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ed25519 public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// nodeVerifier verifies signatures given only a node id (base64 public
// key) — it never holds a private key.
type nodeVerifier struct{}

// NewVerifier returns a stateless Verifier that decodes node ids into
// Ed25519 public keys on demand.
func NewVerifier() Verifier {
	return nodeVerifier{}
}

func (nodeVerifier) Verify(nodeID string, data, signature []byte) (bool, error) {
	pubBytes, err := base64.StdEncoding.DecodeString(nodeID)
	if err != nil {
		return false, fmt.Errorf("invalid node id: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid ed25519 public key size: got %d, want %d",
			len(pubBytes), ed25519.PublicKeySize)
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), data, signature), nil
}
