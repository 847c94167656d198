// Package signer owns the author's Ed25519 key pair and signs manifests.
package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"sonnun/internal/security"
	"sonnun/pkg/artifact"
)

// Errors
var (
	ErrInvalidKeyFormat = errors.New("signer: invalid key format")
	ErrUnsupportedKey   = errors.New("signer: unsupported key type (expected Ed25519)")
	ErrKeyDecryption    = errors.New("signer: key is encrypted (passphrase required)")
	ErrKeyNotFound      = errors.New("signer: key not found")
	ErrNoKey            = errors.New("signer: no private key loaded")
)

// KeyGenerationError reports a failure to create a key pair. No partial key
// is ever returned alongside it.
type KeyGenerationError struct {
	Err error
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("signer: key generation failed: %v", e.Err)
}

func (e *KeyGenerationError) Unwrap() error { return e.Err }

// SigningError reports a failure to produce a signed manifest.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signer: signing failed: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// KeyPair is an Ed25519 key pair. The private half is never formatted or
// logged; String and LogValue render the public fingerprint only.
type KeyPair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh key pair from rand.
func GenerateKeyPair(rand io.Reader) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, &KeyGenerationError{Err: err}
	}
	return &KeyPair{public: pub, private: priv}, nil
}

// NewKeyPair wraps an existing private key. The slice is copied.
func NewKeyPair(priv ed25519.PrivateKey) (*KeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrInvalidKeyFormat, len(priv))
	}
	own := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(own, priv)
	return &KeyPair{public: own.Public().(ed25519.PublicKey), private: own}, nil
}

// PublicKey returns the public half.
func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return k.public
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of the public key.
func (k *KeyPair) Fingerprint() string {
	return Fingerprint(k.public)
}

func (k *KeyPair) String() string {
	return "ed25519 " + k.Fingerprint()
}

// LogValue implements slog.LogValuer.
func (k *KeyPair) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", "ed25519"),
		slog.String("fingerprint", k.Fingerprint()),
	)
}

// Wipe zeroes the private half. The pair can no longer sign.
func (k *KeyPair) Wipe() {
	security.Wipe(k.private)
	k.private = nil
}

func (k *KeyPair) sign(msg []byte) ([]byte, error) {
	if len(k.private) != ed25519.PrivateKeySize {
		return nil, ErrNoKey
	}
	return ed25519.Sign(k.private, msg), nil
}

// ParsePrivateKey decodes a private key in any supported format: a raw
// 32-byte seed, a raw 64-byte key, or an unencrypted OpenSSH PEM.
func ParsePrivateKey(data []byte) (*KeyPair, error) {
	switch len(data) {
	case ed25519.SeedSize:
		return NewKeyPair(ed25519.NewKeyFromSeed(data))
	case ed25519.PrivateKeySize:
		return NewKeyPair(ed25519.PrivateKey(data))
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKeyFormat
	}

	parsed, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrKeyDecryption
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}

	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return NewKeyPair(*k)
	case ed25519.PrivateKey:
		return NewKeyPair(k)
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}

// MarshalPrivateKey encodes the private key as an OpenSSH PEM block.
func MarshalPrivateKey(k *KeyPair) ([]byte, error) {
	if len(k.private) != ed25519.PrivateKeySize {
		return nil, ErrNoKey
	}
	block, err := ssh.MarshalPrivateKey(k.private, "sonnun signing key")
	if err != nil {
		return nil, fmt.Errorf("signer: marshal key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// ParsePublicKey decodes a raw 32-byte key or an authorized_keys line.
func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(data), nil
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	cpk, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	edPub, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, cpk.CryptoPublicKey())
	}
	return edPub, nil
}

// EncodePublicKey returns the standard base64 form embedded in artifacts.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// AuthorizedKey returns the public key as a single authorized_keys line
// without the trailing newline.
func AuthorizedKey(pub ed25519.PublicKey) string {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return ""
	}
	line := ssh.MarshalAuthorizedKey(sshPub)
	return string(line[:len(line)-1])
}

// Fingerprint returns the SHA256 fingerprint in OpenSSH notation.
func Fingerprint(pub ed25519.PublicKey) string {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "invalid"
	}
	return ssh.FingerprintSHA256(sshPub)
}

// Signer signs manifests with one key pair, one operation at a time.
type Signer struct {
	mu     sync.Mutex
	key    *KeyPair
	now    func() time.Time
	logger *slog.Logger
}

// New creates a signer for key.
func New(key *KeyPair, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		key:    key,
		now:    time.Now,
		logger: logger.With("component", "signer"),
	}
}

// WithClock overrides the signed_at clock.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign canonicalizes m and signs the canonical bytes.
func (s *Signer) Sign(m *artifact.Manifest) (*artifact.SignedManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		return nil, &SigningError{Err: ErrNoKey}
	}
	if m == nil {
		return nil, &SigningError{Err: errors.New("nil manifest")}
	}

	canonical, err := m.Canonical()
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	sig, err := s.key.sign(canonical)
	if err != nil {
		return nil, &SigningError{Err: err}
	}

	signed := &artifact.SignedManifest{
		Manifest:  canonical,
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: EncodePublicKey(s.key.public),
		SignedAt:  s.now().UTC(),
	}
	s.logger.Debug("manifest signed",
		"identity", s.key,
		"document_hash", m.DocumentHash,
		"events", len(m.Events))
	return signed, nil
}

// PublicKey returns the signing key's public half.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.public
}
