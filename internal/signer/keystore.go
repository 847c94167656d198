package signer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"sonnun/internal/logging"
	"sonnun/internal/security"
)

// maxKeyFileSize bounds key files read from disk.
const maxKeyFileSize = 16 * 1024

// KeyStore persists one key pair on disk: the private key as an OpenSSH
// PEM readable only by the owner, and the public key as an
// authorized_keys line. Reads and writes hold an advisory lock so two
// processes never observe a half-written pair.
type KeyStore struct {
	privatePath string
	publicPath  string
	lockPath    string

	logger *slog.Logger
	audit  *logging.AuditLogger
}

// NewKeyStore returns a store for the key at privatePath. An empty
// publicPath defaults to privatePath + ".pub".
func NewKeyStore(privatePath, publicPath string) *KeyStore {
	if publicPath == "" {
		publicPath = privatePath + ".pub"
	}
	return &KeyStore{
		privatePath: privatePath,
		publicPath:  publicPath,
		lockPath:    privatePath + ".lock",
		logger:      slog.Default().With("component", "keystore"),
	}
}

// WithLogger sets the logger.
func (s *KeyStore) WithLogger(l *slog.Logger) *KeyStore {
	if l != nil {
		s.logger = l.With("component", "keystore")
	}
	return s
}

// WithAudit records key generation and access in the audit log.
func (s *KeyStore) WithAudit(a *logging.AuditLogger) *KeyStore {
	s.audit = a
	return s
}

// PrivatePath returns the private key location.
func (s *KeyStore) PrivatePath() string { return s.privatePath }

// PublicPath returns the public key location.
func (s *KeyStore) PublicPath() string { return s.publicPath }

// Exists reports whether a private key file is present.
func (s *KeyStore) Exists() bool {
	_, err := os.Stat(s.privatePath)
	return err == nil
}

// Persist writes kp to disk, replacing any existing pair.
func (s *KeyStore) Persist(kp *KeyPair) error {
	pemBytes, err := MarshalPrivateKey(kp)
	if err != nil {
		return err
	}
	defer security.Wipe(pemBytes)

	err = security.WithLock(s.lockPath, func() error {
		if err := security.WriteSecretFile(s.privatePath, pemBytes); err != nil {
			return fmt.Errorf("signer: write private key: %w", err)
		}
		pub := []byte(AuthorizedKey(kp.public) + "\n")
		if err := security.WriteSecureFile(s.publicPath, pub, security.PermPublicFile); err != nil {
			return fmt.Errorf("signer: write public key: %w", err)
		}
		return nil
	})
	if err != nil {
		s.audit.LogError(context.Background(), "persist_key", err)
		return err
	}

	s.logger.Info("key pair persisted", "key_path", s.privatePath, "fingerprint", kp.Fingerprint())
	s.audit.LogKeyGenerated(context.Background(), kp.Fingerprint())
	return nil
}

// Load reads the key pair. It returns ErrKeyNotFound when no private key
// file exists, and refuses key files readable by other users.
func (s *KeyStore) Load() (*KeyPair, error) {
	var kp *KeyPair
	err := security.WithLock(s.lockPath, func() error {
		data, err := security.ReadSecureFile(s.privatePath, maxKeyFileSize)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return ErrKeyNotFound
			}
			return fmt.Errorf("signer: read key: %w", err)
		}
		return security.GuardedExec(data, func(b []byte) error {
			kp, err = ParsePrivateKey(b)
			return err
		})
	})
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			s.audit.LogKeyAccess(context.Background(), "", "load", false)
		}
		return nil, err
	}
	s.audit.LogKeyAccess(context.Background(), kp.Fingerprint(), "load", true)
	return kp, nil
}

// LoadPublic reads only the public key.
func (s *KeyStore) LoadPublic() (ed25519.PublicKey, error) {
	data, err := os.ReadFile(s.publicPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("signer: read public key: %w", err)
	}
	return ParsePublicKey(data)
}

// WithKey loads the key pair, runs fn with it and wipes the private half
// afterwards, whatever fn returns.
func (s *KeyStore) WithKey(fn func(*KeyPair) error) error {
	kp, err := s.Load()
	if err != nil {
		return err
	}
	defer kp.Wipe()
	return fn(kp)
}
