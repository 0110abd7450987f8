package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Signer holds the Ed25519 key that signs journal entries.
// The private key is stored hex-encoded at keyPath with 0600 permissions.
type Signer struct {
	mu         sync.RWMutex
	keyPath    string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner loads the key at keyPath, generating and persisting a fresh one
// when the file does not exist. A present but corrupt key file is an error:
// silently replacing it would orphan every signature made with it.
func NewSigner(keyPath string) (*Signer, error) {
	if keyPath == "" {
		return nil, errors.New("key path must not be empty")
	}

	privateKey, err := loadPrivateKey(keyPath)
	switch {
	case err == nil:
		return &Signer{
			keyPath:    keyPath,
			privateKey: privateKey,
			publicKey:  privateKey.Public().(ed25519.PublicKey),
		}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("loading key %s: %w", keyPath, err)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	if err := savePrivateKey(keyPath, privateKey); err != nil {
		return nil, fmt.Errorf("saving private key: %w", err)
	}
	return &Signer{keyPath: keyPath, privateKey: privateKey, publicKey: publicKey}, nil
}

// SignHash signs the hash string as-is and returns a hex signature.
func (s *Signer) SignHash(hash string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hex.EncodeToString(ed25519.Sign(s.privateKey, []byte(hash)))
}

// PublicKey returns the hex-encoded public key.
func (s *Signer) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hex.EncodeToString(s.publicKey)
}

// VerifySignature reports whether signatureHex is a valid signature of hash
// under the signer's current key.
func (s *Signer) VerifySignature(hash, signatureHex string) bool {
	s.mu.RLock()
	pub := s.publicKey
	s.mu.RUnlock()
	return VerifyHex(hex.EncodeToString(pub), []byte(hash), signatureHex)
}

// RotateKey replaces the key on disk and in memory and returns the old and
// new public keys. Entries signed before rotation verify only against the old key.
func (s *Signer) RotateKey() (oldPubKey, newPubKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating new keypair: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := savePrivateKey(s.keyPath, priv); err != nil {
		return "", "", fmt.Errorf("saving rotated key: %w", err)
	}
	oldPubKey = hex.EncodeToString(s.publicKey)
	s.privateKey, s.publicKey = priv, pub
	return oldPubKey, hex.EncodeToString(pub), nil
}

// ParsePublicKey decodes a hex Ed25519 public key.
func ParsePublicKey(pubHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(pubHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyHex checks a hex signature over msg against a hex public key.
// Any decode failure is reported as an invalid signature.
func VerifyHex(pubHex string, msg []byte, signatureHex string) bool {
	pub, err := ParsePublicKey(pubHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}
	return ed25519.PrivateKey(keyBytes), nil
}

func savePrivateKey(path string, key ed25519.PrivateKey) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600)
}
