// Package wallet defines the signing capability the sync engine consumes and
// ships an ed25519 key-pair implementation with an encrypted keystore.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDisconnected means the signing capability went away. Callers must
	// stop using it until PublicKey is non-empty again.
	ErrDisconnected = errors.New("wallet: disconnected")
	// ErrDeclined means the holder refused to sign this payload.
	ErrDeclined = errors.New("wallet: signature declined")
	// ErrBadSignature is returned by Verify.
	ErrBadSignature = errors.New("wallet: signature does not verify")
)

// Signer is the signing capability. PublicKey returns "" when no key is
// available.
type Signer interface {
	PublicKey() string
	SignTransaction(ctx context.Context, payload []byte) ([]byte, error)
}

// Available reports whether s can sign right now.
func Available(s Signer) bool {
	return s != nil && s.PublicKey() != ""
}

// Keypair is an ed25519 Signer that can be disconnected and reconnected,
// and optionally asks an approver before each signature.
type Keypair struct {
	mu        sync.RWMutex
	priv      ed25519.PrivateKey
	connected bool
	approve   func(payload []byte) bool
}

// Generate creates a connected key pair from crypto/rand.
func Generate() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("wallet: generate: %w", err)
	}
	return &Keypair{priv: priv, connected: true}, nil
}

// FromSeed builds a connected key pair from a 32-byte seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("wallet: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Keypair{priv: ed25519.NewKeyFromSeed(seed), connected: true}, nil
}

// SetApprover installs a hook consulted before every signature. A false
// answer yields ErrDeclined. nil removes the hook.
func (k *Keypair) SetApprover(fn func(payload []byte) bool) {
	k.mu.Lock()
	k.approve = fn
	k.mu.Unlock()
}

// Connect makes the key pair available.
func (k *Keypair) Connect() {
	k.mu.Lock()
	k.connected = true
	k.mu.Unlock()
}

// Disconnect makes the key pair unavailable; PublicKey returns "".
func (k *Keypair) Disconnect() {
	k.mu.Lock()
	k.connected = false
	k.mu.Unlock()
}

// PublicKey returns the hex-encoded public key, or "" while disconnected.
// A nil *Keypair is never connected.
func (k *Keypair) PublicKey() string {
	if k == nil {
		return ""
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.connected {
		return ""
	}
	return hex.EncodeToString(k.priv.Public().(ed25519.PublicKey))
}

// SignTransaction signs payload.
func (k *Keypair) SignTransaction(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrDisconnected
	}
	k.mu.RLock()
	connected, approve, priv := k.connected, k.approve, k.priv
	k.mu.RUnlock()

	if !connected {
		return nil, ErrDisconnected
	}
	if approve != nil && !approve(payload) {
		return nil, ErrDeclined
	}
	return ed25519.Sign(priv, payload), nil
}

// Seed returns the private seed, for keystore export.
func (k *Keypair) Seed() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.priv.Seed()
}

// Verify checks an ed25519 signature made by the hex public key.
func Verify(publicKey string, payload, signature []byte) error {
	raw, err := hex.DecodeString(publicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("wallet: malformed public key %q", publicKey)
	}
	if !ed25519.Verify(ed25519.PublicKey(raw), payload, signature) {
		return ErrBadSignature
	}
	return nil
}
