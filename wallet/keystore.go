package wallet

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// Keystore parameters. N=2^15 keeps unlocking under a second on a laptop.
const (
	keystoreVersion = 1
	scryptN         = 1 << 15
	scryptR         = 8
	scryptP         = 1
)

// ErrWrongPassphrase is returned when the keystore cannot be opened.
var ErrWrongPassphrase = errors.New("wallet: wrong passphrase or corrupted keystore")

type keystoreFile struct {
	Version    int    `json:"version"`
	PublicKey  string `json:"public_key"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SaveKeystore writes k's seed to path, sealed with a key derived from
// passphrase (scrypt + nacl/secretbox). The file is created 0600.
func SaveKeystore(path string, k *Keypair, passphrase []byte) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("wallet: salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("wallet: nonce: %w", err)
	}

	pub := k.PublicKey()
	if pub == "" {
		return ErrDisconnected
	}
	ks := keystoreFile{
		Version:    keystoreVersion,
		PublicKey:  pub,
		Salt:       salt,
		Nonce:      nonce[:],
		Ciphertext: secretbox.Seal(nil, k.Seed(), &nonce, key),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("wallet: encode keystore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("wallet: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("wallet: write keystore: %w", err)
	}
	return nil
}

// LoadKeystore opens the keystore at path and returns a connected key pair.
func LoadKeystore(path string, passphrase []byte) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wallet: read keystore: %w", err)
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("wallet: decode keystore: %w", err)
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("wallet: unsupported keystore version %d", ks.Version)
	}
	if len(ks.Nonce) != 24 {
		return nil, ErrWrongPassphrase
	}
	key, err := deriveKey(passphrase, ks.Salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], ks.Nonce)
	seed, ok := secretbox.Open(nil, ks.Ciphertext, &nonce, key)
	if !ok {
		return nil, ErrWrongPassphrase
	}
	kp, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	if kp.PublicKey() != ks.PublicKey {
		return nil, fmt.Errorf("wallet: keystore public key mismatch")
	}
	return kp, nil
}

func deriveKey(passphrase, salt []byte) (*[32]byte, error) {
	raw, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive key: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
