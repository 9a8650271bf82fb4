package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"

	"deskrelay/models"
)

// KeySize is the session key length in bytes.
const KeySize = chacha20poly1305.KeySize

// DeriveSessionKey returns a fresh random session key. Keys are never
// reused across sessions and are discarded when the session ends.
func DeriveSessionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Encrypt seals payload with the session key using ChaCha20-Poly1305.
// The random nonce is prepended to the ciphertext.
func Encrypt(payload, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(payload)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, payload, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Any tamper, truncation,
// or wrong key yields models.ErrDecryptionFailed; callers treat that as
// fatal to the session, never to the process.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, models.ErrDecryptionFailed
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	payload, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, models.ErrDecryptionFailed
	}
	return payload, nil
}

// HashPassword hashes a control password for local storage on the
// target side. The relay only ever forwards plaintext passwords
// opaquely inside control requests.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Fingerprint derives a stable identifier for a transport connection
// from its remote address, the claimed device id, and a per-connection
// nonce. Used for logging and duplicate-binding diagnostics.
func Fingerprint(remoteAddr, deviceID string, nonce []byte) string {
	h := blake3.New()
	h.Write([]byte(remoteAddr))
	h.Write([]byte{0})
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// SelfCheck round-trips the cipher once at startup. A failure here is
// the only fatal-to-process condition in the security layer.
func SelfCheck() error {
	key, err := DeriveSessionKey()
	if err != nil {
		return err
	}
	probe := []byte("deskrelay security self check")
	sealed, err := Encrypt(probe, key)
	if err != nil {
		return err
	}
	opened, err := Decrypt(sealed, key)
	if err != nil {
		return err
	}
	if string(opened) != string(probe) {
		return fmt.Errorf("security self check: cipher round-trip mismatch")
	}
	return nil
}
