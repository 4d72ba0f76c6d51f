package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Gobusters/ectologger"
)

var (
	// ErrDecryption is returned when a ciphertext cannot be opened, whether
	// from tampering, a wrong key, or a malformed envelope.
	ErrDecryption = errors.New("vault: decryption failed")
	// ErrSerialization is returned when a structured payload cannot be
	// encoded or decoded.
	ErrSerialization = errors.New("vault: serialization failed")
)

// Vault encrypts credential bundles with AES-256-GCM. Every ciphertext is
// prefixed with the id of the key that sealed it, and rotated-out keys stay
// in the keyring so old ciphertexts remain readable until rewritten.
type Vault struct {
	mu       sync.RWMutex
	activeID string
	keys     map[string]cipher.AEAD
	logger   ectologger.Logger
}

// New builds a vault from the configured secret. The secret is run through
// sha256 so any length works.
func New(secret string, logger ectologger.Logger) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault: secret must not be empty")
	}

	v := &Vault{
		keys:   make(map[string]cipher.AEAD),
		logger: logger,
	}

	id, err := v.addKey(secret)
	if err != nil {
		return nil, err
	}
	v.activeID = id

	return v, nil
}

// NewWithGeneratedKey builds a vault with a random throwaway key. Anything
// it encrypts is unreadable after restart, so this is only suitable outside
// production.
func NewWithGeneratedKey(logger ectologger.Logger) (*Vault, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("vault: failed to generate key: %w", err)
	}

	logger.Warn("no vault secret configured; generated a throwaway key, stored credentials will not survive a restart")
	return New(hex.EncodeToString(buf), logger)
}

func (v *Vault) addKey(secret string) (string, error) {
	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("vault: failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: failed to create gcm: %w", err)
	}

	id := keyID(secret)
	v.keys[id] = aead
	return id, nil
}

// keyID derives a stable short identifier from the key material without
// revealing it.
func keyID(secret string) string {
	sum := sha256.Sum256([]byte("key-id:" + secret))
	return hex.EncodeToString(sum[:4])
}

// ActiveKeyID returns the id of the key new ciphertexts are sealed with.
func (v *Vault) ActiveKeyID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.activeID
}

// RotateKey adds a new active key derived from the given secret. Previous
// keys are retained for decryption only. Returns the new key id.
func (v *Vault) RotateKey(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("vault: secret must not be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	id, err := v.addKey(secret)
	if err != nil {
		return "", err
	}
	v.activeID = id

	v.logger.WithField("key_id", id).Info("vault key rotated")
	return id, nil
}

// Encrypt seals the plaintext with the active key. The result is
// "keyID:hex(nonce||ciphertext)".
func (v *Vault) Encrypt(plaintext string) (string, error) {
	v.mu.RLock()
	aead := v.keys[v.activeID]
	id := v.activeID
	v.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return id + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt, using whichever keyring
// entry sealed it.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	id, payload, found := strings.Cut(ciphertext, ":")
	if !found {
		return "", ErrDecryption
	}

	v.mu.RLock()
	aead, ok := v.keys[id]
	v.mu.RUnlock()
	if !ok {
		v.logger.WithField("key_id", id).Warn("ciphertext references a key not in the keyring")
		return "", ErrDecryption
	}

	raw, err := hex.DecodeString(payload)
	if err != nil {
		return "", ErrDecryption
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrDecryption
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryption
	}

	return string(plaintext), nil
}

// EncryptStructured seals a credential bundle as JSON.
func (v *Vault) EncryptStructured(data map[string]string) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", ErrSerialization
	}
	return v.Encrypt(string(raw))
}

// DecryptStructured opens a ciphertext produced by EncryptStructured.
func (v *Vault) DecryptStructured(ciphertext string) (map[string]string, error) {
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}

	var data map[string]string
	if err := json.Unmarshal([]byte(plaintext), &data); err != nil {
		return nil, ErrSerialization
	}
	return data, nil
}
