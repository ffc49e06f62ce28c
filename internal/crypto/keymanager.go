// Package crypto provides wallet key management, EIP-712 order signing, and
// HMAC request authentication for the venue API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// keyfile is the on-disk envelope for an encrypted signing key. The KDF
// iteration count is recorded per file so it can be raised later without
// invalidating existing keyfiles.
type keyfile struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`   // base64
	Nonce      string `json:"nonce"`  // base64
	Sealed     string `json:"sealed"` // base64 AES-256-GCM ciphertext
}

const (
	keyfileVersion = 1
	keyfileKDF     = "pbkdf2-sha256"

	// OWASP-recommended floor for PBKDF2-HMAC-SHA256.
	defaultIterations = 600_000

	saltLen   = 16
	aesKeyLen = 32 // AES-256
)

// KeyConfig carries the information LoadKey needs to resolve a signing key.
type KeyConfig struct {
	// RawPrivateKey is the hex-encoded key, with or without the 0x prefix.
	// When set it wins over the keyfile.
	RawPrivateKey string

	// EncryptedKeyPath points at a keyfile produced by EncryptKey.
	EncryptedKeyPath string

	// KeyPassword decrypts the keyfile at EncryptedKeyPath.
	KeyPassword string
}

// LoadKey resolves the signing key: a raw hex key when configured, otherwise
// the encrypted keyfile. The returned key has no 0x prefix.
func LoadKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		k := strings.TrimPrefix(cfg.RawPrivateKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: raw private key is not valid hex: %w", err)
		}
		return k, nil
	}

	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: read keyfile: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	}

	return "", errors.New("crypto: no key source configured")
}

// EncryptKey seals a hex-encoded private key under a password and returns the
// keyfile JSON.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: empty password")
	}
	key, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := aead(password, salt, defaultIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	kf := keyfile{
		Version:    keyfileVersion,
		KDF:        keyfileKDF,
		Iterations: defaultIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Sealed:     base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, key, nil)),
	}
	return json.MarshalIndent(kf, "", "  ")
}

// DecryptKey opens a keyfile and returns the hex-encoded key without prefix.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: empty password")
	}

	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse keyfile: %w", err)
	}
	if kf.Version != keyfileVersion || kf.KDF != keyfileKDF {
		return "", fmt.Errorf("crypto: unsupported keyfile format %q v%d", kf.KDF, kf.Version)
	}
	if kf.Iterations < 1 {
		return "", errors.New("crypto: keyfile iteration count missing")
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(kf.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(kf.Sealed)
	if err != nil {
		return "", fmt.Errorf("crypto: decode sealed key: %w", err)
	}

	gcm, err := aead(password, salt, kf.Iterations)
	if err != nil {
		return "", err
	}
	key, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open keyfile (wrong password?): %w", err)
	}
	return hex.EncodeToString(key), nil
}

// aead derives the AES-256 key from the password and returns the GCM mode.
func aead(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}
