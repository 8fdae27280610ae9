package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Errors returned when a stored credential token cannot be read back.
var (
	ErrInvalidTokenFormat = errors.New("vault: invalid token format")
	ErrDecryptionFailed   = errors.New("vault: decryption failed")
)

const (
	// fallbackMasterKey is only acceptable outside production; deployments must
	// provide VAULT_MASTER_KEY.
	fallbackMasterKey = "atrium-dev-master-key"

	kdfIterations = 100_000
	keyLength     = 32
	secretBytes   = 32
)

// kdfSalt is fixed so the same master key always derives the same cipher key.
var kdfSalt = []byte("atrium-credential-vault")

// Vault generates per-tenant database passwords and encrypts them for storage
// in the tenant registry. Tokens are serialized as hex(iv) + ":" + hex(ciphertext)
// using AES-256-CBC with PKCS#7 padding and a fresh IV per call.
type Vault struct {
	key []byte
}

// New derives the cipher key from the master key via PBKDF2-SHA256.
// An empty master key falls back to a fixed development key.
func New(masterKey string) *Vault {
	if strings.TrimSpace(masterKey) == "" {
		masterKey = fallbackMasterKey
	}
	return &Vault{key: pbkdf2.Key([]byte(masterKey), kdfSalt, kdfIterations, keyLength, sha256.New)}
}

// Generate returns a fresh high-entropy secret (256 bits, hex encoded) suitable
// as a database password.
func (v *Vault) Generate() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Encrypt seals the secret under the vault key with a random IV.
func (v *Vault) Encrypt(secret string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(secret), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt is the inverse of Encrypt. It returns ErrInvalidTokenFormat when the
// token does not split into exactly two hex parts, and ErrDecryptionFailed when
// the ciphertext does not decrypt cleanly under the derived key.
func (v *Vault) Decrypt(token string) (string, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		return "", ErrInvalidTokenFormat
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidTokenFormat
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidTokenFormat
	}

	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrDecryptionFailed
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padding)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padding)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
