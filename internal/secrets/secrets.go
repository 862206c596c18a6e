// Package secrets implements the credential sealing scheme: AES-256-GCM
// with a key derived from the process secret via PBKDF2-HMAC-SHA256
// (100,000 iterations, random per-value salt).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	iterations = 100_000
	keyLen     = 32
	saltLen    = 16
)

var ErrMalformed = errors.New("malformed ciphertext")

// Derive stretches the process secret into an AES key for the given salt.
func Derive(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, iterations, keyLen, sha256.New)
}

// EncryptGCM seals plaintext with the given key and a fresh nonce.
func EncryptGCM(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// DecryptGCM opens a sealed value.
func DecryptGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Codec seals and opens string credentials, packing salt, nonce and
// ciphertext into a single base64 value for single-column storage.
type Codec struct {
	secret string
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: secret}
}

// Seal encrypts a credential value for storage.
func (c *Codec) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := Derive(c.secret, salt)
	nonce, ct, err := EncryptGCM(key, []byte(plaintext))
	if err != nil {
		return "", err
	}

	packed := make([]byte, 0, len(salt)+len(nonce)+len(ct))
	packed = append(packed, salt...)
	packed = append(packed, nonce...)
	packed = append(packed, ct...)
	return base64.StdEncoding.EncodeToString(packed), nil
}

// Open decrypts a stored credential value.
func (c *Codec) Open(sealed string) (string, error) {
	packed, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformed
	}
	// salt + 12-byte GCM nonce must fit before any ciphertext
	if len(packed) < saltLen+12 {
		return "", ErrMalformed
	}
	salt, rest := packed[:saltLen], packed[saltLen:]
	nonce, ct := rest[:12], rest[12:]

	key := Derive(c.secret, salt)
	plaintext, err := DecryptGCM(key, nonce, ct)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
