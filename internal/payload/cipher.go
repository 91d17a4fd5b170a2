// Package payload encrypts SDP blobs at rest. Every user gets a distinct
// AES-256 key derived from their raw user id, so a leaked database row is
// useless without the identity that produced it.
package payload

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 32
	ivSize  = aes.BlockSize

	keyInfo = "sdp-rendezvous payload v1"
)

// ErrDecryption is matched by every *DecryptionError.
var ErrDecryption = errors.New("payload decryption failed")

// DecryptionError reports why a ciphertext was rejected.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "payload decryption failed: " + e.Reason
}

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// Cipher is AES-256-CBC with PKCS#7 padding and a random IV prepended to
// the ciphertext. The zero value uses an empty HKDF salt.
type Cipher struct {
	salt []byte
	rand io.Reader
}

// New returns a Cipher whose keys are derived with the given server salt.
func New(salt []byte) *Cipher {
	return &Cipher{salt: bytes.Clone(salt), rand: rand.Reader}
}

func (c *Cipher) key(userID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(userID), c.salt, []byte(keyInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving payload key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext for userID. The output is IV || ciphertext and is
// always at least two blocks long.
func (c *Cipher) Encrypt(userID string, plaintext []byte) ([]byte, error) {
	key, err := c.key(userID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	padded := pad(plaintext)
	out := make([]byte, ivSize+len(padded))
	iv := out[:ivSize]
	source := c.rand
	if source == nil {
		source = rand.Reader
	}
	if _, err := io.ReadFull(source, iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt for the same userID. Malformed
// input yields a *DecryptionError. A wrong key usually fails the padding
// check; when it happens to pass, the result is not the original plaintext.
func (c *Cipher) Decrypt(userID string, sealed []byte) ([]byte, error) {
	if len(sealed) < ivSize+aes.BlockSize {
		return nil, &DecryptionError{Reason: "ciphertext too short"}
	}
	if (len(sealed)-ivSize)%aes.BlockSize != 0 {
		return nil, &DecryptionError{Reason: "ciphertext is not block aligned"}
	}

	key, err := c.key(userID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	plain := make([]byte, len(sealed)-ivSize)
	cipher.NewCBCDecrypter(block, sealed[:ivSize]).CryptBlocks(plain, sealed[ivSize:])
	return unpad(plain)
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, &DecryptionError{Reason: "invalid padding"}
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, &DecryptionError{Reason: "invalid padding"}
		}
	}
	return data[:len(data)-n], nil
}
