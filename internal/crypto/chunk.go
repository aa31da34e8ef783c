package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	// IVLen is the AES-GCM nonce length used for every chunk.
	IVLen = 12

	// TagOverhead is the GCM authentication tag appended to each ciphertext.
	TagOverhead = 16

	// KeyLen is the required file key length (AES-256).
	KeyLen = 32
)

// SealChunk encrypts one plaintext chunk with the file key, returning a fresh
// IV and the ciphertext with the GCM tag appended. The key is delivered by an
// external key-exchange collaborator; this package never derives it.
func SealChunk(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, IVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, gcm.Seal(nil, iv, plaintext, nil), nil
}

// OpenChunk decrypts and authenticates one chunk.
func OpenChunk(key, iv, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVLen {
		return nil, fmt.Errorf("iv length %d, want %d", len(iv), IVLen)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open chunk: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key length %d, want %d", len(key), KeyLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// HashContent returns the SHA3-256 hex digest of data. It is used both for
// content-addressed file IDs and the whole-file checksum.
func HashContent(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
