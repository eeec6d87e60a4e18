package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/carbonfay/DBCV-sub000/errors"
)

const nonceSize = 24

// Decrypter opens stored credential payloads.
type Decrypter interface {
	Open(payload []byte) ([]byte, error)
}

// Plaintext treats payloads as unencrypted. For local runs only.
type Plaintext struct{}

func (Plaintext) Open(payload []byte) ([]byte, error) { return payload, nil }

// SecretBox seals payloads as nonce || secretbox(plaintext).
type SecretBox struct {
	key [32]byte
}

// NewSecretBox builds a box from a 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, errors.WrapInvalid(fmt.Errorf("key is %d bytes, want 32", len(key)), "SecretBox", "NewSecretBox", "validate key")
	}
	b := &SecretBox{}
	copy(b.key[:], key)
	return b, nil
}

// NewSecretBoxFromBase64 decodes a standard base64 key.
func NewSecretBoxFromBase64(encoded string) (*SecretBox, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SecretBox", "NewSecretBoxFromBase64", "decode key")
	}
	return NewSecretBox(key)
}

// Seal encrypts plaintext with a random nonce.
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errors.WrapTransient(err, "SecretBox", "Seal", "read nonce")
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts a sealed payload.
func (b *SecretBox) Open(payload []byte) ([]byte, error) {
	if len(payload) < nonceSize+secretbox.Overhead {
		return nil, errors.ErrCredentialUndecodable
	}
	var nonce [nonceSize]byte
	copy(nonce[:], payload[:nonceSize])
	out, ok := secretbox.Open(nil, payload[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, errors.ErrCredentialUndecodable
	}
	return out, nil
}
