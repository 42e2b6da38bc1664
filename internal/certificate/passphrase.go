package certificate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize         = 16
	nonceSize        = 12
	keySize          = 32
	pbkdf2Iterations = 100000
)

// EncryptPassphrase cifra a senha do certificado para guardar no cofre.
// Formato: base64(salt(16) | iv(12) | ciphertext+tag).
func EncryptPassphrase(passphrase, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("encryption secret not configured")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("error generating salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("error generating nonce: %w", err)
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, []byte(passphrase), nil)

	out := make([]byte, 0, saltSize+nonceSize+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptPassphrase reverte EncryptPassphrase
func DecryptPassphrase(encoded, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("encryption secret not configured")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("error decoding encrypted passphrase: %w", err)
	}
	if len(raw) < saltSize+nonceSize+16 {
		return "", errors.New("encrypted passphrase too short")
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	gcm, err := newGCM(secret, salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, raw[saltSize+nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("error decrypting passphrase: %w", err)
	}
	return string(plain), nil
}

func newGCM(secret string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("error creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("error creating GCM: %w", err)
	}
	return gcm, nil
}
