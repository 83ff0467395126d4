package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sealInfo     = "tls-pksign/v1 key seal"
	sealSaltSize = 16
	sealKeySize  = 32
)

// DeriveKey derives a key from secret using HKDF-SHA256.
// info is used as the HKDF info parameter for domain separation.
// length specifies the output key size in bytes.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 || length > 64 {
		return nil, fmt.Errorf("invalid derived key length: %d (must be 1-64)", length)
	}

	r := hkdf.New(sha256.New, secret, salt, info)
	derived := make([]byte, length)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return derived, nil
}

// EncryptAESGCM encrypts plaintext using AES-256-GCM.
// The returned ciphertext has the nonce prepended: [nonce | encrypted | tag].
// aad is optional additional authenticated data.
func EncryptAESGCM(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// DecryptAESGCM decrypts ciphertext produced by EncryptAESGCM.
// Expects the nonce prepended to the ciphertext.
// aad must match the value used during encryption.
func DecryptAESGCM(key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("aes gcm decrypt: %w", err)
	}

	return plaintext, nil
}

// SealKey encrypts a private key DER blob under a passphrase-derived key.
// Output layout: [salt | nonce | encrypted | tag]. The salt doubles as
// additional authenticated data.
func SealKey(passphrase, der []byte) ([]byte, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key, err := DeriveKey(passphrase, salt, []byte(sealInfo), sealKeySize)
	if err != nil {
		return nil, err
	}
	defer Zeroize(key)

	ct, err := EncryptAESGCM(key, der, salt)
	if err != nil {
		return nil, err
	}
	return append(salt, ct...), nil
}

// UnsealKey decrypts a blob produced by SealKey.
func UnsealKey(passphrase, sealed []byte) ([]byte, error) {
	if len(sealed) <= sealSaltSize {
		return nil, fmt.Errorf("sealed key too short")
	}
	salt, ct := sealed[:sealSaltSize], sealed[sealSaltSize:]

	key, err := DeriveKey(passphrase, salt, []byte(sealInfo), sealKeySize)
	if err != nil {
		return nil, err
	}
	defer Zeroize(key)

	return DecryptAESGCM(key, ct, salt)
}

// Zeroize overwrites a sensitive byte buffer.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
