package cryptutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
)

// ECPrivateKeyPEMType is the PEM block type for SEC1 EC private keys.
const ECPrivateKeyPEMType = "EC PRIVATE KEY"

// GenerateKey creates a new ECDSA key pair for the given curve.
func GenerateKey(curve elliptic.Curve) (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ecdsa key: %w", err)
	}
	return key, nil
}

// SignDigest signs a precomputed digest with the given private key using
// randomness from rng. Returns the ASN.1 DER-encoded signature.
func SignDigest(rng io.Reader, key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	sig, err := ecdsa.SignASN1(rng, key, digest)
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}
	return sig, nil
}

// VerifyDigest verifies an ASN.1 DER-encoded ECDSA signature over a digest.
func VerifyDigest(pub *ecdsa.PublicKey, digest, signature []byte) bool {
	return ecdsa.VerifyASN1(pub, digest, signature)
}

// MaxSignatureLen returns the largest possible ASN.1 DER signature size
// for the given curve (72 bytes for P-256).
func MaxSignatureLen(curve elliptic.Curve) int {
	byteLen := (curve.Params().BitSize + 7) / 8
	return 6 + 2*(byteLen+1)
}

// MarshalPrivateKeyPEM encodes an ECDSA private key as a SEC1 PEM block.
func MarshalPrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: ECPrivateKeyPEMType, Bytes: der}), nil
}
