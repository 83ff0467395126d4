// Package keymat loads, decodes and releases the server's private key
// material. Material is acquired fresh for every signing attempt and must be
// released before the attempt returns, so decoded keys never outlive the
// operation that needed them.
package keymat

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"aead.dev/mem"

	"github.com/glinharesb/tls-pksign/internal/cryptutil"
)

// MaxEncodedSize caps how much is read from a key source.
const MaxEncodedSize = 1 * mem.MiB

// SealedECPrivateKeyPEMType is the PEM block type produced by the seal
// command: a passphrase-sealed SEC1 EC private key.
const SealedECPrivateKeyPEMType = "SEALED EC PRIVATE KEY"

var (
	// ErrNotFound is returned when the key source does not exist or
	// cannot be read.
	ErrNotFound = errors.New("keymat: key source does not exist")

	// ErrEmpty is returned when the key source exists but holds no data.
	ErrEmpty = errors.New("keymat: key source is empty")

	// ErrDecode is returned when the key source contents cannot be
	// decoded into key material.
	ErrDecode = errors.New("keymat: malformed key encoding")
)

// live counts decoded Materials that have not been released yet.
var live atomic.Int64

// Live reports the number of decoded Materials not yet released. It must be
// zero whenever no signing attempt is in flight.
func Live() int64 { return live.Load() }

// Material is decoded private key material. It is owned by exactly one
// signing attempt and must be released on every exit path.
type Material struct {
	key      *ecdsa.PrivateKey
	bufs     [][]byte
	released bool
}

// Key returns the decoded private key. Nil after Release.
func (m *Material) Key() *ecdsa.PrivateKey { return m.key }

// Curve returns the key's curve. Nil after Release.
func (m *Material) Curve() elliptic.Curve {
	if m.key == nil {
		return nil
	}
	return m.key.Curve
}

// Release zeroizes every raw buffer the loader owns and drops the key
// reference. Safe to call more than once.
func (m *Material) Release() {
	if m.released {
		return
	}
	m.released = true
	for _, b := range m.bufs {
		cryptutil.Zeroize(b)
	}
	m.bufs = nil
	m.key = nil
	live.Add(-1)
}

// CheckSource verifies that the key source exists and is non-empty without
// reading it.
func CheckSource(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	return nil
}

// LoadEncoded reads the entire key source, capped at MaxEncodedSize.
func LoadEncoded(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if mem.Size(fi.Size()) > MaxEncodedSize {
		return nil, fmt.Errorf("%w: key source exceeds %v", ErrDecode, MaxEncodedSize)
	}

	data, err := io.ReadAll(mem.LimitReader(f, MaxEncodedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	return data, nil
}

// Decode converts a PEM-encoded private key into Material. Accepted block
// types are SEC1 ("EC PRIVATE KEY"), PKCS#8 ("PRIVATE KEY") and sealed SEC1
// blocks, which require a passphrase. The caller owns the returned Material
// and must release it.
func Decode(data, passphrase []byte) (*Material, error) {
	blk, rest := pem.Decode(data)
	if blk == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrDecode)
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, fmt.Errorf("%w: trailing garbage after PEM block", ErrDecode)
	}

	var (
		key  *ecdsa.PrivateKey
		err  error
		bufs = [][]byte{blk.Bytes}
	)
	switch blk.Type {
	case SealedECPrivateKeyPEMType:
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("%w: sealed key source requires a passphrase", ErrDecode)
		}
		var der []byte
		der, err = cryptutil.UnsealKey(passphrase, blk.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		bufs = append(bufs, der)
		key, err = x509.ParseECPrivateKey(der)
	case cryptutil.ECPrivateKeyPEMType:
		key, err = x509.ParseECPrivateKey(blk.Bytes)
	case "PRIVATE KEY":
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(blk.Bytes)
		if err == nil {
			var ok bool
			if key, ok = parsed.(*ecdsa.PrivateKey); !ok {
				err = errors.New("not an ECDSA private key")
			}
		}
	default:
		err = fmt.Errorf("unexpected PEM block type %q", blk.Type)
	}
	if err != nil {
		for _, b := range bufs {
			cryptutil.Zeroize(b)
		}
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	live.Add(1)
	return &Material{key: key, bufs: bufs}, nil
}

// Acquire loads and decodes the key source in one step. The intermediate
// encoded form is zeroized before returning.
func Acquire(path string, passphrase []byte) (*Material, error) {
	data, err := LoadEncoded(path)
	if err != nil {
		return nil, err
	}
	defer cryptutil.Zeroize(data)

	return Decode(data, passphrase)
}
