package handshake

import (
	"crypto"
	"errors"
	"fmt"
	"io"

	"github.com/cenkalti/backoff/v4"

	"github.com/glinharesb/tls-pksign/internal/signing"
)

var errStillPending = errors.New("handshake: signing operation still pending")

// ConnSigner is a crypto.Signer bound to one connection's operation context.
// Sign blocks the handshake, re-invoking the provider at the driver's poll
// interval while the operation is pending. No other handshake progress is
// made for the connection in the meantime.
type ConnSigner struct {
	driver *Driver
	connID string
	keyRef string
	pub    crypto.PublicKey
	opCtx  *signing.OperationContext
}

// NewConnSigner creates an operation context for connID, registers it with
// the driver and returns a signer for the connection. pub must match the
// certificate presented during the handshake.
func (d *Driver) NewConnSigner(connID, keyRef string, pub crypto.PublicKey) (*ConnSigner, error) {
	opCtx := signing.NewOperationContext(connID)
	if err := d.SetOperationContext(connID, opCtx); err != nil {
		return nil, err
	}
	return &ConnSigner{
		driver: d,
		connID: connID,
		keyRef: keyRef,
		pub:    pub,
		opCtx:  opCtx,
	}, nil
}

// Public implements crypto.Signer. The public key comes from the
// certificate, never from loaded key material.
func (s *ConnSigner) Public() crypto.PublicKey { return s.pub }

// Sign implements crypto.Signer. digest is already hashed by the handshake
// engine; the randomness source is the provider's, so rand is unused. Each
// re-invocation passes the same digest and context, never re-deriving input
// state.
func (s *ConnSigner) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	p := s.driver.signingProvider()
	if p == nil {
		return nil, errors.New("handshake: no signing callback registered")
	}

	var sig []byte
	attempt := func() error {
		out := p.Sign(digest, s.keyRef, s.opCtx)
		switch {
		case out.IsCompleted():
			sig = out.Signature
			return nil
		case out.IsPending():
			return errStillPending
		default:
			return backoff.Permanent(out.Err)
		}
	}

	if err := backoff.Retry(attempt, s.driver.newBackOff()); err != nil {
		if errors.Is(err, errStillPending) {
			s.opCtx.Abort()
			return nil, fmt.Errorf("handshake: signing operation timed out after %s", s.driver.pollTimeout)
		}
		return nil, err
	}
	return sig, nil
}
