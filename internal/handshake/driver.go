// Package handshake adapts the signing provider to Go's TLS stack. The
// crypto/tls handshake engine calls a certificate's crypto.Signer exactly
// once per handshake; the driver bridges that synchronous call to a provider
// that may report pending, re-invoking the same signing step until a
// terminal outcome is produced.
package handshake

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/glinharesb/tls-pksign/internal/audit"
	"github.com/glinharesb/tls-pksign/internal/signing"
)

// Provider is the signing callback the driver polls during a handshake.
type Provider interface {
	Sign(digest []byte, keyRef string, opCtx *signing.OperationContext) signing.Outcome
}

// Driver owns the registered signing callback and the per-connection
// operation contexts. Contexts are created per connection and must be
// released when the connection is torn down.
type Driver struct {
	mu       sync.Mutex
	provider Provider
	contexts map[string]*signing.OperationContext

	pollInterval time.Duration
	pollTimeout  time.Duration
	audit        *audit.Logger
}

// NewDriver creates a driver. pollInterval is the wait between provider
// re-invocations while an operation is pending; pollTimeout bounds the total
// wait, with 0 meaning poll forever. a may be nil.
func NewDriver(pollInterval, pollTimeout time.Duration, a *audit.Logger) *Driver {
	return &Driver{
		contexts:     make(map[string]*signing.OperationContext),
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		audit:        a,
	}
}

// RegisterSigningCallback installs the provider used for all connections.
func (d *Driver) RegisterSigningCallback(p Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.provider = p
}

// SetOperationContext associates an operation context with a connection.
func (d *Driver) SetOperationContext(connID string, opCtx *signing.OperationContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.contexts[connID]; exists {
		return fmt.Errorf("handshake: connection %s already has an operation context", connID)
	}
	d.contexts[connID] = opCtx
	return nil
}

// ReleaseContext aborts any in-flight operation for connID and forgets the
// context. Safe to call for unknown connections.
func (d *Driver) ReleaseContext(connID string) {
	d.mu.Lock()
	opCtx := d.contexts[connID]
	delete(d.contexts, connID)
	d.mu.Unlock()

	if opCtx != nil && opCtx.Abort() && d.audit != nil {
		d.audit.Log(audit.EventAborted, connID, "", "", 0)
	}
}

func (d *Driver) signingProvider() Provider {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.provider
}

// newBackOff builds the poll schedule: a constant interval, bounded by the
// configured timeout.
func (d *Driver) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.pollInterval
	bo.MaxInterval = d.pollInterval
	bo.Multiplier = 1
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = d.pollTimeout
	return bo
}
