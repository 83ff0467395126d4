// Package signing implements the private-key operation provider: a pluggable
// unit that produces handshake signatures and may complete asynchronously,
// reporting pending until the simulated execution unit finishes.
package signing

import (
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glinharesb/tls-pksign/internal/audit"
	"github.com/glinharesb/tls-pksign/internal/cryptutil"
	"github.com/glinharesb/tls-pksign/internal/keymat"
)

// Config configures a Provider.
type Config struct {
	// AsyncSimulate makes the first invocation of each request report
	// pending before any real work happens, modeling one discrete unit of
	// external latency. The next invocation performs the work.
	AsyncSimulate bool

	// Rand is the randomness source for signatures. Defaults to crypto/rand.
	Rand io.Reader

	// Passphrase unseals sealed key sources. May be nil for plaintext keys.
	Passphrase []byte

	// Audit receives one entry per attempt state transition. May be nil.
	Audit *audit.Logger
}

// Provider produces signatures over handshake digests from a key source,
// in the role of an HSM driver. It holds no per-request state of its own:
// everything in flight lives in the OperationContext, so a single Provider
// serves any number of connections.
//
// Key material is loaded fresh from the source on every attempt and released
// before Sign returns, success or failure.
type Provider struct {
	async      bool
	rand       io.Reader
	passphrase []byte
	audit      *audit.Logger
}

// NewProvider creates a provider from cfg.
func NewProvider(cfg Config) *Provider {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.Reader
	}
	return &Provider{
		async:      cfg.AsyncSimulate,
		rand:       rng,
		passphrase: cfg.Passphrase,
		audit:      cfg.Audit,
	}
}

// Sign attempts to produce a signature over digest using the key material at
// keyRef. The result is exactly one of:
//
//   - Completed: signature bytes, terminal;
//   - Pending: submitted to the simulated execution unit, the caller must
//     re-invoke Sign with the same digest and context;
//   - Failed: terminal, classified by FailureKind.
//
// The provider never retries on its own. Source problems are reported
// immediately, even in async mode, so a missing key never costs the caller a
// poll cycle.
func (p *Provider) Sign(digest []byte, keyRef string, opCtx *OperationContext) Outcome {
	if len(digest) == 0 {
		return Failed(FailureInvalidArgument, errors.New("empty digest"))
	}
	if keyRef == "" {
		return Failed(FailureInvalidArgument, errors.New("empty key reference"))
	}
	if opCtx == nil {
		return Failed(FailureInvalidArgument, errors.New("nil operation context"))
	}

	opCtx.mu.Lock()
	defer opCtx.mu.Unlock()

	if opCtx.state == StateIdle {
		if err := keymat.CheckSource(keyRef); err != nil {
			return p.fail(opCtx, loadFailureKind(err), err)
		}

		opCtx.attemptID = uuid.NewString()
		opCtx.submittedAt = time.Now()

		if p.async {
			opCtx.state = StateSubmitted
			p.log(opCtx, audit.EventSubmitted, "")
			slog.Debug("signing submitted", "conn_id", opCtx.connID, "attempt_id", opCtx.attemptID)
			return Pending()
		}
	}

	// Terminal attempt: the context returns to idle whatever happens.
	defer func() { opCtx.state = StateIdle }()

	mat, err := keymat.Acquire(keyRef, p.passphrase)
	if err != nil {
		return p.fail(opCtx, loadFailureKind(err), err)
	}
	defer mat.Release()

	sig, err := cryptutil.SignDigest(p.rand, mat.Key(), digest)
	if err != nil {
		return p.fail(opCtx, FailureSigning, err)
	}

	p.log(opCtx, audit.EventCompleted, "")
	return Completed(sig)
}

func (p *Provider) fail(opCtx *OperationContext, kind FailureKind, err error) Outcome {
	p.log(opCtx, audit.EventFailed, kind.String())
	slog.Error("signing failed", "conn_id", opCtx.connID, "kind", kind.String(), "error", err)
	return Failed(kind, err)
}

func (p *Provider) log(opCtx *OperationContext, event, kind string) {
	if p.audit == nil {
		return
	}
	var duration time.Duration
	if event != audit.EventSubmitted && !opCtx.submittedAt.IsZero() {
		duration = time.Since(opCtx.submittedAt)
	}
	p.audit.Log(event, opCtx.connID, opCtx.attemptID, kind, duration)
}

// loadFailureKind maps key loader errors onto the failure taxonomy.
func loadFailureKind(err error) FailureKind {
	switch {
	case errors.Is(err, keymat.ErrEmpty):
		return FailureKeySourceEmpty
	case errors.Is(err, keymat.ErrDecode):
		return FailureKeyDecode
	default:
		return FailureKeySourceNotFound
	}
}
