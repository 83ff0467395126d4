package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glinharesb/tls-pksign/internal/audit"
	"github.com/glinharesb/tls-pksign/internal/cryptutil"
	"github.com/glinharesb/tls-pksign/internal/keymat"
)

func marshalSEC1(key *ecdsa.PrivateKey) ([]byte, error) {
	return x509.MarshalECPrivateKey(key)
}

func encodeSealedPEM(sealed []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: keymat.SealedECPrivateKeyPEMType, Bytes: sealed})
}

func zeroTime() time.Time { return time.Time{} }

func writeKeyFile(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := cryptutil.GenerateKey(elliptic.P256())
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemBytes, err := cryptutil.MarshalPrivateKeyPEM(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ecc-key.pem")
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path, key
}

func checkNoLiveMaterial(t *testing.T) {
	t.Helper()
	if n := keymat.Live(); n != 0 {
		t.Fatalf("decoded key material still live: %d", n)
	}
}

func TestSignAsyncPendingThenCompleted(t *testing.T) {
	path, key := writeKeyFile(t)
	p := NewProvider(Config{AsyncSimulate: true})
	opCtx := NewOperationContext("conn-1")
	digest := make([]byte, 32) // 32-byte zero buffer

	out := p.Sign(digest, path, opCtx)
	if !out.IsPending() {
		t.Fatalf("first call: expected pending, got %+v", out)
	}
	if opCtx.State() != StateSubmitted {
		t.Fatalf("state after submit: got %v", opCtx.State())
	}

	out = p.Sign(digest, path, opCtx)
	if !out.IsCompleted() {
		t.Fatalf("second call: expected completed, got err %v", out.Err)
	}
	if len(out.Signature) == 0 || len(out.Signature) > cryptutil.MaxSignatureLen(elliptic.P256()) {
		t.Fatalf("signature length %d out of range", len(out.Signature))
	}
	if !cryptutil.VerifyDigest(&key.PublicKey, digest, out.Signature) {
		t.Fatal("signature does not verify")
	}
	if opCtx.State() != StateIdle {
		t.Fatalf("state after completion: got %v", opCtx.State())
	}
	checkNoLiveMaterial(t)
}

func TestSignSyncCompletesImmediately(t *testing.T) {
	path, key := writeKeyFile(t)
	p := NewProvider(Config{AsyncSimulate: false})
	opCtx := NewOperationContext("conn-1")
	digest := make([]byte, 32)

	out := p.Sign(digest, path, opCtx)
	if !out.IsCompleted() {
		t.Fatalf("expected completed, got %+v", out)
	}
	if !cryptutil.VerifyDigest(&key.PublicKey, digest, out.Signature) {
		t.Fatal("signature does not verify")
	}
	checkNoLiveMaterial(t)
}

func TestSignKeySourceNotFound(t *testing.T) {
	p := NewProvider(Config{AsyncSimulate: true})
	opCtx := NewOperationContext("conn-1")
	digest := make([]byte, 32)

	// Missing key must fail on the very first call; no pending cycle is
	// spent reaching it.
	out := p.Sign(digest, filepath.Join(t.TempDir(), "nope.pem"), opCtx)
	if out.IsPending() {
		t.Fatal("missing key source must never report pending")
	}
	if KindOf(out.Err) != FailureKeySourceNotFound {
		t.Fatalf("expected key_source_not_found, got %v", out.Err)
	}
	if opCtx.State() != StateIdle {
		t.Fatalf("state after failure: got %v", opCtx.State())
	}
	checkNoLiveMaterial(t)
}

func TestSignKeySourceEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := NewProvider(Config{AsyncSimulate: true})
	out := p.Sign(make([]byte, 32), path, NewOperationContext("conn-1"))
	if out.IsPending() {
		t.Fatal("empty key source must never report pending")
	}
	if KindOf(out.Err) != FailureKeySourceEmpty {
		t.Fatalf("expected key_source_empty, got %v", out.Err)
	}
	checkNoLiveMaterial(t)
}

func TestSignMalformedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(path, []byte("this is not a key"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := NewProvider(Config{AsyncSimulate: true})
	opCtx := NewOperationContext("conn-1")
	digest := make([]byte, 32)

	// Drive to a terminal outcome; a malformed encoding is only discovered
	// when the work actually runs, after the simulated pending cycle.
	out := p.Sign(digest, path, opCtx)
	for out.IsPending() {
		out = p.Sign(digest, path, opCtx)
	}
	if KindOf(out.Err) != FailureKeyDecode {
		t.Fatalf("expected key_decode_error, got %v", out.Err)
	}
	if opCtx.State() != StateIdle {
		t.Fatalf("state after failure: got %v", opCtx.State())
	}
	checkNoLiveMaterial(t)
}

func TestSignInvalidArguments(t *testing.T) {
	path, _ := writeKeyFile(t)
	p := NewProvider(Config{})
	opCtx := NewOperationContext("conn-1")

	if out := p.Sign(nil, path, opCtx); KindOf(out.Err) != FailureInvalidArgument {
		t.Fatalf("empty digest: got %+v", out)
	}
	if out := p.Sign(make([]byte, 32), "", opCtx); KindOf(out.Err) != FailureInvalidArgument {
		t.Fatalf("empty key reference: got %+v", out)
	}
	if out := p.Sign(make([]byte, 32), path, nil); KindOf(out.Err) != FailureInvalidArgument {
		t.Fatalf("nil context: got %+v", out)
	}
}

func TestContextReusableAfterTerminalOutcome(t *testing.T) {
	path, _ := writeKeyFile(t)
	p := NewProvider(Config{AsyncSimulate: true})
	opCtx := NewOperationContext("conn-1")
	digest := make([]byte, 32)

	for i := 0; i < 3; i++ {
		out := p.Sign(digest, path, opCtx)
		if !out.IsPending() {
			t.Fatalf("fresh request: expected pending, got %+v", out)
		}
		out = p.Sign(digest, path, opCtx)
		if !out.IsCompleted() {
			t.Fatalf("expected completed, got err %v", out.Err)
		}
		if opCtx.State() != StateIdle {
			t.Fatalf("context not idle after terminal outcome: %v", opCtx.State())
		}
	}
	checkNoLiveMaterial(t)
}

func TestAbortResetsContext(t *testing.T) {
	path, _ := writeKeyFile(t)
	p := NewProvider(Config{AsyncSimulate: true})
	opCtx := NewOperationContext("conn-1")

	out := p.Sign(make([]byte, 32), path, opCtx)
	if !out.IsPending() {
		t.Fatalf("expected pending, got %+v", out)
	}

	if !opCtx.Abort() {
		t.Fatal("abort should report in-flight work")
	}
	if opCtx.State() != StateIdle {
		t.Fatalf("state after abort: got %v", opCtx.State())
	}
	if opCtx.Abort() {
		t.Fatal("second abort should be a no-op")
	}

	// The context serves a fresh request as if nothing happened.
	out = p.Sign(make([]byte, 32), path, opCtx)
	if !out.IsPending() {
		t.Fatalf("fresh request after abort: expected pending, got %+v", out)
	}
}

func TestSignSealedKeySource(t *testing.T) {
	key, err := cryptutil.GenerateKey(elliptic.P256())
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := marshalSEC1(key)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	passphrase := []byte("hunter2")
	sealed, err := cryptutil.SealKey(passphrase, der)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "sealed-key.pem")
	if err := os.WriteFile(path, encodeSealedPEM(sealed), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	digest := make([]byte, 32)

	p := NewProvider(Config{Passphrase: passphrase})
	out := p.Sign(digest, path, NewOperationContext("conn-1"))
	if !out.IsCompleted() {
		t.Fatalf("expected completed, got err %v", out.Err)
	}
	if !cryptutil.VerifyDigest(&key.PublicKey, digest, out.Signature) {
		t.Fatal("signature does not verify")
	}

	// Without the passphrase the sealed source is a decode failure.
	p = NewProvider(Config{})
	out = p.Sign(digest, path, NewOperationContext("conn-2"))
	if KindOf(out.Err) != FailureKeyDecode {
		t.Fatalf("expected key_decode_error, got %v", out.Err)
	}
	checkNoLiveMaterial(t)
}

func TestSignAuditTrail(t *testing.T) {
	path, _ := writeKeyFile(t)
	logger := audit.NewLogger(100, nil)
	p := NewProvider(Config{AsyncSimulate: true, Audit: logger})
	opCtx := NewOperationContext("conn-1")
	digest := make([]byte, 32)

	p.Sign(digest, path, opCtx)
	p.Sign(digest, path, opCtx)
	p.Sign(digest, filepath.Join(t.TempDir(), "nope.pem"), NewOperationContext("conn-2"))
	logger.Close()

	if n := len(logger.Query("conn-1", audit.EventSubmitted, zeroTime(), zeroTime(), 0)); n != 1 {
		t.Fatalf("submitted entries: got %d, want 1", n)
	}
	if n := len(logger.Query("conn-1", audit.EventCompleted, zeroTime(), zeroTime(), 0)); n != 1 {
		t.Fatalf("completed entries: got %d, want 1", n)
	}
	failed := logger.Query("conn-2", audit.EventFailed, zeroTime(), zeroTime(), 0)
	if len(failed) != 1 {
		t.Fatalf("failed entries: got %d, want 1", len(failed))
	}
	if failed[0].Kind != FailureKeySourceNotFound.String() {
		t.Fatalf("failure kind: got %s", failed[0].Kind)
	}
}

func TestFailureKindOf(t *testing.T) {
	out := Failed(FailureSigning, errors.New("boom"))
	if KindOf(out.Err) != FailureSigning {
		t.Fatalf("kind: got %v", KindOf(out.Err))
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Fatal("plain error should carry no kind")
	}
}
