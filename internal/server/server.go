// Package server implements the demo TLS echo server. The interesting part
// is not the echo: every handshake's CertificateVerify signature is produced
// by the signing provider through the handshake driver, so connections
// exercise the full pending/poll path.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glinharesb/tls-pksign/internal/config"
	"github.com/glinharesb/tls-pksign/internal/handshake"
)

const replyText = "I hear ya fa shizzle!\n"

const drainTimeout = 10 * time.Second

// Server accepts TLS connections and answers one message per connection.
// A client message starting with "shutdown" stops the server.
type Server struct {
	cfg    config.Config
	driver *handshake.Driver

	certChain [][]byte
	leaf      *x509.Certificate
	clientCAs *x509.CertPool

	ln net.Listener
	wg sync.WaitGroup
}

// New loads the certificate chain (and the optional client CA) and returns a
// server ready to listen. The private key file is never parsed here; only
// the provider touches it, one signing attempt at a time.
func New(cfg config.Config, driver *handshake.Driver) (*Server, error) {
	s := &Server{cfg: cfg, driver: driver}

	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate %s: %w", cfg.CertFile, err)
	}
	for len(certPEM) > 0 {
		var blk *pem.Block
		blk, certPEM = pem.Decode(certPEM)
		if blk == nil {
			break
		}
		if blk.Type != "CERTIFICATE" {
			continue
		}
		s.certChain = append(s.certChain, blk.Bytes)
	}
	if len(s.certChain) == 0 {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CertFile)
	}
	s.leaf, err = x509.ParseCertificate(s.certChain[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}

	if cfg.ClientCAFile != "" {
		caPEM, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA %s: %w", cfg.ClientCAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no CA certificates found in %s", cfg.ClientCAFile)
		}
		s.clientCAs = pool
	}

	return s, nil
}

// Listen binds the server's listener.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Only valid after Listen.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is canceled or a client issues the
// shutdown command, then drains in-flight connections.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	slog.Info("server listening", "addr", s.Addr().String())

	var acceptErr error
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.handleConn(ctx, conn) {
				slog.Info("shutdown command issued")
				cancel()
			}
		}()
	}

	s.drain()
	return acceptErr
}

// drain waits for in-flight connections, giving up after drainTimeout.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("shutdown complete")
	case <-time.After(drainTimeout):
		slog.Warn("drain timed out, abandoning connections")
	}
}

// handleConn serves one connection and reports whether the client requested
// shutdown.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) (shutdown bool) {
	start := time.Now()
	connID := uuid.NewString()

	defer raw.Close()
	defer s.driver.ReleaseContext(connID)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered",
				"conn_id", connID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			shutdown = false
		}
	}()

	signer, err := s.driver.NewConnSigner(connID, s.cfg.KeyFile, s.leaf.PublicKey)
	if err != nil {
		slog.Error("conn signer", "conn_id", connID, "error", err)
		return false
	}

	conn := tls.Server(raw, s.tlsConfig(signer))
	if err := conn.HandshakeContext(ctx); err != nil {
		slog.Error("handshake failed",
			"conn_id", connID,
			"remote", raw.RemoteAddr().String(),
			"error", err,
		)
		return false
	}
	slog.Info("client connected",
		"conn_id", connID,
		"remote", raw.RemoteAddr().String(),
		"version", tls.VersionName(conn.ConnectionState().Version),
		"handshake_duration", time.Since(start),
	)

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		slog.Error("read", "conn_id", connID, "error", err)
		return false
	}
	msg := strings.TrimSpace(string(buf[:n]))
	slog.Info("client message", "conn_id", connID, "message", msg)

	if _, err := conn.Write([]byte(replyText)); err != nil {
		slog.Error("write", "conn_id", connID, "error", err)
		return false
	}
	conn.Close()

	return strings.HasPrefix(msg, "shutdown")
}

// tlsConfig builds the per-connection TLS configuration. The certificate's
// private key is the connection's signer, which is how the handshake engine
// reaches the provider.
func (s *Server) tlsConfig(signer *handshake.ConnSigner) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: s.certChain,
			PrivateKey:  signer,
			Leaf:        s.leaf,
		}},
		MinVersion: tls.VersionTLS12,
	}
	if s.clientCAs != nil {
		cfg.ClientCAs = s.clientCAs
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}
