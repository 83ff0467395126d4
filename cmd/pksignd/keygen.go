package main

import (
	"crypto/elliptic"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/glinharesb/tls-pksign/internal/cryptutil"
)

var (
	keygenOutDir     string
	keygenCommonName string
	keygenHosts      []string
	keygenValidFor   time.Duration
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an EC P-256 key and a self-signed server certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKeygen()
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOutDir, "out-dir", "certs", "output directory for key and certificate")
	keygenCmd.Flags().StringVar(&keygenCommonName, "common-name", "localhost", "certificate common name")
	keygenCmd.Flags().StringSliceVar(&keygenHosts, "hosts", []string{"localhost", "127.0.0.1"}, "DNS names and IPs for the certificate")
	keygenCmd.Flags().DurationVar(&keygenValidFor, "valid-for", 365*24*time.Hour, "certificate validity period")
}

func runKeygen() error {
	if err := os.MkdirAll(keygenOutDir, 0o700); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	key, err := cryptutil.GenerateKey(elliptic.P256())
	if err != nil {
		return err
	}
	keyPEM, err := cryptutil.MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	certPEM, err := cryptutil.SelfSigned(key, keygenCommonName, keygenHosts, keygenValidFor)
	if err != nil {
		return err
	}

	keyPath := filepath.Join(keygenOutDir, "ecc-key.pem")
	certPath := filepath.Join(keygenOutDir, "server-ecc.pem")

	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("refusing to overwrite existing key %s", keyPath)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	slog.Info("generated key pair", "key", keyPath, "cert", certPath, "common_name", keygenCommonName)
	return nil
}
