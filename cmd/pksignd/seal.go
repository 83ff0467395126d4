package main

import (
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/glinharesb/tls-pksign/internal/cryptutil"
	"github.com/glinharesb/tls-pksign/internal/keymat"
)

var (
	sealIn  string
	sealOut string
)

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal a private key file under a passphrase",
	Long: `Seal encrypts an EC private key file with AES-256-GCM under a key derived
from the PKSIGN_KEY_PASSPHRASE environment variable. The server unseals it
on every signing attempt when the same passphrase is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeal()
	},
}

func init() {
	sealCmd.Flags().StringVar(&sealIn, "in", "certs/ecc-key.pem", "plaintext key file to seal")
	sealCmd.Flags().StringVar(&sealOut, "out", "certs/ecc-key-sealed.pem", "output path for the sealed key")
}

func runSeal() error {
	passphrase := os.Getenv("PKSIGN_KEY_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("PKSIGN_KEY_PASSPHRASE is not set")
	}

	data, err := os.ReadFile(sealIn)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	defer cryptutil.Zeroize(data)

	blk, _ := pem.Decode(data)
	if blk == nil || blk.Type != cryptutil.ECPrivateKeyPEMType {
		return fmt.Errorf("%s does not contain an EC private key PEM block", sealIn)
	}
	defer cryptutil.Zeroize(blk.Bytes)

	sealed, err := cryptutil.SealKey([]byte(passphrase), blk.Bytes)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	out := pem.EncodeToMemory(&pem.Block{Type: keymat.SealedECPrivateKeyPEMType, Bytes: sealed})
	if err := os.WriteFile(sealOut, out, 0o600); err != nil {
		return fmt.Errorf("write sealed key: %w", err)
	}

	slog.Info("sealed key written", "in", sealIn, "out", sealOut)
	return nil
}
