package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pksignd",
	Short: "TLS server demo that offloads private-key signing to a pluggable provider",
	Long: `pksignd demonstrates a TLS server whose handshake signatures are produced
by a pluggable signing provider, simulating offload to an external execution
unit (e.g. an HSM) that may complete asynchronously. The handshake blocks,
polling the provider, until the signature resolves.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	rootCmd.AddCommand(serveCmd, keygenCmd, sealCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
