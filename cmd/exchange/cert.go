package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quic-exchange/credential"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generate a self-signed certificate pair for the responder",
	RunE: func(cmd *cobra.Command, args []string) error {
		sc := cfg.Server
		pair, err := credential.GenerateSelfSigned(sc.Hosts...)
		if err != nil {
			return err
		}
		if err := pair.Save(sc.CertPath, sc.KeyPath); err != nil {
			return err
		}
		logger.Info("certificate written",
			zap.String("cert", sc.CertPath),
			zap.String("key", sc.KeyPath),
			zap.Strings("hosts", sc.Hosts))
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", sc.CertPath, sc.KeyPath)
		return nil
	},
}
