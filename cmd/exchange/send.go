package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quic-exchange/client"
	"quic-exchange/credential"
	"quic-exchange/loadbalance"
	"quic-exchange/registry"
)

var (
	sendAddr     string
	sendInsecure bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send each line read from stdin and print the response",
	Long: `send reads one message per line and runs one exchange for it.
Type quit to exit. A failed exchange is reported and the loop continues.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendAddr, "addr", "", "responder address (overrides config)")
	sendCmd.Flags().BoolVar(&sendInsecure, "insecure", false, "skip certificate verification (testing only)")
}

func runSend(cmd *cobra.Command, args []string) error {
	cc := cfg.Client
	if sendAddr != "" {
		cc.ServerAddr = sendAddr
	}
	if sendInsecure {
		cc.TrustMode = string(credential.TrustInsecure)
	}

	mode, err := credential.ParseTrustMode(cc.TrustMode)
	if err != nil {
		return err
	}
	var certDER []byte
	if mode == credential.TrustCert {
		if certDER, err = credential.LoadCertificate(cc.CertPath); err != nil {
			return err
		}
	} else {
		logger.Warn("certificate verification disabled")
	}
	tlsConf, err := credential.ClientTLS(certDER, cc.ServerName, mode)
	if err != nil {
		return err
	}

	codecOpt, err := client.CodecOption(cc.Codec)
	if err != nil {
		return err
	}
	bal, err := loadbalance.New(cc.Balancer, cc.AffinityKey)
	if err != nil {
		return err
	}

	var reg registry.Registry
	if cfg.Registry.Type == "etcd" {
		etcdReg, err := newEtcdRegistry(cfg.Registry)
		if err != nil {
			return err
		}
		reg = etcdReg
	} else {
		reg = registry.NewStaticRegistryFor(cfg.Registry.Service, cc.ServerAddr)
	}
	defer reg.Close()

	c := client.NewClient(reg, bal, tlsConf, transportOptions(cfg.Transport),
		client.WithLogger(logger),
		client.WithServiceName(cfg.Registry.Service),
		client.WithInitiatorOptions(codecOpt, client.WithExchangeTimeout(cc.ExchangeTimeout)),
	)
	defer c.Close()

	logger.Info("ready", zap.String("service", cfg.Registry.Service), zap.String("balancer", bal.Name()))
	return sendLoop(cmd.Context(), c, cmd.InOrStdin(), cmd.OutOrStdout())
}

type sender interface {
	Send(ctx context.Context, text string) (string, error)
}

// sendLoop runs one exchange per input line until quit or end of input.
func sendLoop(ctx context.Context, s sender, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintln(out, "Enter a message (or 'quit' to exit):")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "quit" {
			return nil
		}

		resp, err := s.Send(ctx, text)
		if err != nil {
			fmt.Fprintf(out, "Exchange failed: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "Received: %s\n", resp)
	}
}
