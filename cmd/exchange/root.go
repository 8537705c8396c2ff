package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quic-exchange/config"
	"quic-exchange/logging"
	"quic-exchange/registry"
	"quic-exchange/transport"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "exchange",
	Short: "Secure request/response exchanges over QUIC",
	Long: `exchange sends one message per QUIC stream and reads back one response.

Settings come from defaults, an optional YAML file (--config) and QEX_* environment
variables, in that order.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level: debug|info|warn|error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(certCmd)
}

func transportOptions(tc config.TransportConfig) transport.Options {
	return transport.Options{
		IdleTimeout:        tc.IdleTimeout,
		KeepAlivePeriod:    tc.KeepAlivePeriod,
		HandshakeTimeout:   tc.HandshakeTimeout,
		MaxIncomingStreams: tc.MaxIncomingStreams,
	}
}

func newEtcdRegistry(rc config.RegistryConfig) (*registry.EtcdRegistry, error) {
	reg, err := registry.NewEtcdRegistry(rc.Endpoints, rc.DialTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", rc.Endpoints, err)
	}
	return reg, nil
}
