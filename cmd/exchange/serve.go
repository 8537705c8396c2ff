package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quic-exchange/credential"
	"quic-exchange/middleware"
	"quic-exchange/server"
	"quic-exchange/transport"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the echo responder",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	sc := cfg.Server
	if serveAddr != "" {
		sc.Address = serveAddr
	}

	pair, created, err := credential.LoadOrGenerate(sc.CertPath, sc.KeyPath, sc.Hosts...)
	if err != nil {
		return err
	}
	if created {
		logger.Info("generated self-signed certificate",
			zap.String("cert", sc.CertPath), zap.String("key", sc.KeyPath))
	}
	tlsConf, err := credential.ServerTLS(pair)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithTimeout(sc.ReadTimeout, sc.WriteTimeout),
	}
	if cfg.Registry.Type == "etcd" {
		reg, err := newEtcdRegistry(cfg.Registry)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.Registry.Service, sc.AdvertiseAddr, cfg.Registry.TTL))
	}

	svr := server.NewServer(server.Echo, opts...)
	svr.Use(middleware.RecoveryMiddleware(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	if sc.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(sc.RateLimit, sc.RateBurst))
	}
	if sc.HandlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(sc.HandlerTimeout))
	}
	if sc.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		svr.Use(middleware.NewMetrics(reg).Middleware())

		metricsSrv := &http.Server{
			Addr:              sc.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
		defer metricsSrv.Close()
	}

	ln, err := transport.Listen(sc.Address, tlsConf, transportOptions(cfg.Transport))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", sc.ShutdownTimeout))
	if err := svr.Shutdown(sc.ShutdownTimeout); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return <-served
}
