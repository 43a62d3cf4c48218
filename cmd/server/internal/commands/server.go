package commands

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wolfeidau/biopay/internal/broker"
	"github.com/wolfeidau/biopay/internal/logger"
	"github.com/wolfeidau/biopay/internal/payment"
	"github.com/wolfeidau/biopay/internal/server"
	"github.com/wolfeidau/biopay/internal/telemetry"
)

type ServerCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"BIOPAY_LISTEN"`
	Cert   string `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"BIOPAY_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"BIOPAY_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"*" env:"BIOPAY_CORS_ORIGINS"`

	// Authorization protocol
	PendingTTL        time.Duration `help:"how long an agent waits for the human to decide" default:"5m" env:"BIOPAY_PENDING_TTL"`
	SessionTTL        time.Duration `help:"lifetime of a granted session token" default:"5m" env:"BIOPAY_SESSION_TTL"`
	SweepInterval     time.Duration `help:"interval between sweeps of stale requests and expired sessions" default:"1m" env:"BIOPAY_SWEEP_INTERVAL"`
	SingleUseSessions bool          `help:"consume session tokens on first payment" default:"false" env:"BIOPAY_SINGLE_USE_SESSIONS"`

	// Payments
	RPCURL  string `help:"Ethereum JSON-RPC endpoint, payments are disabled when empty" default:"" env:"BIOPAY_RPC_URL"`
	ChainID int64  `help:"chain id to sign for, asks the node when zero" default:"0" env:"BIOPAY_CHAIN_ID"`

	Tracing          bool    `help:"enable tracing" default:"false" env:"BIOPAY_TRACING"`
	TraceSampleRatio float64 `help:"fraction of traces to record" default:"1" env:"BIOPAY_TRACE_SAMPLE_RATIO"`

	// Store configuration
	StoreType     string             `help:"store type (memory, redis or postgres)" default:"memory" env:"BIOPAY_STORE_TYPE" enum:"memory,redis,postgres"`
	RedisStore    RedisStoreFlags    `embed:"" prefix:"redis-"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

func (c *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "biopay-server",
			Version:     globals.Version,
			SampleRatio: c.TraceSampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	if err := c.validateTLS(); err != nil {
		return err
	}

	st, err := openStores(ctx, log, c.StoreType, &c.PostgresStore, &c.RedisStore)
	if err != nil {
		return err
	}
	defer st.close()

	opts := []broker.Option{
		broker.WithPendingTTL(c.PendingTTL),
		broker.WithSessionTTL(c.SessionTTL),
		broker.WithSweepInterval(c.SweepInterval),
	}
	if c.SingleUseSessions {
		opts = append(opts, broker.WithSingleUseSessions())
	}

	b := broker.New(st.authorizations, st.notifier, opts...)
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	defer b.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		telemetry.NewStoreCollector(st.authorizations),
	)

	srvOpts := []server.Option{
		server.WithCORSOrigins(c.CORSOrigins),
		server.WithGatherer(registry),
	}
	if c.Tracing {
		srvOpts = append(srvOpts, server.WithTracing())
	}

	if c.RPCURL != "" {
		chain, err := payment.Dial(ctx, c.RPCURL)
		if err != nil {
			return err
		}
		defer chain.Close()

		var execOpts []payment.ExecutorOption
		if c.ChainID != 0 {
			execOpts = append(execOpts, payment.WithChainID(big.NewInt(c.ChainID)))
		}
		srvOpts = append(srvOpts, server.WithPayer(payment.NewExecutor(chain, execOpts...)))
		log.Info().Str("rpc_url", c.RPCURL).Int64("chain_id", c.ChainID).Msg("Payments enabled")
	} else {
		log.Warn().Msg("No RPC URL configured, /api/agent/pay will return 503")
	}

	handler := server.NewServer(b, srvOpts...).Handler(log)
	httpServer := configureHTTPServer(c.Listen, handler, c.PendingTTL)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("tls", c.Cert != "").Msg("Starting HTTP server")
		if c.Cert != "" {
			errCh <- httpServer.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}

func (c *ServerCmd) validateTLS() error {
	if c.Cert == "" && c.Key == "" {
		return nil
	}
	if c.Cert == "" || c.Key == "" {
		return errors.New("TLS needs both certificate and key (--cert and --key)")
	}
	if _, err := os.Stat(c.Cert); err != nil {
		return fmt.Errorf("TLS certificate not found at %s: %w", c.Cert, err)
	}
	if _, err := os.Stat(c.Key); err != nil {
		return fmt.Errorf("TLS key not found at %s: %w", c.Key, err)
	}
	return nil
}
