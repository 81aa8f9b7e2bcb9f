package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polarsignals/exchange"
	"github.com/polarsignals/exchange/transport"
)

var configFile string

var serveCmd = &cobra.Command{
	Use:     "serve",
	Example: "exchanged serve --config exchanged.yaml",
	Short:   "run an exchange node serving page fetches over gRPC",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, logger, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "path to the YAML configuration file")
}

func serve(ctx context.Context, logger log.Logger, cfg config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts, err := cfg.serviceOptions()
	if err != nil {
		return err
	}
	svc, err := exchange.New(log.With(logger, "component", "exchange"), reg, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	maxMessageSize, err := cfg.maxMessageSize()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	t, err := transport.NewGRPCTransport(cfg.NodeID, lis,
		transport.WithLogger(logger),
		transport.WithMaxMessageSize(maxMessageSize),
	)
	if err != nil {
		return err
	}
	defer closeNode(logger, svc, t)
	svc.RegisterTransportHandler(t)

	level.Info(logger).Log("msg", "exchange node started", "node", cfg.NodeID, "address", t.LocalNode().Address)

	g, ctx := errgroup.WithContext(ctx)
	for _, peer := range cfg.Peers {
		g.Go(func() error {
			node, err := transport.Connect(ctx, t, transport.Node{ID: peer.ID, Address: peer.Address}, transport.DefaultConnectConfig)
			if err != nil {
				level.Warn(logger).Log("msg", "peer unreachable", "peer", peer.ID, "address", peer.Address, "err", err)
				return nil
			}
			level.Info(logger).Log("msg", "connected to peer", "peer", node.String())
			return nil
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	level.Info(logger).Log("msg", "exchange node stopping", "node", cfg.NodeID)
	return err
}

// closeNode fails the sink handlers of svc before stopping t. Stopping the
// transport waits for in-flight requests, and a held fetch only returns once
// its sink handler is failed.
func closeNode(logger log.Logger, svc *exchange.Service, t transport.Transport) {
	if err := svc.Close(); err != nil {
		level.Warn(logger).Log("msg", "failed to close exchange service", "err", err)
	}
	if err := t.Close(); err != nil {
		level.Warn(logger).Log("msg", "failed to close transport", "err", err)
	}
}
