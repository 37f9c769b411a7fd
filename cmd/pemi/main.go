package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/pemi/internal/ingress"
	"github.com/malbeclabs/pemi/internal/pemiconfig"
	"github.com/malbeclabs/pemi/internal/pemimetrics"
	"github.com/malbeclabs/pemi/internal/rttdetect"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := pemiconfig.DefaultConfig()
	var metricsAddr string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "pemi",
		Short: "Transparent UDP middlebox for QUIC connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.MetricsAddr = metricsAddr
			cfg.Verbose = verbose
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.Uint16VarP(&cfg.Port, "port", "p", cfg.Port, "UDP port PEMI listens on")
	flags.Float64VarP(&cfg.FlowletIntervalFactor, "fl-inv-factor", "f", cfg.FlowletIntervalFactor, "flowlet interval factor")
	flags.Float64VarP(&cfg.FlowletEndFactor, "fl-end-factor", "e", cfg.FlowletEndFactor, "flowlet end-timeout factor")
	flags.Uint64VarP(&cfg.PrintInterval, "print-interval", "i", cfg.PrintInterval, "packets between stats log lines")
	flags.BoolVarP(&cfg.ProxyOnly, "proxy-only", "r", cfg.ProxyOnly, "only transparently forward, disable loss detection and pacing")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (empty disables metrics)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func run(ctx context.Context, cfg pemiconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("pemi: invalid configuration: %w", err)
	}

	log := newLogger(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var metric *pemimetrics.Recorder
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metric = pemimetrics.New(reg)
		go serveMetrics(log, cfg.MetricsAddr, reg)
	}

	listener, err := ingress.NewListener(cfg.Port)
	if err != nil {
		log.Error("failed to open ingress socket", "err", err)
		return err
	}
	defer listener.Close()

	rtt, err := rttdetect.New(log)
	if err != nil {
		log.Error("failed to open ICMP probe socket", "err", err)
		return err
	}
	defer rtt.Close()

	clock := clockwork.NewRealClock()
	eng := ingress.New(log, clock, cfg, ingress.NewTransparentTransport(), metric)
	eng.SetRTTDetector(rtt)

	log.Info("pemi starting", "port", cfg.Port, "proxy_only", cfg.ProxyOnly)
	return ingress.Run(ctx, log, clock, eng, listener, rtt, cfg.PrintInterval)
}

func serveMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server failed", "err", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
