package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/deltaview/deltaview/pkg/live"
	"github.com/deltaview/deltaview/pkg/middleware"
	"github.com/deltaview/deltaview/pkg/rendered"
	"github.com/deltaview/deltaview/pkg/server"
	"github.com/deltaview/deltaview/pkg/session"
	"github.com/deltaview/deltaview/pkg/token"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		metricsAddr string
		resume      time.Duration
		redisAddr   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a DeltaView server with a demo counter view",
		Long: `Serve starts a DeltaView server configured from DELTAVIEW_*
environment variables, registers a demo counter view, and exposes
Prometheus metrics on a separate listener.

Without DELTAVIEW_TOKEN_SECRET a random secret is generated, which
invalidates outstanding page tokens across restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr, metricsAddr, resume, redisAddr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides DELTAVIEW_ADDR)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	cmd.Flags().DurationVar(&resume, "resume-window", 0, "disconnect grace period (overrides DELTAVIEW_RESUME_WINDOW)")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "park session state in Redis at this address")
	return cmd
}

// demoView is the counter served by the demo server.
type demoView struct {
	Count int `json:"count"`
}

func (v *demoView) Render(b *rendered.Builder) {
	b.Static(`<div class="counter"><h1>Count is `)
	b.Text(strconv.Itoa(v.Count))
	b.Static(`</h1><button data-dv-click="increment">+</button><button data-dv-click="decrement">-</button>`)
	b.Cond(v.Count >= 10, func(b *rendered.Builder) {
		b.Static(`<p>double digits!</p>`)
	})
	b.Static(`</div>`)
}

func demoDefinition() *live.Definition {
	r := live.NewRegistry()
	live.On(r, "increment", func(v *demoView, _ struct{}) error { v.Count++; return nil })
	live.On(r, "decrement", func(v *demoView, _ struct{}) error { v.Count--; return nil })
	return &live.Definition{
		Name: "counter",
		Mount: func(_ context.Context, params url.Values) (live.View, error) {
			start, _ := strconv.Atoi(params.Get("start"))
			return &demoView{Count: start}, nil
		},
		Events:  r,
		Restore: live.JSONRestore[demoView](),
	}
}

func runServe(ctx context.Context, addr, metricsAddr string, resume time.Duration, redisAddr string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	config, err := server.ConfigFromEnv()
	if err != nil {
		return err
	}
	config.Logger = logger
	if addr != "" {
		config.Address = addr
	}
	if resume > 0 {
		config.ResumeWindow = resume
	}
	if len(config.TokenSecret) == 0 {
		logger.Warn("no token secret configured, generating a random one")
		config.TokenSecret = token.NewSecret()
	}
	if redisAddr != "" {
		rc := session.RedisConfig{Addr: redisAddr}
		store, err := session.NewRedisStore(ctx, rc)
		if err != nil {
			return fmt.Errorf("redis store: %w", err)
		}
		defer store.Close()
		config.Store = store
	}

	srv, err := server.NewServer(config)
	if err != nil {
		return err
	}
	if err := srv.Register(demoDefinition()); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv.Instrument(middleware.NewMetrics(middleware.WithRegistry(registry)))
	srv.Use(middleware.Tracing())

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("metrics listening", "address", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)
	return err
}
