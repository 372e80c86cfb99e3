package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	gateway "github.com/radieske/jackpot-platform-poc/internal/api-gateway"
	"github.com/radieske/jackpot-platform-poc/internal/shared/config"
	"github.com/radieske/jackpot-platform-poc/internal/shared/logger"
	"github.com/radieske/jackpot-platform-poc/internal/shared/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Errorf("config: %w", err))
	}
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	proxyErrors := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_upstream_errors_total", Help: "falhas de proxy por upstream"}, []string{"upstream"})
	prometheus.MustRegister(proxyErrors)

	gw := gateway.New(log)
	gw.OnProxyError = func(upstream string) { proxyErrors.WithLabelValues(upstream).Inc() }

	// targets
	handler, err := gw.Router(gateway.Targets{
		Jackpot: cfg.JackpotURL,
		History: cfg.HistoryURL,
		Wallet:  cfg.WalletURL,
	})
	if err != nil {
		log.Fatal("gateway routes", zap.Error(err))
	}

	metricsSrv := metrics.StartMetricsServer(log, cfg.MetricsPort, nil)

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("api-gateway listening", zap.String("addr", srv.Addr),
			zap.String("jackpot", cfg.JackpotURL), zap.String("history", cfg.HistoryURL), zap.String("wallet", cfg.WalletURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("gateway failed", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("api-gateway stopped")
}
