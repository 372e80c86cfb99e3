package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/jackpot-service/relay"
	"github.com/radieske/jackpot-platform-poc/internal/jackpot-service/ws"
	"github.com/radieske/jackpot-platform-poc/internal/shared/auth"
	"github.com/radieske/jackpot-platform-poc/internal/shared/cache"
	"github.com/radieske/jackpot-platform-poc/internal/shared/config"
	"github.com/radieske/jackpot-platform-poc/internal/shared/logger"
	"github.com/radieske/jackpot-platform-poc/internal/shared/metrics"
)

// jackpot-gateway: réplica somente leitura da rodada para escalar observadores WebSocket
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Errorf("config: %w", err))
	}
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatal("failed to connect redis", zap.Error(err))
	}
	defer rdb.Close()

	wsConns := prometheus.NewGauge(prometheus.GaugeOpts{Name: "jackpot_replica_ws_connections", Help: "clientes WebSocket conectados"})
	resyncs := prometheus.NewCounter(prometheus.CounterOpts{Name: "jackpot_replica_resyncs_total", Help: "recargas de snapshot por lacuna"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "jackpot_replica_subscribers_dropped_total", Help: "observadores desconectados por buffer cheio"})
	prometheus.MustRegister(wsConns, resyncs, dropped)

	replica := relay.NewReplica(log, rdb, cfg.RedisPubSubChannel, cfg.RedisStateKey, cfg.Round.SubscriberBuffer)
	replica.OnResync = resyncs.Inc
	replica.Broadcast().OnDrop = dropped.Inc

	// observadores anônimos são aceitos; apostas recebem betRejected (réplica somente leitura)
	resolver := auth.Resolver{Sessions: auth.NewSessions(cfg.JWTSecret, cfg.Limits.SessionTTL, nil)}
	if !cfg.DevMode() {
		resolver.Telegram = auth.NewTelegramVerifier(cfg.TelegramBotToken, cfg.Limits.AuthMaxAge, nil)
	}
	hub := ws.NewHub(log, replica, resolver, nil, func(r *http.Request) bool { return true })
	hub.OnConnections = func(delta int) { wsConns.Add(float64(delta)) }

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws", hub.HandleWS)
	r.Get("/v1/round", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(replica.Snapshot())
	})

	metricsSrv := metrics.StartMetricsServer(log, cfg.MetricsPort, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})

	go func() {
		// reassina com backoff se a conexão pub/sub cair
		backoff := time.Second
		for {
			err := replica.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			log.Warn("replica stopped, restarting", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, 30*time.Second)
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("replica listening", zap.String("addr", srv.Addr), zap.String("paths", "/ws,/v1/round"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("replica srv", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("jackpot-gateway stopped")
}
