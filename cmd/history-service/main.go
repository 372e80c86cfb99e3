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

	"github.com/radieske/jackpot-platform-poc/internal/history"
	"github.com/radieske/jackpot-platform-poc/internal/history-service/consumer"
	hhttp "github.com/radieske/jackpot-platform-poc/internal/history-service/http"
	"github.com/radieske/jackpot-platform-poc/internal/shared/auth"
	"github.com/radieske/jackpot-platform-poc/internal/shared/config"
	skafka "github.com/radieske/jackpot-platform-poc/internal/shared/kafka"
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
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := history.Open(cfg.HistoryFile, log, nil)
	if err != nil {
		log.Fatal("open history", zap.String("path", cfg.HistoryFile), zap.Error(err))
	}

	if cfg.Env == "local" || cfg.Env == "dev" {
		if err := skafka.EnsureTopics(ctx, cfg.KafkaBrokers, cfg.TopicRoundSettled, cfg.TopicRoundSettledDLQ); err != nil {
			log.Warn("ensure topics failed", zap.Error(err))
		}
	}

	// Consumer group history-service
	reader := skafka.NewReader(cfg.KafkaBrokers, cfg.TopicRoundSettled, "history-service")
	defer reader.Close()
	dlq := skafka.NewWriter(cfg.KafkaBrokers, cfg.TopicRoundSettledDLQ)
	defer dlq.Close()

	consumed := prometheus.NewCounter(prometheus.CounterOpts{Name: "history_messages_consumed_total", Help: "mensagens consumidas"})
	stored := prometheus.NewCounter(prometheus.CounterOpts{Name: "history_rounds_stored_total", Help: "rodadas gravadas"})
	errorsBy := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "history_errors_total", Help: "erros por estágio"}, []string{"stage"})
	records := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "history_records", Help: "rodadas no histórico"}, func() float64 {
		return float64(store.Len())
	})
	prometheus.MustRegister(consumed, stored, errorsBy, records)

	proc := &consumer.Processor{
		Log:        log.Named("consumer"),
		Reader:     reader,
		Store:      store,
		DLQ:        dlq,
		OnConsumed: consumed.Inc,
		OnStored:   stored.Inc,
		OnError:    func(stage string) { errorsBy.WithLabelValues(stage).Inc() },
	}

	guard := auth.AdminGuard{Token: cfg.AdminToken, AdminIDs: cfg.AdminIDs}
	if !cfg.DevMode() {
		guard.Telegram = auth.NewTelegramVerifier(cfg.TelegramBotToken, cfg.Limits.AuthMaxAge, nil)
	}
	if cfg.AdminToken == "" && len(cfg.AdminIDs) == 0 {
		log.Warn("ADMIN_TOKEN and ADMIN_IDS not set: admin routes are disabled")
	}
	api := hhttp.NewServer(log, store, auth.RequireAdmin(guard, log))

	metricsSrv := metrics.StartMetricsServer(log, cfg.MetricsPort, func(context.Context) error {
		if store.Dirty() {
			return errors.New("history file has unsaved changes")
		}
		return nil
	})

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: api.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("api listening", zap.String("addr", srv.Addr), zap.String("paths", "/history,/admin/history/*"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api srv", zap.Error(err))
			cancel()
		}
	}()

	log.Info("history consumer started", zap.String("topic", cfg.TopicRoundSettled))
	if err := proc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("consumer stopped with error", zap.Error(err))
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := store.Flush(); err != nil {
		log.Error("final history flush failed", zap.Error(err))
	}
	log.Info("history-service stopped")
}
