package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/shared/auth"
	"github.com/radieske/jackpot-platform-poc/internal/shared/config"
	"github.com/radieske/jackpot-platform-poc/internal/shared/db"
	"github.com/radieske/jackpot-platform-poc/internal/shared/logger"
	"github.com/radieske/jackpot-platform-poc/internal/shared/metrics"
	whttp "github.com/radieske/jackpot-platform-poc/internal/wallet-service/http"
	wrepo "github.com/radieske/jackpot-platform-poc/internal/wallet-service/repo"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Errorf("config: %w", err))
	}

	// Inicializa logger estruturado
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("starting service", zap.String("service", cfg.ServiceName), zap.String("env", cfg.Env))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Conexão com Postgres para o ledger
	pg, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect", zap.Error(err))
	}
	defer pg.Close()

	repo := wrepo.NewPostgres(pg)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal("wallet schema", zap.Error(err))
	}

	// Sessões JWT emitidas em /auth/telegram; sem token do bot a identidade é declarada
	sessions := auth.NewSessions(cfg.JWTSecret, cfg.Limits.SessionTTL, nil)
	var tg *auth.TelegramVerifier
	if !cfg.DevMode() {
		tg = auth.NewTelegramVerifier(cfg.TelegramBotToken, cfg.Limits.AuthMaxAge, nil)
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN not set: identities are NOT verified (dev mode)")
	}
	users := auth.RequireUser(auth.Resolver{Sessions: sessions, Telegram: tg}, log)
	admin := auth.RequireAdmin(auth.AdminGuard{Token: cfg.AdminToken, AdminIDs: cfg.AdminIDs, Telegram: tg}, log)

	api := whttp.NewServer(log, repo, sessions, auth.Resolver{Telegram: tg}, users, admin)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "wallet_http_requests_total", Help: "requisições por método e status"}, []string{"method", "status"})
	prometheus.MustRegister(requests)

	// Servidor de métricas e health check
	metricsSrv := metrics.StartMetricsServer(log, cfg.MetricsPort, pg.PingContext)

	// Servidor HTTP público (API de wallet)
	apiSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort, // ex: 8082
		Handler:           countRequests(api.Router(), requests),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("api listening", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api srv", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("wallet-service stopped")
}

func countRequests(next http.Handler, c *prometheus.CounterVec) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		c.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}
