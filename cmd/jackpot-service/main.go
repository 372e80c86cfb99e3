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

	jhttp "github.com/radieske/jackpot-platform-poc/internal/jackpot-service/http"
	"github.com/radieske/jackpot-platform-poc/internal/jackpot-service/producer"
	"github.com/radieske/jackpot-platform-poc/internal/jackpot-service/relay"
	"github.com/radieske/jackpot-platform-poc/internal/jackpot-service/ws"
	"github.com/radieske/jackpot-platform-poc/internal/round"
	"github.com/radieske/jackpot-platform-poc/internal/shared/auth"
	"github.com/radieske/jackpot-platform-poc/internal/shared/cache"
	"github.com/radieske/jackpot-platform-poc/internal/shared/config"
	skafka "github.com/radieske/jackpot-platform-poc/internal/shared/kafka"
	"github.com/radieske/jackpot-platform-poc/internal/shared/logger"
	"github.com/radieske/jackpot-platform-poc/internal/shared/metrics"
	"github.com/radieske/jackpot-platform-poc/internal/shared/ratelimit"
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

	log.Info("starting service", zap.String("service", cfg.ServiceName), zap.String("env", cfg.Env))

	// Sinalização para shutdown gracioso (SIGINT/SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatal("failed to connect redis", zap.Error(err))
	}
	defer rdb.Close()
	log.Info("redis connected")

	if cfg.Env == "local" || cfg.Env == "dev" {
		if err := skafka.EnsureTopics(ctx, cfg.KafkaBrokers, cfg.TopicRoundSettled, cfg.TopicRoundSettledDLQ); err != nil {
			log.Warn("ensure topics failed", zap.Error(err))
		}
	}
	writer := skafka.NewWriter(cfg.KafkaBrokers, cfg.TopicRoundSettled)
	defer writer.Close()
	log.Info("kafka writer ready", zap.String("topic", cfg.TopicRoundSettled))

	// Métricas Prometheus da rodada e dos transportes
	betsAccepted := prometheus.NewCounter(prometheus.CounterOpts{Name: "jackpot_bets_accepted_total", Help: "apostas aceitas"})
	betsRejected := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jackpot_bets_rejected_total", Help: "apostas recusadas por motivo"}, []string{"reason"})
	staked := prometheus.NewCounter(prometheus.CounterOpts{Name: "jackpot_staked_value_total", Help: "valor apostado"})
	countdowns := prometheus.NewCounter(prometheus.CounterOpts{Name: "jackpot_countdowns_total", Help: "contagens iniciadas"})
	settled := prometheus.NewCounter(prometheus.CounterOpts{Name: "jackpot_rounds_settled_total", Help: "rodadas liquidadas"})
	potSize := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "jackpot_pot_value", Help: "valor do pote liquidado", Buckets: prometheus.ExponentialBuckets(1, 4, 10)})
	players := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "jackpot_round_participants", Help: "participantes por rodada", Buckets: prometheus.LinearBuckets(2, 2, 10)})
	generation := prometheus.NewGauge(prometheus.GaugeOpts{Name: "jackpot_round_generation", Help: "geração atual"})
	violations := prometheus.NewCounter(prometheus.CounterOpts{Name: "jackpot_invariant_violations_total", Help: "resets forçados por inconsistência"})
	wsConns := prometheus.NewGauge(prometheus.GaugeOpts{Name: "jackpot_ws_connections", Help: "clientes WebSocket conectados"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "jackpot_subscribers_dropped_total", Help: "observadores desconectados por buffer cheio"})
	mirrorBy := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jackpot_mirror_events_total", Help: "eventos espelhados no Redis por resultado"}, []string{"result"})
	published := prometheus.NewCounter(prometheus.CounterOpts{Name: "jackpot_settlements_published_total", Help: "rodadas publicadas no Kafka"})
	publishFailed := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jackpot_settlements_failed_total", Help: "falhas de publicação por motivo"}, []string{"reason"})
	limited := prometheus.NewCounter(prometheus.CounterOpts{Name: "jackpot_bets_rate_limited_total", Help: "apostas barradas pelo rate limit"})
	prometheus.MustRegister(betsAccepted, betsRejected, staked, countdowns, settled, potSize, players,
		generation, violations, wsConns, dropped, mirrorBy, published, publishFailed, limited)

	// Publicação das liquidações fora do loop da rodada
	settlement := producer.NewSettlementPublisher(writer, log)
	settlement.OnPublished = published.Inc
	settlement.OnFailed = func(reason string) { publishFailed.WithLabelValues(reason).Inc() }

	// Espelho do estado no Redis para as réplicas (jackpot-gateway)
	mirror := relay.NewMirror(log, relay.RedisSink{
		Client:  rdb,
		Key:     cfg.RedisStateKey,
		Channel: cfg.RedisPubSubChannel,
		TTL:     24 * time.Hour,
	}, 1024)
	mirror.OnMirrored = func() { mirrorBy.WithLabelValues("ok").Inc() }
	mirror.OnDropped = func() { mirrorBy.WithLabelValues("dropped").Inc() }
	mirror.OnError = func() { mirrorBy.WithLabelValues("error").Inc() }

	machine := round.NewMachine(ctx, log, round.Config{
		MinParticipants:  cfg.Round.MinParticipants,
		Countdown:        cfg.Round.Countdown,
		TickInterval:     cfg.Round.Tick,
		SpinDuration:     cfg.Round.Spin,
		AnnounceDuration: cfg.Round.Announce,
		SubscriberBuffer: cfg.Round.SubscriberBuffer,
	},
		round.WithRecorder(settlement),
		round.WithPublisher(mirror),
		round.WithHooks(round.Hooks{
			OnBetAccepted: func(v float64) {
				betsAccepted.Inc()
				staked.Add(v)
			},
			OnBetRejected:      func(reason string) { betsRejected.WithLabelValues(reason).Inc() },
			OnCountdownStarted: countdowns.Inc,
			OnSettled: func(total float64, n int) {
				settled.Inc()
				potSize.Observe(total)
				players.Observe(float64(n))
			},
			OnReset:              func(gen uint64) { generation.Set(float64(gen)) },
			OnInvariantViolation: violations.Inc,
			OnSubscriberDropped:  dropped.Inc,
		}),
	)

	// Identidade: sessão JWT ou initData do Telegram; sem token do bot a identidade é declarada
	sessions := auth.NewSessions(cfg.JWTSecret, cfg.Limits.SessionTTL, nil)
	resolver := auth.Resolver{Sessions: sessions}
	if !cfg.DevMode() {
		resolver.Telegram = auth.NewTelegramVerifier(cfg.TelegramBotToken, cfg.Limits.AuthMaxAge, nil)
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN not set: identities are NOT verified (dev mode)")
	}
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set: using insecure dev session secret")
	}

	limiter := ratelimit.New(rdb, log, "jackpot:bets", cfg.Limits.BetRateLimit, cfg.Limits.BetRateWindow)
	limiter.OnLimited = limited.Inc

	hub := ws.NewHub(log, machine, resolver, limiter, func(r *http.Request) bool { return true })
	hub.TrustPayloadIdentity = cfg.DevMode()
	hub.OnConnections = func(delta int) { wsConns.Add(float64(delta)) }

	api := jhttp.NewServer(log, machine, limiter, auth.RequireUser(resolver, log), hub.HandleWS)

	metricsSrv := metrics.StartMetricsServer(log, cfg.MetricsPort, metrics.All(
		metrics.Check{Name: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		metrics.Check{Name: "round", Fn: func(ctx context.Context) error {
			_, err := machine.Snapshot(ctx)
			return err
		}},
	))

	settleDone := make(chan struct{})
	go func() {
		defer close(settleDone)
		settlement.Run(ctx)
	}()
	go mirror.Run(ctx)

	apiSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("api listening", zap.String("addr", apiSrv.Addr), zap.String("paths", "/v1/round,/v1/bets,/ws"))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api srv", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// a máquina para com o ctx e fecha os observadores (o writePump encerra cada conexão)
	<-machine.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	// liquidações ainda na fila são enviadas antes de fechar o writer
	<-settleDone
	log.Info("jackpot-service stopped")
}
