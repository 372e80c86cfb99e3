package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"

	simulator "github.com/radieske/jackpot-platform-poc/internal/bet-simulator"
	"github.com/radieske/jackpot-platform-poc/internal/shared/config"
	"github.com/radieske/jackpot-platform-poc/internal/shared/logger"
	"github.com/radieske/jackpot-platform-poc/internal/shared/metrics"
	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
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

	sc := simulator.DefaultConfig()
	sc.URL = cfg.JackpotWSURL
	sc.BotToken = cfg.TelegramBotToken
	if v, err := strconv.Atoi(os.Getenv("SIM_PLAYERS")); err == nil && v > 0 {
		sc.Players = v
	}
	if v, err := time.ParseDuration(os.Getenv("SIM_BET_EVERY")); err == nil && v > 0 {
		sc.BetEvery = v
	}

	betsSent := prometheus.NewCounter(prometheus.CounterOpts{Name: "simulator_bets_sent_total", Help: "apostas enviadas"})
	received := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "simulator_events_received_total", Help: "eventos recebidos por tipo"}, []string{"type"})
	prometheus.MustRegister(betsSent, received)

	sim := simulator.New(log, sc)
	sim.OnBetSent = betsSent.Inc

	// só o primeiro jogador imprime eventos de broadcast; respostas diretas de todos
	watcher := strconv.FormatInt(sc.BaseID+1, 10)
	sim.OnEvent = func(player string, m simulator.Message) {
		received.WithLabelValues(m.Type).Inc()
		switch m.Type {
		case events.TypeBetRejected:
			var r events.BetRejected
			_ = json.Unmarshal(m.Data, &r)
			pterm.Warning.Printfln("[%s] bet rejected: %s", player, r.Error)
		case events.TypeBetAccepted:
			var a events.BetAccepted
			_ = json.Unmarshal(m.Data, &a)
			pterm.Success.Printfln("[%s] bet accepted, pot %.2f", player, a.TotalValue)
		}
		if player != watcher {
			return
		}
		printBroadcast(m)
	}

	metricsSrv := metrics.StartMetricsServer(log, cfg.MetricsPort, nil)

	pterm.DefaultHeader.WithFullWidth().Printfln("bet-simulator: %d players -> %s", sc.Players, sc.URL)
	if sc.BotToken == "" {
		pterm.Info.Println("no TELEGRAM_BOT_TOKEN: connecting with declared identities (dev mode)")
	}

	sim.Run(ctx)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	pterm.Info.Println("simulator stopped")
}

func printBroadcast(m simulator.Message) {
	switch m.Type {
	case events.TypeCountdownStart:
		var c events.CountdownStart
		_ = json.Unmarshal(m.Data, &c)
		pterm.Info.Printfln("round %d: countdown started, ends at %s", m.Generation, time.UnixMilli(c.EndsAt).Format(time.TimeOnly))
	case events.TypeSpinStart:
		var s events.SpinStart
		_ = json.Unmarshal(m.Data, &s)
		data := pterm.TableData{{"player", "value", "items", "color"}}
		for _, p := range s.Participants {
			data = append(data, []string{p.Identity, fmt.Sprintf("%.2f", p.ContributedValue), strconv.Itoa(len(p.Items)), p.DisplayColor})
		}
		pterm.Info.Printfln("round %d: spinning", m.Generation)
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	case events.TypeSpinEnd:
		var e events.SpinEnd
		_ = json.Unmarshal(m.Data, &e)
		pterm.Success.Printfln("round %d: winner %s takes %.2f", m.Generation, e.Winner.Identity, e.Total)
	}
}
