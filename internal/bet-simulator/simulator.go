// Package simulator conecta jogadores falsos ao WebSocket da rodada e aposta itens aleatórios.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/round"
	"github.com/radieske/jackpot-platform-poc/internal/shared/auth"
	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

type Config struct {
	URL      string        // ex.: ws://localhost:8080/ws
	Players  int           // jogadores simultâneos
	BaseID   int64         // ids Telegram falsos: BaseID+1..BaseID+Players
	BetEvery time.Duration // intervalo médio entre apostas de cada jogador
	MinValue float64
	MaxValue float64
	MaxItems int

	// BotToken assina initData como o Telegram; vazio envia ?identity= (modo dev)
	BotToken string
}

func DefaultConfig() Config {
	return Config{
		URL:      "ws://localhost:8080/ws",
		Players:  4,
		BaseID:   1000,
		BetEvery: 8 * time.Second,
		MinValue: 0.5,
		MaxValue: 25,
		MaxItems: 3,
	}
}

// Message é o evento como chega do servidor; Data fica cru até o consumidor decodificar
type Message struct {
	Type       string          `json:"type"`
	Generation uint64          `json:"generation"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type Simulator struct {
	cfg    Config
	log    *zap.Logger
	dialer *websocket.Dialer

	OnBetSent func()
	OnEvent   func(player string, msg Message) // chamado pelo goroutine de cada jogador
}

func New(log *zap.Logger, cfg Config) *Simulator {
	if cfg.Players < 1 {
		cfg.Players = 1
	}
	if cfg.MaxItems < 1 {
		cfg.MaxItems = 1
	}
	if cfg.MaxValue < cfg.MinValue {
		cfg.MaxValue = cfg.MinValue
	}
	return &Simulator{cfg: cfg, log: log.Named("simulator"), dialer: websocket.DefaultDialer}
}

// Run mantém os jogadores conectados até ctx ser cancelado, reconectando após falhas
func (s *Simulator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 1; i <= s.cfg.Players; i++ {
		identity := strconv.FormatInt(s.cfg.BaseID+int64(i), 10)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.play(ctx, identity)
		}()
	}
	wg.Wait()
}

func (s *Simulator) play(ctx context.Context, identity string) {
	rng := round.NewSource()
	for {
		err := s.session(ctx, identity, rng)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("player disconnected, reconnecting", zap.String("player", identity), zap.Error(err))
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// DialURL acrescenta a credencial do jogador à URL do WebSocket
func (s *Simulator) DialURL(identity string) (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	if s.cfg.BotToken != "" {
		v := url.Values{}
		v.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
		v.Set("user", `{"id":`+identity+`,"first_name":"bot`+identity+`"}`)
		q.Set("initData", auth.SignInitData(s.cfg.BotToken, v))
	} else {
		q.Set("identity", identity)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Simulator) session(ctx context.Context, identity string, rng *rand.Rand) error {
	target, err := s.DialURL(identity)
	if err != nil {
		return err
	}
	conn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	msgs := make(chan Message, 32)
	readErr := make(chan error, 1)
	go func() {
		for {
			var m Message
			if err := conn.ReadJSON(&m); err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	phase := round.PhaseWaiting
	timer := time.NewTimer(s.nextDelay(rng))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return nil
		case err := <-readErr:
			return err
		case m := <-msgs:
			phase = nextPhase(phase, m)
			if s.OnEvent != nil {
				s.OnEvent(identity, m)
			}
		case <-timer.C:
			if phase != round.PhaseSpinning {
				bet := events.Message{Type: events.TypePlaceBet, Data: events.PlaceBet{
					Identity: identity,
					Items:    s.RandomItems(rng),
				}}
				if err := conn.WriteJSON(bet); err != nil {
					return fmt.Errorf("write bet: %w", err)
				}
				if s.OnBetSent != nil {
					s.OnBetSent()
				}
			}
			timer.Reset(s.nextDelay(rng))
		}
	}
}

// nextPhase acompanha a fase pelos eventos recebidos
func nextPhase(cur round.Phase, m Message) round.Phase {
	switch m.Type {
	case events.TypeState:
		var st events.State
		if json.Unmarshal(m.Data, &st) == nil && st.Phase != "" {
			return round.Phase(st.Phase)
		}
	case events.TypeCountdownStart:
		return round.PhaseCountdown
	case events.TypeSpinStart:
		return round.PhaseSpinning
	}
	return cur
}

// nextDelay sorteia entre metade e uma vez e meia de BetEvery
func (s *Simulator) nextDelay(rng *rand.Rand) time.Duration {
	base := s.cfg.BetEvery
	if base <= 0 {
		base = time.Second
	}
	return base/2 + time.Duration(rng.Int64N(int64(base)+1))
}

// RandomItems gera de 1 a MaxItems itens com valores em [MinValue, MaxValue]
func (s *Simulator) RandomItems(rng *rand.Rand) []events.StakeItem {
	n := 1 + rng.IntN(s.cfg.MaxItems)
	items := make([]events.StakeItem, n)
	for i := range items {
		v := s.cfg.MinValue + rng.Float64()*(s.cfg.MaxValue-s.cfg.MinValue)
		items[i] = events.StakeItem{
			ID:            uuid.NewString(),
			DeclaredValue: float64(int64(v*100)) / 100,
			DisplayRef:    "gift-" + strconv.Itoa(1+rng.IntN(40)),
		}
		// valores sempre positivos, em centésimos
		if items[i].DeclaredValue <= 0 {
			items[i].DeclaredValue = 0.01
		}
	}
	return items
}
