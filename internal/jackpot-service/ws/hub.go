package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/broadcast"
	"github.com/radieske/jackpot-platform-poc/internal/round"
	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

// Round é o que o hub usa da máquina da rodada
type Round interface {
	Subscribe(ctx context.Context, id string) (*broadcast.Subscription, error)
	Unsubscribe(id string)
	PlaceBet(ctx context.Context, identity string, items []round.StakeItem) (round.Receipt, error)
}

// Identifier resolve a identidade de quem abre a conexão; erro = observador anônimo
type Identifier interface {
	Identify(r *http.Request) (string, error)
}

type Limiter interface {
	Allow(ctx context.Context, identity string) error
}

var errAnonymous = errors.New("unauthorized: connect with a session token or telegram init data")

// Config controla tempos e limites de cada conexão
type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	DirectBuffer   int // respostas só para o cliente (pong, betRejected, betAccepted)
	BetTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 64 * 1024,
		DirectBuffer:   16,
		BetTimeout:     5 * time.Second,
	}
}

// Hub conecta clientes WebSocket à rodada: cada conexão vira um observador
// e pode enviar placeBet; recusas voltam apenas para quem apostou.
type Hub struct {
	upgrader websocket.Upgrader
	round    Round
	ident    Identifier
	limiter  Limiter
	log      *zap.Logger
	cfg      Config

	// TrustPayloadIdentity aceita a identity do payload quando a conexão é anônima (modo dev)
	TrustPayloadIdentity bool

	OnConnections func(delta int) // métricas: +1 ao conectar, -1 ao sair
}

// NewHub cria uma instância de Hub com política customizada de origem (CORS)
func NewHub(log *zap.Logger, rnd Round, ident Identifier, limiter Limiter, allowOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: allowOrigin},
		round:    rnd,
		ident:    ident,
		limiter:  limiter,
		log:      log.Named("ws"),
		cfg:      DefaultConfig(),
	}
}

func (h *Hub) WithConfig(cfg Config) *Hub {
	h.cfg = cfg
	return h
}

type client struct {
	id       string
	identity string
	conn     *websocket.Conn
	direct   chan events.Message
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// HandleWS gerencia o ciclo de vida de uma conexão WebSocket.
// O primeiro evento enviado é sempre o snapshot da rodada.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.ident.Identify(r)
	if err != nil {
		identity = ""
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		direct:   make(chan events.Message, h.cfg.DirectBuffer),
		done:     make(chan struct{}),
	}

	sub, err := h.round.Subscribe(r.Context(), c.id)
	if err != nil {
		h.log.Warn("subscribe failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "round unavailable"),
			time.Now().Add(h.cfg.WriteWait))
		_ = conn.Close()
		return
	}

	if h.OnConnections != nil {
		h.OnConnections(1)
	}
	h.log.Debug("client connected", zap.String("conn_id", c.id), zap.String("identity", identity))

	go h.writePump(c, sub)
	h.readPump(c)

	c.close()
	h.round.Unsubscribe(c.id)
	if h.OnConnections != nil {
		h.OnConnections(-1)
	}
	h.log.Debug("client disconnected", zap.String("conn_id", c.id))
}

func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		var in events.Inbound
		if err := c.conn.ReadJSON(&in); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				h.reply(c, events.TypeBetRejected, events.BetRejected{Error: "malformed message"})
				continue
			}
			return
		}

		switch in.Type {
		case events.TypePing:
			h.reply(c, events.TypePong, nil)
		case events.TypePlaceBet:
			h.placeBet(c, in.Data)
		default:
			h.reply(c, events.TypeBetRejected, events.BetRejected{Error: "unknown message type " + in.Type})
		}
	}
}

func (h *Hub) placeBet(c *client, raw json.RawMessage) {
	var req events.PlaceBet
	if err := json.Unmarshal(raw, &req); err != nil {
		h.reply(c, events.TypeBetRejected, events.BetRejected{Error: "malformed placeBet"})
		return
	}

	identity := c.identity
	if identity == "" && h.TrustPayloadIdentity {
		identity = req.Identity
	}
	if identity == "" {
		h.reply(c, events.TypeBetRejected, events.BetRejected{Error: errAnonymous.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.BetTimeout)
	defer cancel()

	if h.limiter != nil {
		if err := h.limiter.Allow(ctx, identity); err != nil {
			h.reply(c, events.TypeBetRejected, events.BetRejected{Error: err.Error()})
			return
		}
	}

	receipt, err := h.round.PlaceBet(ctx, identity, round.ItemsFromWire(req.Items))
	if err != nil {
		if !round.IsRejection(err) {
			h.log.Warn("bet failed", zap.String("identity", identity), zap.Error(err))
		}
		h.reply(c, events.TypeBetRejected, events.BetRejected{Error: err.Error()})
		return
	}
	h.reply(c, events.TypeBetAccepted, events.BetAccepted{Identity: identity, TotalValue: receipt.TotalValue})
}

// reply enfileira uma resposta só para este cliente. Se a fila não esvaziar em WriteWait
// a conexão é derrubada, como um observador lento: o cliente reconecta e relê o estado.
func (h *Hub) reply(c *client, typ string, data any) {
	msg := events.Message{Type: typ, Data: data}
	select {
	case c.direct <- msg:
		return
	default:
	}

	t := time.NewTimer(h.cfg.WriteWait)
	defer t.Stop()
	select {
	case c.direct <- msg:
	case <-c.done:
	case <-t.C:
		h.log.Warn("direct queue full, closing connection", zap.String("conn_id", c.id), zap.String("type", typ))
		c.close()
	}
}

func (h *Hub) writePump(c *client, sub *broadcast.Subscription) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				// observador derrubado por lentidão ou máquina encerrada
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "resubscribe"),
					time.Now().Add(h.cfg.WriteWait))
				return
			}
			if err := h.write(c, msg); err != nil {
				return
			}
		case msg := <-c.direct:
			if err := h.write(c, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) write(c *client, msg events.Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		h.log.Debug("write failed", zap.String("conn_id", c.id), zap.Error(err))
		return err
	}
	return nil
}
