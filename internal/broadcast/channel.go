// Package broadcast distribui eventos da rodada para um conjunto de observadores.
//
// Attach e Publish devem ser chamados pelo dono do estado (um único goroutine ou
// sob o mesmo lock que protege o estado); assim o snapshot inicial de um novo
// observador e os eventos seguintes ficam na mesma ordem em que aconteceram.
package broadcast

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

var ErrClosed = errors.New("broadcast channel closed")

// Subscription é a fila de entrega de um observador.
// O canal é fechado quando o observador sai, é derrubado por lentidão ou o Channel fecha.
type Subscription struct {
	id string
	ch chan events.Message
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) C() <-chan events.Message { return s.ch }

// Channel mantém o conjunto atual de observadores
type Channel struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	log    *zap.Logger

	OnDrop func() // métricas: observador derrubado por buffer cheio
}

// NewChannel cria um Channel; buffer é a capacidade da fila de cada observador
func NewChannel(log *zap.Logger, buffer int) *Channel {
	if buffer < 1 {
		buffer = 1
	}
	return &Channel{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		log:    log,
	}
}

// Attach registra um observador e enfileira o snapshot inicial antes de qualquer evento posterior.
// Um id vazio recebe um UUID; um id já registrado substitui a inscrição anterior.
func (c *Channel) Attach(id string, initial events.Message) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if id == "" {
		id = uuid.NewString()
	}
	if old, ok := c.subs[id]; ok {
		close(old.ch)
		delete(c.subs, id)
	}

	sub := &Subscription{id: id, ch: make(chan events.Message, c.buffer)}
	sub.ch <- initial
	c.subs[id] = sub
	return sub, nil
}

// Publish entrega a mensagem a todos os observadores e retorna quantos a receberam.
// Observadores com fila cheia são desconectados em vez de perderem eventos em silêncio.
func (c *Channel) Publish(msg events.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	delivered := 0
	for id, sub := range c.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			close(sub.ch)
			delete(c.subs, id)
			c.log.Warn("observer too slow, dropped",
				zap.String("observer_id", id),
				zap.String("event", msg.Type),
			)
			if c.OnDrop != nil {
				c.OnDrop()
			}
		}
	}
	return delivered
}

// Detach remove o observador, se ainda registrado, e fecha sua fila
func (c *Channel) Detach(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[id]; ok {
		close(sub.ch)
		delete(c.subs, id)
	}
}

// Close desconecta todos os observadores; Attach posteriores falham com ErrClosed
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id, sub := range c.subs {
		close(sub.ch)
		delete(c.subs, id)
	}
}

func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
