package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

// Sink grava o snapshot e publica o envelope como um passo só
type Sink interface {
	Write(ctx context.Context, snapshot, envelope []byte) error
}

// RedisSink grava a chave de estado e publica no canal dentro de MULTI/EXEC
type RedisSink struct {
	Client  *redis.Client
	Key     string
	Channel string
	TTL     time.Duration
}

func (s RedisSink) Write(ctx context.Context, snapshot, envelope []byte) error {
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.Key, snapshot, s.TTL)
		pipe.Publish(ctx, s.Channel, envelope)
		return nil
	})
	return err
}

// Mirror recebe eventos da máquina sem bloqueá-la e os grava no Sink em ordem
type Mirror struct {
	log   *zap.Logger
	sink  Sink
	epoch string
	queue chan events.Message
	proj  *Projector
	seq   uint64

	OnMirrored func()
	OnDropped  func()
	OnError    func()
}

func NewMirror(log *zap.Logger, sink Sink, buffer int) *Mirror {
	if buffer < 1 {
		buffer = 1024
	}
	return &Mirror{
		log:   log.Named("mirror"),
		sink:  sink,
		epoch: uuid.NewString(),
		queue: make(chan events.Message, buffer),
		proj:  NewProjector(),
	}
}

// Publish enfileira o evento; com a fila cheia o evento é descartado
// e as réplicas se recuperam no próximo snapshot por lacuna de sequência.
func (m *Mirror) Publish(msg events.Message) {
	select {
	case m.queue <- msg:
	default:
		m.log.Warn("mirror queue full, event dropped", zap.String("type", msg.Type))
		if m.OnDropped != nil {
			m.OnDropped()
		}
	}
}

// Run grava os eventos até ctx ser cancelado
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.queue:
			if err := m.write(ctx, msg); err != nil {
				m.log.Warn("mirror write failed", zap.String("type", msg.Type), zap.Error(err))
				if m.OnError != nil {
					m.OnError()
				}
				continue
			}
			if m.OnMirrored != nil {
				m.OnMirrored()
			}
		}
	}
}

func (m *Mirror) write(ctx context.Context, msg events.Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	m.seq++
	env := Envelope{Epoch: m.epoch, Seq: m.seq, Type: msg.Type, Generation: msg.Generation, Data: data}
	if _, err := m.proj.Apply(env); err != nil {
		return err
	}

	snap, err := json.Marshal(m.proj.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.sink.Write(wctx, snap, payload)
}
