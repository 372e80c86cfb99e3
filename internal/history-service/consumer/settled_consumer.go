package consumer

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/history"
	skafka "github.com/radieske/jackpot-platform-poc/internal/shared/kafka"
	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

// Appender é o que o consumer precisa do store de histórico
type Appender interface {
	Append(rec history.Record) (bool, error)
}

// Processor consome round_settled, grava no histórico e confirma o offset.
// Mensagens ilegíveis vão para a DLQ; falhas de gravação são repetidas até ctx acabar.
type Processor struct {
	Log    *zap.Logger
	Reader skafka.MessageReader
	Store  Appender
	DLQ    skafka.MessageWriter

	RetryBackoff time.Duration

	OnConsumed func()       // métricas (counter++)
	OnStored   func()       // métricas
	OnError    func(string) // métricas por fase
}

// Run inicia o loop principal de consumo
func (p *Processor) Run(ctx context.Context) error {
	for {
		m, err := skafka.FetchNext(ctx, p.Reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.Log.Warn("kafka fetch failed", zap.Error(err))
			p.fail("read")
			if !sleep(ctx, 500*time.Millisecond) {
				return ctx.Err()
			}
			continue
		}
		if p.OnConsumed != nil {
			p.OnConsumed()
		}

		if err := p.handle(ctx, m); err != nil {
			return err
		}
		if err := skafka.Commit(ctx, p.Reader, m); err != nil {
			p.Log.Warn("kafka commit failed", zap.Error(err))
			p.fail("commit")
		}
	}
}

// handle só retorna erro quando ctx é cancelado no meio das tentativas
func (p *Processor) handle(ctx context.Context, m kafka.Message) error {
	var ev events.RoundSettled
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RoundID == "" {
		p.Log.Warn("invalid round_settled message, sending to dlq",
			zap.Int64("offset", m.Offset), zap.Error(err))
		p.fail("decode")
		p.toDLQ(ctx, m)
		return nil
	}

	rec := history.FromSettled(ev)
	backoff := p.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		added, err := p.Store.Append(rec)
		if err == nil {
			if added {
				p.Log.Info("round stored",
					zap.String("round_id", rec.ID),
					zap.String("winner", rec.Winner),
					zap.Float64("total", rec.Total),
				)
				if p.OnStored != nil {
					p.OnStored()
				}
			}
			return nil
		}
		p.Log.Warn("history append failed, retrying", zap.String("round_id", rec.ID), zap.Error(err))
		p.fail("store")
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (p *Processor) toDLQ(ctx context.Context, m kafka.Message) {
	if p.DLQ == nil {
		return
	}
	dlq := kafka.Message{
		Key:   m.Key,
		Value: m.Value,
		Headers: append(m.Headers,
			kafka.Header{Key: "source_topic", Value: []byte(m.Topic)},
			kafka.Header{Key: "source_offset", Value: []byte(strconv.FormatInt(m.Offset, 10))},
		),
		Time: time.Now(),
	}
	if err := p.DLQ.WriteMessages(ctx, dlq); err != nil {
		p.Log.Error("dlq write failed", zap.Error(err))
		p.fail("dlq")
	}
}

func (p *Processor) fail(phase string) {
	if p.OnError != nil {
		p.OnError(phase)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
