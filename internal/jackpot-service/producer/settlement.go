package producer

import (
	"context"
	"time"

	"go.uber.org/zap"

	skafka "github.com/radieske/jackpot-platform-poc/internal/shared/kafka"
	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

// SettlementPublisher publica rodadas liquidadas no tópico round_settled.
// Record nunca bloqueia a máquina: os eventos vão para uma fila e um goroutine
// os envia com novas tentativas e backoff exponencial.
type SettlementPublisher struct {
	writer      skafka.MessageWriter
	log         *zap.Logger
	queue       chan events.RoundSettled
	maxAttempts int
	backoff     time.Duration

	OnPublished func()
	OnFailed    func(reason string) // "queue_full", "exhausted"
}

func NewSettlementPublisher(w skafka.MessageWriter, log *zap.Logger) *SettlementPublisher {
	return &SettlementPublisher{
		writer:      w,
		log:         log.Named("settlement"),
		queue:       make(chan events.RoundSettled, 256),
		maxAttempts: 5,
		backoff:     200 * time.Millisecond,
	}
}

// WithRetry ajusta tentativas e backoff inicial
func (p *SettlementPublisher) WithRetry(attempts int, backoff time.Duration) *SettlementPublisher {
	p.maxAttempts = attempts
	p.backoff = backoff
	return p
}

// Record satisfaz round.Recorder
func (p *SettlementPublisher) Record(s events.RoundSettled) {
	select {
	case p.queue <- s:
	default:
		p.log.Error("settlement queue full, round not published",
			zap.String("round_id", s.RoundID), zap.Uint64("generation", s.Generation))
		p.failed("queue_full")
	}
}

// Run envia os eventos até ctx ser cancelado; o que restar na fila tem alguns segundos para sair
func (p *SettlementPublisher) Run(ctx context.Context) {
	for {
		select {
		case s := <-p.queue:
			p.publish(ctx, s)
		case <-ctx.Done():
			p.flush()
			return
		}
	}
}

func (p *SettlementPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case s := <-p.queue:
			p.publish(ctx, s)
		default:
			return
		}
	}
}

func (p *SettlementPublisher) publish(ctx context.Context, s events.RoundSettled) {
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := skafka.WriteJSON(wctx, p.writer, s.RoundID, s)
		cancel()
		if err == nil {
			p.log.Info("round settled published",
				zap.String("round_id", s.RoundID),
				zap.String("winner", s.Winner),
				zap.Float64("total", s.Total),
			)
			if p.OnPublished != nil {
				p.OnPublished()
			}
			return
		}

		p.log.Warn("publish round settled failed",
			zap.String("round_id", s.RoundID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			p.log.Error("shutdown before round settled was published", zap.String("round_id", s.RoundID))
			p.failed("exhausted")
			return
		}
	}
	p.log.Error("round settled dropped after retries", zap.String("round_id", s.RoundID))
	p.failed("exhausted")
}

func (p *SettlementPublisher) failed(reason string) {
	if p.OnFailed != nil {
		p.OnFailed(reason)
	}
}
