package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/broadcast"
	"github.com/radieske/jackpot-platform-poc/internal/round"
	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

var ErrReadOnly = errors.New("read-only replica: place bets on the jackpot service")

// Replica reproduz a rodada espelhada para observadores locais.
// Projeção e publicação acontecem sob o mesmo lock que Subscribe usa,
// então o snapshot inicial de um observador precede os eventos seguintes.
type Replica struct {
	log     *zap.Logger
	rdb     *redis.Client
	channel string
	key     string

	mu   sync.Mutex
	proj *Projector
	hub  *broadcast.Channel

	load func(ctx context.Context) (Snapshot, bool, error)

	OnResync func()
}

func NewReplica(log *zap.Logger, rdb *redis.Client, channel, key string, buffer int) *Replica {
	r := &Replica{
		log:     log.Named("replica"),
		rdb:     rdb,
		channel: channel,
		key:     key,
		proj:    NewProjector(),
	}
	r.hub = broadcast.NewChannel(r.log, buffer)
	r.load = r.loadSnapshot
	return r
}

func (r *Replica) Broadcast() *broadcast.Channel { return r.hub }

// Subscribe satisfaz o contrato de observador do hub WebSocket
func (r *Replica) Subscribe(_ context.Context, id string) (*broadcast.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hub.Attach(id, r.proj.StateMessage())
}

func (r *Replica) Unsubscribe(id string) { r.hub.Detach(id) }

// Snapshot retorna o estado projetado atual
func (r *Replica) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proj.Snapshot()
}

func (r *Replica) PlaceBet(context.Context, string, []round.StakeItem) (round.Receipt, error) {
	return round.Receipt{}, ErrReadOnly
}

// Run assina o canal, carrega o snapshot e aplica os eventos até ctx ser cancelado.
// Pode ser chamado de novo após erro; os observadores só são fechados com o cancelamento de ctx.
func (r *Replica) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	// garante a assinatura ativa antes de ler o snapshot
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if err := r.resync(ctx); err != nil {
		r.log.Warn("initial snapshot unavailable", zap.Error(err))
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.hub.Close()
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				// observadores continuam conectados; o próximo Run reenvia o snapshot
				return errors.New("redis subscription closed")
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *Replica) handle(ctx context.Context, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("replica unmarshal error", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.proj.Stale(env) {
		return
	}
	if r.proj.Gap(env) {
		// evento perdido ou nova instância: recarrega o snapshot antes de seguir
		if err := r.resyncLocked(ctx); err != nil {
			r.log.Warn("resync failed", zap.Error(err))
		}
		if r.proj.Stale(env) {
			return
		}
		// só state traz a rodada inteira; um delta sem antecessor espera o próximo resync
		if r.proj.Gap(env) && env.Type != events.TypeState {
			r.log.Warn("gap not closed, event skipped",
				zap.String("type", env.Type), zap.Uint64("seq", env.Seq), zap.Uint64("have", r.proj.Snapshot().Seq))
			return
		}
	}

	applied, err := r.proj.Apply(env)
	if err != nil {
		r.log.Warn("replica apply failed", zap.String("type", env.Type), zap.Error(err))
		return
	}
	if applied {
		r.hub.Publish(env.Message())
	}
}

func (r *Replica) resync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resyncLocked(ctx)
}

func (r *Replica) resyncLocked(ctx context.Context) error {
	snap, ok, err := r.load(ctx)
	if err != nil || !ok {
		return err
	}
	cur := r.proj.Snapshot()
	if snap.Epoch == cur.Epoch && snap.Seq <= cur.Seq {
		return nil
	}
	r.proj.Reset(snap)
	r.hub.Publish(r.proj.StateMessage())
	if r.OnResync != nil {
		r.OnResync()
	}
	r.log.Info("replica resynced", zap.Uint64("seq", snap.Seq), zap.Uint64("generation", snap.Generation))
	return nil
}

func (r *Replica) loadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	gctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	b, err := r.rdb.Get(gctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("get %s: %w", r.key, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}
