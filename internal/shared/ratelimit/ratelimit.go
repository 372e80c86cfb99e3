// Package ratelimit limita ações por identidade com janela fixa no Redis (INCR + EXPIRE NX).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrLimited = errors.New("rate limit exceeded")

// Counter é o subconjunto do cliente Redis usado pelo limitador
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

type Limiter struct {
	rdb    Counter
	log    *zap.Logger
	prefix string
	limit  int64
	window time.Duration

	OnLimited func() // métricas
}

func New(rdb Counter, log *zap.Logger, prefix string, limit int, window time.Duration) *Limiter {
	return &Limiter{
		rdb:    rdb,
		log:    log.Named("ratelimit"),
		prefix: prefix,
		limit:  int64(limit),
		window: window,
	}
}

// Allow conta uma ação de identity e retorna ErrLimited quando a janela estourou.
// Falhas do Redis não bloqueiam a ação.
func (l *Limiter) Allow(ctx context.Context, identity string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	key := fmt.Sprintf("%s:%s", l.prefix, identity)

	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("rate limit check failed, allowing", zap.String("key", key), zap.Error(err))
		return nil
	}
	// NX a cada chamada: uma chave que ficou sem TTL volta a expirar na próxima ação
	if err := l.rdb.ExpireNX(ctx, key, l.window).Err(); err != nil {
		l.log.Warn("rate limit expire failed", zap.String("key", key), zap.Error(err))
	}
	if n > l.limit {
		if l.OnLimited != nil {
			l.OnLimited()
		}
		return ErrLimited
	}
	return nil
}
