// Package lock реализует блокировку на время обработки, общую для всех экземпляров сервиса.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iurnickita/gamemarket/internal/service/config"
)

var (
	ErrLocked = errors.New("already locked")
	// ErrNotHeld: к моменту снятия ключ уже истек или принадлежит другому
	ErrNotHeld = errors.New("lock is not held")
)

type Locker interface {
	// Acquire захватывает ключ или возвращает ErrLocked, если он уже занят.
	// Вызывающий обязан вызвать release.
	Acquire(ctx context.Context, key string) (release func() error, err error)
	Close() error
}

const keyPrefix = "gamemarket:lock:"

// Снимает блокировку, только если она все еще наша
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// NewLocker подключается к Redis. Без REDIS_ADDR блокировка ничего не делает.
func NewLocker(ctx context.Context, cfg config.Lock) (Locker, error) {
	if cfg.RedisAddr == "" {
		return NewNoopLocker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisLocker{client: client, ttl: cfg.TTL}, nil
}

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func (l *redisLocker) Acquire(ctx context.Context, key string) (func() error, error) {
	key = keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}

	release := func() error {
		// снимаем даже если запрос уже отменен, иначе ключ дождется TTL
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		return l.release(ctx, key, token)
	}
	return release, nil
}

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *redisLocker) Close() error {
	return l.client.Close()
}

type noopLocker struct{}

func NewNoopLocker() Locker {
	return noopLocker{}
}

func (noopLocker) Acquire(context.Context, string) (func() error, error) {
	return func() error { return nil }, nil
}
func (noopLocker) Close() error { return nil }
