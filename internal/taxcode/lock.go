package taxcode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// KeyLocker serializa escritores concorrentes de uma mesma allowlist
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LockKey monta a chave de bloqueio de um snapshot
func LockKey(taxpayerID, municipality, competence string) string {
	return "nfse:allowlist:" + taxpayerID + ":" + municipality + ":" + competence
}

// MemoryLocker é um mutex por chave dentro do processo
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker cria o locker em memória
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

// Lock espera a chave ficar livre ou o contexto terminar
func (m *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(key, l)
		})
	}, nil
}

func (m *MemoryLocker) release(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker usa SET NX PX com token para bloquear entre réplicas
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *logrus.Logger
}

// NewRedisLocker cria o locker distribuído
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, retry: 50 * time.Millisecond, logger: logger}
}

// Lock tenta adquirir a chave até o contexto terminar
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("error acquiring lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		r.release(releaseCtx, key, token)
	}, nil
}

// release apaga a chave só se o token ainda for o nosso; falha deixa a trava até o TTL
func (r *RedisLocker) release(ctx context.Context, key, token string) {
	deleted, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"key":   key,
			"ttl":   r.ttl,
			"error": err.Error(),
		}).Warn("Error releasing allowlist lock, it will expire with its TTL")
		return
	}
	if deleted == 0 {
		r.logger.WithField("key", key).Warn("Allowlist lock expired before release")
	}
}
