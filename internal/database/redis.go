package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis representa a conexão com o Redis
type Redis struct {
	*redis.Client
}

// ConnectRedis abre a conexão com o Redis
func ConnectRedis(cfg *config.Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error pinging Redis: %w", err)
	}

	return &Redis{client}, nil
}

// Close fecha a conexão
func (r *Redis) Close() error {
	return r.Client.Close()
}

// HealthCheck verifica a saúde do Redis
func (r *Redis) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.Ping(ctx).Err()
}

// GetStats retorna as estatísticas do pool de conexões
func (r *Redis) GetStats() map[string]interface{} {
	s := r.PoolStats()
	return map[string]interface{}{
		"hits":        s.Hits,
		"misses":      s.Misses,
		"timeouts":    s.Timeouts,
		"total_conns": s.TotalConns,
		"idle_conns":  s.IdleConns,
		"stale_conns": s.StaleConns,
	}
}

// GetBytes lê uma chave; ok=false quando ela não existe
func (r *Redis) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	data, err := r.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error reading %s from Redis: %w", key, err)
	}
	return data, true, nil
}

// SetBytes grava uma chave com TTL
func (r *Redis) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := r.Client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("error writing %s to Redis: %w", key, err)
	}
	return nil
}

// Delete remove uma chave
func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return r.Client.Del(ctx, key).Err()
}

// LogStats registra as estatísticas do Redis
func (r *Redis) LogStats(logger *logrus.Logger) {
	logger.WithFields(logrus.Fields(r.GetStats())).Info("Redis statistics")
}
