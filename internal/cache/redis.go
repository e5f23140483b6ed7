package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskproof/internal/domain"
)

type RedisOptions struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

// Redis shares job statuses between server replicas.
type Redis struct {
	rc     *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is empty")
	}
	rc := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
		PoolSize:    10,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis connect error: %w", err)
	}
	return NewRedisWithClient(rc, opts.TTL, opts.Prefix), nil
}

func NewRedisWithClient(rc *redis.Client, ttl time.Duration, prefix string) *Redis {
	if prefix == "" {
		prefix = "taskproof"
	}
	return &Redis{rc: rc, ttl: ttl, prefix: prefix}
}

func (r *Redis) key(jobID int64) string {
	return fmt.Sprintf("%s:job:%d:status", r.prefix, jobID)
}

func (r *Redis) Get(ctx context.Context, jobID int64) (domain.JobStatus, bool, error) {
	v, err := r.rc.Get(ctx, r.key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get job status: %w", err)
	}
	return domain.JobStatus(v), true, nil
}

func (r *Redis) Set(ctx context.Context, jobID int64, status domain.JobStatus) error {
	if err := r.rc.Set(ctx, r.key(jobID), string(status), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set job status: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rc.Close()
}
