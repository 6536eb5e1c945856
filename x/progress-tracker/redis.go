package progresstracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/proxy"
)

const (
	// redisKeyJob hash: total, dispatched_at
	redisKeyJob = "ProxyValidator:Job:%s"
	// redisKeyProgress hash: chunk id -> ChunkResult JSON
	redisKeyProgress = "ProxyValidator:Progress:%s"

	fieldTotal        = "total"
	fieldDispatchedAt = "dispatched_at"
)

var _ Tracker = (*RedisTracker)(nil)

// RedisTracker stores progress in redis so workers on any host can report.
type RedisTracker struct {
	cli       redis.UniversalClient
	retention time.Duration
	log       zerolog.Logger
}

// NewRedisTracker connects to redis and verifies the connection.
func NewRedisTracker(cfg RedisConfig, retention time.Duration, log zerolog.Logger) (*RedisTracker, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := cli.Ping(ctx).Result(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("progress-tracker: ping redis %s: %w", cfg.Addr, err)
	}

	return NewRedisTrackerWithClient(cli, retention, log), nil
}

// NewRedisTrackerWithClient wraps an existing client.
func NewRedisTrackerWithClient(cli redis.UniversalClient, retention time.Duration, log zerolog.Logger) *RedisTracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisTracker{
		cli:       cli,
		retention: retention,
		log:       log.With().Str("component", "progress-tracker").Str("backend", BackendRedis).Logger(),
	}
}

func (t *RedisTracker) SetTotal(ctx context.Context, jobID string, total int, dispatchedAt time.Time) error {
	if !validJobID(jobID) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	jobKey := fmt.Sprintf(redisKeyJob, jobID)
	_, err := t.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, jobKey, fieldTotal, total, fieldDispatchedAt, dispatchedAt.UnixNano())
		p.Expire(ctx, jobKey, t.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("progress-tracker: set total for %s: %w", jobID, err)
	}
	return nil
}

func (t *RedisTracker) MarkDone(ctx context.Context, jobID string, chunkID int, result proxy.ChunkResult) error {
	if !validJobID(jobID) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("progress-tracker: marshal chunk %d: %w", chunkID, err)
	}

	progressKey := fmt.Sprintf(redisKeyProgress, jobID)
	_, err = t.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, progressKey, strconv.Itoa(chunkID), payload)
		p.Expire(ctx, progressKey, t.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("progress-tracker: mark chunk %s/%d done: %w", jobID, chunkID, err)
	}
	return nil
}

func (t *RedisTracker) GetProgress(ctx context.Context, jobID string) (Progress, error) {
	if !validJobID(jobID) {
		return Progress{}, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}

	var jobCmd, progressCmd *redis.StringStringMapCmd
	_, err := t.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		jobCmd = p.HGetAll(ctx, fmt.Sprintf(redisKeyJob, jobID))
		progressCmd = p.HGetAll(ctx, fmt.Sprintf(redisKeyProgress, jobID))
		return nil
	})
	if err != nil {
		return Progress{}, fmt.Errorf("progress-tracker: read %s: %w", jobID, err)
	}

	meta := jobCmd.Val()
	if len(meta) == 0 {
		return Progress{}, ErrJobNotFound
	}
	total, err := strconv.Atoi(meta[fieldTotal])
	if err != nil {
		return Progress{}, fmt.Errorf("progress-tracker: corrupt total for %s: %w", jobID, err)
	}
	var dispatchedAt time.Time
	if ns, err := strconv.ParseInt(meta[fieldDispatchedAt], 10, 64); err == nil {
		dispatchedAt = time.Unix(0, ns)
	}

	progress := newProgress(total, dispatchedAt)
	for field, raw := range progressCmd.Val() {
		chunkID, err := strconv.Atoi(field)
		if err != nil {
			t.log.Warn().Str("job_id", jobID).Str("field", field).Msg("ignoring malformed progress field")
			continue
		}
		var r proxy.ChunkResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			t.log.Warn().Err(err).Str("job_id", jobID).Int("chunk_id", chunkID).Msg("ignoring unreadable progress record")
			continue
		}
		progress.add(chunkID, r)
	}
	return progress, nil
}

func (t *RedisTracker) Close() error {
	return t.cli.Close()
}
