package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jguan/vitune/pkg/infra/eventbus"
	"github.com/jguan/vitune/pkg/infra/ratelimit"
	"github.com/jguan/vitune/pkg/infra/store"
)

const redisKeyPrefix = "vitune:run:"

// RedisSinkConfig holds the configuration for the RedisSink.
type RedisSinkConfig struct {
	Address string
	// MaxLen caps each stream; 0 keeps everything.
	MaxLen  int64
	Timeout time.Duration
	// MaxRate caps metric records per second per run. Records over the
	// limit are skipped on redis only; the run store keeps them. 0 disables.
	MaxRate float64
	Burst   int
}

// RedisSink mirrors tracking events into redis so remote dashboards can
// follow a run: metrics and artifacts go to streams, run metadata to a hash.
type RedisSink struct {
	client  *redis.Client
	maxLen  int64
	timeout time.Duration
	limiter *ratelimit.TokenBucketLimiter
}

func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	address := cfg.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	client := redis.NewClient(redisOpt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sink := &RedisSink{client: client, maxLen: cfg.MaxLen, timeout: timeout}
	if cfg.MaxRate > 0 {
		sink.limiter = ratelimit.New(cfg.MaxRate, max(cfg.Burst, 1))
	}
	return sink, nil
}

// Skipped is the number of metric records of a run dropped by MaxRate.
func (s *RedisSink) Skipped(runID string) int64 {
	if s.limiter == nil {
		return 0
	}
	return s.limiter.Dropped(runID)
}

// RunKey is the hash holding run metadata.
func RunKey(runID string) string { return redisKeyPrefix + runID }

// StreamKey is the stream of kind (metrics or artifact) for a run.
func StreamKey(runID, kind string) string { return redisKeyPrefix + runID + ":" + kind }

func (s *RedisSink) Handle(e eventbus.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	switch p := e.Payload().(type) {
	case Record:
		if s.limiter != nil && !s.limiter.Allow(e.RunID()) {
			return nil
		}
		values := make(map[string]any, len(p.Values)+1)
		values["step"] = p.Step
		for k, v := range p.Values {
			values[k] = v
		}
		return s.xadd(ctx, StreamKey(e.RunID(), EventMetrics), values)
	case store.Artifact:
		return s.xadd(ctx, StreamKey(e.RunID(), EventArtifact), map[string]any{
			"path":   p.Path,
			"size":   p.Size,
			"digest": p.Digest,
		})
	case store.Run:
		fields := map[string]any{
			"name":       p.Name,
			"project":    p.Project,
			"entity":     p.Entity,
			"status":     string(p.Status),
			"started_at": p.StartedAt.Unix(),
		}
		if !p.FinishedAt.IsZero() {
			fields["finished_at"] = p.FinishedAt.Unix()
		}
		if err := s.client.HSet(ctx, RunKey(p.ID), fields).Err(); err != nil {
			return fmt.Errorf("redis hset %s: %w", RunKey(p.ID), err)
		}
	}
	return nil
}

func (s *RedisSink) xadd(ctx context.Context, stream string, values map[string]any) error {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", stream, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
