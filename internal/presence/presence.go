// Package presence mirrors worker online/offline transitions to places other
// than the execution store.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

// DefaultPrefix namespaces every key RedisSink writes.
const DefaultPrefix = "hydra:"

// Sink records a node presence change.
type Sink interface {
	SetNodeStatus(ctx context.Context, nodeID, status string, at time.Time) error
}

// Multi fans a presence change out to every sink. All sinks are called even
// when one fails.
type Multi []Sink

// SetNodeStatus implements Sink.
func (m Multi) SetNodeStatus(ctx context.Context, nodeID, status string, at time.Time) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.SetNodeStatus(ctx, nodeID, status, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes presence changes to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "presence")}
}

// SetNodeStatus implements Sink.
func (s *LogSink) SetNodeStatus(ctx context.Context, nodeID, status string, at time.Time) error {
	s.logger.InfoContext(ctx, "node presence changed", "node_id", nodeID, "status", status, "at", at)
	return nil
}

// RedisSink keeps a hash per node and a set of online node ids in Redis so
// other services can read fleet presence without querying the controller.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisSink creates a sink. Offline node hashes expire after ttl; a zero
// ttl keeps them forever.
func NewRedisSink(client *redis.Client, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisSink) nodeKey(nodeID string) string {
	return s.prefix + "node:" + nodeID
}

func (s *RedisSink) onlineKey() string {
	return s.prefix + "nodes:online"
}

// SetNodeStatus implements Sink.
func (s *RedisSink) SetNodeStatus(ctx context.Context, nodeID, status string, at time.Time) error {
	key := s.nodeKey(nodeID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "status", status, "last_seen", at.UTC().Format(time.RFC3339Nano))
		if status == model.NodeOnline {
			pipe.SAdd(ctx, s.onlineKey(), nodeID)
			pipe.Persist(ctx, key)
			return nil
		}
		pipe.SRem(ctx, s.onlineKey(), nodeID)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record presence for %s: %w", nodeID, err)
	}
	return nil
}

// Online returns the ids of nodes currently marked online.
func (s *RedisSink) Online(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list online nodes: %w", err)
	}
	return ids, nil
}
