package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/theunahub/yara/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	windowKeyPrefix = "yara:turns:"
	// DefaultWindowTTL bounds how long a channel's turns stay cached.
	DefaultWindowTTL = 24 * time.Hour
)

// Compile-time check that RedisWindowStore implements ConversationStore.
var _ ConversationStore = (*RedisWindowStore)(nil)

// RedisWindowStore keeps each channel's recent turns in a sorted set scored
// by creation time in unix milliseconds.
type RedisWindowStore struct {
	redis  *redis.Client
	tracer trace.Tracer
	ttl    time.Duration
}

// NewRedisWindowStore returns nil when redisClient is nil.
func NewRedisWindowStore(redisClient *redis.Client, ttl time.Duration) *RedisWindowStore {
	if redisClient == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultWindowTTL
	}
	return &RedisWindowStore{
		redis:  redisClient,
		tracer: otel.Tracer("yara.internal.store.redis_window"),
		ttl:    ttl,
	}
}

func (s *RedisWindowStore) AppendTurn(ctx context.Context, turn models.ConversationTurn) error {
	if s == nil || s.redis == nil {
		return nil
	}
	turn, err := prepareTurn(turn)
	if err != nil {
		return err
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("store: marshal turn: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "store.redis_window.append",
		trace.WithAttributes(attribute.String("channel_id", turn.ChannelID)))
	defer span.End()

	key := windowKey(turn.ChannelID)
	score := float64(turn.CreatedAt.UnixMilli())
	expiredBefore := strconv.FormatInt(turn.CreatedAt.Add(-s.ttl).UnixMilli(), 10)

	pipe := s.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: data})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+expiredBefore)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("store: append turn to redis window: %w", err)
	}
	return nil
}

func (s *RedisWindowStore) GetWindow(ctx context.Context, channelID string, since time.Time) ([]models.ConversationTurn, error) {
	if s == nil || s.redis == nil {
		return nil, nil
	}
	ctx, span := s.tracer.Start(ctx, "store.redis_window.get",
		trace.WithAttributes(attribute.String("channel_id", channelID)))
	defer span.End()

	raw, err := s.redis.ZRangeByScore(ctx, windowKey(channelID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read redis window: %w", err)
	}

	out := make([]models.ConversationTurn, 0, len(raw))
	for _, item := range raw {
		var turn models.ConversationTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, turn)
	}
	return out, nil
}

func windowKey(channelID string) string {
	return windowKeyPrefix + channelID
}

// CachedWindowStore writes through to a durable store and serves windows
// from Redis, falling back to the durable store on cache errors or misses.
type CachedWindowStore struct {
	durable ConversationStore
	cache   *RedisWindowStore
}

// NewCachedWindowStore returns durable unchanged when cache is nil.
func NewCachedWindowStore(durable ConversationStore, cache *RedisWindowStore) ConversationStore {
	if cache == nil {
		return durable
	}
	return &CachedWindowStore{durable: durable, cache: cache}
}

func (c *CachedWindowStore) AppendTurn(ctx context.Context, turn models.ConversationTurn) error {
	turn, err := prepareTurn(turn)
	if err != nil {
		return err
	}
	if err := c.durable.AppendTurn(ctx, turn); err != nil {
		return err
	}
	if err := c.cache.AppendTurn(ctx, turn); err != nil {
		slog.Warn("CachedWindowStore.AppendTurn: cache write failed", "channelID", turn.ChannelID, "error", err)
	}
	return nil
}

func (c *CachedWindowStore) GetWindow(ctx context.Context, channelID string, since time.Time) ([]models.ConversationTurn, error) {
	turns, err := c.cache.GetWindow(ctx, channelID, since)
	if err != nil {
		slog.Warn("CachedWindowStore.GetWindow: cache read failed, using durable store", "channelID", channelID, "error", err)
		return c.durable.GetWindow(ctx, channelID, since)
	}
	if len(turns) == 0 {
		return c.durable.GetWindow(ctx, channelID, since)
	}
	return turns, nil
}
