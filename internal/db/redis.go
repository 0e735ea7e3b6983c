package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"voicechat/internal/domain"
)

// RedisStore keeps each session as a JSON field of one hash and orders them
// with a sorted set scored by start time.
type RedisStore struct {
	client   *redis.Client
	hashKey  string
	indexKey string
	cap      int
}

func NewRedisStore(ctx context.Context, url, prefix string, capacity int) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(client, prefix, capacity), nil
}

func newRedisStore(client *redis.Client, prefix string, capacity int) *RedisStore {
	if prefix == "" {
		prefix = "voicechat"
	}
	return &RedisStore{
		client:   client,
		hashKey:  prefix + ":sessions",
		indexKey: prefix + ":sessions:index",
		cap:      capacity,
	}
}

func (s *RedisStore) Close() {
	_ = s.client.Close()
}

func (s *RedisStore) SaveSession(ctx context.Context, session domain.ConversationSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.hashKey, session.ID, raw)
		pipe.ZAdd(ctx, s.indexKey, redis.Z{Score: float64(session.StartedAt.UnixMilli()), Member: session.ID})
		return nil
	})
	if err != nil {
		return err
	}
	return s.evict(ctx)
}

func (s *RedisStore) evict(ctx context.Context) error {
	if s.cap <= 0 {
		return nil
	}
	n, err := s.client.ZCard(ctx, s.indexKey).Result()
	if err != nil {
		return err
	}
	excess := n - int64(s.cap)
	if excess <= 0 {
		return nil
	}
	oldest, err := s.client.ZRange(ctx, s.indexKey, 0, excess-1).Result()
	if err != nil {
		return err
	}
	if len(oldest) == 0 {
		return nil
	}
	members := make([]any, len(oldest))
	for i, id := range oldest {
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.indexKey, members...)
		pipe.HDel(ctx, s.hashKey, oldest...)
		return nil
	})
	return err
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (domain.ConversationSession, error) {
	raw, err := s.client.HGet(ctx, s.hashKey, sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ConversationSession{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.ConversationSession{}, err
	}
	var out domain.ConversationSession
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.ConversationSession{}, err
	}
	return out, nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]domain.ConversationSession, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConversationSession, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	values, err := s.client.HMGet(ctx, s.hashKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Index entry without a payload; skipped until the next eviction.
			continue
		}
		var item domain.ConversationSession
		if err := json.Unmarshal([]byte(str), &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, s.hashKey, sessionID)
		pipe.ZRem(ctx, s.indexKey, sessionID)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) DeleteAllSessions(ctx context.Context) error {
	return s.client.Del(ctx, s.hashKey, s.indexKey).Err()
}
