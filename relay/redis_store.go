package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/config"
)

// RedisSessionStore backs the relay with redis so multiple relay instances
// can serve the same sessions.
type RedisSessionStore struct {
	client *redis.Client
	logger *logrus.Logger
}

var _ SessionStore = (*RedisSessionStore)(nil)

func NewRedisSessionStore(cfg *config.Config) (*RedisSessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("fail to connect to redis: %w", err)
	}
	return &RedisSessionStore{
		client: client,
		logger: logrus.WithField("service", "redis-session-store").Logger,
	}, nil
}

func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func (s *RedisSessionStore) addToSet(ctx context.Context, key string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(members))
	for _, m := range members {
		if m == "" {
			continue
		}
		values = append(values, m)
	}
	if len(values) == 0 {
		return nil
	}
	if err := s.client.SAdd(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("fail to add to set %s: %w", key, err)
	}
	return s.client.Expire(ctx, key, sessionTTL).Err()
}

func (s *RedisSessionStore) setMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("fail to read set %s: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisSessionStore) AppendParties(ctx context.Context, sessionID string, parties []string) error {
	return s.addToSet(ctx, partiesKey(sessionID), parties)
}

func (s *RedisSessionStore) Parties(ctx context.Context, sessionID string) ([]string, error) {
	return s.setMembers(ctx, partiesKey(sessionID))
}

func (s *RedisSessionStore) SetStarted(ctx context.Context, sessionID string, parties []string) error {
	buf, err := json.Marshal(parties)
	if err != nil {
		return fmt.Errorf("fail to marshal parties: %w", err)
	}
	return s.client.Set(ctx, startedKey(sessionID), string(buf), sessionTTL).Err()
}

func (s *RedisSessionStore) Started(ctx context.Context, sessionID string) ([]string, error) {
	raw, err := s.client.Get(ctx, startedKey(sessionID)).Result()
	if err == redis.Nil {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fail to read started parties: %w", err)
	}
	var parties []string
	if err := json.Unmarshal([]byte(raw), &parties); err != nil {
		return nil, fmt.Errorf("fail to unmarshal started parties: %w", err)
	}
	return parties, nil
}

func (s *RedisSessionStore) AppendCompleted(ctx context.Context, sessionID string, parties []string) error {
	return s.addToSet(ctx, completeKey(sessionID), parties)
}

func (s *RedisSessionStore) Completed(ctx context.Context, sessionID string) ([]string, error) {
	return s.setMembers(ctx, completeKey(sessionID))
}

func (s *RedisSessionStore) SetKeysignResult(ctx context.Context, sessionID, messageID, payload string) error {
	return s.client.Set(ctx, keysignKey(sessionID, messageID), payload, sessionTTL).Err()
}

func (s *RedisSessionStore) KeysignResult(ctx context.Context, sessionID, messageID string) (string, error) {
	raw, err := s.client.Get(ctx, keysignKey(sessionID, messageID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fail to read keysign result: %w", err)
	}
	return raw, nil
}

func (s *RedisSessionStore) PushMessage(ctx context.Context, sessionID, recipient, messageID string, msg Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("fail to marshal message: %w", err)
	}
	key := messagesKey(sessionID, recipient, messageID)
	if err := s.client.RPush(ctx, key, string(buf)).Err(); err != nil {
		return fmt.Errorf("fail to push message: %w", err)
	}
	return s.client.Expire(ctx, key, sessionTTL).Err()
}

func (s *RedisSessionStore) Messages(ctx context.Context, sessionID, recipient, messageID string) ([]Message, error) {
	raw, err := s.client.LRange(ctx, messagesKey(sessionID, recipient, messageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fail to read messages: %w", err)
	}
	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.WithFields(logrus.Fields{
				"session": sessionID,
				"error":   err,
			}).Error("fail to unmarshal stored message")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisSessionStore) DeleteMessage(ctx context.Context, sessionID, recipient, messageID, hash string) error {
	key := messagesKey(sessionID, recipient, messageID)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("fail to read messages: %w", err)
	}
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		if msg.Hash == hash {
			if err := s.client.LRem(ctx, key, 1, item).Err(); err != nil {
				return fmt.Errorf("fail to remove message: %w", err)
			}
		}
	}
	return nil
}

func (s *RedisSessionStore) SetSetupMessage(ctx context.Context, sessionID, messageID, payload string) error {
	return s.client.Set(ctx, setupKey(sessionID, messageID), payload, sessionTTL).Err()
}

func (s *RedisSessionStore) SetupMessage(ctx context.Context, sessionID, messageID string) (string, error) {
	raw, err := s.client.Get(ctx, setupKey(sessionID, messageID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fail to read setup message: %w", err)
	}
	return raw, nil
}

func (s *RedisSessionStore) DropSession(ctx context.Context, sessionID string) error {
	pattern := fmt.Sprintf("session-%s*", sessionID)
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return fmt.Errorf("fail to list session keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
