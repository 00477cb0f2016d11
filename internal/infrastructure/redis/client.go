package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"livechat-ws/internal/domain"
)

const (
	// connection counters outlive a crashed instance for at most this long
	presenceTTL = 24 * time.Hour
	typingTTL   = 30 * time.Second
)

// decrScript decrements a connection counter and deletes it at zero so a
// stale negative count can never hide a live connection.
var decrScript = redis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
	redis.call("DEL", KEYS[1])
	return 0
end
return n
`)

func presenceKey(kind domain.ParticipantKind, id uuid.UUID) string {
	return fmt.Sprintf("presence:%s:%s", kind, id)
}

func typingKey(sessionID uuid.UUID, sender string) string {
	return fmt.Sprintf("session:%s:typing:%s", sessionID, sender)
}

// Connect counts one more live transport for the participant.
func (r *RedisClient) Connect(ctx context.Context, kind domain.ParticipantKind, id uuid.UUID) (int64, error) {
	key := presenceKey(kind, id)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, presenceTTL)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Disconnect removes one live transport and returns how many remain.
func (r *RedisClient) Disconnect(ctx context.Context, kind domain.ParticipantKind, id uuid.UUID) (int64, error) {
	return decrScript.Run(ctx, r.client, []string{presenceKey(kind, id)}).Int64()
}

func (r *RedisClient) Online(ctx context.Context, kind domain.ParticipantKind, id uuid.UUID) (bool, error) {
	n, err := r.client.Get(ctx, presenceKey(kind, id)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetTyping keeps a short lived typing flag per session and sender.
func (r *RedisClient) SetTyping(ctx context.Context, sessionID uuid.UUID, sender string, isTyping bool) error {
	key := typingKey(sessionID, sender)
	if isTyping {
		return r.client.Set(ctx, key, "true", typingTTL).Err()
	}
	return r.client.Del(ctx, key).Err()
}

// TypingSenders lists who is currently typing in a session.
func (r *RedisClient) TypingSenders(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	prefix := typingKey(sessionID, "")
	var senders []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		senders = append(senders, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		r.log.Warn("scan typing keys", "session", sessionID, "error", err)
		return nil, err
	}
	sort.Strings(senders)
	return senders, nil
}
