package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// AnswerKeyLoader fetches correct answers from a backing store.
type AnswerKeyLoader interface {
	LoadAnswerKeys(ctx context.Context, questionIDs []string) (map[string][]string, error)
}

// AnswerKeyCache caches per-question answer keys in Redis and falls back to
// a loader on cache miss. Keys are stored as: SET question:{id}:answers
// with a JSON-encoded answer list.
type AnswerKeyCache struct {
	client *redis.Client
	loader AnswerKeyLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewAnswerKeyCache(client *redis.Client, loader AnswerKeyLoader, ttl time.Duration) *AnswerKeyCache {
	return &AnswerKeyCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *AnswerKeyCache) FetchAnswerKeys(ctx context.Context, questionIDs []string) (map[string][]string, error) {
	keys := make(map[string][]string, len(questionIDs))
	missing := questionIDs

	if cached, miss, err := c.readCache(ctx, questionIDs); err == nil {
		for id, answers := range cached {
			keys[id] = answers
		}
		missing = miss
	}
	if len(missing) == 0 {
		return keys, nil
	}

	// Collapse concurrent loads of the same id set (e.g. a mass expiry).
	sfKey := strings.Join(sortedCopy(missing), ",")
	result, err, _ := c.sf.Do(sfKey, func() (interface{}, error) {
		loaded, err := c.loader.LoadAnswerKeys(ctx, missing)
		if err != nil {
			return nil, err
		}

		ttl := c.ttlWithJitter()
		pipe := c.client.Pipeline()
		for id, answers := range loaded {
			raw, err := json.Marshal(answers)
			if err != nil {
				continue
			}
			pipe.Set(ctx, c.key(id), raw, ttl)
		}
		_, _ = pipe.Exec(ctx)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}

	for id, answers := range result.(map[string][]string) {
		keys[id] = answers
	}
	return keys, nil
}

// readCache returns the cached subset and the ids still missing.
func (c *AnswerKeyCache) readCache(ctx context.Context, questionIDs []string) (map[string][]string, []string, error) {
	if len(questionIDs) == 0 {
		return nil, nil, nil
	}
	redisKeys := make([]string, len(questionIDs))
	for i, id := range questionIDs {
		redisKeys[i] = c.key(id)
	}
	values, err := c.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, questionIDs, err
	}

	cached := make(map[string][]string)
	var missing []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			missing = append(missing, questionIDs[i])
			continue
		}
		var answers []string
		if err := json.Unmarshal([]byte(raw), &answers); err != nil {
			missing = append(missing, questionIDs[i])
			continue
		}
		cached[questionIDs[i]] = answers
	}
	return cached, missing, nil
}

func (c *AnswerKeyCache) key(questionID string) string {
	return "question:" + questionID + ":answers"
}

func (c *AnswerKeyCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
