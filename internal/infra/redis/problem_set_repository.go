package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quizroom-service/internal/domain"
)

// ProblemSetLoader fetches problem sets from a backing store (e.g., Postgres).
type ProblemSetLoader interface {
	LoadProblemSet(ctx context.Context, setID string) (domain.ProblemSet, error)
}

// ProblemSetRepository caches problem sets in Redis and falls back to a loader on cache miss.
// Sets are stored as: SET quiz:problemset:{setID} {json}
type ProblemSetRepository struct {
	client *redis.Client
	loader ProblemSetLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewProblemSetRepository(client *redis.Client, loader ProblemSetLoader, ttl time.Duration) *ProblemSetRepository {
	return &ProblemSetRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *ProblemSetRepository) GetProblemSet(ctx context.Context, setID string) (domain.ProblemSet, error) {
	if set, ok := r.cached(ctx, setID); ok {
		return set, nil
	}

	result, err, _ := r.sf.Do(setID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if set, ok := r.cached(ctx, setID); ok {
			return set, nil
		}

		set, err := r.loader.LoadProblemSet(ctx, setID)
		if err != nil {
			return domain.ProblemSet{}, err
		}

		if data, err := json.Marshal(set); err == nil {
			_ = r.client.Set(ctx, r.key(setID), data, r.ttlWithJitter()).Err()
		}
		return set, nil
	})
	if err != nil {
		return domain.ProblemSet{}, err
	}
	return result.(domain.ProblemSet), nil
}

func (r *ProblemSetRepository) cached(ctx context.Context, setID string) (domain.ProblemSet, bool) {
	data, err := r.client.Get(ctx, r.key(setID)).Bytes()
	if err != nil {
		// redis.Nil or cache trouble both fall through to the loader
		return domain.ProblemSet{}, false
	}
	var set domain.ProblemSet
	if err := json.Unmarshal(data, &set); err != nil {
		return domain.ProblemSet{}, false
	}
	return set, true
}

func (r *ProblemSetRepository) key(setID string) string {
	return "quiz:problemset:" + setID
}

func (r *ProblemSetRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
