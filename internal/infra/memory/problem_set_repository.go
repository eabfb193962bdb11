package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quizroom-service/internal/domain"
)

// ProblemSetLoader fetches problem sets from a backing store (e.g., Postgres).
type ProblemSetLoader interface {
	LoadProblemSet(ctx context.Context, setID string) (domain.ProblemSet, error)
}

// ProblemSetRepository caches problem sets with TTL to avoid repeated DB hits.
type ProblemSetRepository struct {
	loader ProblemSetLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedSet
}

type cachedSet struct {
	set       domain.ProblemSet
	expiresAt time.Time
}

func NewProblemSetRepository(loader ProblemSetLoader, ttl time.Duration) *ProblemSetRepository {
	return &ProblemSetRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedSet),
	}
}

func (r *ProblemSetRepository) GetProblemSet(ctx context.Context, setID string) (domain.ProblemSet, error) {
	if set, ok := r.cached(setID); ok {
		return set, nil
	}

	result, err, _ := r.sf.Do(setID, func() (interface{}, error) {
		if set, ok := r.cached(setID); ok {
			return set, nil
		}

		set, err := r.loader.LoadProblemSet(ctx, setID)
		if err != nil {
			return domain.ProblemSet{}, err
		}

		r.mu.Lock()
		r.cache[setID] = cachedSet{
			set:       set,
			expiresAt: r.clock().Add(r.ttlWithJitter()),
		}
		r.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return domain.ProblemSet{}, err
	}
	return result.(domain.ProblemSet), nil
}

func (r *ProblemSetRepository) cached(setID string) (domain.ProblemSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[setID]
	if !ok || !entry.expiresAt.After(r.clock()) {
		return domain.ProblemSet{}, false
	}
	return entry.set, true
}

func (r *ProblemSetRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticProblemSetLoader is a simple loader backed by an in-memory map (useful for tests/demos).
type StaticProblemSetLoader struct {
	sets map[string]domain.ProblemSet
}

func NewStaticProblemSetLoader(sets map[string]domain.ProblemSet) *StaticProblemSetLoader {
	return &StaticProblemSetLoader{sets: sets}
}

func (l *StaticProblemSetLoader) LoadProblemSet(_ context.Context, setID string) (domain.ProblemSet, error) {
	if set, ok := l.sets[setID]; ok {
		return set, nil
	}
	return domain.ProblemSet{}, fmt.Errorf("%w: problem set %q", domain.ErrNotFound, setID)
}
