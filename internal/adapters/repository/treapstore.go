package repository

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/okian/trackgate/pkg/metrics"
)

// Treap-based, in-memory Store implementation.
//
// Each sorted set is a treap ordered by (score ASC, member ASC) with random
// heap priorities. Range removal splits the treap twice and merges the outer
// halves, so pruning k points costs O(k + log n).

// treap node
type node struct {
	member string
	score  int64
	prio   uint64
	left   *node
	right  *node
	size   int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less returns true if (aScore, aMember) sorts before (bScore, bMember).
func less(aScore int64, aMember string, bScore int64, bMember string) bool {
	if aScore != bScore {
		return aScore < bScore
	}
	return aMember < bMember
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	fix(x)
	fix(y)
	return y
}

func insert(n *node, member string, score int64, prio uint64) *node {
	if n == nil {
		return &node{member: member, score: score, prio: prio, size: 1}
	}
	if less(score, member, n.score, n.member) {
		n.left = insert(n.left, member, score, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, member, score, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, member string, score int64) *node {
	if n == nil {
		return nil
	}
	if score == n.score && member == n.member {
		// Merge children by rotating highest priority up until leaf.
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, member, score)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, member, score)
		}
	} else if less(score, member, n.score, n.member) {
		n.left = deleteNode(n.left, member, score)
	} else {
		n.right = deleteNode(n.right, member, score)
	}
	fix(n)
	return n
}

// split partitions n into nodes with score < pivot and score >= pivot.
func split(n *node, pivot int64) (*node, *node) {
	if n == nil {
		return nil, nil
	}
	if n.score < pivot {
		l, r := split(n.right, pivot)
		n.right = l
		fix(n)
		return n, r
	}
	l, r := split(n.left, pivot)
	n.left = r
	fix(n)
	return l, n
}

// merge joins two treaps where every key in a sorts before every key in b.
func merge(a, b *node) *node {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.prio > b.prio {
		a.right = merge(a.right, b)
		fix(a)
		return a
	}
	b.left = merge(a, b.left)
	fix(b)
	return b
}

// collectRange appends members with min <= score <= max in order.
func collectRange(n *node, min, max int64, out *[]Member) {
	if n == nil {
		return
	}
	if n.score >= min {
		collectRange(n.left, min, max, out)
	}
	if n.score >= min && n.score <= max {
		*out = append(*out, Member{Score: n.score, Value: n.member})
	}
	if n.score <= max {
		collectRange(n.right, min, max, out)
	}
}

func collectMembers(n *node, out *[]string) {
	if n == nil {
		return
	}
	collectMembers(n.left, out)
	*out = append(*out, n.member)
	collectMembers(n.right, out)
}

// zset is one sorted set.
type zset struct {
	root     *node
	byMember map[string]int64
}

func newZSet() *zset {
	return &zset{byMember: make(map[string]int64)}
}

// TreapStore keeps scalars, sets and treap-backed sorted sets in memory.
type TreapStore struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	sets   map[string]map[string]struct{}
	zsets  map[string]*zset
	rng    *rand.Rand
	seed   uint64
	closed bool

	metricsUpdateInterval time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTreapStore constructs a treap store with configuration options. The
// background metrics updater stops when ctx is done or Close is called.
func NewTreapStore(ctx context.Context, opts ...Option) *TreapStore {
	s := &TreapStore{
		kv:                    make(map[string][]byte),
		sets:                  make(map[string]map[string]struct{}),
		zsets:                 make(map[string]*zset),
		metricsUpdateInterval: 10 * time.Second,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.seed == 0 {
		s.seed = rand.Uint64()
	}
	s.rng = rand.New(rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15))

	s.startMetricsUpdater(ctx)
	return s
}

// Close stops the background updater. Further calls fail with ErrUnavailable.
func (s *TreapStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

// Ping reports whether the store accepts calls.
func (s *TreapStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx, "ping")
}

// check must be called with the lock held.
func (s *TreapStore) check(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if s.closed {
		return ErrUnavailable
	}
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Get implements Store.Get.
func (s *TreapStore) Get(ctx context.Context, key string) ([]byte, error) {
	defer observe("get", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, key); err != nil {
		return nil, err
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set implements Store.Set.
func (s *TreapStore) Set(ctx context.Context, key string, value []byte) error {
	defer observe("set", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, key); err != nil {
		return err
	}
	if _, ok := s.sets[key]; ok {
		return fmt.Errorf("%w: %s", ErrWrongType, key)
	}
	if _, ok := s.zsets[key]; ok {
		return fmt.Errorf("%w: %s", ErrWrongType, key)
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.kv[key] = v
	return nil
}

// SAdd implements Store.SAdd.
func (s *TreapStore) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	defer observe("sadd", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, key); err != nil {
		return 0, err
	}
	if _, ok := s.kv[key]; ok {
		return 0, fmt.Errorf("%w: %s", ErrWrongType, key)
	}
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	added := 0
	for _, m := range members {
		if _, dup := set[m]; !dup {
			set[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

// SMembers implements Store.SMembers. Members are sorted for stable output.
func (s *TreapStore) SMembers(ctx context.Context, key string) ([]string, error) {
	defer observe("smembers", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, key); err != nil {
		return nil, err
	}
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// ZAdd implements Store.ZAdd in O(log n) expected time.
func (s *TreapStore) ZAdd(ctx context.Context, key string, score int64, member string) error {
	defer observe("zadd", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, key); err != nil {
		return err
	}
	if _, ok := s.kv[key]; ok {
		return fmt.Errorf("%w: %s", ErrWrongType, key)
	}
	z, ok := s.zsets[key]
	if !ok {
		z = newZSet()
		s.zsets[key] = z
	}
	if old, ok := z.byMember[member]; ok {
		if old == score {
			return nil
		}
		z.root = deleteNode(z.root, member, old)
	}
	z.byMember[member] = score
	z.root = insert(z.root, member, score, s.rng.Uint64())
	return nil
}

// ZRangeByScore implements Store.ZRangeByScore.
func (s *TreapStore) ZRangeByScore(ctx context.Context, key string, min, max int64) ([]Member, error) {
	defer observe("zrange", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, key); err != nil {
		return nil, err
	}
	out := []Member{}
	if z, ok := s.zsets[key]; ok && min <= max {
		collectRange(z.root, min, max, &out)
	}
	return out, nil
}

// ZRemRangeByScore implements Store.ZRemRangeByScore.
func (s *TreapStore) ZRemRangeByScore(ctx context.Context, key string, min, max int64) (int, error) {
	defer observe("zremrange", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, key); err != nil {
		return 0, err
	}
	z, ok := s.zsets[key]
	if !ok || min > max {
		return 0, nil
	}

	left, rest := split(z.root, min)
	var mid, right *node
	if max == math.MaxInt64 {
		mid = rest
	} else {
		mid, right = split(rest, max+1)
	}
	z.root = merge(left, right)

	removed := make([]string, 0, nsize(mid))
	collectMembers(mid, &removed)
	for _, m := range removed {
		delete(z.byMember, m)
	}
	if z.root == nil {
		delete(s.zsets, key)
	}
	return len(removed), nil
}

// ZCard returns the sorted-set size. Used by tests and metrics.
func (s *TreapStore) ZCard(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if z, ok := s.zsets[key]; ok {
		return nsize(z.root)
	}
	return 0
}

// startMetricsUpdater periodically publishes key counts.
func (s *TreapStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		s.updateMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.updateMetrics()
			}
		}
	}()
}

func (s *TreapStore) updateMetrics() {
	s.mu.RLock()
	scalars, sets, zsets := len(s.kv), len(s.sets), len(s.zsets)
	s.mu.RUnlock()

	metrics.UpdateStoreKeys("scalar", scalars)
	metrics.UpdateStoreKeys("set", sets)
	metrics.UpdateStoreKeys("sorted_set", zsets)
}

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
}

var _ Store = (*TreapStore)(nil)
