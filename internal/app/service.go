// Package service provides the ingest service behind the HTTP API: tenant
// resolution, registry maintenance and snapshot/history persistence.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	repository "github.com/okian/trackgate/internal/adapters/repository"
	"github.com/okian/trackgate/internal/domain/model"
	"github.com/okian/trackgate/pkg/logger"
	"github.com/okian/trackgate/pkg/metrics"
	"github.com/okian/trackgate/pkg/retry"
)

// DefaultRetention is how long history points are kept.
const DefaultRetention = 90 * 24 * time.Hour

// Service implements the API dependencies for the ingest system.
type Service struct {
	mu sync.RWMutex

	store     repository.Store
	ownsStore bool
	retention time.Duration
	policy    retry.Policy
	now       func() time.Time

	started bool
	logger  logger.Logger

	accepted      atomic.Int64
	rejected      atomic.Int64
	storeFailures atomic.Int64
	pruneFailures atomic.Int64
	pruned        atomic.Int64
	provisioned   atomic.Int64
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the backing store. Without it Start creates an in-memory one.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithRetention sets the history window.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithRetryPolicy sets the retry policy for store calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) {
		if p.MaxAttempts > 0 {
			s.policy = p
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		retention: DefaultRetention,
		policy:    retry.DefaultPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.GetOrNop().Named("ingest")
	}
	return s
}

// Start initializes the service components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.store == nil {
		s.store = repository.NewTreapStore(ctx)
		s.ownsStore = true
		s.logger.Info(ctx, "using treap store")
	}

	s.started = true
	s.logger.Info(ctx, "ingest service started",
		logger.Duration("retention", s.retention),
		logger.Int("retryAttempts", s.policy.MaxAttempts),
	)
	return nil
}

// Stop releases the store when the service created it.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	if s.ownsStore {
		_ = s.store.Close()
	}
	s.started = false
	s.logger.Info(context.Background(), "ingest service stopped")
}

// Ingest resolves the tenant of t, refreshes the registry and persists the
// snapshot and history point. The stored tenant is authoritative.
func (s *Service) Ingest(ctx context.Context, t model.Telemetry) (model.Snapshot, error) {
	snap, err := s.ingest(ctx, t)
	if err != nil {
		s.rejected.Add(1)
		if errors.Is(err, ErrPersistence) {
			s.storeFailures.Add(1)
		}
		return model.Snapshot{}, err
	}
	s.accepted.Add(1)
	return snap, nil
}

func (s *Service) ingest(ctx context.Context, t model.Telemetry) (model.Snapshot, error) {
	tenant, missing, err := s.resolveTenant(ctx, t.DeviceID, t.IMEI)
	if err != nil {
		return model.Snapshot{}, err
	}
	if t.TenantID != "" && t.TenantID != tenant {
		s.logger.Warn(ctx, "tenant mismatch",
			logger.String("deviceId", t.DeviceID),
			logger.String("claimed", t.TenantID),
			logger.String("stored", tenant),
		)
		return model.Snapshot{}, fmt.Errorf("%w: device %s", ErrTenantMismatch, t.DeviceID)
	}
	t.TenantID = tenant

	// Only absent mappings are written; present ones already hold tenant.
	keys := deviceKeys(t.DeviceID, t.IMEI)
	for _, k := range missing {
		if err := s.do(ctx, "set", func(ctx context.Context) error {
			return s.store.Set(ctx, repository.TenantKey(k), []byte(tenant))
		}); err != nil {
			return model.Snapshot{}, err
		}
	}
	if err := s.do(ctx, "sadd", func(ctx context.Context) error {
		_, err := s.store.SAdd(ctx, repository.RegistryKey(tenant), keys...)
		return err
	}); err != nil {
		return model.Snapshot{}, err
	}

	now := s.now().UTC()
	snap := model.Snapshot{Telemetry: t, ReceivedAt: now}
	raw, err := json.Marshal(snap)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.do(ctx, "set", func(ctx context.Context) error {
		return s.store.Set(ctx, repository.LatestKey(t.DeviceID), raw)
	}); err != nil {
		return model.Snapshot{}, err
	}

	point, err := json.Marshal(t.Point())
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("encode history point: %w", err)
	}
	if err := s.do(ctx, "zadd", func(ctx context.Context) error {
		return s.store.ZAdd(ctx, repository.HistoryKey(t.DeviceID), t.Timestamp.UnixMilli(), string(point))
	}); err != nil {
		return model.Snapshot{}, err
	}

	s.prune(ctx, t.DeviceID, now)
	return snap, nil
}

// prune drops history older than the retention window. Failures are logged
// and counted only.
func (s *Service) prune(ctx context.Context, deviceID string, now time.Time) {
	cutoff := now.Add(-s.retention).UnixMilli()
	var n int
	err := s.do(ctx, "zremrange", func(ctx context.Context) error {
		var err error
		n, err = s.store.ZRemRangeByScore(ctx, repository.HistoryKey(deviceID), math.MinInt64, cutoff-1)
		return err
	})
	if err != nil {
		s.pruneFailures.Add(1)
		metrics.RecordPruneError()
		s.logger.Warn(ctx, "history prune failed", logger.String("deviceId", deviceID), logger.Error(err))
		return
	}
	if n > 0 {
		s.pruned.Add(int64(n))
		metrics.RecordHistoryPruned(n)
		s.logger.Debug(ctx, "history pruned", logger.String("deviceId", deviceID), logger.Int("points", n))
	}
}

// resolveTenant looks up the device id and the IMEI alias. Both must agree
// when both are mapped. missing lists the keys that have no mapping yet.
func (s *Service) resolveTenant(ctx context.Context, deviceID, imei string) (string, []string, error) {
	var (
		tenant  string
		missing []string
	)
	for _, k := range deviceKeys(deviceID, imei) {
		owner, err := s.lookupTenant(ctx, k)
		if errors.Is(err, repository.ErrNotFound) {
			missing = append(missing, k)
			continue
		}
		if err != nil {
			return "", nil, err
		}
		if tenant != "" && owner != tenant {
			s.logger.Warn(ctx, "device id and imei belong to different tenants",
				logger.String("deviceId", deviceID),
				logger.String("imei", imei),
			)
			return "", nil, fmt.Errorf("%w: device %s and imei %s have different owners", ErrTenantMismatch, deviceID, imei)
		}
		tenant = owner
	}
	if tenant == "" {
		return "", nil, fmt.Errorf("%w: %s", ErrDeviceNotProvisioned, deviceID)
	}
	return tenant, missing, nil
}

func (s *Service) lookupTenant(ctx context.Context, key string) (string, error) {
	var tenant string
	err := s.do(ctx, "get", func(ctx context.Context) error {
		raw, err := s.store.Get(ctx, repository.TenantKey(key))
		if err != nil {
			return err
		}
		tenant = string(raw)
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return "", repository.ErrNotFound
	}
	return tenant, err
}

// Latest returns the last snapshot stored for deviceID.
func (s *Service) Latest(ctx context.Context, deviceID string) (model.Snapshot, error) {
	var raw []byte
	err := s.do(ctx, "get", func(ctx context.Context) error {
		var err error
		raw, err = s.store.Get(ctx, repository.LatestKey(deviceID))
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return model.Snapshot{}, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return model.Snapshot{}, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// History returns points with from <= timestamp <= to in time order. A zero
// from or to leaves that side open.
func (s *Service) History(ctx context.Context, deviceID string, from, to time.Time) ([]model.HistoryPoint, error) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	if !to.IsZero() {
		hi = to.UnixMilli()
	}
	if lo > hi {
		return nil, fmt.Errorf("%w: from after to", ErrInvalidRange)
	}

	var members []repository.Member
	if err := s.do(ctx, "zrange", func(ctx context.Context) error {
		var err error
		members, err = s.store.ZRangeByScore(ctx, repository.HistoryKey(deviceID), lo, hi)
		return err
	}); err != nil {
		return nil, err
	}

	out := make([]model.HistoryPoint, 0, len(members))
	for _, m := range members {
		var p model.HistoryPoint
		if err := json.Unmarshal([]byte(m.Value), &p); err != nil {
			s.logger.Warn(ctx, "skipping undecodable history point",
				logger.String("deviceId", deviceID), logger.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Provision maps deviceID and the optional IMEI alias to tenant. Re-provisioning
// to the same tenant is a no-op.
func (s *Service) Provision(ctx context.Context, tenant, deviceID, imei string) error {
	if tenant == "" || deviceID == "" {
		return fmt.Errorf("%w: tenant and device id are required", ErrInvalidInput)
	}
	keys := deviceKeys(deviceID, imei)
	for _, k := range keys {
		owner, err := s.lookupTenant(ctx, k)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return err
		case owner != tenant:
			return fmt.Errorf("%w: %s", ErrDeviceClaimed, k)
		}
	}
	for _, k := range keys {
		if err := s.do(ctx, "set", func(ctx context.Context) error {
			return s.store.Set(ctx, repository.TenantKey(k), []byte(tenant))
		}); err != nil {
			return err
		}
	}
	if err := s.do(ctx, "sadd", func(ctx context.Context) error {
		_, err := s.store.SAdd(ctx, repository.RegistryKey(tenant), keys...)
		return err
	}); err != nil {
		return err
	}
	s.provisioned.Add(1)
	s.logger.Info(ctx, "device provisioned",
		logger.String("tenant", tenant),
		logger.String("deviceId", deviceID),
		logger.String("imei", imei),
	)
	return nil
}

// Devices lists the registry of tenant: device ids and IMEI aliases.
func (s *Service) Devices(ctx context.Context, tenant string) ([]string, error) {
	var out []string
	err := s.do(ctx, "smembers", func(ctx context.Context) error {
		var err error
		out, err = s.store.SMembers(ctx, repository.RegistryKey(tenant))
		return err
	})
	return out, err
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() model.Stats {
	return model.Stats{
		Accepted:      s.accepted.Load(),
		Rejected:      s.rejected.Load(),
		StoreFailures: s.storeFailures.Load(),
		PruneFailures: s.pruneFailures.Load(),
		Pruned:        s.pruned.Load(),
		Provisioned:   s.provisioned.Load(),
	}
}

// do runs a store call under the retry policy. Only ErrUnavailable is retried.
func (s *Service) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	res := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && !errors.Is(err, repository.ErrUnavailable) {
			return retry.NonRetryable(err)
		}
		return err
	})
	for i := 1; i < res.Attempts; i++ {
		metrics.RecordStoreRetry(op)
	}
	if res.OK() {
		return nil
	}
	if errors.Is(res.Err, repository.ErrNotFound) {
		return repository.ErrNotFound
	}
	s.logger.Error(ctx, "store call failed",
		logger.String("op", op),
		logger.Int("attempts", res.Attempts),
		logger.Error(res.Err),
	)
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, res.Err)
}

func deviceKeys(deviceID, imei string) []string {
	if imei == "" || imei == deviceID {
		return []string{deviceID}
	}
	return []string{deviceID, imei}
}
