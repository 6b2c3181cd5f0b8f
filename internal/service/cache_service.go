package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/assignment-progress-api/pkg/errors"
)

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CacheConfig scopes a CacheService.
type CacheConfig struct {
	// Namespace is prepended to every key so several deployments can share one Redis database.
	Namespace string
	TTL       time.Duration
	Enabled   bool
}

// CacheService namespaces cache keys and records cache metrics.
type CacheService struct {
	repo      CacheRepository
	metrics   *MetricsService
	namespace string
	ttl       time.Duration
	logger    *zap.Logger
	enabled   bool
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, cfg CacheConfig, logger *zap.Logger) *CacheService {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	namespace := strings.TrimSuffix(cfg.Namespace, ":")
	if namespace != "" {
		namespace += ":"
	}
	return &CacheService{
		repo:      repo,
		metrics:   metrics,
		namespace: namespace,
		ttl:       cfg.TTL,
		logger:    logger,
		enabled:   cfg.Enabled,
	}
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// Get loads key into dest and reports whether the cache was hit. Misses are not errors.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	start := time.Now()
	err := s.repo.Get(ctx, s.key(key), dest)
	s.metrics.RecordCacheOperation(err == nil, time.Since(start))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, appErrors.ErrCacheMiss):
		return false, nil
	default:
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
}

// Set stores value under key. A non-positive ttl uses the configured default.
func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	start := time.Now()
	err := s.repo.Set(ctx, s.key(key), value, ttl)
	s.metrics.ObserveCacheWrite(time.Since(start))
	if err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

// Invalidate removes the given keys.
func (s *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if !s.Enabled() || len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, len(keys))
	for i, key := range keys {
		namespaced[i] = s.key(key)
	}
	if err := s.repo.Delete(ctx, namespaced...); err != nil {
		s.logger.Warn("cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
		return err
	}
	return nil
}

// Flush drops every entry in the namespace.
func (s *CacheService) Flush(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	if s.namespace == "" {
		return appErrors.Clone(appErrors.ErrValidation, "refusing to flush an unnamespaced cache")
	}
	if err := s.repo.DeleteByPattern(ctx, s.namespace+"*"); err != nil {
		s.logger.Warn("cache flush failed", zap.String("namespace", s.namespace), zap.Error(err))
		return err
	}
	s.logger.Info("cache flushed", zap.String("namespace", s.namespace))
	return nil
}

func (s *CacheService) key(key string) string {
	return s.namespace + key
}
