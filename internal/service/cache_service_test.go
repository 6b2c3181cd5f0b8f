package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/assignment-progress-api/internal/models"
	appErrors "github.com/noah-isme/assignment-progress-api/pkg/errors"
)

type cacheRepoStub struct {
	entries  map[string][]byte
	ttls     map[string]time.Duration
	getErr   error
	deleted  []string
	patterns []string
}

func newCacheRepoStub() *cacheRepoStub {
	return &cacheRepoStub{entries: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (s *cacheRepoStub) Get(_ context.Context, key string, dest interface{}) error {
	if s.getErr != nil {
		return s.getErr
	}
	raw, ok := s.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (s *cacheRepoStub) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.entries[key] = raw
	s.ttls[key] = ttl
	return nil
}

func (s *cacheRepoStub) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(s.entries, key)
		s.deleted = append(s.deleted, key)
	}
	return nil
}

func (s *cacheRepoStub) DeleteByPattern(_ context.Context, pattern string) error {
	s.patterns = append(s.patterns, pattern)
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	return nil
}

func TestCacheServiceRoundTripAndMetrics(t *testing.T) {
	repo := newCacheRepoStub()
	metrics := NewMetricsService()
	svc := NewCacheService(repo, metrics, CacheConfig{Namespace: "apa:", TTL: time.Minute, Enabled: true}, nil)
	ctx := context.Background()

	var miss models.Projection
	hit, err := svc.Get(ctx, "progress:projection:a-1", &miss)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, svc.Set(ctx, "progress:projection:a-1", models.Projection{AssignmentID: "a-1", Version: 3}, 0))
	assert.Equal(t, time.Minute, repo.ttls["apa:progress:projection:a-1"])

	var cached models.Projection
	hit, err = svc.Get(ctx, "progress:projection:a-1", &cached)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int64(3), cached.Version)

	snapshot := metrics.Snapshot()
	assert.Equal(t, uint64(1), snapshot.CacheHits)
	assert.Equal(t, uint64(1), snapshot.CacheMisses)

	require.NoError(t, svc.Invalidate(ctx, "progress:projection:a-1"))
	assert.Equal(t, []string{"apa:progress:projection:a-1"}, repo.deleted)
}

func TestCacheServiceFlushScopedToNamespace(t *testing.T) {
	repo := newCacheRepoStub()
	repo.entries["apa:progress:projection:a-1"] = []byte(`{}`)
	repo.entries["other:key"] = []byte(`{}`)
	svc := NewCacheService(repo, nil, CacheConfig{Namespace: "apa", Enabled: true}, nil)

	require.NoError(t, svc.Flush(context.Background()))
	assert.Equal(t, []string{"apa:*"}, repo.patterns)
	assert.NotContains(t, repo.entries, "apa:progress:projection:a-1")
	assert.Contains(t, repo.entries, "other:key")

	bare := NewCacheService(repo, nil, CacheConfig{Enabled: true}, nil)
	assert.Error(t, bare.Flush(context.Background()))
}

func TestCacheServiceSurfacesBackendErrors(t *testing.T) {
	repo := newCacheRepoStub()
	repo.getErr = errors.New("redis down")
	svc := NewCacheService(repo, nil, CacheConfig{Enabled: true}, nil)

	var dest models.Projection
	hit, err := svc.Get(context.Background(), "k", &dest)
	assert.False(t, hit)
	assert.Error(t, err)
}

func TestCacheServiceDisabled(t *testing.T) {
	repo := newCacheRepoStub()
	svc := NewCacheService(repo, nil, CacheConfig{Namespace: "apa"}, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", "v", 0))
	assert.Empty(t, repo.entries)
	hit, err := svc.Get(ctx, "k", new(string))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.False(t, svc.Enabled())
	require.NoError(t, svc.Flush(ctx))
}
