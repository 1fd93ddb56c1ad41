package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentIP = "10.1.0.7"

func post(path string) *http.Request {
	return httptest.NewRequest(http.MethodPost, path, nil)
}

func callbackConfig(limit, burst int) *Config {
	return &Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		EndpointConfigs: []EndpointConfig{
			{Path: "/v1/tasks/{id}/complete", Method: "POST", Limit: limit, Window: time.Minute, Burst: burst},
			{Path: "/v1/tasks/{id}/fail", Method: "POST", Limit: limit, Window: time.Minute, Burst: burst},
			{Path: "/v1/events", Method: "GET", Limit: 1, Window: time.Minute, Burst: 1, ScopeParam: "job_id"},
		},
	}
}

func TestMatchEndpoint_Segments(t *testing.T) {
	configs := DefaultEndpointConfigs()
	cases := []struct {
		name   string
		method string
		path   string
		want   string
		ok     bool
	}{
		{"complete", "POST", "/v1/tasks/5f0c2c1e/complete", "POST /v1/tasks/{id}/complete", true},
		{"start trailing slash", "POST", "/v1/tasks/5f0c2c1e/start/", "POST /v1/tasks/{id}/start", true},
		{"ack", "POST", "/v1/queue/messages/42/ack", "POST /v1/queue/messages/{id}/ack", true},
		{"claim", "POST", "/v1/queue/claim", "POST /v1/queue/claim", true},
		{"unknown action", "POST", "/v1/tasks/5f0c2c1e/explode", "", false},
		{"missing id", "POST", "/v1/tasks//complete", "", false},
		{"extra segment", "POST", "/v1/tasks/a/complete/now", "", false},
		{"wrong method", "GET", "/v1/tasks/a/complete", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			route, ok := MatchEndpoint(tc.method, tc.path, nil, configs)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, route.Key)
		})
	}
}

func TestMatchEndpoint_HealthIsUnlimited(t *testing.T) {
	route, ok := MatchEndpoint("GET", "/health", nil, nil)
	require.True(t, ok)
	assert.Zero(t, route.Config.Limit)
}

func TestMatchEndpoint_EventsKeyedPerJob(t *testing.T) {
	configs := DefaultEndpointConfigs()
	a, ok := MatchEndpoint("GET", "/v1/events", url.Values{"job_id": {"job-a"}}, configs)
	require.True(t, ok)
	b, ok := MatchEndpoint("GET", "/v1/events", url.Values{"job_id": {"job-b"}}, configs)
	require.True(t, ok)
	all, ok := MatchEndpoint("GET", "/v1/events", nil, configs)
	require.True(t, ok)

	assert.NotEqual(t, a.Key, b.Key)
	assert.NotEqual(t, a.Key, all.Key)
	assert.Equal(t, 30, a.Config.Limit)
}

func TestLimiter_CallbacksShareBucketAcrossTasks(t *testing.T) {
	limiter := NewLimiter(callbackConfig(3, 3))
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		allowed, info := limiter.Allow(agentIP, post(fmt.Sprintf("/v1/tasks/task-%d/complete", i)))
		require.True(t, allowed, "completion %d", i)
		assert.Equal(t, 3, info.Limit)
		assert.Equal(t, 2-i, info.Remaining)
	}

	allowed, info := limiter.Allow(agentIP, post("/v1/tasks/task-99/complete"))
	assert.False(t, allowed, "a fresh task id does not reset the bucket")
	assert.Zero(t, info.Remaining)
	assert.Positive(t, info.RetryAfter)

	allowed, _ = limiter.Allow(agentIP, post("/v1/tasks/task-99/fail"))
	assert.True(t, allowed, "failure callbacks have their own bucket")

	allowed, _ = limiter.Allow("10.1.0.8", post("/v1/tasks/task-0/complete"))
	assert.True(t, allowed, "buckets are per agent")
}

func TestLimiter_EventReconnectsPerJob(t *testing.T) {
	limiter := NewLimiter(callbackConfig(10, 10))
	defer limiter.Stop()

	stream := func(jobID string) *http.Request {
		return httptest.NewRequest(http.MethodGet, "/v1/events?job_id="+jobID, nil)
	}
	allowed, _ := limiter.Allow(agentIP, stream("a"))
	require.True(t, allowed)
	allowed, _ = limiter.Allow(agentIP, stream("a"))
	assert.False(t, allowed, "second reconnect to the same job is throttled")

	allowed, _ = limiter.Allow(agentIP, stream("b"))
	assert.True(t, allowed, "another job's stream is unaffected")
}

func TestLimiter_RefillAndReset(t *testing.T) {
	limiter := NewLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  10,
		DefaultWindow: 10 * time.Second,
		EndpointConfigs: []EndpointConfig{
			{Path: "/v1/queue/claim", Method: "POST", Limit: 10, Window: 10 * time.Second},
		},
	})
	defer limiter.Stop()

	now := time.Now()
	limiter.now = func() time.Time { return now }
	for i := 0; i < 10; i++ {
		limiter.Allow(agentIP, post("/v1/queue/claim"))
	}
	allowed, info := limiter.Allow(agentIP, post("/v1/queue/claim"))
	require.False(t, allowed)
	assert.True(t, info.ResetTime.After(now))

	now = now.Add(1100 * time.Millisecond)
	allowed, _ = limiter.Allow(agentIP, post("/v1/queue/claim"))
	assert.True(t, allowed, "one claim refills per second")
	allowed, _ = limiter.Allow(agentIP, post("/v1/queue/claim"))
	assert.False(t, allowed)
}

func TestLimiter_UnmatchedPathsUseDefault(t *testing.T) {
	limiter := NewLimiter(callbackConfig(1, 1))
	defer limiter.Stop()

	allowed, info := limiter.Allow(agentIP, post("/v1/queue/messages/7/ack"))
	assert.True(t, allowed)
	assert.Equal(t, 1000, info.Limit)
}

func TestLimiter_AccessLists(t *testing.T) {
	limiter := NewLimiter(&Config{
		Enabled:         true,
		DefaultLimit:    1,
		DefaultWindow:   time.Minute,
		Whitelist:       map[string]bool{"10.0.0.1": true},
		Blacklist:       map[string]bool{"10.0.0.66": true},
		EndpointConfigs: DefaultEndpointConfigs(),
	})
	defer limiter.Stop()

	for i := 0; i < 50; i++ {
		allowed, info := limiter.Allow("10.0.0.1", post("/v1/queue/claim"))
		require.True(t, allowed)
		assert.Zero(t, info.Limit)
	}
	allowed, _ := limiter.Allow("10.0.0.66", httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.False(t, allowed, "blocked agents are refused everywhere")
}

func TestLimiter_DisabledAndHealth(t *testing.T) {
	disabled := NewLimiter(&Config{Enabled: false})
	defer disabled.Stop()
	allowed, info := disabled.Allow(agentIP, post("/v1/queue/claim"))
	assert.True(t, allowed)
	assert.Zero(t, info.Limit)

	strict := NewLimiter(&Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Hour})
	defer strict.Stop()
	for i := 0; i < 20; i++ {
		allowed, _ := strict.Allow(agentIP, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.True(t, allowed)
	}
}

func TestLimiter_ConcurrentClaims(t *testing.T) {
	limiter := NewLimiter(&Config{
		Enabled: true,
		EndpointConfigs: []EndpointConfig{
			{Path: "/v1/queue/claim", Method: "POST", Limit: 100, Window: time.Hour},
		},
	})
	defer limiter.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow(agentIP, post("/v1/queue/claim")); ok {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowedCount)
}

func TestLimiter_CleanupDropsIdleBuckets(t *testing.T) {
	limiter := NewLimiter(&Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute, IdleTimeout: time.Minute})
	defer limiter.Stop()

	now := time.Now()
	limiter.now = func() time.Time { return now }
	limiter.Allow("10.0.0.1", post("/v1/queue/claim"))
	now = now.Add(30 * time.Second)
	limiter.Allow("10.0.0.2", post("/v1/queue/claim"))

	now = now.Add(45 * time.Second)
	limiter.cleanupBuckets()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.buckets, "10.0.0.1 POST /v1/queue/claim")
	assert.Contains(t, limiter.buckets, "10.0.0.2 POST /v1/queue/claim")
}

func TestNewLimiter_NilConfig(t *testing.T) {
	limiter := NewLimiter(nil)
	defer limiter.Stop()

	allowed, info := limiter.Allow(agentIP, post("/v1/queue/claim"))
	assert.True(t, allowed)
	assert.Equal(t, 1000, info.Limit)
}
