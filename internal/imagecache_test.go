package internal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber scripts probe/prefetch outcomes per call and records order.
type fakeProber struct {
	mu          sync.Mutex
	probeCalls  []string
	prefetches  []string
	probeFn     func(call int, url string) (int, int, error)
	prefetchErr error
	gate        chan struct{} // when set, probes block until it closes
}

func (f *fakeProber) ProbeSize(_ context.Context, url string) (int, int, error) {
	f.mu.Lock()
	call := len(f.probeCalls)
	f.probeCalls = append(f.probeCalls, url)
	gate := f.gate
	fn := f.probeFn
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fn != nil {
		return fn(call, url)
	}
	return 640, 640, nil
}

func (f *fakeProber) Prefetch(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetches = append(f.prefetches, url)
	return f.prefetchErr
}

func (f *fakeProber) probed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.probeCalls))
	copy(out, f.probeCalls)
	return out
}

func testCacheConfig() CacheConfig {
	cfg := DefaultCacheConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.BatchDelay = time.Millisecond
	return cfg
}

func newTestCache(prober *fakeProber) *ImageCache {
	cache := NewImageCache(testCacheConfig(), nil)
	cache.prober = prober
	return cache
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestLoadImageCachesOptimizedDimensions(t *testing.T) {
	prober := &fakeProber{}
	cache := newTestCache(prober)

	dims, err := cache.LoadImage(context.Background(), "http://x/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, ImageDimensions{Width: 200, Height: 200}, dims, "640x640 scales to the fixed width")
	assert.Equal(t, StatusLoaded, cache.LoadStatusOf("http://x/a.jpg"))

	// second load is a pure cache hit
	again, err := cache.LoadImage(context.Background(), "http://x/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, dims, again)
	assert.Len(t, prober.probed(), 1)
}

func TestLoadImageClampsHeightBand(t *testing.T) {
	prober := &fakeProber{probeFn: func(call int, url string) (int, int, error) {
		switch url {
		case "http://x/tall.jpg":
			return 100, 4000, nil
		default:
			return 4000, 100, nil
		}
	}}
	cache := newTestCache(prober)

	tall, err := cache.LoadImage(context.Background(), "http://x/tall.jpg")
	require.NoError(t, err)
	assert.Equal(t, 400, tall.Height, "very tall images clamp to the max height")

	wide, err := cache.LoadImage(context.Background(), "http://x/wide.jpg")
	require.NoError(t, err)
	assert.Equal(t, 80, wide.Height, "very wide images clamp to the min height")
}

func TestLoadImageRejectsInvalidURL(t *testing.T) {
	cache := newTestCache(&fakeProber{})
	for _, bad := range []string{"", "not a url", "ftp://x/a.jpg", "/relative/a.jpg"} {
		_, err := cache.LoadImage(context.Background(), bad)
		assert.Error(t, err, "url %q", bad)
	}
}

func TestConcurrentLoadsShareOneProbe(t *testing.T) {
	prober := &fakeProber{gate: make(chan struct{})}
	cache := newTestCache(prober)

	const callers = 3
	type outcome struct {
		dims ImageDimensions
		err  error
	}
	results := make(chan outcome, callers)
	for i := 0; i < callers; i++ {
		go func() {
			dims, err := cache.LoadImage(context.Background(), "http://x/shared.jpg")
			results <- outcome{dims, err}
		}()
	}

	waitFor(t, func() bool { return len(prober.probed()) == 1 })
	close(prober.gate)

	for i := 0; i < callers; i++ {
		select {
		case got := <-results:
			require.NoError(t, got.err)
			assert.Equal(t, ImageDimensions{Width: 200, Height: 200}, got.dims)
		case <-time.After(2 * time.Second):
			t.Fatal("caller did not finish")
		}
	}
	assert.Len(t, prober.probed(), 1, "all callers share the single in-flight probe")
}

func TestFailureExhaustsRetriesThenShortCircuits(t *testing.T) {
	prober := &fakeProber{
		probeFn:     func(int, string) (int, int, error) { return 0, 0, errors.New("boom") },
		prefetchErr: errors.New("down"),
	}
	cache := newTestCache(prober)

	dims, err := cache.LoadImage(context.Background(), "http://x/broken.jpg")
	require.NoError(t, err, "permanent failure degrades to placeholder dims, not an error")
	assert.Equal(t, ImageDimensions{Width: 200, Height: 150}, dims)
	assert.Equal(t, StatusError, cache.LoadStatusOf("http://x/broken.jpg"))
	// one probe for the first attempt plus one for the single retry
	assert.Len(t, prober.probed(), 2)

	// known-failed URLs never hit the network again
	dims, err = cache.LoadImage(context.Background(), "http://x/broken.jpg")
	require.NoError(t, err)
	assert.Equal(t, ImageDimensions{Width: 200, Height: 150}, dims)
	assert.Len(t, prober.probed(), 2)
	assert.Equal(t, 1, cache.Stats().Failed)
}

func TestPrefetchFallbackRecoversFlakyProbe(t *testing.T) {
	prober := &fakeProber{probeFn: func(call int, _ string) (int, int, error) {
		if call == 0 {
			return 0, 0, errors.New("flaky")
		}
		return 640, 640, nil
	}}
	cache := newTestCache(prober)

	dims, err := cache.LoadImage(context.Background(), "http://x/flaky.jpg")
	require.NoError(t, err)
	assert.Equal(t, ImageDimensions{Width: 200, Height: 200}, dims)
	assert.Equal(t, StatusLoaded, cache.LoadStatusOf("http://x/flaky.jpg"))
	require.Len(t, prober.prefetches, 1, "the failed probe warms the bytes before reprobing")
	assert.Len(t, prober.probed(), 2)
}

func TestPreloadDrainsByPriority(t *testing.T) {
	prober := &fakeProber{}
	cache := newTestCache(prober)
	cache.cfg.BatchSize = 1

	// queue while paused so both entries are sorted before any work starts
	cache.SetSocketConnected(false)
	cache.PreloadImages([]string{"http://x/low.jpg"}, PreloadOptions{Priority: PriorityLow})
	cache.PreloadImages([]string{"http://x/high.jpg"}, PreloadOptions{Priority: PriorityHigh})
	assert.Equal(t, 2, cache.Stats().Queued)
	cache.SetSocketConnected(true)

	waitFor(t, func() bool {
		stats := cache.Stats()
		return stats.Queued == 0 && stats.Inflight == 0 && len(prober.probed()) == 2
	})
	assert.Equal(t, []string{"http://x/high.jpg", "http://x/low.jpg"}, prober.probed())
}

func TestPreloadSkipsKnownAndInvalidURLs(t *testing.T) {
	prober := &fakeProber{}
	cache := newTestCache(prober)

	_, err := cache.LoadImage(context.Background(), "http://x/cached.jpg")
	require.NoError(t, err)

	cache.SetSocketConnected(false)
	cache.PreloadImages([]string{
		"not a url",
		"http://x/cached.jpg",
		"http://x/fresh1.jpg",
		"http://x/fresh2.jpg",
		"http://x/fresh3.jpg",
	}, PreloadOptions{MaxImages: 2})
	assert.Equal(t, 2, cache.Stats().Queued, "invalid and cached URLs are skipped, the cap binds the rest")
}

func TestPauseInterruptsInFlightLoad(t *testing.T) {
	prober := &fakeProber{gate: make(chan struct{})}
	cache := newTestCache(prober)

	errs := make(chan error, 1)
	go func() {
		_, err := cache.LoadImage(context.Background(), "http://x/slow.jpg")
		errs <- err
	}()
	waitFor(t, func() bool { return len(prober.probed()) == 1 })

	cache.SetSocketConnected(false)
	close(prober.gate)

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "interrupted")
	case <-time.After(2 * time.Second):
		t.Fatal("load did not return")
	}
	// the entry is left retryable, not marked failed
	assert.Equal(t, 0, cache.Stats().Failed)
}

func TestClearResetsEverything(t *testing.T) {
	prober := &fakeProber{}
	cache := newTestCache(prober)

	_, err := cache.LoadImage(context.Background(), "http://x/a.jpg")
	require.NoError(t, err)
	cache.SetSocketConnected(false)
	cache.PreloadImages([]string{"http://x/b.jpg"}, PreloadOptions{})
	cache.Clear()

	stats := cache.Stats()
	assert.Equal(t, 0, stats.Cached)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, stats.Queued)
	assert.False(t, stats.SocketConnected, "clear pauses work until the next connectivity signal")
	assert.Equal(t, StatusIdle, cache.LoadStatusOf("http://x/a.jpg"))
}

func TestStatsEstimates(t *testing.T) {
	prober := &fakeProber{}
	cache := newTestCache(prober)
	_, _ = cache.LoadImage(context.Background(), "http://x/a.jpg")

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Cached)
	assert.Equal(t, "500ms", stats.AvgLoadTime)
	assert.Equal(t, "100%", stats.HitRate)
}
