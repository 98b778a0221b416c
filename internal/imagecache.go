package internal

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	// thumbnail formats the upload endpoint serves
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
)

// ImageDimensions is a thumbnail-optimized size in pixels.
type ImageDimensions struct {
	Width  int
	Height int
}

// LoadStatus tracks a cache entry's lifecycle.
type LoadStatus string

const (
	StatusIdle    LoadStatus = "idle"
	StatusLoading LoadStatus = "loading"
	StatusLoaded  LoadStatus = "loaded"
	StatusError   LoadStatus = "error"
)

// CacheItem is the per-URL cache record. Entries are updated in place and
// only removed by an explicit Clear.
type CacheItem struct {
	Dimensions ImageDimensions
	Status     LoadStatus
	Timestamp  time.Time
	RetryCount int
}

// CacheConfig tunes the loader. Defaults match the production values the
// mobile client shipped with.
type CacheConfig struct {
	MaxRetries      int
	LoadTimeout     time.Duration
	RetryDelay      time.Duration
	PrefetchTimeout time.Duration
	ProbeTimeout    time.Duration
	MaxHeight       int
	MinHeight       int
	FixedWidth      int
	DefaultHeight   int
	BatchSize       int
	BatchDelay      time.Duration
	MaxPreload      int
}

// DefaultCacheConfig returns the production tuning.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxRetries:      1,
		LoadTimeout:     5 * time.Second,
		RetryDelay:      800 * time.Millisecond,
		PrefetchTimeout: 3 * time.Second,
		ProbeTimeout:    2 * time.Second,
		MaxHeight:       400,
		MinHeight:       80,
		FixedWidth:      200,
		DefaultHeight:   150,
		BatchSize:       3,
		BatchDelay:      100 * time.Millisecond,
		MaxPreload:      10,
	}
}

// PreloadPriority orders the preload queue; smaller drains first.
type PreloadPriority int

const (
	PriorityHigh   PreloadPriority = 1
	PriorityNormal PreloadPriority = 2
	PriorityLow    PreloadPriority = 3
)

// PreloadOptions shape a preload batch.
type PreloadOptions struct {
	Priority  PreloadPriority
	MaxImages int
}

// DimensionProber resolves a remote image's natural size. Prefetch warms the
// bytes so a flaky first probe can be retried against a local copy.
type DimensionProber interface {
	ProbeSize(ctx context.Context, url string) (width, height int, err error)
	Prefetch(ctx context.Context, url string) error
}

// httpProber reads just enough of the response to decode the image header.
type httpProber struct {
	client *http.Client
}

func (p *httpProber) ProbeSize(ctx context.Context, rawURL string) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	cfg, _, err := image.DecodeConfig(resp.Body)
	if err != nil {
		return 0, 0, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, errors.New("invalid dimensions")
	}
	return cfg.Width, cfg.Height, nil
}

func (p *httpProber) Prefetch(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prefetch returned %d", resp.StatusCode)
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

type preloadEntry struct {
	url      string
	priority PreloadPriority
}

type loadResult struct {
	done chan struct{}
	dims ImageDimensions
	err  error
}

// ImageCache amortizes thumbnail dimension lookups across the whole process:
// one instance is constructed at startup and shared by every room session.
// It bounds concurrent work with a priority batch queue and softens flaky
// networks with a capped retry plus a permanent per-URL failure marker.
type ImageCache struct {
	cfg    CacheConfig
	prober DimensionProber
	log    *zap.Logger

	mu         sync.Mutex
	cache      map[string]CacheItem
	failed     map[string]struct{}
	inflight   map[string]*loadResult
	queue      []preloadEntry
	generation int
	paused     bool
	draining   bool
}

// NewImageCache builds the process-wide cache with the default HTTP prober.
func NewImageCache(cfg CacheConfig, log *zap.Logger) *ImageCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &ImageCache{
		cfg:      cfg,
		prober:   &httpProber{client: &http.Client{}},
		log:      log,
		cache:    make(map[string]CacheItem),
		failed:   make(map[string]struct{}),
		inflight: make(map[string]*loadResult),
	}
}

// defaultSize is the placeholder returned before and in place of a real
// probe result.
func (c *ImageCache) defaultSize() ImageDimensions {
	return ImageDimensions{Width: c.cfg.FixedWidth, Height: c.cfg.DefaultHeight}
}

func (c *ImageCache) isDefaultSize(d ImageDimensions) bool {
	return d == c.defaultSize()
}

// optimizedDimensions keeps the fixed thumbnail width and scales height by
// aspect ratio, clamped to the configured band.
func (c *ImageCache) optimizedDimensions(width, height int) ImageDimensions {
	scaled := float64(c.cfg.FixedWidth) * float64(height) / float64(width)
	final := int(scaled)
	if final > c.cfg.MaxHeight {
		final = c.cfg.MaxHeight
	} else if final < c.cfg.MinHeight {
		final = c.cfg.MinHeight
	}
	return ImageDimensions{Width: c.cfg.FixedWidth, Height: final}
}

// IsValidURL accepts absolute http(s) URLs only.
func IsValidURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func (c *ImageCache) updateCacheLocked(url string, dims ImageDimensions, status LoadStatus, retryCount int) {
	c.cache[url] = CacheItem{
		Dimensions: dims,
		Status:     status,
		Timestamp:  time.Now(),
		RetryCount: retryCount,
	}
}

// LoadImage resolves thumbnail dimensions for a URL. Known-failed URLs and
// cache hits return immediately without network I/O; concurrent callers for
// the same uncached URL share one underlying attempt.
func (c *ImageCache) LoadImage(ctx context.Context, url string) (ImageDimensions, error) {
	if !IsValidURL(url) {
		return ImageDimensions{}, fmt.Errorf("invalid image url %q", url)
	}

	c.mu.Lock()
	if item, ok := c.cache[url]; ok && item.Status == StatusLoaded && !c.isDefaultSize(item.Dimensions) {
		c.mu.Unlock()
		return item.Dimensions, nil
	}
	if _, failed := c.failed[url]; failed {
		c.updateCacheLocked(url, c.defaultSize(), StatusError, 0)
		dims := c.defaultSize()
		c.mu.Unlock()
		return dims, nil
	}
	if pending, ok := c.inflight[url]; ok {
		c.mu.Unlock()
		<-pending.done
		return pending.dims, pending.err
	}

	result := &loadResult{done: make(chan struct{})}
	c.inflight[url] = result
	gen := c.generation
	c.mu.Unlock()

	dims, err := c.performLoad(ctx, url, gen)
	result.dims, result.err = dims, err

	c.mu.Lock()
	if c.inflight[url] == result {
		delete(c.inflight, url)
	}
	c.mu.Unlock()
	close(result.done)
	return dims, err
}

// performLoad runs the full bounded attempt-retry cycle for one URL.
func (c *ImageCache) performLoad(ctx context.Context, url string, gen int) (ImageDimensions, error) {
	for {
		c.mu.Lock()
		retry := c.cache[url].RetryCount
		c.updateCacheLocked(url, c.defaultSize(), StatusLoading, retry)
		c.mu.Unlock()

		dims, err := c.attempt(ctx, url)

		c.mu.Lock()
		stale := gen != c.generation
		c.mu.Unlock()
		if stale {
			// cache was paused or cleared mid-load; leave the entry for a
			// clean retry after resume
			return c.defaultSize(), errors.New("image load interrupted")
		}

		if err == nil {
			c.mu.Lock()
			c.updateCacheLocked(url, dims, StatusLoaded, 0)
			c.mu.Unlock()
			return dims, nil
		}

		if retry < c.cfg.MaxRetries {
			c.mu.Lock()
			c.updateCacheLocked(url, c.defaultSize(), StatusIdle, retry+1)
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return c.defaultSize(), ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
			continue
		}

		c.mu.Lock()
		c.failed[url] = struct{}{}
		c.updateCacheLocked(url, c.defaultSize(), StatusError, retry)
		c.mu.Unlock()
		c.log.Warn("image load failed permanently", zap.String("url", url), zap.Error(err))
		return c.defaultSize(), nil
	}
}

// attempt is a single load try: the probe raced against the attempt budget,
// with a prefetch-then-reprobe fallback when the first probe fails.
func (c *ImageCache) attempt(ctx context.Context, url string) (ImageDimensions, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()

	width, height, err := c.probeOnce(attemptCtx, url)
	if err == nil {
		return c.optimizedDimensions(width, height), nil
	}

	prefetchCtx, cancelPrefetch := context.WithTimeout(attemptCtx, c.cfg.PrefetchTimeout)
	prefetchErr := c.prober.Prefetch(prefetchCtx, url)
	cancelPrefetch()
	if prefetchErr != nil {
		return ImageDimensions{}, fmt.Errorf("probe failed (%w), prefetch fallback failed (%v)", err, prefetchErr)
	}

	width, height, err = c.probeOnce(attemptCtx, url)
	if err != nil {
		return ImageDimensions{}, fmt.Errorf("probe after prefetch failed: %w", err)
	}
	return c.optimizedDimensions(width, height), nil
}

func (c *ImageCache) probeOnce(ctx context.Context, url string) (int, int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	return c.prober.ProbeSize(probeCtx, url)
}

// PreloadImages enqueues URLs for background warming. Invalid, cached, and
// known-failed URLs are skipped; the batch is capped and tagged with the
// given priority.
func (c *ImageCache) PreloadImages(urls []string, opts PreloadOptions) {
	if opts.Priority == 0 {
		opts.Priority = PriorityNormal
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = c.cfg.MaxPreload
	}

	c.mu.Lock()
	added := 0
	for _, u := range urls {
		if added >= opts.MaxImages {
			break
		}
		if !IsValidURL(u) {
			continue
		}
		if _, ok := c.cache[u]; ok {
			continue
		}
		if _, ok := c.failed[u]; ok {
			continue
		}
		c.queue = append(c.queue, preloadEntry{url: u, priority: opts.Priority})
		added++
	}
	shouldDrain := added > 0 && !c.draining && !c.paused
	if shouldDrain {
		c.draining = true
	}
	c.mu.Unlock()

	if added > 0 {
		c.log.Debug("preload enqueued", zap.Int("count", added), zap.Int("priority", int(opts.Priority)))
	}
	if shouldDrain {
		go c.drainQueue()
	}
}

// drainQueue is the single queue worker: priority order, batchSize at a
// time, fixed pacing between batches. Enqueues racing an active drain are
// picked up by the same loop.
func (c *ImageCache) drainQueue() {
	for {
		c.mu.Lock()
		if c.paused || len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		sort.SliceStable(c.queue, func(i, j int) bool {
			return c.queue[i].priority < c.queue[j].priority
		})
		n := c.cfg.BatchSize
		if n > len(c.queue) {
			n = len(c.queue)
		}
		batch := make([]preloadEntry, n)
		copy(batch, c.queue[:n])
		c.queue = c.queue[n:]
		remaining := len(c.queue)
		c.mu.Unlock()

		var wg sync.WaitGroup
		for _, entry := range batch {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				if _, err := c.LoadImage(context.Background(), u); err != nil {
					c.log.Debug("preload failed", zap.String("url", u), zap.Error(err))
				}
			}(entry.url)
		}
		wg.Wait()

		if remaining > 0 {
			time.Sleep(c.cfg.BatchDelay)
		}
	}
}

// SetSocketConnected pauses or resumes cache work with the room socket's
// connectivity. Pausing resets mid-load entries to idle so a future resume
// retries them cleanly instead of leaving them stuck in loading.
func (c *ImageCache) SetSocketConnected(connected bool) {
	c.mu.Lock()
	if c.paused == !connected {
		c.mu.Unlock()
		return
	}
	c.paused = !connected

	var kick bool
	if !connected {
		c.generation++
		c.inflight = make(map[string]*loadResult)
		for url, item := range c.cache {
			if item.Status == StatusLoading {
				item.Status = StatusIdle
				c.cache[url] = item
			}
		}
	} else {
		kick = len(c.queue) > 0 && !c.draining
		if kick {
			c.draining = true
		}
	}
	c.mu.Unlock()

	c.log.Info("image cache connectivity", zap.Bool("connected", connected))
	if kick {
		go c.drainQueue()
	}
}

// CachedSize returns the cached dimensions for a URL, if any.
func (c *ImageCache) CachedSize(url string) (ImageDimensions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.cache[url]
	return item.Dimensions, ok
}

// LoadStatusOf returns a URL's load status; unknown URLs are idle.
func (c *ImageCache) LoadStatusOf(url string) LoadStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.cache[url]; ok {
		return item.Status
	}
	return StatusIdle
}

// Clear wipes every cache structure and pauses preloading until the next
// connectivity signal.
func (c *ImageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.cache = make(map[string]CacheItem)
	c.failed = make(map[string]struct{})
	c.inflight = make(map[string]*loadResult)
	c.queue = nil
	c.paused = true
}

// CacheStats is a coarse observability snapshot. AvgLoadTime and HitRate are
// heuristic estimates derived from entry counts, not measured timings.
type CacheStats struct {
	Cached          int
	Loading         int
	Failed          int
	Inflight        int
	Queued          int
	SocketConnected bool
	AvgLoadTime     string
	HitRate         string
}

// Stats returns the heuristic cache metrics.
func (c *ImageCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	loading := 0
	for _, item := range c.cache {
		if item.Status == StatusLoading {
			loading++
		}
	}

	stats := CacheStats{
		Cached:          len(c.cache),
		Loading:         loading,
		Failed:          len(c.failed),
		Inflight:        len(c.inflight),
		Queued:          len(c.queue),
		SocketConnected: !c.paused,
		AvgLoadTime:     "0ms",
		HitRate:         "0%",
	}

	total := len(c.cache) + len(c.failed)
	if total > 0 {
		// rough model: a hit costs ~500ms, a terminal failure ~2s
		estimated := len(c.cache)*500 + len(c.failed)*2000
		stats.AvgLoadTime = fmt.Sprintf("%dms", estimated/total)
		stats.HitRate = fmt.Sprintf("%d%%", len(c.cache)*100/total)
	}
	return stats
}
