package issue

import (
	"context"
	"sync"
	"time"

	"kapub/internal/assert"
	"kapub/internal/chrono"
	"kapub/internal/telemetry"

	"golang.org/x/sync/singleflight"
)

const (
	report_cache_acquire = "cache.acquire"
	report_cache_replace = "cache.replace"
	report_cache_close   = "cache.close"
)

// DefaultTTL is how long a held, unconsumed issue is handed out before a new
// one is acquired.
const DefaultTTL = 10 * time.Minute

// Acquirer produces a fresh issue, it never returns a partial one.
//
// note: fault injection point
type Acquirer interface {
	Acquire(ctx context.Context) (*Issue, error)
}

// Cache holds at most one issue. Acquisitions are single-flight: concurrent
// callers share the outcome of the one running acquisition.
type Cache struct {
	acquirer  Acquirer
	time      chrono.TimeAPI
	tel       telemetry.API
	ttl       time.Duration
	chunkSize int

	group singleflight.Group

	mutex sync.Mutex
	slot  *Issue
}

func NewCache(acquirer Acquirer, options ...CacheOption) *Cache {
	assert.NotNil(acquirer, "acquirer")

	cfg := cacheConfig{ttl: DefaultTTL}
	for _, opt := range options {
		opt(&cfg)
	}

	cache := &Cache{
		acquirer:  acquirer,
		time:      chrono.StandardTime{},
		tel:       telemetry.SlogAPI{},
		ttl:       cfg.ttl,
		chunkSize: DefaultChunkSize,
	}
	if cfg.time != nil {
		cache.time = cfg.time
	}
	if cfg.tel != nil {
		cache.tel = cfg.tel
	}
	if cfg.chunkSize > 0 {
		cache.chunkSize = cfg.chunkSize
	}
	cache.tel = telemetry.NewScopedAPI("issue", cache.tel)

	return cache
}

type cacheConfig struct {
	time      chrono.TimeAPI
	tel       telemetry.API
	ttl       time.Duration
	chunkSize int
}

type CacheOption func(cfg *cacheConfig)

func WithTimeAPI(time chrono.TimeAPI) CacheOption {
	return func(cfg *cacheConfig) {
		cfg.time = time
	}
}

func WithTelemetryAPI(tel telemetry.API) CacheOption {
	return func(cfg *cacheConfig) {
		cfg.tel = tel
	}
}

// WithTTL sets how long an unconsumed issue stays fresh, 0 keeps it until it
// is consumed or replaced.
func WithTTL(ttl time.Duration) CacheOption {
	return func(cfg *cacheConfig) {
		cfg.ttl = ttl
	}
}

func WithChunkSize(size int) CacheOption {
	return func(cfg *cacheConfig) {
		cfg.chunkSize = size
	}
}

func (c *Cache) fresh(issue *Issue) bool {
	if issue == nil || issue.Consumed() {
		return false
	}
	if c.ttl > 0 && c.time.Now().Sub(issue.CreatedAt) >= c.ttl {
		return false
	}
	return true
}

func (c *Cache) held() *Issue {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.fresh(c.slot) {
		return c.slot
	}
	return nil
}

// GetOrAcquire returns the held issue if it is still fresh, otherwise it
// acquires a new one that replaces it. The acquisition itself is not bound to
// ctx, a caller giving up does not abort it for the others waiting on it.
func (c *Cache) GetOrAcquire(ctx context.Context) (*Issue, error) {
	if issue := c.held(); issue != nil {
		return issue, nil
	}

	flight := c.group.DoChan("issue", func() (any, error) {
		if issue := c.held(); issue != nil {
			return issue, nil
		}
		return c.acquire(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Issue), nil
	}
}

func (c *Cache) acquire(ctx context.Context) (*Issue, error) {
	issue, err := c.acquirer.Acquire(ctx)

	c.mutex.Lock()
	previous := c.slot
	c.slot = nil
	if err == nil {
		c.slot = issue
	}
	c.mutex.Unlock()

	if previous != nil {
		c.tel.ReportDebug("dropping previous issue", previous.ID)
		closeErr := previous.Close()
		if closeErr != nil {
			c.tel.ReportWarning(report_cache_replace, closeErr, previous.ID)
		}
	}
	if err != nil {
		c.tel.ReportWarning(report_cache_acquire, err)
		return nil, err
	}

	c.tel.ReportDebug("acquired issue", issue.ID, issue.Length)
	return issue, nil
}

// Consume hands out the stream of the held issue together with its advertised
// length, each issue can be consumed once.
func (c *Cache) Consume() (*Stream, int64, error) {
	return c.consume(nil)
}

// ConsumeIssue is Consume for a specific issue, it fails with ErrEmpty if the
// slot no longer holds expected.
func (c *Cache) ConsumeIssue(expected *Issue) (*Stream, int64, error) {
	assert.NotNil(expected, "expected")
	return c.consume(expected)
}

func (c *Cache) consume(expected *Issue) (*Stream, int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.slot == nil || (expected != nil && c.slot != expected) {
		return nil, 0, ErrEmpty
	}
	stream, err := c.slot.Open(c.chunkSize)
	if err != nil {
		return nil, 0, err
	}
	return stream, c.slot.Length, nil
}

// Invalidate empties the slot if it still holds issue and closes issue.
func (c *Cache) Invalidate(issue *Issue) {
	assert.NotNil(issue, "issue")

	c.mutex.Lock()
	if c.slot == issue {
		c.slot = nil
	}
	c.mutex.Unlock()

	err := issue.Close()
	if err != nil {
		c.tel.ReportWarning(report_cache_close, err, issue.ID)
	}
}

// Current returns the held issue, consumed or not, nil if the slot is empty.
func (c *Cache) Current() *Issue {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.slot
}

// Close empties the slot and releases the held issue.
func (c *Cache) Close() {
	c.mutex.Lock()
	issue := c.slot
	c.slot = nil
	c.mutex.Unlock()

	if issue != nil {
		err := issue.Close()
		if err != nil {
			c.tel.ReportWarning(report_cache_close, err, issue.ID)
		}
	}
}
