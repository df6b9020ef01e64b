package linkcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/metrics"
)

const (
	DefaultTTL           = 24 * time.Hour
	DefaultVerifyTimeout = 5 * time.Second
)

// Store persists cached links. Rows are unique on the full LinkKey.
type Store interface {
	Upsert(ctx context.Context, link domain.CachedLink) (domain.CachedLink, error)
	// FindValid returns unexpired rows matching key on every field except
	// Resolution.
	FindValid(ctx context.Context, key domain.LinkKey, now time.Time) ([]domain.CachedLink, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Entry is the payload written by Put.
type Entry struct {
	Resolution           int
	StreamURL            string
	FileName             string
	EstimatedBitrateMbps float64
	FileSizeBytes        int64
}

type Cache struct {
	store         Store
	ttl           time.Duration
	client        *http.Client
	verifyTimeout time.Duration
	now           func() time.Time
	verifyGroup   singleflight.Group
	logger        *slog.Logger
}

type Option func(*Cache)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		if client != nil {
			c.client = client
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithVerifyTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		if timeout > 0 {
			c.verifyTimeout = timeout
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(store Store, opts ...Option) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	c := &Cache{
		store:         store,
		ttl:           DefaultTTL,
		verifyTimeout: DefaultVerifyTimeout,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	return c
}

// LinkID is the deterministic row id for key.
func LinkID(key domain.LinkKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:12])
}

// Get returns the highest-resolution unexpired link for req whose bitrate is
// within maxBitrateMbps or unknown.
func (c *Cache) Get(ctx context.Context, req domain.ContentRequest, maxBitrateMbps float64) (domain.CachedLink, bool, error) {
	return c.lookup(ctx, req, maxBitrateMbps, 0)
}

// GetBelow is Get restricted to resolutions strictly lower than
// maxResolution. It is used to step down after a playback failure.
func (c *Cache) GetBelow(ctx context.Context, req domain.ContentRequest, maxResolution int) (domain.CachedLink, bool, error) {
	if maxResolution <= 0 {
		return domain.CachedLink{}, false, nil
	}
	return c.lookup(ctx, req, req.MaxBitrateMbps, maxResolution)
}

func (c *Cache) lookup(ctx context.Context, req domain.ContentRequest, maxBitrateMbps float64, below int) (domain.CachedLink, bool, error) {
	now := c.now()
	rows, err := c.store.FindValid(ctx, domain.LinkKeyFor(req, 0), now)
	if err != nil {
		return domain.CachedLink{}, false, fmt.Errorf("link cache lookup: %w", err)
	}

	var (
		best  domain.CachedLink
		found bool
	)
	for _, row := range rows {
		if row.Expired(now) || !row.WithinBitrate(maxBitrateMbps) {
			continue
		}
		if below > 0 && row.Key.Resolution >= below {
			continue
		}
		if !found || row.Key.Resolution > best.Key.Resolution {
			best = row
			found = true
		}
	}
	if !found {
		metrics.LinkCacheMissesTotal.Inc()
		return domain.CachedLink{}, false, nil
	}

	metrics.LinkCacheHitsTotal.Inc()
	best.LastAccessedAt = now
	if err := c.store.Touch(ctx, best.ID, now); err != nil {
		c.logger.Warn("link cache touch failed", slog.String("id", best.ID), slog.String("error", err.Error()))
	}
	return best, true, nil
}

// Put upserts the link for req, refreshing its expiry.
func (c *Cache) Put(ctx context.Context, req domain.ContentRequest, entry Entry) (domain.CachedLink, error) {
	if strings.TrimSpace(entry.StreamURL) == "" {
		return domain.CachedLink{}, fmt.Errorf("%w: stream url is required", domain.ErrInvalidRequest)
	}
	key := domain.LinkKeyFor(req, entry.Resolution)
	if key.CredentialHash == "" {
		return domain.CachedLink{}, fmt.Errorf("%w: credential is required", domain.ErrInvalidRequest)
	}
	now := c.now()
	link := domain.CachedLink{
		ID:                   LinkID(key),
		Key:                  key,
		StreamURL:            strings.TrimSpace(entry.StreamURL),
		FileName:             entry.FileName,
		EstimatedBitrateMbps: entry.EstimatedBitrateMbps,
		FileSizeBytes:        entry.FileSizeBytes,
		CreatedAt:            now,
		ExpiresAt:            now.Add(c.ttl),
		LastAccessedAt:       now,
	}
	stored, err := c.store.Upsert(ctx, link)
	if err != nil {
		return domain.CachedLink{}, fmt.Errorf("link cache put: %w", err)
	}
	return stored, nil
}

// Verify probes url and reports whether it answered 2xx or 3xx within the
// verify timeout. Concurrent probes of the same url share one request.
func (c *Cache) Verify(ctx context.Context, url string) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return false
	}
	result, _, _ := c.verifyGroup.Do(url, func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.verifyTimeout)
		defer cancel()
		return c.probe(probeCtx, url), nil
	})
	ok, _ := result.(bool)
	return ok
}

func (c *Cache) probe(ctx context.Context, url string) bool {
	status, err := c.request(ctx, http.MethodHead, url)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = c.request(ctx, http.MethodGet, url)
	}
	if err != nil {
		c.logger.Debug("link probe failed", slog.String("error", err.Error()))
		return false
	}
	return status >= 200 && status < 400
}

func (c *Cache) request(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	client := *c.client
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Invalidate removes the row with id. Missing rows are not an error.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("link cache invalidate: %w", err)
	}
	metrics.LinkCacheInvalidationsTotal.Inc()
	return nil
}

// GetVerified is Get followed by a liveness probe. A row that fails the probe
// is invalidated and reported as a miss.
func (c *Cache) GetVerified(ctx context.Context, req domain.ContentRequest, maxBitrateMbps float64) (domain.CachedLink, bool, error) {
	link, ok, err := c.Get(ctx, req, maxBitrateMbps)
	if err != nil || !ok {
		return link, ok, err
	}
	if c.Verify(ctx, link.StreamURL) {
		return link, true, nil
	}
	c.logger.Info("cached link stale, invalidating",
		slog.String("id", link.ID),
		slog.Int("resolution", link.Key.Resolution),
	)
	if err := c.Invalidate(ctx, link.ID); err != nil {
		return domain.CachedLink{}, false, err
	}
	return domain.CachedLink{}, false, nil
}

func (c *Cache) Sweep(ctx context.Context) (int, error) {
	removed, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.logger.Debug("link cache sweep", slog.Int("removed", removed))
	}
	return removed, nil
}
