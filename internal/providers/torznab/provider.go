package torznab

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/limiter"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/retry"
)

const (
	defaultUserAgent       = "duckflix-resolver/1.0"
	defaultRequestTimeout  = 20 * time.Second
	torrentDownloadTimeout = 4 * time.Second
	maxFeedBytes           = 8 * 1024 * 1024
	maxTorrentBytes        = 2 * 1024 * 1024
)

var defaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
}

type Config struct {
	Endpoint  string
	APIKey    string
	UserAgent string
	Client    *http.Client
	Trackers  []string
	Limiter   *limiter.Limiter
	Retry     *retry.Config
	Logger    *slog.Logger
}

// Provider queries a Torznab feed once per query variant and pushes each
// variant's results as a batch.
type Provider struct {
	endpoint  string
	apiKey    string
	userAgent string
	client    *http.Client
	trackers  []string
	limiter   *limiter.Limiter
	retry     retry.Config
	logger    *slog.Logger
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	trackers := cfg.Trackers
	if len(trackers) == 0 {
		trackers = append([]string(nil), defaultTrackers...)
	}
	lim := cfg.Limiter
	if lim == nil {
		lim = limiter.New("indexer", limiter.DefaultSize)
	}
	retryCfg := retry.IndexerConfig()
	if cfg.Retry != nil {
		retryCfg = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		endpoint:  strings.TrimSpace(cfg.Endpoint),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		userAgent: userAgent,
		client:    client,
		trackers:  trackers,
		limiter:   lim,
		retry:     retryCfg,
		logger:    logger,
	}
}

func (p *Provider) Configured() bool {
	if p.endpoint == "" {
		return false
	}
	if p.apiKey != "" {
		return true
	}
	parsed, err := url.Parse(p.endpoint)
	return err == nil && parsed.Query().Get("apikey") != ""
}

// Search runs every variant concurrently under the shared limiter. A variant
// that still fails after retries contributes nothing; Search only returns an
// error when every variant failed.
func (p *Provider) Search(ctx context.Context, query domain.IndexerQuery, onBatch func([]domain.SourceCandidate, bool)) error {
	if !p.Configured() {
		return errors.New("torznab provider is not configured")
	}
	variants := query.Variants
	if len(variants) == 0 {
		variants = []string{query.Title}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	for _, variant := range variants {
		wg.Add(1)
		go func(variant string) {
			defer wg.Done()
			var items []domain.SourceCandidate
			// Each attempt takes its own limiter slot so backoff sleeps
			// never hold one.
			err := retry.WithBackoff(ctx, p.retry, func() error {
				return p.limiter.Do(ctx, func(ctx context.Context) error {
					var searchErr error
					items, searchErr = p.searchVariant(ctx, variant)
					return searchErr
				})
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("torznab variant failed", slog.String("query", variant), slog.String("error", err.Error()))
				failures = append(failures, fmt.Errorf("%s: %w", variant, err))
				return
			}
			p.logger.Debug("torznab variant done", slog.String("query", variant), slog.Int("items", len(items)))
			if len(items) > 0 {
				onBatch(items, false)
			}
		}(variant)
	}
	wg.Wait()
	onBatch(nil, true)

	if len(failures) == len(variants) {
		return fmt.Errorf("%w: %w", domain.ErrTransientProvider, errors.Join(failures...))
	}
	return nil
}

func (p *Provider) searchVariant(ctx context.Context, variant string) ([]domain.SourceCandidate, error) {
	uri, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	params := uri.Query()
	params.Set("t", "search")
	params.Set("q", strings.TrimSpace(variant))
	if params.Get("extended") == "" {
		params.Set("extended", "1")
	}
	if params.Get("apikey") == "" && p.apiKey != "" {
		params.Set("apikey", p.apiKey)
	}
	uri.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/xml,text/xml,application/rss+xml")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, err
	}
	items, err := parseTorznabResponse(payload)
	if err != nil {
		return nil, err
	}

	out := make([]domain.SourceCandidate, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		candidate, ok := p.itemToCandidate(ctx, item)
		if !ok {
			continue
		}
		if _, dup := seen[candidate.Hash]; dup {
			continue
		}
		seen[candidate.Hash] = struct{}{}
		out = append(out, candidate)
	}
	return out, nil
}

func (p *Provider) itemToCandidate(ctx context.Context, item torznabItem) (domain.SourceCandidate, bool) {
	name := strings.TrimSpace(item.Title)
	if name == "" {
		return domain.SourceCandidate{}, false
	}
	attrs := item.attrMap()

	magnet := firstMagnet(item.Guid, item.Link, item.Enclosure.URL, attrs["magneturl"])
	hash := normalizeInfoHash(attrs["infohash"])
	if hash == "" && magnet != "" {
		hash = magnetInfoHash(magnet)
	}
	if hash == "" && magnet == "" {
		downloadURL := strings.TrimSpace(item.Enclosure.URL)
		if downloadURL == "" {
			downloadURL = strings.TrimSpace(item.Link)
		}
		if downloadURL != "" {
			if fetched, err := p.fetchInfoHash(ctx, downloadURL); err == nil {
				hash = fetched
			}
		}
	}
	if hash == "" {
		return domain.SourceCandidate{}, false
	}
	if magnet == "" {
		magnet = buildMagnet(hash, name, p.trackers)
	}

	sizeBytes := parseI64(attrs["size"])
	if sizeBytes <= 0 && item.Enclosure.Length > 0 {
		sizeBytes = item.Enclosure.Length
	}
	return domain.SourceCandidate{
		Kind:         domain.SourceIndexer,
		DisplayTitle: name,
		Hash:         hash,
		MagnetURI:    magnet,
		SizeBytes:    sizeBytes,
		SizeMB:       float64(sizeBytes) / (1024 * 1024),
		Seeders:      parseInt(attrs["seeders"]),
	}, true
}

// fetchInfoHash downloads a .torrent file and hashes its info dictionary.
func (p *Provider) fetchInfoHash(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, torrentDownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/x-bittorrent,application/octet-stream,*/*")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &retry.StatusError{Code: resp.StatusCode}
	}
	mi, err := metainfo.Load(io.LimitReader(resp.Body, maxTorrentBytes))
	if err != nil {
		return "", err
	}
	return mi.HashInfoBytes().HexString(), nil
}

type torznabResponse struct {
	Channel torznabChannel `xml:"channel"`
}

type torznabChannel struct {
	Items []torznabItem `xml:"item"`
}

type torznabItem struct {
	Title     string           `xml:"title"`
	Guid      string           `xml:"guid"`
	Link      string           `xml:"link"`
	PubDate   string           `xml:"pubDate"`
	Enclosure torznabEnclosure `xml:"enclosure"`
	Attrs     []torznabAttr    `xml:"attr"`
}

type torznabEnclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
}

type torznabAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func (item torznabItem) attrMap() map[string]string {
	attrs := make(map[string]string, len(item.Attrs))
	for _, attr := range item.Attrs {
		key := strings.ToLower(strings.TrimSpace(attr.Name))
		if key == "" {
			continue
		}
		if _, exists := attrs[key]; exists {
			continue
		}
		attrs[key] = strings.TrimSpace(attr.Value)
	}
	return attrs
}

func parseTorznabResponse(payload []byte) ([]torznabItem, error) {
	var rss torznabResponse
	if err := xml.Unmarshal(payload, &rss); err != nil {
		return nil, fmt.Errorf("invalid torznab XML: %w", err)
	}
	return rss.Channel.Items, nil
}

func firstMagnet(candidates ...string) string {
	for _, candidate := range candidates {
		value := strings.TrimSpace(candidate)
		if strings.HasPrefix(strings.ToLower(value), "magnet:?") {
			return value
		}
	}
	return ""
}

func normalizeInfoHash(raw string) string {
	value := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "urn:btih:")
	if value == "" {
		return ""
	}
	var hash metainfo.Hash
	if err := hash.FromHexString(value); err != nil {
		return ""
	}
	return hash.HexString()
}

func magnetInfoHash(raw string) string {
	magnet, err := metainfo.ParseMagnetUri(raw)
	if err != nil {
		return ""
	}
	return magnet.InfoHash.HexString()
}

func buildMagnet(hash, name string, trackers []string) string {
	var infoHash metainfo.Hash
	if err := infoHash.FromHexString(hash); err != nil {
		return ""
	}
	magnet := metainfo.Magnet{
		InfoHash:    infoHash,
		DisplayName: strings.TrimSpace(name),
		Trackers:    trackers,
	}
	return magnet.String()
}

func parseInt(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return value
}

func parseI64(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return value
}
