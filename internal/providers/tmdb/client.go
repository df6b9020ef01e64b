package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/retry"
)

const (
	defaultBaseURL = "https://api.themoviedb.org/3"
	redisCacheKey  = "resolver:tmdb:runtime:"
)

var errNoRuntime = errors.New("tmdb has no runtime for this title")

// Client resolves runtimes in minutes. Results are cached in Redis when a
// client is configured.
type Client struct {
	apiKey   string
	baseURL  string
	http     *http.Client
	redis    *redis.Client
	cacheTTL time.Duration
}

type Config struct {
	APIKey   string
	BaseURL  string
	Client   *http.Client
	Redis    *redis.Client
	CacheTTL time.Duration
}

type movieDetails struct {
	Runtime int `json:"runtime"`
}

type episodeDetails struct {
	Runtime int `json:"runtime"`
}

type showDetails struct {
	EpisodeRunTime []int `json:"episode_run_time"`
}

type findResponse struct {
	MovieResults []struct {
		ID int `json:"id"`
	} `json:"movie_results"`
	TVResults []struct {
		ID int `json:"id"`
	} `json:"tv_results"`
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 7 * 24 * time.Hour
	}
	return &Client{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		redis:    cfg.Redis,
		cacheTTL: cacheTTL,
	}
}

func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// RuntimeMinutes accepts a TMDB id ("603", "tmdb:603") or an IMDb id
// ("tt0133093"). TV lookups prefer the episode's own runtime.
func (c *Client) RuntimeMinutes(ctx context.Context, externalID string, mediaType domain.MediaType, season, episode int) (int, error) {
	if !c.Enabled() {
		return 0, errors.New("tmdb is not configured")
	}
	id := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(externalID)), "tmdb:")
	if id == "" {
		return 0, fmt.Errorf("%w: external id is required", domain.ErrInvalidRequest)
	}

	cacheKey := fmt.Sprintf("%s%s:%s:%d:%d", redisCacheKey, mediaType, id, season, episode)
	if c.redis != nil {
		if cached, err := c.redis.Get(ctx, cacheKey).Int(); err == nil && cached > 0 {
			return cached, nil
		}
	}

	if strings.HasPrefix(id, "tt") {
		resolved, err := c.findByIMDb(ctx, id, mediaType)
		if err != nil {
			return 0, err
		}
		id = resolved
	}

	var minutes int
	var err error
	if mediaType == domain.MediaTV {
		minutes, err = c.episodeRuntime(ctx, id, season, episode)
	} else {
		var details movieDetails
		err = c.get(ctx, "/movie/"+url.PathEscape(id), nil, &details)
		minutes = details.Runtime
	}
	if err != nil {
		return 0, err
	}
	if minutes <= 0 {
		return 0, errNoRuntime
	}

	if c.redis != nil {
		_ = c.redis.Set(ctx, cacheKey, minutes, c.cacheTTL).Err()
	}
	return minutes, nil
}

func (c *Client) episodeRuntime(ctx context.Context, id string, season, episode int) (int, error) {
	if season > 0 && episode > 0 {
		var details episodeDetails
		path := fmt.Sprintf("/tv/%s/season/%d/episode/%d", url.PathEscape(id), season, episode)
		if err := c.get(ctx, path, nil, &details); err == nil && details.Runtime > 0 {
			return details.Runtime, nil
		}
	}
	var show showDetails
	if err := c.get(ctx, "/tv/"+url.PathEscape(id), nil, &show); err != nil {
		return 0, err
	}
	for _, runtime := range show.EpisodeRunTime {
		if runtime > 0 {
			return runtime, nil
		}
	}
	return 0, errNoRuntime
}

func (c *Client) findByIMDb(ctx context.Context, imdbID string, mediaType domain.MediaType) (string, error) {
	var found findResponse
	params := url.Values{"external_source": {"imdb_id"}}
	if err := c.get(ctx, "/find/"+url.PathEscape(imdbID), params, &found); err != nil {
		return "", err
	}
	if mediaType == domain.MediaTV && len(found.TVResults) > 0 {
		return strconv.Itoa(found.TVResults[0].ID), nil
	}
	if mediaType != domain.MediaTV && len(found.MovieResults) > 0 {
		return strconv.Itoa(found.MovieResults[0].ID), nil
	}
	return "", fmt.Errorf("%w: no tmdb match for %s", domain.ErrNotFound, imdbID)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
