package realdebrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/retry"
)

const (
	DefaultBaseURL        = "https://api.real-debrid.com/rest/1.0"
	defaultTimeout        = 15 * time.Second
	defaultRatePerSecond  = 4
	instantAvailableBatch = 40
	maxResponseBytes      = 4 * 1024 * 1024
)

// Debrid torrent statuses that will never reach "downloaded".
var terminalFailureStatuses = map[string]struct{}{
	"magnet_error": {},
	"error":        {},
	"virus":        {},
	"dead":         {},
}

// IsFailureStatus reports whether status is a terminal debrid failure.
func IsFailureStatus(status string) bool {
	_, ok := terminalFailureStatuses[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

type Config struct {
	BaseURL       string
	Client        *http.Client
	RatePerSecond float64
	Retry         *retry.Config
	Logger        *slog.Logger
}

// Client talks to the Real-Debrid REST API. Every call takes the user's
// credential; the client itself holds no secret.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   retry.Config
	logger  *slog.Logger
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	retryCfg := retry.DebridConfig()
	if cfg.Retry != nil {
		retryCfg = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
		retry:   retryCfg,
		logger:  logger,
	}
}

type addMagnetResponse struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

type torrentInfoResponse struct {
	ID       string  `json:"id"`
	Filename string  `json:"filename"`
	Bytes    int64   `json:"bytes"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status"`
	Files    []struct {
		ID       int    `json:"id"`
		Path     string `json:"path"`
		Bytes    int64  `json:"bytes"`
		Selected int    `json:"selected"`
	} `json:"files"`
	Links []string `json:"links"`
}

type unrestrictResponse struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Download string `json:"download"`
}

type apiError struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
}

// AddMagnet registers a magnet and returns the debrid torrent id. It is
// never retried: a request that timed out may still have created the
// torrent, and a second add would duplicate it.
func (c *Client) AddMagnet(ctx context.Context, credential, magnet string) (string, error) {
	if strings.TrimSpace(magnet) == "" {
		return "", fmt.Errorf("%w: magnet is required", domain.ErrInvalidRequest)
	}
	var out addMagnetResponse
	form := url.Values{"magnet": {magnet}}
	if err := c.call(ctx, retry.Config{MaxAttempts: 1}, credential, http.MethodPost, "/torrents/addMagnet", form, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("debrid returned no torrent id")
	}
	return out.ID, nil
}

// SelectFiles selects files by id; an empty list selects everything.
func (c *Client) SelectFiles(ctx context.Context, credential, torrentID string, fileIDs []int) error {
	value := "all"
	if len(fileIDs) > 0 {
		parts := make([]string, len(fileIDs))
		for i, id := range fileIDs {
			parts[i] = strconv.Itoa(id)
		}
		value = strings.Join(parts, ",")
	}
	form := url.Values{"files": {value}}
	return c.do(ctx, credential, http.MethodPost, "/torrents/selectFiles/"+url.PathEscape(torrentID), form, nil)
}

func (c *Client) Status(ctx context.Context, credential, torrentID string) (domain.DebridStatus, error) {
	var out torrentInfoResponse
	if err := c.do(ctx, credential, http.MethodGet, "/torrents/info/"+url.PathEscape(torrentID), nil, &out); err != nil {
		return domain.DebridStatus{}, err
	}
	status := domain.DebridStatus{
		ID:       out.ID,
		Status:   strings.ToLower(out.Status),
		Progress: out.Progress,
		Filename: out.Filename,
		Bytes:    out.Bytes,
		Links:    out.Links,
	}
	for _, file := range out.Files {
		status.Files = append(status.Files, domain.DebridFile{
			ID:       file.ID,
			Path:     file.Path,
			Bytes:    file.Bytes,
			Selected: file.Selected == 1,
		})
	}
	return status, nil
}

// Unrestrict turns a debrid hoster link into a direct stream URL.
func (c *Client) Unrestrict(ctx context.Context, credential, link string) (domain.UnrestrictedLink, error) {
	var out unrestrictResponse
	form := url.Values{"link": {link}}
	if err := c.do(ctx, credential, http.MethodPost, "/unrestrict/link", form, &out); err != nil {
		return domain.UnrestrictedLink{}, err
	}
	if out.Download == "" {
		return domain.UnrestrictedLink{}, errors.New("debrid returned no download url")
	}
	return domain.UnrestrictedLink{Filename: out.Filename, Filesize: out.Filesize, Download: out.Download}, nil
}

func (c *Client) Delete(ctx context.Context, credential, torrentID string) error {
	return c.do(ctx, credential, http.MethodDelete, "/torrents/delete/"+url.PathEscape(torrentID), nil, nil)
}

// CheckCached reports which hashes have an instantly available variant.
func (c *Client) CheckCached(ctx context.Context, hashes []string, credential string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashes))
	unique := make([]string, 0, len(hashes))
	seen := make(map[string]struct{}, len(hashes))
	for _, hash := range hashes {
		value := strings.ToLower(strings.TrimSpace(hash))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}

	for start := 0; start < len(unique); start += instantAvailableBatch {
		end := min(start+instantAvailableBatch, len(unique))
		batch := unique[start:end]
		var payload map[string]json.RawMessage
		path := "/torrents/instantAvailability/" + strings.Join(batch, "/")
		if err := c.do(ctx, credential, http.MethodGet, path, nil, &payload); err != nil {
			return out, err
		}
		for key, raw := range payload {
			if hasVariant(raw) {
				out[strings.ToLower(key)] = true
			}
		}
	}
	return out, nil
}

// hasVariant accepts {"rd":[{...}]} and treats arrays or empty objects as
// unavailable.
func hasVariant(raw json.RawMessage) bool {
	var hosts map[string][]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &hosts); err != nil {
		return false
	}
	for _, variants := range hosts {
		for _, variant := range variants {
			if len(variant) > 0 {
				return true
			}
		}
	}
	return false
}

func (c *Client) do(ctx context.Context, credential, method, path string, form url.Values, out any) error {
	return c.call(ctx, c.retry, credential, method, path, form, out)
}

func (c *Client) call(ctx context.Context, policy retry.Config, credential, method, path string, form url.Values, out any) error {
	token := strings.TrimSpace(credential)
	if token == "" {
		return fmt.Errorf("%w: debrid credential is required", domain.ErrInvalidRequest)
	}

	err := retry.WithBackoff(ctx, policy, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &retry.StatusError{Code: resp.StatusCode, Body: describeAPIError(payload)}
		}
		if out == nil || resp.StatusCode == http.StatusNoContent || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode debrid response: %w", err)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var statusErr *retry.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: debrid credential rejected", domain.ErrInvalidRequest)
		case http.StatusNotFound:
			return fmt.Errorf("%w: debrid %s", domain.ErrNotFound, path)
		}
	}
	if retry.IsTransient(err) {
		return fmt.Errorf("%w: debrid %s %s: %v", domain.ErrTransientProvider, method, path, err)
	}
	c.logger.Debug("debrid call failed", slog.String("method", method), slog.String("path", path), slog.String("error", err.Error()))
	return err
}

func describeAPIError(payload []byte) string {
	var apiErr apiError
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Sprintf("%s (code %d)", apiErr.Error, apiErr.ErrorCode)
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}
