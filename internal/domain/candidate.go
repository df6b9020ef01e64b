package domain

import "strings"

type SourceKind string

const (
	SourceCacheMount SourceKind = "cache-mount"
	SourceIndexer    SourceKind = "indexer"
)

// SourceCandidate is either a file on the cache mount (FilePath set) or a
// torrent from the indexer (Hash set).
type SourceCandidate struct {
	Kind                 SourceKind `json:"source"`
	DisplayTitle         string     `json:"title"`
	Identity             string     `json:"identity"`
	Resolution           int        `json:"resolution"`
	SizeMB               float64    `json:"sizeMB"`
	IsCached             bool       `json:"isCached"`
	Score                int        `json:"score"`
	IsFlaggedBad         bool       `json:"isFlaggedBad"`
	OverBandwidth        bool       `json:"overBandwidth"`
	EstimatedBitrateMbps float64    `json:"estimatedBitrateMbps"`

	FilePath    string  `json:"-"`
	MBPerMinute float64 `json:"-"`

	Hash      string `json:"hash,omitempty"`
	MagnetURI string `json:"-"`
	SizeBytes int64  `json:"-"`
	Seeders   int    `json:"seeders,omitempty"`

	Container string `json:"container,omitempty"`
	Order     int    `json:"-"`
}

func (c SourceCandidate) IsFile() bool {
	return c.Kind == SourceCacheMount
}

// IdentityKey returns the dedup identity: the hash when present, else the
// display title joined with the file path.
func (c SourceCandidate) IdentityKey() string {
	if hash := strings.ToLower(strings.TrimSpace(c.Hash)); hash != "" {
		return hash
	}
	return strings.TrimSpace(c.DisplayTitle) + "|" + strings.TrimSpace(c.FilePath)
}

func (c SourceCandidate) SizeGB() float64 {
	if c.SizeMB > 0 {
		return c.SizeMB / 1024
	}
	if c.SizeBytes > 0 {
		return float64(c.SizeBytes) / (1024 * 1024 * 1024)
	}
	return 0
}

type ProviderStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

// RankedResult is one snapshot of the ranked candidate set. Items are
// strictly ordered by descending score, ties kept in discovery order.
type RankedResult struct {
	Items     []SourceCandidate `json:"items"`
	Providers []ProviderStatus  `json:"providers"`
	Phase     string            `json:"phase"`
	ElapsedMS int64             `json:"elapsedMs"`
	Final     bool              `json:"final"`
	TimedOut  bool              `json:"timedOut,omitempty"`
}

func (r RankedResult) Top() (SourceCandidate, bool) {
	if len(r.Items) == 0 {
		return SourceCandidate{}, false
	}
	return r.Items[0], true
}

type ProviderDiagnostics struct {
	Name                string `json:"name"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	BlockedUntil        *int64 `json:"blockedUntil,omitempty"`
	LastError           string `json:"lastError,omitempty"`
	LastLatencyMS       int64  `json:"lastLatencyMs"`
	TotalRequests       int64  `json:"totalRequests"`
	TotalFailures       int64  `json:"totalFailures"`
	TimeoutCount        int64  `json:"timeoutCount"`
}
