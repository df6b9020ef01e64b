package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const credentialHashLength = 16

// HashCredential returns a truncated one-way hash of a debrid credential.
// The raw credential never leaves the request path.
func HashCredential(credential string) string {
	value := strings.TrimSpace(credential)
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:credentialHashLength]
}

// LinkKey identifies one cached resolution. Season and Episode are zero for
// movies.
type LinkKey struct {
	ContentID      string    `json:"contentId"`
	Type           MediaType `json:"type"`
	Season         int       `json:"season,omitempty"`
	Episode        int       `json:"episode,omitempty"`
	Resolution     int       `json:"resolution"`
	CredentialHash string    `json:"credentialHash"`
}

func (k LinkKey) String() string {
	return strings.Join([]string{
		k.ContentID,
		string(k.Type),
		strconv.Itoa(k.Season),
		strconv.Itoa(k.Episode),
		strconv.Itoa(k.Resolution),
		k.CredentialHash,
	}, "|")
}

// LinkKeyFor builds the key for req at the given resolution.
func LinkKeyFor(req ContentRequest, resolution int) LinkKey {
	key := LinkKey{
		ContentID:      req.ContentIdentity(),
		Type:           req.Type,
		Resolution:     resolution,
		CredentialHash: HashCredential(req.Credential),
	}
	if req.Type == MediaTV {
		key.Season = req.Season
		key.Episode = req.Episode
	}
	return key
}

type CachedLink struct {
	ID                   string    `json:"id"`
	Key                  LinkKey   `json:"key"`
	StreamURL            string    `json:"streamUrl"`
	FileName             string    `json:"fileName,omitempty"`
	EstimatedBitrateMbps float64   `json:"estimatedBitrateMbps,omitempty"`
	FileSizeBytes        int64     `json:"fileSizeBytes,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	ExpiresAt            time.Time `json:"expiresAt"`
	LastAccessedAt       time.Time `json:"lastAccessedAt"`
}

func (l CachedLink) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// WithinBitrate reports whether the link fits under ceiling. Unknown bitrate
// and an absent ceiling both pass.
func (l CachedLink) WithinBitrate(ceilingMbps float64) bool {
	if ceilingMbps <= 0 || l.EstimatedBitrateMbps <= 0 {
		return true
	}
	return l.EstimatedBitrateMbps <= ceilingMbps
}
