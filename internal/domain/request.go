package domain

import (
	"fmt"
	"strconv"
	"strings"
)

type MediaType string

const (
	MediaMovie MediaType = "movie"
	MediaTV    MediaType = "tv"
)

func NormalizeMediaType(raw string) MediaType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "movie", "movies", "film":
		return MediaMovie
	case "tv", "series", "show", "episode":
		return MediaTV
	default:
		return ""
	}
}

// ContentRequest describes one attempt to resolve a movie or TV episode.
// Zero values mean "absent" for the optional numeric fields.
type ContentRequest struct {
	Title             string    `json:"title"`
	Year              int       `json:"year,omitempty"`
	Type              MediaType `json:"type"`
	Season            int       `json:"season,omitempty"`
	Episode           int       `json:"episode,omitempty"`
	ExternalID        string    `json:"externalId,omitempty"`
	UserID            string    `json:"userId"`
	Credential        string    `json:"-"`
	MaxBitrateMbps    float64   `json:"maxBitrateMbps,omitempty"`
	ExcludedHashes    []string  `json:"excludedHashes,omitempty"`
	ExcludedFilePaths []string  `json:"excludedFilePaths,omitempty"`
	PlatformHint      string    `json:"platformHint,omitempty"`
}

func (r ContentRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	switch r.Type {
	case MediaMovie:
	case MediaTV:
		if r.Season <= 0 || r.Episode <= 0 {
			return fmt.Errorf("%w: season and episode are required for tv", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: type must be movie or tv", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Credential) == "" {
		return fmt.Errorf("%w: credential is required", ErrInvalidRequest)
	}
	if r.Year < 0 || r.MaxBitrateMbps < 0 {
		return fmt.Errorf("%w: negative year or bitrate", ErrInvalidRequest)
	}
	return nil
}

// ContentIdentity is the stable identity of the requested title, preferring
// the external id and falling back to normalized title plus year.
func (r ContentRequest) ContentIdentity() string {
	if id := strings.TrimSpace(r.ExternalID); id != "" {
		return strings.ToLower(id)
	}
	title := strings.Join(strings.Fields(strings.ToLower(r.Title)), " ")
	if r.Year > 0 {
		return title + ":" + strconv.Itoa(r.Year)
	}
	return title
}

// Clone returns a copy that does not share slices with r.
func (r ContentRequest) Clone() ContentRequest {
	out := r
	out.ExcludedHashes = append([]string(nil), r.ExcludedHashes...)
	out.ExcludedFilePaths = append([]string(nil), r.ExcludedFilePaths...)
	return out
}

func (r ContentRequest) String() string {
	if r.Type == MediaTV {
		return fmt.Sprintf("%s S%02dE%02d", r.Title, r.Season, r.Episode)
	}
	if r.Year > 0 {
		return fmt.Sprintf("%s (%d)", r.Title, r.Year)
	}
	return r.Title
}
