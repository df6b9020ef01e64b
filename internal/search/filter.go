package search

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

const (
	titleMatchPercent        = 70
	indexerTitleMinWords     = 2
	defaultMovieRuntimeMin   = 120
	defaultEpisodeRuntimeMin = 45
)

var (
	anySeasonEpisodePattern = regexp.MustCompile(`(?i)\bs(\d{1,2})[ ._-]?e(\d{1,3})`)
	anyCrossEpisodePattern  = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)
	episodeWordPattern      = regexp.MustCompile(`(?i)\b(?:episode|ep)[ ._-]?\d{1,3}\b`)
	seasonRangePattern      = regexp.MustCompile(`(?i)\bs(?:eason)?[ ._-]?(\d{1,2})[ ._]?(?:-|to|~)[ ._]?s?(?:eason)?[ ._-]?(\d{1,2})\b`)
	seasonsWordRange        = regexp.MustCompile(`(?i)\bseasons?[ ._-]?(\d{1,2})[ ._]?(?:-|to|~)[ ._]?(\d{1,2})\b`)
	seasonTokenPattern      = regexp.MustCompile(`(?i)\b(?:s|season[ ._-]?)(\d{1,2})\b`)
	completeSeriesPattern   = regexp.MustCompile(`(?i)\b(?:complete|collection)\b`)
)

// sizeBand is the plausible MB-per-minute range for a resolution.
type sizeBand struct {
	min float64
	max float64
}

var sizeBands = map[int]sizeBand{
	2160: {min: 8, max: 400},
	1440: {min: 5, max: 250},
	1080: {min: 3, max: 200},
	720:  {min: 1.5, max: 100},
	480:  {min: 0.5, max: 50},
}

var unknownResolutionBand = sizeBand{min: 0.5, max: 400}

func defaultRuntime(mediaType domain.MediaType) int {
	if mediaType == domain.MediaTV {
		return defaultEpisodeRuntimeMin
	}
	return defaultMovieRuntimeMin
}

// plausibleSize rejects files too small or too large for their resolution
// and the expected runtime. Unknown sizes pass. Packs hold many episodes,
// so only the lower bound applies to them.
func plausibleSize(sizeMB float64, resolution, runtimeMin int, pack bool) bool {
	if sizeMB <= 0 || runtimeMin <= 0 {
		return true
	}
	band, ok := sizeBands[resolution]
	if !ok {
		band = unknownResolutionBand
	}
	perMinute := sizeMB / float64(runtimeMin)
	if perMinute < band.min {
		return false
	}
	return pack || perMinute <= band.max
}

// titleMatches requires at least 70% of the expected title's significant
// words to appear as substrings of the candidate's normalized text.
func titleMatches(expectedWords []string, candidateText string) bool {
	if len(expectedWords) == 0 {
		return true
	}
	normalized := normalizeText(candidateText)
	matched := 0
	for _, word := range expectedWords {
		if strings.Contains(normalized, word) {
			matched++
		}
	}
	return matched*100 >= len(expectedWords)*titleMatchPercent
}

// yearAllowed rejects a movie whose text names a year other than the
// requested one. Years that are part of the title itself are ignored.
func yearAllowed(requestYear int, title, candidateText string) bool {
	if requestYear <= 0 {
		return true
	}
	titleYears := make(map[string]struct{})
	for _, year := range yearPattern.FindAllString(normalizeText(title), -1) {
		titleYears[year] = struct{}{}
	}
	want := strconv.Itoa(requestYear)
	for _, year := range yearPattern.FindAllString(normalizeText(candidateText), -1) {
		if year == want {
			continue
		}
		if _, inTitle := titleYears[year]; inTitle {
			continue
		}
		return false
	}
	return true
}

type episodeMatch int

const (
	episodeReject episodeMatch = iota
	episodeExact
	episodeSeasonPack
	episodeSeriesPack
)

// matchEpisode classifies text against the requested season and episode.
func matchEpisode(season, episode int, text string) episodeMatch {
	pairs := seasonEpisodePairs(text)
	if len(pairs) > 0 {
		for _, pair := range pairs {
			if pair[0] == season && pair[1] == episode {
				return episodeExact
			}
		}
		return episodeReject
	}
	if episodeWordPattern.MatchString(text) {
		return episodeReject
	}

	if lo, hi, ok := seasonRange(text); ok {
		if season >= lo && season <= hi {
			return episodeSeriesPack
		}
		return episodeReject
	}

	seasons := seasonTokens(text)
	if len(seasons) > 0 {
		for _, s := range seasons {
			if s == season {
				if len(seasons) > 1 || completeSeriesPattern.MatchString(text) {
					return episodeSeriesPack
				}
				return episodeSeasonPack
			}
		}
		return episodeReject
	}

	if completeSeriesPattern.MatchString(text) {
		return episodeSeriesPack
	}
	return episodeReject
}

func seasonEpisodePairs(text string) [][2]int {
	var pairs [][2]int
	for _, match := range anySeasonEpisodePattern.FindAllStringSubmatch(text, -1) {
		pairs = append(pairs, [2]int{atoi(match[1]), atoi(match[2])})
	}
	for _, match := range anyCrossEpisodePattern.FindAllStringSubmatch(text, -1) {
		pairs = append(pairs, [2]int{atoi(match[1]), atoi(match[2])})
	}
	return pairs
}

func seasonRange(text string) (int, int, bool) {
	for _, pattern := range []*regexp.Regexp{seasonRangePattern, seasonsWordRange} {
		match := pattern.FindStringSubmatch(text)
		if len(match) < 3 {
			continue
		}
		lo, hi := atoi(match[1]), atoi(match[2])
		if lo > hi {
			lo, hi = hi, lo
		}
		if lo > 0 {
			return lo, hi, true
		}
	}
	return 0, 0, false
}

func seasonTokens(text string) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, match := range seasonTokenPattern.FindAllStringSubmatch(text, -1) {
		value := atoi(match[1])
		if value <= 0 {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func atoi(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return value
}

// candidateFilter applies the per-candidate accept rules for one request.
type candidateFilter struct {
	request       domain.ContentRequest
	runtimeMin    int
	expectedWords []string
	excluded      map[string]struct{}
}

func newCandidateFilter(request domain.ContentRequest, runtimeMin int) candidateFilter {
	if runtimeMin <= 0 {
		runtimeMin = defaultRuntime(request.Type)
	}
	excluded := make(map[string]struct{}, len(request.ExcludedHashes)+len(request.ExcludedFilePaths))
	for _, hash := range request.ExcludedHashes {
		if value := strings.ToLower(strings.TrimSpace(hash)); value != "" {
			excluded["hash:"+value] = struct{}{}
		}
	}
	for _, filePath := range request.ExcludedFilePaths {
		if value := strings.TrimSpace(filePath); value != "" {
			excluded["file:"+value] = struct{}{}
		}
	}
	return candidateFilter{
		request:       request,
		runtimeMin:    runtimeMin,
		expectedWords: significantWords(request.Title),
		excluded:      excluded,
	}
}

// accept reports whether c survives filtering; pack is true for season or
// series packs.
func (f candidateFilter) accept(c domain.SourceCandidate) (ok bool, pack bool) {
	if f.isExcluded(c) {
		return false, false
	}
	text := c.DisplayTitle
	if c.IsFile() && c.FilePath != "" {
		text = c.FilePath
	}

	if c.IsFile() || len(f.expectedWords) >= indexerTitleMinWords {
		if !titleMatches(f.expectedWords, text) {
			return false, false
		}
	}

	switch f.request.Type {
	case domain.MediaMovie:
		if !yearAllowed(f.request.Year, f.request.Title, text) {
			return false, false
		}
	case domain.MediaTV:
		switch matchEpisode(f.request.Season, f.request.Episode, text) {
		case episodeReject:
			return false, false
		case episodeSeasonPack, episodeSeriesPack:
			pack = true
		}
	}

	if !plausibleSize(c.SizeMB, c.Resolution, f.runtimeMin, pack) {
		return false, pack
	}
	return true, pack
}

func (f candidateFilter) isExcluded(c domain.SourceCandidate) bool {
	if len(f.excluded) == 0 {
		return false
	}
	if hash := strings.ToLower(strings.TrimSpace(c.Hash)); hash != "" {
		if _, ok := f.excluded["hash:"+hash]; ok {
			return true
		}
	}
	if c.FilePath != "" {
		if _, ok := f.excluded["file:"+c.FilePath]; ok {
			return true
		}
	}
	return false
}

// estimateBitrate returns Mbps for a single-title candidate. Packs and
// unknown sizes yield zero (unknown).
func estimateBitrate(c domain.SourceCandidate, runtimeMin int, pack bool) float64 {
	if pack || runtimeMin <= 0 {
		return 0
	}
	if c.MBPerMinute > 0 {
		return c.MBPerMinute * 8 / 60
	}
	if c.SizeMB <= 0 {
		return 0
	}
	return c.SizeMB * 8 / float64(runtimeMin*60)
}
