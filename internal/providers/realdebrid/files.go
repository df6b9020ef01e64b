package realdebrid

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

var videoExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".m4v": {}, ".avi": {}, ".mov": {}, ".webm": {}, ".ts": {}, ".m2ts": {},
}

func isVideo(filePath string) bool {
	_, ok := videoExtensions[strings.ToLower(path.Ext(filePath))]
	return ok
}

func episodePatterns(season, episode int) []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(fmt.Sprintf(`(?i)s0*%d[ ._-]*e0*%d(\D|$)`, season, episode)),
		regexp.MustCompile(fmt.Sprintf(`(?i)(^|\D)0*%dx0*%d(\D|$)`, season, episode)),
	}
}

// PickFile chooses the file to stream from a debrid torrent. Movies take the
// largest video. TV takes the largest video naming the exact episode, falling
// back to the largest video when no file names it.
func PickFile(files []domain.DebridFile, mediaType domain.MediaType, season, episode int) (domain.DebridFile, bool) {
	var largest, largestEpisode domain.DebridFile
	var foundAny, foundEpisode bool

	var patterns []*regexp.Regexp
	if mediaType == domain.MediaTV && season > 0 && episode > 0 {
		patterns = episodePatterns(season, episode)
	}

	for _, file := range files {
		if !isVideo(file.Path) {
			continue
		}
		if !foundAny || file.Bytes > largest.Bytes {
			largest = file
			foundAny = true
		}
		for _, pattern := range patterns {
			if pattern.MatchString(path.Base(file.Path)) {
				if !foundEpisode || file.Bytes > largestEpisode.Bytes {
					largestEpisode = file
					foundEpisode = true
				}
				break
			}
		}
	}
	if foundEpisode {
		return largestEpisode, true
	}
	return largest, foundAny
}
