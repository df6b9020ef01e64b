package search

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"github.com/MunifTanjim/go-ptt"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonAlnumPattern   = regexp.MustCompile(`[^a-z0-9]+`)
	yearPattern       = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	resolutionPattern = regexp.MustCompile(`(?i)\b(?:(2160|1440|1080|720|576|480|360)[pi]|(4k|uhd))\b`)
)

var videoContainers = map[string]struct{}{
	"mkv": {}, "mp4": {}, "m4v": {}, "avi": {}, "mov": {}, "webm": {}, "ts": {}, "m2ts": {},
}

// foldDiacritics maps "Amélie" to "Amelie". Chains are stateful, so each
// call builds its own.
func foldDiacritics(input string) string {
	chain := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(chain, input)
	if err != nil {
		return input
	}
	return out
}

// normalizeText lowercases, strips non-alphanumerics and collapses
// whitespace.
func normalizeText(input string) string {
	value := strings.ToLower(foldDiacritics(input))
	value = nonAlnumPattern.ReplaceAllString(value, " ")
	return strings.Join(strings.Fields(value), " ")
}

// significantWords are the normalized words longer than two characters.
func significantWords(title string) []string {
	fields := strings.Fields(normalizeText(title))
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) > 2 {
			out = append(out, field)
		}
	}
	return out
}

type releaseInfo struct {
	Resolution int
	Container  string
	Languages  []string
	Seasons    []int
}

func parseRelease(name string) releaseInfo {
	parsed := ptt.Parse(name)
	info := releaseInfo{
		Resolution: resolutionFromLabel(parsed.Resolution),
		Container:  strings.ToLower(strings.TrimPrefix(parsed.Container, ".")),
		Languages:  parsed.Languages,
		Seasons:    parsed.Seasons,
	}
	if info.Resolution == 0 {
		info.Resolution = resolutionFromText(name)
	}
	if info.Container == "" {
		info.Container = containerFromName(name)
	}
	return info
}

func resolutionFromLabel(label string) int {
	value := strings.ToLower(strings.TrimSpace(label))
	switch {
	case value == "":
		return 0
	case strings.Contains(value, "2160") || strings.Contains(value, "4k") || strings.Contains(value, "uhd"):
		return 2160
	case strings.Contains(value, "1440"):
		return 1440
	case strings.Contains(value, "1080"):
		return 1080
	case strings.Contains(value, "720"):
		return 720
	case strings.Contains(value, "576"), strings.Contains(value, "480"), strings.Contains(value, "360"):
		return 480
	default:
		return 0
	}
}

func resolutionFromText(text string) int {
	match := resolutionPattern.FindStringSubmatch(text)
	if len(match) < 3 {
		return 0
	}
	if match[2] != "" {
		return 2160
	}
	return resolutionFromLabel(match[1])
}

func containerFromName(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(strings.TrimSpace(name)), "."))
	if _, ok := videoContainers[ext]; ok {
		return ext
	}
	return ""
}

func isVideoFile(name string) bool {
	return containerFromName(name) != ""
}
