package search

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

// queryVariants lists the indexer queries for a request, most specific
// first: exact episode, with-year episode, season pack, "Season N".
func queryVariants(req domain.ContentRequest) []string {
	title := strings.Join(strings.Fields(req.Title), " ")
	if title == "" {
		return nil
	}
	year := ""
	if req.Year > 0 {
		year = strconv.Itoa(req.Year)
	}

	var variants []string
	switch req.Type {
	case domain.MediaTV:
		episodeTag := fmt.Sprintf("S%02dE%02d", req.Season, req.Episode)
		seasonTag := fmt.Sprintf("S%02d", req.Season)
		variants = append(variants, title+" "+episodeTag)
		if year != "" {
			variants = append(variants, title+" "+year+" "+episodeTag)
		}
		variants = append(variants,
			title+" "+seasonTag,
			title+" Season "+strconv.Itoa(req.Season),
		)
	default:
		if year != "" {
			variants = append(variants, title+" "+year)
		}
		variants = append(variants, title)
	}
	return dedupeVariants(variants)
}

func dedupeVariants(variants []string) []string {
	seen := make(map[string]struct{}, len(variants))
	out := make([]string, 0, len(variants))
	for _, variant := range variants {
		key := strings.ToLower(strings.TrimSpace(variant))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(variant))
	}
	return out
}
