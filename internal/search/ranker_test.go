package search

import (
	"testing"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

func TestScoreFlagPenaltyIsExact(t *testing.T) {
	candidates := []domain.SourceCandidate{
		{Kind: domain.SourceIndexer, DisplayTitle: "Movie.2020.1080p.WEB.ENG.SUBS", Resolution: 1080, Seeders: 37, SizeMB: 5000},
		{Kind: domain.SourceCacheMount, DisplayTitle: "Movie.2020.2160p.mkv", Resolution: 2160, IsCached: true, MBPerMinute: 40, SizeMB: 20000, Container: "mkv"},
		{Kind: domain.SourceIndexer, DisplayTitle: "Movie.2020.720p", Resolution: 720, OverBandwidth: true, EstimatedBitrateMbps: 12.5},
	}
	sc := ScoreContext{Type: domain.MediaMovie, PlatformHint: "ios"}
	for _, c := range candidates {
		flagged := c
		flagged.IsFlaggedBad = true
		if diff := Score(c, sc) - Score(flagged, sc); diff != flaggedPenalty {
			t.Fatalf("flag penalty for %q = %d, want %d", c.DisplayTitle, diff, flaggedPenalty)
		}
	}
}

func TestScoreComponents(t *testing.T) {
	tests := []struct {
		name string
		c    domain.SourceCandidate
		sc   ScoreContext
		want int
	}{
		{
			name: "resolution only",
			c:    domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "x", Resolution: 1080},
			want: 1080,
		},
		{
			name: "uncached seeders capped",
			c:    domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "x", Seeders: 500},
			want: 2000,
		},
		{
			name: "cached seeders capped",
			c:    domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "x", Seeders: 900, IsCached: true},
			want: cachedBonus + 500,
		},
		{
			name: "filesystem meets quality",
			c:    domain.SourceCandidate{Kind: domain.SourceCacheMount, DisplayTitle: "x", Resolution: 720, MBPerMinute: 5, IsCached: true},
			want: cachedBonus + filesystemBonus + 720 + qualityThresholdBonus,
		},
		{
			name: "over bandwidth scaled by bitrate",
			c:    domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "x", OverBandwidth: true, EstimatedBitrateMbps: 25},
			want: -overBandwidthPenalty - 2500,
		},
		{
			name: "english subtitles",
			c:    domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "Movie 1080p ENG SUBS"},
			want: subtitleBonus + englishSubtitleBonus + englishAudioBonus,
		},
		{
			name: "foreign only",
			c:    domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "Movie FRENCH"},
			want: -foreignOnlyPenalty,
		},
		{
			name: "container match",
			c:    domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "x", Container: "mp4"},
			sc:   ScoreContext{PlatformHint: "ios"},
			want: containerMatchBonus,
		},
		{
			name: "container mismatch",
			c:    domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "x", Container: "mkv"},
			sc:   ScoreContext{PlatformHint: "ios"},
			want: -containerMismatchMinus,
		},
		{
			name: "container without hint",
			c:    domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "x", Container: "mkv"},
			want: 0,
		},
		{
			name: "size closeness",
			c:    domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "x", Resolution: 1080, SizeMB: 10 * 1024},
			sc:   ScoreContext{Type: domain.MediaMovie},
			want: 1080 - 200,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.c, tt.sc); got != tt.want {
				t.Fatalf("Score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOverBandwidthClosestToCapFirst(t *testing.T) {
	near := domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "near", Resolution: 1080, OverBandwidth: true, EstimatedBitrateMbps: 21}
	far := domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "far", Resolution: 1080, OverBandwidth: true, EstimatedBitrateMbps: 60}
	inBudget := domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "ok", Resolution: 480}
	sc := ScoreContext{Type: domain.MediaMovie}
	if !(Score(inBudget, sc) > Score(near, sc) && Score(near, sc) > Score(far, sc)) {
		t.Fatalf("expected in-budget > near-cap > far-over")
	}
}

func TestSortRankedKeepsDiscoveryOrderOnTies(t *testing.T) {
	items := []domain.SourceCandidate{
		{DisplayTitle: "c", Score: 10, Order: 2},
		{DisplayTitle: "a", Score: 10, Order: 0},
		{DisplayTitle: "top", Score: 50, Order: 3},
		{DisplayTitle: "b", Score: 10, Order: 1},
	}
	sortRanked(items)
	got := []string{items[0].DisplayTitle, items[1].DisplayTitle, items[2].DisplayTitle, items[3].DisplayTitle}
	want := []string{"top", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestMergeSetFirstSeenWins(t *testing.T) {
	set := newMergeSet()
	first := domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "first", Hash: "aa", Score: 1}
	second := domain.SourceCandidate{Kind: domain.SourceIndexer, DisplayTitle: "second", Hash: "AA", Score: 999}
	if !set.insert(first) {
		t.Fatalf("first insert should succeed")
	}
	if set.insert(second) {
		t.Fatalf("duplicate identity must not be inserted")
	}
	items := set.ranked()
	if len(items) != 1 || items[0].DisplayTitle != "first" {
		t.Fatalf("expected first-seen entry, got %+v", items)
	}
}
