package search

import "testing"

func TestFoldDiacritics(t *testing.T) {
	if got := foldDiacritics("Amélie Poulain"); got != "Amelie Poulain" {
		t.Fatalf("foldDiacritics = %q", got)
	}
	if got := normalizeText("Léon: The Professional"); got != "leon the professional" {
		t.Fatalf("normalizeText = %q", got)
	}
}

func TestResolutionFromText(t *testing.T) {
	cases := map[string]int{
		"Heat.1995.2160p.UHD.BluRay": 2160,
		"Heat 1995 4K HDR":           2160,
		"Heat.1995.1080p.WEB-DL":     1080,
		"Heat.1995.720p.HDTV":        720,
		"Heat.1995.480p.DVDRip":      480,
		"Heat.1995.DVDRip.XviD":      0,
		"Heat.1995.1080i.BluRay.AVC": 1080,
	}
	for name, want := range cases {
		if got := resolutionFromText(name); got != want {
			t.Fatalf("resolutionFromText(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestResolutionFromLabel(t *testing.T) {
	cases := map[string]int{"": 0, "4k": 2160, "1440p": 1440, "1080p": 1080, "720p": 720, "576p": 480, "unknown": 0}
	for label, want := range cases {
		if got := resolutionFromLabel(label); got != want {
			t.Fatalf("resolutionFromLabel(%q) = %d, want %d", label, got, want)
		}
	}
}

func TestContainerDetection(t *testing.T) {
	if got := containerFromName("Heat.1995.1080p.MKV"); got != "mkv" {
		t.Fatalf("containerFromName = %q", got)
	}
	if isVideoFile("Heat.1995.1080p.nfo") {
		t.Fatalf("nfo is not a video file")
	}
	if !isVideoFile("/movies/Heat (1995)/Heat.mp4") {
		t.Fatalf("mp4 is a video file")
	}
}

func TestParseReleaseFallsBackToFileName(t *testing.T) {
	info := parseRelease("Heat.1995.1080p.BluRay.x264.mkv")
	if info.Resolution != 1080 {
		t.Fatalf("resolution = %d", info.Resolution)
	}
	if info.Container != "mkv" {
		t.Fatalf("container = %q", info.Container)
	}
}
