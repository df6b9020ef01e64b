package domain

import (
	"strings"
	"time"
)

// BadLinkFlag is a crowd-sourced report that a source failed to play.
type BadLinkFlag struct {
	Identity    string    `json:"identity"`
	ReportedAt  time.Time `json:"reportedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ReportedBy  []string  `json:"reportedBy"`
	ReportCount int       `json:"reportCount"`
	Reason      string    `json:"reason,omitempty"`
	Source      string    `json:"source,omitempty"`
}

func (f BadLinkFlag) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

func (f BadLinkFlag) HasReporter(reporter string) bool {
	for _, existing := range f.ReportedBy {
		if existing == reporter {
			return true
		}
	}
	return false
}

func (f BadLinkFlag) Clone() BadLinkFlag {
	out := f
	out.ReportedBy = append([]string(nil), f.ReportedBy...)
	return out
}

// NormalizeFlagIdentity lowercases info hashes so hash reports from
// different clients land on the same key. URLs are kept as-is.
func NormalizeFlagIdentity(identity string) string {
	value := strings.TrimSpace(identity)
	if len(value) == 40 && isHex(value) {
		return strings.ToLower(value)
	}
	return value
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
