package domain

import "time"

// ActiveSession is one playback session keyed by (CredentialHash, IPAddress).
type ActiveSession struct {
	CredentialHash  string    `json:"credentialHash"`
	IPAddress       string    `json:"ipAddress"`
	UserID          string    `json:"userId"`
	Username        string    `json:"username"`
	StreamStartedAt time.Time `json:"streamStartedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// LiveAt reports whether the last heartbeat is younger than window.
func (s ActiveSession) LiveAt(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastHeartbeatAt) < window
}

type SessionUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}
