package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNoCandidates      = errors.New("content not available")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTransientProvider = errors.New("transient provider error")
	ErrStaleLink         = errors.New("cached link failed verification")
	ErrDownloadFailed    = errors.New("download failed")
)

// ConcurrentSessionError is returned when another live session holds the
// same credential from a different address.
type ConcurrentSessionError struct {
	Username  string
	IPAddress string
	StartedAt time.Time
}

func (e *ConcurrentSessionError) Error() string {
	return fmt.Sprintf("credential already streaming for %s from %s since %s",
		e.Username, e.IPAddress, e.StartedAt.UTC().Format(time.RFC3339))
}

type DownloadFailedError struct {
	Status string
	Reason string
}

func (e *DownloadFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("download failed: debrid status %s", e.Status)
	}
	return fmt.Sprintf("download failed: %s (debrid status %s)", e.Reason, e.Status)
}

func (e *DownloadFailedError) Unwrap() error {
	return ErrDownloadFailed
}
