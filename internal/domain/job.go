package domain

import "time"

// JobState is the lifecycle state of a ResolutionJob. Transitions only move
// forward.
type JobState string

const (
	JobSearching   JobState = "searching"
	JobDownloading JobState = "downloading"
	JobCompleted   JobState = "completed"
	JobError       JobState = "error"
)

var validJobTransitions = map[JobState][]JobState{
	JobSearching:   {JobDownloading, JobCompleted, JobError},
	JobDownloading: {JobCompleted, JobError},
	JobCompleted:   {},
	JobError:       {},
}

// CanTransition reports whether a job may move from one state to another.
func (s JobState) CanTransition(to JobState) bool {
	for _, t := range validJobTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobError
}

type AttemptedSource struct {
	Identity    string     `json:"identity"`
	Source      SourceKind `json:"source"`
	Title       string     `json:"title"`
	Resolution  int        `json:"resolution"`
	AttemptedAt time.Time  `json:"attemptedAt"`
	Outcome     string     `json:"outcome,omitempty"`
}

type ResolutionJob struct {
	ID                string            `json:"id"`
	Request           ContentRequest    `json:"request"`
	State             JobState          `json:"state"`
	Progress          int               `json:"progress"`
	Message           string            `json:"message,omitempty"`
	ResolvedStreamURL string            `json:"resolvedStreamUrl,omitempty"`
	FileName          string            `json:"fileName,omitempty"`
	Resolution        int               `json:"resolution,omitempty"`
	AttemptedSources  []AttemptedSource `json:"attemptedSources"`
	CreatedAt         time.Time         `json:"createdAt"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	TempFile          string            `json:"-"`
}

// Clone returns a deep copy safe to hand out of a store.
func (j ResolutionJob) Clone() ResolutionJob {
	out := j
	out.Request = j.Request.Clone()
	out.AttemptedSources = append([]AttemptedSource(nil), j.AttemptedSources...)
	if j.CompletedAt != nil {
		completedAt := *j.CompletedAt
		out.CompletedAt = &completedAt
	}
	return out
}
