// Package model holds the domain types shared by the extraction, caching and
// reconciliation layers.
package model

import "time"

// Status is the submission state of an assignment. Statuses are ordered:
// a synced assignment never moves backwards (see Rank).
type Status string

const (
	StatusNotStarted Status = "Not Started"
	StatusInProgress Status = "In Progress"
	StatusSubmitted  Status = "Submitted"
	StatusGraded     Status = "Graded"
)

var statusRank = map[Status]int{
	StatusNotStarted: 0,
	StatusInProgress: 1,
	StatusSubmitted:  2,
	StatusGraded:     3,
}

// Rank returns the progress rank of the status. Unknown statuses rank lowest
// so they can never overwrite a known one.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Assignment is one Canvas work item as produced by extraction. It is
// immutable within a reconciliation pass.
type Assignment struct {
	ExternalID     string     `json:"externalId"`
	Title          string     `json:"title"`
	CourseID       string     `json:"courseId"`
	CourseName     string     `json:"courseName"`
	DueAt          *time.Time `json:"dueAt,omitempty"`
	PointsPossible *float64   `json:"pointsPossible,omitempty"`
	Status         Status     `json:"status"`
	URL            string     `json:"url,omitempty"`
	ScorePercent   *float64   `json:"scorePercent,omitempty"`
	Description    string     `json:"description,omitempty"`
}

// SyncAction is the outcome of reconciling a single assignment.
type SyncAction string

const (
	ActionCreated SyncAction = "created"
	ActionUpdated SyncAction = "updated"
	ActionSkipped SyncAction = "skipped"
	ActionError   SyncAction = "error"
)

// SyncResult is produced once per input assignment per reconciliation pass.
// Results are unordered relative to the input; match them by ExternalID.
type SyncResult struct {
	Action       SyncAction `json:"action"`
	ExternalID   string     `json:"externalId"`
	NotionPageID string     `json:"notionPageId,omitempty"`
	Title        string     `json:"title,omitempty"`
	Detail       string     `json:"detail,omitempty"`
}

// SyncSummary aggregates a full reconciliation pass.
type SyncSummary struct {
	RunID      string       `json:"runId"`
	Success    bool         `json:"success"`
	Processed  int          `json:"processed"`
	Created    int          `json:"created"`
	Updated    int          `json:"updated"`
	Skipped    int          `json:"skipped"`
	ErrorCount int          `json:"errorCount"`
	Results    []SyncResult `json:"results"`
}

// Add folds a single result into the summary counters.
func (s *SyncSummary) Add(r SyncResult) {
	s.Processed++
	switch r.Action {
	case ActionCreated:
		s.Created++
	case ActionUpdated:
		s.Updated++
	case ActionSkipped:
		s.Skipped++
	case ActionError:
		s.ErrorCount++
	}
	s.Results = append(s.Results, r)
}
