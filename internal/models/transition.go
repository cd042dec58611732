package models

import "time"

// TransitionRecord is one append-only entry in an issue's status history.
type TransitionRecord struct {
	ID           string      `json:"id"`
	IssueID      string      `json:"issueId"`
	FromStatus   IssueStatus `json:"fromStatus"`
	ToStatus     IssueStatus `json:"toStatus"`
	FromProgress int         `json:"fromProgress"`
	ToProgress   int         `json:"toProgress"`
	Timestamp    time.Time   `json:"timestamp"`
	Comment      string      `json:"comment,omitempty"`
}

// SyncKind identifies what a sync run did.
type SyncKind string

const (
	SyncKindPull    SyncKind = "pull"
	SyncKindPush    SyncKind = "push"
	SyncKindPushOne SyncKind = "push_one"
	SyncKindFull    SyncKind = "full"
)

// SyncRun is the persisted audit entry of one synchronization run.
type SyncRun struct {
	ID         string    `json:"id"`
	Kind       SyncKind  `json:"kind"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Imported   int       `json:"imported"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Sent       int       `json:"sent"`
	ErrorCount int       `json:"errorCount"`
	Error      string    `json:"error,omitempty"`
}
