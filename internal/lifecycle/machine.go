// Package lifecycle enforces the repair-progress state machine and the
// manager-side edits of an issue.
package lifecycle

import (
	"time"

	"github.com/joescharf/civtrack/internal/models"
)

// edges lists every allowed transition. DONE and REJECTED have none.
var edges = map[models.IssueStatus][]models.IssueStatus{
	models.IssueStatusPending:    {models.IssueStatusInProgress, models.IssueStatusDone, models.IssueStatusRejected},
	models.IssueStatusInProgress: {models.IssueStatusDone, models.IssueStatusRejected},
}

// CanTransition reports whether from → to is an allowed edge.
// A same-state request is not an edge; callers treat it as a no-op.
func CanTransition(from, to models.IssueStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Targets returns the statuses reachable from s in one step.
func Targets(s models.IssueStatus) []models.IssueStatus {
	return append([]models.IssueStatus(nil), edges[s]...)
}

// ProgressFor returns the progress bucket for a status. REJECTED carries no
// bucket of its own and returns -1.
func ProgressFor(s models.IssueStatus) int {
	switch s {
	case models.IssueStatusPending:
		return 0
	case models.IssueStatusInProgress:
		return 50
	case models.IssueStatusDone:
		return 100
	default:
		return -1
	}
}

// StatusForProgress maps a progress bucket (0, 50, 100) back to its status.
func StatusForProgress(percent int) (models.IssueStatus, bool) {
	switch percent {
	case 0:
		return models.IssueStatusPending, true
	case 50:
		return models.IssueStatusInProgress, true
	case 100:
		return models.IssueStatusDone, true
	}
	return "", false
}

// apply moves issue to target in place and returns the history entry.
// It assumes CanTransition(issue.Status, target) holds.
func apply(issue *models.Issue, target models.IssueStatus, comment string, now time.Time) *models.TransitionRecord {
	now = now.UTC()
	rec := &models.TransitionRecord{
		IssueID:      issue.ID,
		FromStatus:   issue.Status,
		ToStatus:     target,
		FromProgress: issue.ProgressPercent,
		Comment:      comment,
	}

	issue.Status = target
	// REJECTED freezes the last progress bucket.
	if p := ProgressFor(target); p >= 0 {
		issue.ProgressPercent = p
	}

	switch target {
	case models.IssueStatusInProgress:
		if issue.WorkStartedAt == nil {
			issue.WorkStartedAt = &now
		}
	case models.IssueStatusDone:
		if issue.WorkFinishedAt == nil {
			issue.WorkFinishedAt = &now
		}
	}

	touch(issue, now)
	rec.ToProgress = issue.ProgressPercent
	rec.Timestamp = issue.LastModifiedAt
	return rec
}

// touch bumps LastModifiedAt so it sorts strictly after the previous write
// and after the last push, even when the clock has not advanced.
func touch(issue *models.Issue, now time.Time) {
	now = now.UTC()
	floor := issue.LastModifiedAt
	if issue.RemoteSyncedAt != nil && issue.RemoteSyncedAt.After(floor) {
		floor = *issue.RemoteSyncedAt
	}
	if !now.After(floor) {
		now = floor.Add(time.Nanosecond)
	}
	issue.LastModifiedAt = now
}
