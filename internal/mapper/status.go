package mapper

import "github.com/joescharf/civtrack/internal/models"

// remoteStatuses maps folded mobile vocabulary onto local statuses.
var remoteStatuses = map[string]models.IssueStatus{
	"nouveau":     models.IssueStatusPending,
	"non_traite":  models.IssueStatusPending,
	"non traite":  models.IssueStatusPending,
	"en_attente":  models.IssueStatusPending,
	"en attente":  models.IssueStatusPending,
	"pending":     models.IssueStatusPending,
	"en_cours":    models.IssueStatusInProgress,
	"en cours":    models.IssueStatusInProgress,
	"in_progress": models.IssueStatusInProgress,
	"termine":     models.IssueStatusDone,
	"traite":      models.IssueStatusDone,
	"done":        models.IssueStatusDone,
	"rejete":      models.IssueStatusRejected,
	"rejected":    models.IssueStatusRejected,
}

// ParseRemoteStatus maps a mobile status string. An empty value means PENDING.
func ParseRemoteStatus(s string) (models.IssueStatus, bool) {
	f := Fold(s)
	if f == "" {
		return models.IssueStatusPending, true
	}
	st, ok := remoteStatuses[f]
	return st, ok
}

// statusPresentation is what the mobile client renders for a status.
type statusPresentation struct {
	code  string
	label string
	color string
}

var presentations = map[models.IssueStatus]statusPresentation{
	models.IssueStatusPending:    {"nouveau", "En attente", "#FFC107"},
	models.IssueStatusInProgress: {"en_cours", "En cours", "#2196F3"},
	models.IssueStatusDone:       {"termine", "Traité", "#4CAF50"},
	models.IssueStatusRejected:   {"rejete", "Rejeté", "#F44336"},
}

// RemoteStatus returns the mobile code for a local status.
func RemoteStatus(s models.IssueStatus) string {
	return presentations[s].code
}

// StatusLabel returns the human label shown on mobile.
func StatusLabel(s models.IssueStatus) string {
	return presentations[s].label
}
