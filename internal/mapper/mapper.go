// Package mapper converts between the schema-less remote documents written by
// the mobile client and the local Issue model.
package mapper

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/budget"
	"github.com/joescharf/civtrack/internal/models"
)

// Remote document field names.
const (
	FieldID              = "id"
	FieldLocalID         = "localId"
	FieldLatitude        = "latitude"
	FieldLongitude       = "longitude"
	FieldProblemID       = "problemeId"
	FieldProblemName     = "problemeNom"
	FieldDescription     = "description"
	FieldStatus          = "status"
	FieldStatusLabel     = "statutLibelle"
	FieldProgress        = "avancement"
	FieldSurface         = "surface"
	FieldBudget          = "budget"
	FieldEstimatedBudget = "budgetEstime"
	FieldCostPerM2       = "coutParM2"
	FieldCompanyID       = "entrepriseId"
	FieldCompanyName     = "entrepriseNom"
	FieldManagerNotes    = "notesManager"
	FieldCreatedAt       = "dateCreation"
	FieldModifiedAt      = "dateModification"
	FieldPushedAt        = "datePush"
	FieldUserID          = "userId"
	FieldUserEmail       = "userEmail"
	FieldPhotoURL        = "photoUrl"
	FieldPhotos          = "photos"
	FieldSource          = "source"
	FieldColor           = "couleur"
	FieldIcon            = "icone"
)

// RemoteRecord is the validated form of one remote document.
type RemoteRecord struct {
	Key           string
	Location      models.Location
	ProblemTypeID string
	ProblemName   string
	Description   string
	Status        models.IssueStatus
	Surface       *decimal.Decimal
	Budget        *decimal.Decimal
	CompanyID     string
	CompanyName   string
	Photos        []string
	UserID        string
	UserEmail     string
	CreatedAt     time.Time
}

// Parse validates a raw remote document. Missing optional fields are
// tolerated; bad coordinates or an unknown status fail with MalformedRecord.
func Parse(key string, doc map[string]any) (*RemoteRecord, error) {
	if doc == nil {
		return nil, apperr.Malformed(key, "", "document is empty")
	}
	rec := &RemoteRecord{Key: key}

	lat, err := requiredFloat(key, doc, FieldLatitude)
	if err != nil {
		return nil, err
	}
	lng, err := requiredFloat(key, doc, FieldLongitude)
	if err != nil {
		return nil, err
	}
	rec.Location = models.Location{Latitude: lat, Longitude: lng}
	if lat < -90 || lat > 90 {
		return nil, apperr.Malformed(key, FieldLatitude, "latitude %v out of range", lat)
	}
	if lng < -180 || lng > 180 {
		return nil, apperr.Malformed(key, FieldLongitude, "longitude %v out of range", lng)
	}

	rawStatus, err := optionalString(key, doc, FieldStatus)
	if err != nil {
		return nil, err
	}
	status, ok := ParseRemoteStatus(rawStatus)
	if !ok {
		return nil, apperr.Malformed(key, FieldStatus, "unrecognized status %q", rawStatus)
	}
	rec.Status = status

	if rec.Surface, err = optionalAmount(key, doc, FieldSurface); err != nil {
		return nil, err
	}
	if rec.Budget, err = optionalAmount(key, doc, FieldBudget); err != nil {
		return nil, err
	}

	strFields := []struct {
		name   string
		target *string
	}{
		{FieldProblemID, &rec.ProblemTypeID},
		{FieldProblemName, &rec.ProblemName},
		{FieldDescription, &rec.Description},
		{FieldCompanyID, &rec.CompanyID},
		{FieldCompanyName, &rec.CompanyName},
		{FieldUserID, &rec.UserID},
		{FieldUserEmail, &rec.UserEmail},
	}
	for _, f := range strFields {
		v, err := optionalString(key, doc, f.name)
		if err != nil {
			return nil, err
		}
		*f.target = strings.TrimSpace(v)
	}

	if rec.Photos, err = parsePhotos(key, doc); err != nil {
		return nil, err
	}

	ms, ok, err := optionalFloat(key, doc, FieldCreatedAt)
	if err != nil {
		return nil, err
	}
	if ok && ms > 0 {
		rec.CreatedAt = time.UnixMilli(int64(ms)).UTC()
	}

	return rec, nil
}

// --- field readers ---

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func optionalFloat(key string, doc map[string]any, field string) (float64, bool, error) {
	v, ok := doc[field]
	if !ok || v == nil {
		return 0, false, nil
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return 0, false, nil
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, apperr.Malformed(key, field, "%s is not a number: %v", field, v)
	}
	return f, true, nil
}

func requiredFloat(key string, doc map[string]any, field string) (float64, error) {
	f, ok, err := optionalFloat(key, doc, field)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, apperr.Malformed(key, field, "missing %s", field)
	}
	return f, nil
}

func optionalAmount(key string, doc map[string]any, field string) (*decimal.Decimal, error) {
	v, ok := doc[field]
	if !ok || v == nil {
		return nil, nil
	}
	var (
		d   decimal.Decimal
		err error
	)
	switch n := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(n.String())
	case string:
		if strings.TrimSpace(n) == "" {
			return nil, nil
		}
		d, err = decimal.NewFromString(strings.TrimSpace(n))
	default:
		f, isNum := toFloat(v)
		if !isNum {
			return nil, apperr.Malformed(key, field, "%s is not a number: %v", field, v)
		}
		d = decimal.NewFromFloat(f)
	}
	if err != nil {
		return nil, apperr.Malformed(key, field, "%s is not a number: %v", field, v)
	}
	if d.IsNegative() {
		return nil, apperr.Malformed(key, field, "%s must not be negative", field)
	}
	return &d, nil
}

func optionalString(key string, doc map[string]any, field string) (string, error) {
	v, ok := doc[field]
	if !ok || v == nil {
		return "", nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	}
	return "", apperr.Malformed(key, field, "%s is not a string: %v", field, v)
}

func parsePhotos(key string, doc map[string]any) ([]string, error) {
	var photos []string
	switch list := doc[FieldPhotos].(type) {
	case nil:
	case []any:
		for _, p := range list {
			s, ok := p.(string)
			if !ok {
				return nil, apperr.Malformed(key, FieldPhotos, "photo reference is not a string: %v", p)
			}
			if s = strings.TrimSpace(s); s != "" {
				photos = append(photos, s)
			}
		}
	case []string:
		for _, s := range list {
			if s = strings.TrimSpace(s); s != "" {
				photos = append(photos, s)
			}
		}
	case map[string]any:
		// Realtime Database stores pushed lists as keyed objects.
		keys := make([]string, 0, len(list))
		for k := range list {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if s, ok := list[k].(string); ok && strings.TrimSpace(s) != "" {
				photos = append(photos, strings.TrimSpace(s))
			}
		}
	default:
		return nil, apperr.Malformed(key, FieldPhotos, "photos is not a list")
	}

	url, err := optionalString(key, doc, FieldPhotoURL)
	if err != nil {
		return nil, err
	}
	if url = strings.TrimSpace(url); url != "" && !slices.Contains(photos, url) {
		photos = append([]string{url}, photos...)
	}
	return photos, nil
}

// --- remote → local ---

// LocalPatch is the local-side view of a remote record after catalog resolution.
type LocalPatch struct {
	RemoteID      string
	Location      models.Location
	ProblemTypeID string
	Description   string
	Photos        []string
	Status        models.IssueStatus
	SurfaceArea   *decimal.Decimal
	Budget        *decimal.Decimal
	CompanyID     string
	ReporterID    string
	ReporterEmail string
	CreatedAt     time.Time
}

// ToLocal resolves catalog references of rec. Unknown problem types map to
// the catalog default; unknown companies are dropped.
func ToLocal(rec *RemoteRecord, cat *Catalog) (*LocalPatch, error) {
	pt := cat.ResolveProblemType(rec.ProblemTypeID, rec.ProblemName)
	if pt == nil {
		return nil, apperr.Malformed(rec.Key, FieldProblemID, "no problem type catalog available")
	}
	p := &LocalPatch{
		RemoteID:      rec.Key,
		Location:      rec.Location,
		ProblemTypeID: pt.ID,
		Description:   rec.Description,
		Photos:        slices.Clone(rec.Photos),
		Status:        rec.Status,
		SurfaceArea:   rec.Surface,
		Budget:        rec.Budget,
		ReporterID:    rec.UserID,
		ReporterEmail: rec.UserEmail,
		CreatedAt:     rec.CreatedAt,
	}
	if co := cat.ResolveCompany(rec.CompanyID, rec.CompanyName); co != nil {
		p.CompanyID = co.ID
	}
	return p, nil
}

// NewIssue builds the remote-origin issue inserted on first import. The
// issue is marked in sync so it is not pushed straight back.
func (p *LocalPatch) NewIssue(pt *models.ProblemType, now time.Time) (*models.Issue, error) {
	now = now.UTC()
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	synced := now
	issue := &models.Issue{
		RemoteID:          p.RemoteID,
		Origin:            models.IssueOriginRemote,
		Location:          p.Location,
		ProblemTypeID:     pt.ID,
		Description:       p.Description,
		Photos:            slices.Clone(p.Photos),
		SurfaceArea:       p.SurfaceArea,
		SeverityLevel:     budget.DefaultSeverity,
		CostPerUnitArea:   pt.CostPerUnitArea,
		EstimatedBudget:   p.Budget,
		AssignedCompanyID: p.CompanyID,
		Status:            p.Status,
		ProgressPercent:   importProgress(p.Status),
		ReporterID:        p.ReporterID,
		ReporterEmail:     p.ReporterEmail,
		CreatedAt:         created,
		LastModifiedAt:    now,
		RemoteSyncedAt:    &synced,
	}
	// Work already under way or finished at import is dated to the import,
	// never before the report itself.
	at := now
	if created.After(at) {
		at = created
	}
	switch p.Status {
	case models.IssueStatusInProgress:
		issue.WorkStartedAt = &at
	case models.IssueStatusDone:
		issue.WorkFinishedAt = &at
	}
	if err := budget.Recompute(issue); err != nil {
		return nil, fmt.Errorf("compute budget for %s: %w", p.RemoteID, err)
	}
	return issue, nil
}

func importProgress(s models.IssueStatus) int {
	switch s {
	case models.IssueStatusInProgress:
		return 50
	case models.IssueStatusDone:
		return 100
	}
	return 0
}

// ApplyDisplay refreshes the remote-owned display fields of an existing
// issue. Manager-owned fields are never touched. It reports whether
// anything changed.
func (p *LocalPatch) ApplyDisplay(issue *models.Issue) bool {
	changed := false
	if p.ProblemTypeID != "" && p.ProblemTypeID != issue.ProblemTypeID {
		issue.ProblemTypeID = p.ProblemTypeID
		changed = true
	}
	if p.Description != "" && p.Description != issue.Description {
		issue.Description = p.Description
		changed = true
	}
	if len(issue.Photos) == 0 && len(p.Photos) > 0 {
		issue.Photos = slices.Clone(p.Photos)
		changed = true
	}
	if issue.ReporterID == "" && p.ReporterID != "" {
		issue.ReporterID = p.ReporterID
		changed = true
	}
	if issue.ReporterEmail == "" && p.ReporterEmail != "" {
		issue.ReporterEmail = p.ReporterEmail
		changed = true
	}
	return changed
}

// --- local → remote ---

// RemoteOptions tunes the outgoing document.
type RemoteOptions struct {
	IncludeManagerNotes bool
	PushedAt            time.Time
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// ToRemote serializes the display state of issue for the mobile client.
// Absent values are omitted rather than written as null or zero.
func ToRemote(issue *models.Issue, cat *Catalog, opts RemoteOptions) map[string]any {
	doc := map[string]any{
		FieldLocalID:     issue.ID,
		FieldLatitude:    issue.Location.Latitude,
		FieldLongitude:   issue.Location.Longitude,
		FieldStatus:      RemoteStatus(issue.Status),
		FieldStatusLabel: StatusLabel(issue.Status),
		FieldColor:       presentations[issue.Status].color,
		FieldModifiedAt:  issue.LastModifiedAt.UnixMilli(),
		FieldSource:      string(issue.Origin),
	}
	if issue.RemoteID != "" {
		doc[FieldID] = issue.RemoteID
	}
	if !opts.PushedAt.IsZero() {
		doc[FieldPushedAt] = opts.PushedAt.UnixMilli()
	}
	if issue.Status != models.IssueStatusRejected {
		doc[FieldProgress] = issue.ProgressPercent
	}

	if issue.ProblemTypeID != "" {
		doc[FieldProblemID] = issue.ProblemTypeID
		if pt := cat.ProblemType(issue.ProblemTypeID); pt != nil {
			doc[FieldProblemName] = pt.Name
			if pt.Icon != "" {
				doc[FieldIcon] = pt.Icon
			}
		}
	}

	if v, src := budget.Display(issue); src != budget.SourceUnpriced {
		doc[FieldBudget] = number(*v)
	}
	if issue.EstimatedBudget != nil {
		doc[FieldEstimatedBudget] = number(*issue.EstimatedBudget)
	}
	if issue.SurfaceArea != nil {
		doc[FieldSurface] = number(*issue.SurfaceArea)
		doc[FieldCostPerM2] = number(issue.CostPerUnitArea)
	}

	if issue.AssignedCompanyID != "" {
		doc[FieldCompanyID] = issue.AssignedCompanyID
		if co := cat.Company(issue.AssignedCompanyID); co != nil {
			doc[FieldCompanyName] = co.Name
		}
	}

	if opts.IncludeManagerNotes && issue.ManagerNotes != "" {
		doc[FieldManagerNotes] = issue.ManagerNotes
	}

	// The mobile side owns the content of its own reports.
	if issue.Origin == models.IssueOriginLocal {
		doc[FieldCreatedAt] = issue.CreatedAt.UnixMilli()
		if issue.Description != "" {
			doc[FieldDescription] = issue.Description
		}
		if len(issue.Photos) > 0 {
			doc[FieldPhotos] = slices.Clone(issue.Photos)
			doc[FieldPhotoURL] = issue.Photos[0]
		}
	}

	return doc
}

// managedFields are written only by the manager side. ToRemote omits them when
// absent, so a stale remote value must be dropped rather than kept.
var managedFields = []string{
	FieldProgress,
	FieldBudget,
	FieldEstimatedBudget,
	FieldSurface,
	FieldCostPerM2,
	FieldCompanyID,
	FieldCompanyName,
	FieldManagerNotes,
}

// Overlay builds the full replacement for a remote document: the fields the
// mobile client owns in existing, minus every manager-owned field, with doc
// written over them. existing may be nil.
func Overlay(existing, doc map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(doc))
	for k, v := range existing {
		if !slices.Contains(managedFields, k) {
			out[k] = v
		}
	}
	for k, v := range doc {
		out[k] = v
	}
	return out
}
