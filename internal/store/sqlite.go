package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection serializes
	// every transaction, so the version checks below never race each other.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new monotonic ULID string.
func newULID() string {
	return ulid.Make().String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- column helpers ---

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Issues ---

const issueColumns = `id, remote_id, origin, latitude, longitude, problem_type_id, description, photos,
	surface_area, severity_level, cost_per_unit_area, estimated_budget, computed_budget,
	assigned_company_id, manager_notes, status, progress_percent, reporter_id, reporter_email,
	created_at, work_started_at, work_finished_at, last_modified_at, remote_synced_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*models.Issue, error) {
	var (
		issue                        models.Issue
		remoteID, companyID          sql.NullString
		photos, origin, status       string
		surface, estimated, computed decimal.NullDecimal
		createdAt, lastModified      int64
		started, finished, synced    sql.NullInt64
	)
	err := row.Scan(
		&issue.ID, &remoteID, &origin, &issue.Location.Latitude, &issue.Location.Longitude,
		&issue.ProblemTypeID, &issue.Description, &photos,
		&surface, &issue.SeverityLevel, &issue.CostPerUnitArea, &estimated, &computed,
		&companyID, &issue.ManagerNotes, &status, &issue.ProgressPercent, &issue.ReporterID, &issue.ReporterEmail,
		&createdAt, &started, &finished, &lastModified, &synced, &issue.Version,
	)
	if err != nil {
		return nil, err
	}

	issue.RemoteID = remoteID.String
	issue.AssignedCompanyID = companyID.String
	issue.Origin = models.IssueOrigin(origin)
	issue.Status = models.IssueStatus(status)
	issue.SurfaceArea = decimalPtr(surface)
	issue.EstimatedBudget = decimalPtr(estimated)
	issue.ComputedBudget = decimalPtr(computed)
	issue.CreatedAt = fromNanos(createdAt)
	issue.LastModifiedAt = fromNanos(lastModified)
	issue.WorkStartedAt = timePtr(started)
	issue.WorkFinishedAt = timePtr(finished)
	issue.RemoteSyncedAt = timePtr(synced)

	if photos != "" {
		if err := json.Unmarshal([]byte(photos), &issue.Photos); err != nil {
			return nil, fmt.Errorf("decode photos: %w", err)
		}
	}
	if len(issue.Photos) == 0 {
		issue.Photos = nil
	}
	return &issue, nil
}

func encodePhotos(photos []string) (string, error) {
	if len(photos) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(photos)
	if err != nil {
		return "", fmt.Errorf("encode photos: %w", err)
	}
	return string(data), nil
}

func (s *SQLiteStore) InsertIssue(ctx context.Context, issue *models.Issue) error {
	if issue.ID == "" {
		issue.ID = newULID()
	}
	issue.Version = 1

	photos, err := encodePhotos(issue.Photos)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, nullString(issue.RemoteID), string(issue.Origin), issue.Location.Latitude, issue.Location.Longitude,
		issue.ProblemTypeID, issue.Description, photos,
		nullDecimal(issue.SurfaceArea), issue.SeverityLevel, issue.CostPerUnitArea, nullDecimal(issue.EstimatedBudget), nullDecimal(issue.ComputedBudget),
		nullString(issue.AssignedCompanyID), issue.ManagerNotes, string(issue.Status), issue.ProgressPercent, issue.ReporterID, issue.ReporterEmail,
		toNanos(issue.CreatedAt), nullNanos(issue.WorkStartedAt), nullNanos(issue.WorkFinishedAt), toNanos(issue.LastModifiedAt), nullNanos(issue.RemoteSyncedAt), issue.Version,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert issue %s: %w", issue.RemoteID, ErrDuplicateRemoteID)
	}
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	issue, err := scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("issue", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

func (s *SQLiteStore) FindByRemoteID(ctx context.Context, remoteID string) (*models.Issue, error) {
	issue, err := scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE remote_id = ?`, remoteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("issue with remote id", remoteID)
	}
	if err != nil {
		return nil, fmt.Errorf("find issue by remote id: %w", err)
	}
	return issue, nil
}

func (s *SQLiteStore) ListIssues(ctx context.Context, filter IssueListFilter) ([]*models.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.ProblemTypeID != "" {
		query += " AND problem_type_id = ?"
		args = append(args, filter.ProblemTypeID)
	}
	if filter.CompanyID != "" {
		query += " AND assigned_company_id = ?"
		args = append(args, filter.CompanyID)
	}
	if filter.Origin != "" {
		query += " AND origin = ?"
		args = append(args, string(filter.Origin))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryIssues(ctx, "list issues", query, args...)
}

func (s *SQLiteStore) ListEligibleForPush(ctx context.Context) ([]*models.Issue, error) {
	return s.queryIssues(ctx, "list eligible issues",
		`SELECT `+issueColumns+` FROM issues
		WHERE remote_synced_at IS NULL OR last_modified_at > remote_synced_at
		ORDER BY last_modified_at, id`)
}

func (s *SQLiteStore) queryIssues(ctx context.Context, op, query string, args ...any) ([]*models.Issue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) UpdateIssue(ctx context.Context, issue *models.Issue, expectedVersion int64) error {
	return updateIssue(ctx, s.db, issue, expectedVersion)
}

func updateIssue(ctx context.Context, db execer, issue *models.Issue, expectedVersion int64) error {
	photos, err := encodePhotos(issue.Photos)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx,
		`UPDATE issues SET remote_id=?, origin=?, latitude=?, longitude=?, problem_type_id=?, description=?, photos=?,
		surface_area=?, severity_level=?, cost_per_unit_area=?, estimated_budget=?, computed_budget=?,
		assigned_company_id=?, manager_notes=?, status=?, progress_percent=?, reporter_id=?, reporter_email=?,
		work_started_at=?, work_finished_at=?, last_modified_at=?, remote_synced_at=?, version = version + 1
		WHERE id = ? AND version = ?`,
		nullString(issue.RemoteID), string(issue.Origin), issue.Location.Latitude, issue.Location.Longitude, issue.ProblemTypeID, issue.Description, photos,
		nullDecimal(issue.SurfaceArea), issue.SeverityLevel, issue.CostPerUnitArea, nullDecimal(issue.EstimatedBudget), nullDecimal(issue.ComputedBudget),
		nullString(issue.AssignedCompanyID), issue.ManagerNotes, string(issue.Status), issue.ProgressPercent, issue.ReporterID, issue.ReporterEmail,
		nullNanos(issue.WorkStartedAt), nullNanos(issue.WorkFinishedAt), toNanos(issue.LastModifiedAt), nullNanos(issue.RemoteSyncedAt),
		issue.ID, expectedVersion,
	)
	if isUniqueViolation(err) {
		// Another writer claimed the remote id first: retry from a fresh read.
		return &apperr.Error{
			Kind:    apperr.KindVersionConflict,
			Op:      "update issue",
			ID:      issue.ID,
			Field:   "remoteId",
			Message: fmt.Sprintf("remote id %s is owned by another issue", issue.RemoteID),
			Err:     ErrDuplicateRemoteID,
		}
	}
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	if err := checkVersioned(ctx, db, result, issue.ID, expectedVersion); err != nil {
		return err
	}
	issue.Version = expectedVersion + 1
	return nil
}

// checkVersioned turns a zero-row versioned update into NotFound or VersionConflict.
func checkVersioned(ctx context.Context, db execer, result sql.Result, id string, expectedVersion int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM issues WHERE id = ?", id).Scan(&exists); err != nil {
		return fmt.Errorf("check issue: %w", err)
	}
	if exists == 0 {
		return apperr.NotFound("issue", id)
	}
	return apperr.VersionConflict(id, expectedVersion)
}

func (s *SQLiteStore) MarkPushed(ctx context.Context, id string, expectedVersion int64, pushedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE issues SET remote_synced_at = ?, version = version + 1 WHERE id = ? AND version = ?`,
		toNanos(pushedAt), id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("mark pushed: %w", err)
	}
	return checkVersioned(ctx, s.db, result, id, expectedVersion)
}

// --- Transitions ---

// RecordTransition persists the issue and appends its history entry in one transaction.
func (s *SQLiteStore) RecordTransition(ctx context.Context, issue *models.Issue, expectedVersion int64, rec *models.TransitionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateIssue(ctx, tx, issue, expectedVersion); err != nil {
		issue.Version = expectedVersion
		return err
	}
	if err := appendTransition(ctx, tx, rec); err != nil {
		issue.Version = expectedVersion
		return err
	}
	if err := tx.Commit(); err != nil {
		issue.Version = expectedVersion
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, rec *models.TransitionRecord) error {
	return appendTransition(ctx, s.db, rec)
}

func appendTransition(ctx context.Context, db execer, rec *models.TransitionRecord) error {
	if rec.ID == "" {
		rec.ID = newULID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO issue_transitions (id, issue_id, from_status, to_status, from_progress, to_progress, created_at, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.IssueID, string(rec.FromStatus), string(rec.ToStatus), rec.FromProgress, rec.ToProgress,
		toNanos(rec.Timestamp), rec.Comment,
	)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, issueID string) ([]*models.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, issue_id, from_status, to_status, from_progress, to_progress, created_at, comment
		FROM issue_transitions WHERE issue_id = ? ORDER BY created_at, id`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var recs []*models.TransitionRecord
	for rows.Next() {
		var (
			r        models.TransitionRecord
			from, to string
			ts       int64
		)
		if err := rows.Scan(&r.ID, &r.IssueID, &from, &to, &r.FromProgress, &r.ToProgress, &ts, &r.Comment); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		r.FromStatus = models.IssueStatus(from)
		r.ToStatus = models.IssueStatus(to)
		r.Timestamp = fromNanos(ts)
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// --- Catalog ---

func (s *SQLiteStore) ListProblemTypes(ctx context.Context) ([]*models.ProblemType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, icon, cost_per_unit_area FROM problem_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list problem types: %w", err)
	}
	defer rows.Close()

	var types []*models.ProblemType
	for rows.Next() {
		pt := &models.ProblemType{}
		if err := rows.Scan(&pt.ID, &pt.Name, &pt.Icon, &pt.CostPerUnitArea); err != nil {
			return nil, fmt.Errorf("scan problem type: %w", err)
		}
		types = append(types, pt)
	}
	return types, rows.Err()
}

func (s *SQLiteStore) GetProblemType(ctx context.Context, id string) (*models.ProblemType, error) {
	pt := &models.ProblemType{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, icon, cost_per_unit_area FROM problem_types WHERE id = ?`, id,
	).Scan(&pt.ID, &pt.Name, &pt.Icon, &pt.CostPerUnitArea)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("problem type", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get problem type: %w", err)
	}
	return pt, nil
}

func (s *SQLiteStore) UpsertProblemType(ctx context.Context, pt *models.ProblemType) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO problem_types (id, name, icon, cost_per_unit_area) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, icon = excluded.icon, cost_per_unit_area = excluded.cost_per_unit_area`,
		pt.ID, pt.Name, pt.Icon, pt.CostPerUnitArea,
	)
	if err != nil {
		return fmt.Errorf("upsert problem type: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetProblemTypeCost(ctx context.Context, id string, cost decimal.Decimal) error {
	result, err := s.db.ExecContext(ctx, `UPDATE problem_types SET cost_per_unit_area = ? WHERE id = ?`, cost, id)
	if err != nil {
		return fmt.Errorf("set problem type cost: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("problem type", id)
	}
	return nil
}

func (s *SQLiteStore) ListCompanies(ctx context.Context) ([]*models.Company, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, specialty FROM companies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	var companies []*models.Company
	for rows.Next() {
		c := &models.Company{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Specialty); err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		companies = append(companies, c)
	}
	return companies, rows.Err()
}

func (s *SQLiteStore) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	c := &models.Company{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name, specialty FROM companies WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Specialty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("company", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) UpsertCompany(ctx context.Context, c *models.Company) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, specialty) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, specialty = excluded.specialty`,
		c.ID, c.Name, c.Specialty,
	)
	if err != nil {
		return fmt.Errorf("upsert company: %w", err)
	}
	return nil
}

// --- Sync runs ---

func (s *SQLiteStore) RecordSyncRun(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		run.ID = newULID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, kind, started_at, finished_at, imported, updated, skipped, sent, error_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), toNanos(run.StartedAt), toNanos(run.FinishedAt),
		run.Imported, run.Updated, run.Skipped, run.Sent, run.ErrorCount, run.Error,
	)
	if err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSyncRuns(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, started_at, finished_at, imported, updated, skipped, sent, error_count, error
		FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		var (
			r                 models.SyncRun
			kind              string
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &kind, &started, &finished, &r.Imported, &r.Updated, &r.Skipped, &r.Sent, &r.ErrorCount, &r.Error); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		r.Kind = models.SyncKind(kind)
		r.StartedAt = fromNanos(started)
		r.FinishedAt = fromNanos(finished)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
