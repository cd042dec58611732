// Package syncer moves issues between the remote document store written by
// the mobile client and the local store of record.
//
// A Puller imports remote documents, a Publisher writes manager decisions
// back, and an Orchestrator sequences the two under per-operation locks.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/mapper"
	"github.com/joescharf/civtrack/internal/models"
	"github.com/joescharf/civtrack/internal/telemetry"
)

const scope = "github.com/joescharf/civtrack/internal/syncer"

// Defaults applied by Config.withDefaults.
const (
	DefaultRecordTimeout = 10 * time.Second
	DefaultListTimeout   = 60 * time.Second
	DefaultPushWorkers   = 4
	DefaultMaxAttempts   = 3

	// MetadataSource identifies this system in the remote metadata document.
	MetadataSource = "manager-web"
)

// Store is the subset of store.Store used by the sync engine.
type Store interface {
	InsertIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	FindByRemoteID(ctx context.Context, remoteID string) (*models.Issue, error)
	UpdateIssue(ctx context.Context, issue *models.Issue, expectedVersion int64) error
	ListEligibleForPush(ctx context.Context) ([]*models.Issue, error)
	MarkPushed(ctx context.Context, id string, expectedVersion int64, pushedAt time.Time) error
	ListProblemTypes(ctx context.Context) ([]*models.ProblemType, error)
	ListCompanies(ctx context.Context) ([]*models.Company, error)
	RecordSyncRun(ctx context.Context, run *models.SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]*models.SyncRun, error)
}

// Config tunes the sync engine.
type Config struct {
	// RecordTimeout bounds the work done for a single record.
	RecordTimeout time.Duration

	// ListTimeout bounds the initial fetch of all remote documents.
	ListTimeout time.Duration

	// PushWorkers caps concurrent remote writes during a bulk push.
	PushWorkers int

	// MaxAttempts bounds reload-and-retry on local version conflicts.
	MaxAttempts int

	// IncludeManagerNotes publishes manager notes to the remote document.
	IncludeManagerNotes bool

	// DefaultProblemTypeID is used for unrecognized remote problem types.
	DefaultProblemTypeID string

	Logger *slog.Logger
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = DefaultRecordTimeout
	}
	if c.ListTimeout <= 0 {
		c.ListTimeout = DefaultListTimeout
	}
	if c.PushWorkers <= 0 {
		c.PushWorkers = DefaultPushWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// RecordError describes one record that a pull or push could not process.
type RecordError struct {
	RemoteID  string      `json:"remoteId,omitempty"`
	IssueID   string      `json:"issueId,omitempty"`
	Reason    string      `json:"reason"`
	Kind      apperr.Kind `json:"kind"`
	Field     string      `json:"field,omitempty"`
	Retryable bool        `json:"retryable"`
}

func recordError(remoteID, issueID string, err error) RecordError {
	return RecordError{
		RemoteID:  remoteID,
		IssueID:   issueID,
		Reason:    err.Error(),
		Kind:      apperr.KindOf(err),
		Field:     apperr.FieldOf(err),
		Retryable: apperr.IsRetryable(err),
	}
}

// PullResult summarizes one pull.
type PullResult struct {
	TotalRemote int           `json:"totalRemote"`
	Imported    int           `json:"imported"`
	Updated     int           `json:"updated"`
	Unchanged   int           `json:"unchanged"`
	Skipped     int           `json:"skipped"`
	Errors      []RecordError `json:"errors"`
	Timestamp   time.Time     `json:"timestamp"`
}

// PushResult summarizes one push.
type PushResult struct {
	TotalEligible int           `json:"totalEligible"`
	Sent          int           `json:"sent"`
	Created       int           `json:"created"`
	Updated       int           `json:"updated"`
	Errors        []RecordError `json:"errors"`
	Timestamp     time.Time     `json:"timestamp"`
}

// FullResult is the outcome of RunFull. PullError is set when the pull
// failed as a whole; the push still ran.
type FullResult struct {
	Pull      *PullResult `json:"pull,omitempty"`
	Push      *PushResult `json:"push,omitempty"`
	PullError string      `json:"pullError,omitempty"`
}

// loadCatalog snapshots the reference tables for one run.
func loadCatalog(ctx context.Context, s Store, defaultTypeID string) (*mapper.Catalog, error) {
	types, err := s.ListProblemTypes(ctx)
	if err != nil {
		return nil, apperr.Internal("load catalog", fmt.Errorf("list problem types: %w", err))
	}
	companies, err := s.ListCompanies(ctx)
	if err != nil {
		return nil, apperr.Internal("load catalog", fmt.Errorf("list companies: %w", err))
	}
	return mapper.NewCatalog(types, companies, defaultTypeID), nil
}

// instruments holds the OTel handles shared by Puller and Publisher.
type instruments struct {
	tracer   trace.Tracer
	records  metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments() *instruments {
	m := telemetry.Meter(scope)
	in := &instruments{tracer: telemetry.Tracer(scope)}
	in.records, _ = m.Int64Counter("civtrack.sync.records",
		metric.WithDescription("Records processed by sync, by direction and outcome"),
		metric.WithUnit("{record}"),
	)
	in.duration, _ = m.Float64Histogram("civtrack.sync.duration",
		metric.WithDescription("Duration of sync operations"),
		metric.WithUnit("s"),
	)
	return in
}

func (in *instruments) count(ctx context.Context, direction, outcome string, n int) {
	if in.records == nil || n == 0 {
		return
	}
	in.records.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	))
}

func (in *instruments) observe(ctx context.Context, op string, start time.Time) {
	if in.duration == nil {
		return
	}
	in.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("op", op),
	))
}
