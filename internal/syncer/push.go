package syncer

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/mapper"
	"github.com/joescharf/civtrack/internal/models"
	"github.com/joescharf/civtrack/internal/remote"
)

// PreviewItem is one document a push would send.
type PreviewItem struct {
	IssueID  string         `json:"issueId"`
	RemoteID string         `json:"remoteId,omitempty"`
	Create   bool           `json:"create"`
	Document map[string]any `json:"document"`
}

// Publisher writes locally modified issues back to the remote store.
type Publisher struct {
	store  Store
	remote remote.Store
	cfg    Config
	in     *instruments
}

// NewPublisher creates a Publisher.
func NewPublisher(s Store, rs remote.Store, cfg Config) *Publisher {
	return &Publisher{store: s, remote: rs, cfg: cfg.withDefaults(), in: newInstruments()}
}

func (p *Publisher) options(pushedAt time.Time) mapper.RemoteOptions {
	return mapper.RemoteOptions{IncludeManagerNotes: p.cfg.IncludeManagerNotes, PushedAt: pushedAt}
}

// Preview returns the documents the next push would send. Nothing is written.
func (p *Publisher) Preview(ctx context.Context) ([]PreviewItem, error) {
	cat, err := loadCatalog(ctx, p.store, p.cfg.DefaultProblemTypeID)
	if err != nil {
		return nil, err
	}
	eligible, err := p.store.ListEligibleForPush(ctx)
	if err != nil {
		return nil, localErr("list eligible", "", err)
	}
	items := make([]PreviewItem, 0, len(eligible))
	for _, issue := range eligible {
		items = append(items, PreviewItem{
			IssueID:  issue.ID,
			RemoteID: issue.RemoteID,
			Create:   issue.RemoteSyncedAt == nil,
			Document: mapper.ToRemote(issue, cat, p.options(time.Time{})),
		})
	}
	return items, nil
}

// Push publishes every eligible issue through a bounded worker pool. A failed
// record is reported in the result and stays eligible for the next push.
func (p *Publisher) Push(ctx context.Context) (*PushResult, error) {
	start := time.Now()
	ctx, span := p.in.tracer.Start(ctx, "syncer.push")
	defer span.End()
	defer p.in.observe(ctx, "push", start)

	cat, err := loadCatalog(ctx, p.store, p.cfg.DefaultProblemTypeID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	eligible, err := p.store.ListEligibleForPush(ctx)
	if err != nil {
		err = localErr("list eligible", "", err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := &PushResult{
		TotalEligible: len(eligible),
		Errors:        []RecordError{},
		Timestamp:     p.cfg.Now().UTC(),
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.PushWorkers)
	for _, issue := range eligible {
		g.Go(func() error {
			created, err := p.publishWithTimeout(ctx, issue, cat)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, recordError(issue.RemoteID, issue.ID, err))
				p.cfg.Logger.Warn("push failed", "issue_id", issue.ID, "error", err)
				return nil
			}
			res.Sent++
			if created {
				res.Created++
			} else {
				res.Updated++
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(res.Errors, func(a, b RecordError) int { return cmp.Compare(a.IssueID, b.IssueID) })

	if res.Sent > 0 {
		p.writeMetadata(ctx, res)
	}

	p.in.count(ctx, "push", "sent", res.Sent)
	p.in.count(ctx, "push", "failed", len(res.Errors))
	span.SetAttributes(
		attribute.Int("civtrack.push.eligible", res.TotalEligible),
		attribute.Int("civtrack.push.sent", res.Sent),
		attribute.Int("civtrack.push.failed", len(res.Errors)),
	)
	p.cfg.Logger.Info("push complete",
		"eligible", res.TotalEligible, "sent", res.Sent, "created", res.Created,
		"updated", res.Updated, "failed", len(res.Errors))
	return res, nil
}

// PushOne publishes a single issue regardless of eligibility and returns any
// failure directly.
func (p *Publisher) PushOne(ctx context.Context, id string) error {
	ctx, span := p.in.tracer.Start(ctx, "syncer.push_one")
	defer span.End()
	span.SetAttributes(attribute.String("civtrack.issue.id", id))

	cat, err := loadCatalog(ctx, p.store, p.cfg.DefaultProblemTypeID)
	if err != nil {
		return err
	}
	issue, err := p.store.GetIssue(ctx, id)
	if err != nil {
		return localErr("push one", id, err)
	}
	if _, err := p.publishWithTimeout(ctx, issue, cat); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	p.in.count(ctx, "push", "sent", 1)
	return nil
}

func (p *Publisher) publishWithTimeout(ctx context.Context, issue *models.Issue, cat *mapper.Catalog) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RecordTimeout)
	defer cancel()
	return p.publish(ctx, issue, cat)
}

// publish replaces the remote document of one issue and marks it synced.
// Mobile-owned fields already on the remote are carried over; manager-owned
// fields the issue no longer has are dropped. It reports whether the remote
// document was created by this push.
func (p *Publisher) publish(ctx context.Context, issue *models.Issue, cat *mapper.Catalog) (bool, error) {
	current, err := p.ensureRemoteID(ctx, issue)
	if err != nil {
		return false, err
	}
	created := current.RemoteSyncedAt == nil

	pushedAt := p.cfg.Now().UTC()
	if pushedAt.Before(current.LastModifiedAt) {
		pushedAt = current.LastModifiedAt
	}
	existing, err := p.remote.Get(ctx, current.RemoteID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return false, asRemoteErr("read", err)
	}
	doc := mapper.Overlay(existing, mapper.ToRemote(current, cat, p.options(pushedAt)))
	if err := p.remote.Replace(ctx, current.RemoteID, doc); err != nil {
		return false, asRemoteErr("replace", err)
	}

	err = p.store.MarkPushed(ctx, current.ID, current.Version, pushedAt)
	if apperr.Is(err, apperr.KindVersionConflict) {
		// The remote has this snapshot; the newer local write stays eligible.
		p.cfg.Logger.Info("issue changed during push", "issue_id", current.ID)
		return created, nil
	}
	if err != nil {
		return false, localErr("mark pushed", current.ID, err)
	}
	return created, nil
}

// ensureRemoteID assigns and persists a remote key before the first write,
// so a retried publish reuses the same remote document.
func (p *Publisher) ensureRemoteID(ctx context.Context, issue *models.Issue) (*models.Issue, error) {
	current := issue
	for range p.cfg.MaxAttempts {
		if current.RemoteID != "" {
			return current, nil
		}
		assigned := current.Clone()
		assigned.RemoteID = uuid.NewString()
		err := p.store.UpdateIssue(ctx, assigned, current.Version)
		if err == nil {
			return assigned, nil
		}
		if !apperr.Is(err, apperr.KindVersionConflict) {
			return nil, localErr("assign remote id", current.ID, err)
		}
		if current, err = p.store.GetIssue(ctx, current.ID); err != nil {
			return nil, localErr("assign remote id", issue.ID, err)
		}
	}
	if current.RemoteID != "" {
		return current, nil
	}
	return nil, apperr.VersionConflict(issue.ID, current.Version)
}

func (p *Publisher) writeMetadata(ctx context.Context, res *PushResult) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RecordTimeout)
	defer cancel()
	meta := map[string]any{
		"lastPush":  res.Timestamp.UnixMilli(),
		"totalSent": res.Sent,
		"source":    MetadataSource,
	}
	if _, err := p.remote.Upsert(ctx, remote.MetadataKey, meta); err != nil {
		p.cfg.Logger.Warn("failed to write push metadata", "error", err)
	}
}
