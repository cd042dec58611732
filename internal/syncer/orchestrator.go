package syncer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/models"
	"github.com/joescharf/civtrack/internal/remote"
)

// Orchestrator sequences pulls and pushes. At most one pull and one push run
// at a time; a request arriving while its operation is busy fails with
// SYNC_IN_PROGRESS instead of queueing.
type Orchestrator struct {
	store     Store
	puller    *Puller
	publisher *Publisher
	cfg       Config

	pullLock *semaphore.Weighted
	pushLock *semaphore.Weighted
}

// New creates an Orchestrator over the local and remote stores.
func New(s Store, rs remote.Store, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		store:     s,
		puller:    NewPuller(s, rs, cfg),
		publisher: NewPublisher(s, rs, cfg),
		cfg:       cfg,
		pullLock:  semaphore.NewWeighted(1),
		pushLock:  semaphore.NewWeighted(1),
	}
}

// PreviewRemote lists the remote documents without changing anything.
func (o *Orchestrator) PreviewRemote(ctx context.Context) ([]remote.Document, error) {
	return o.puller.Preview(ctx)
}

// PreviewPush lists what the next push would send.
func (o *Orchestrator) PreviewPush(ctx context.Context) ([]PreviewItem, error) {
	return o.publisher.Preview(ctx)
}

// Pull imports remote documents.
func (o *Orchestrator) Pull(ctx context.Context) (*PullResult, error) {
	if !o.pullLock.TryAcquire(1) {
		return nil, apperr.SyncInProgress("pull")
	}
	defer o.pullLock.Release(1)

	started := o.cfg.Now()
	res, err := o.puller.Pull(ctx)
	o.record(ctx, models.SyncKindPull, started, res, nil, err)
	return res, err
}

// Push publishes eligible local changes.
func (o *Orchestrator) Push(ctx context.Context) (*PushResult, error) {
	if !o.pushLock.TryAcquire(1) {
		return nil, apperr.SyncInProgress("push")
	}
	defer o.pushLock.Release(1)

	started := o.cfg.Now()
	res, err := o.publisher.Push(ctx)
	o.record(ctx, models.SyncKindPush, started, nil, res, err)
	return res, err
}

// PushOne publishes a single issue. It shares the push lock.
func (o *Orchestrator) PushOne(ctx context.Context, id string) error {
	if !o.pushLock.TryAcquire(1) {
		return apperr.SyncInProgress("push")
	}
	defer o.pushLock.Release(1)

	started := o.cfg.Now()
	err := o.publisher.PushOne(ctx, id)
	res := &PushResult{TotalEligible: 1, Errors: []RecordError{}}
	if err == nil {
		res.Sent = 1
	}
	o.record(ctx, models.SyncKindPushOne, started, nil, res, err)
	return err
}

// RunFull pulls then pushes. A failed pull is reported in the result and the
// push still runs; only a failed push is returned as an error.
func (o *Orchestrator) RunFull(ctx context.Context) (*FullResult, error) {
	if !o.pullLock.TryAcquire(1) {
		return nil, apperr.SyncInProgress("sync")
	}
	defer o.pullLock.Release(1)
	if !o.pushLock.TryAcquire(1) {
		return nil, apperr.SyncInProgress("sync")
	}
	defer o.pushLock.Release(1)

	started := o.cfg.Now()
	full := &FullResult{}

	pull, pullErr := o.puller.Pull(ctx)
	if pullErr != nil {
		full.PullError = pullErr.Error()
		o.cfg.Logger.Warn("pull failed, continuing with push", "error", pullErr)
	}
	full.Pull = pull

	push, pushErr := o.publisher.Push(ctx)
	full.Push = push

	o.record(ctx, models.SyncKindFull, started, pull, push, errors.Join(pullErr, pushErr))
	if pushErr != nil {
		return full, pushErr
	}
	return full, nil
}

// Runs returns the most recent sync runs, newest first.
func (o *Orchestrator) Runs(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	runs, err := o.store.ListSyncRuns(ctx, limit)
	if err != nil {
		return nil, localErr("list sync runs", "", err)
	}
	return runs, nil
}

// Schedule runs RunFull every interval until ctx is done. Runs that find a
// sync already in progress are skipped.
func (o *Orchestrator) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RunFull(ctx); err != nil {
				if apperr.Is(err, apperr.KindSyncInProgress) {
					o.cfg.Logger.Debug("scheduled sync skipped", "reason", err)
					continue
				}
				o.cfg.Logger.Warn("scheduled sync failed", "error", err)
			}
		}
	}
}

// record persists the audit entry of a run. Failing to record never fails the run.
func (o *Orchestrator) record(ctx context.Context, kind models.SyncKind, started time.Time, pull *PullResult, push *PushResult, runErr error) {
	run := &models.SyncRun{
		Kind:       kind,
		StartedAt:  started.UTC(),
		FinishedAt: o.cfg.Now().UTC(),
	}
	if pull != nil {
		run.Imported = pull.Imported
		run.Updated = pull.Updated
		run.Skipped = pull.Skipped
		run.ErrorCount += len(pull.Errors)
	}
	if push != nil {
		run.Sent = push.Sent
		run.ErrorCount += len(push.Errors)
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := o.store.RecordSyncRun(context.WithoutCancel(ctx), run); err != nil {
		o.cfg.Logger.Warn("failed to record sync run", "kind", kind, "error", err)
	}
}
