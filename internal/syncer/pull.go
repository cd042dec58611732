package syncer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/mapper"
	"github.com/joescharf/civtrack/internal/remote"
	"github.com/joescharf/civtrack/internal/store"
)

type pullOutcome int

const (
	pulledImported pullOutcome = iota + 1
	pulledUpdated
	pulledUnchanged
)

// Puller imports remote documents into the local store.
type Puller struct {
	store  Store
	remote remote.Store
	cfg    Config
	in     *instruments
}

// NewPuller creates a Puller.
func NewPuller(s Store, rs remote.Store, cfg Config) *Puller {
	return &Puller{store: s, remote: rs, cfg: cfg.withDefaults(), in: newInstruments()}
}

// Preview lists the remote documents without touching the local store.
func (p *Puller) Preview(ctx context.Context) ([]remote.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ListTimeout)
	defer cancel()
	docs, err := p.remote.ListAll(ctx)
	if err != nil {
		return nil, asRemoteErr("list", err)
	}
	return docs, nil
}

// Pull imports every remote document. A bad record is reported in the result
// and never aborts the batch; only failing to list the remote or to read the
// local catalog fails the whole pull.
func (p *Puller) Pull(ctx context.Context) (*PullResult, error) {
	start := time.Now()
	ctx, span := p.in.tracer.Start(ctx, "syncer.pull")
	defer span.End()
	defer p.in.observe(ctx, "pull", start)

	cat, err := loadCatalog(ctx, p.store, p.cfg.DefaultProblemTypeID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	docs, err := p.Preview(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := &PullResult{
		TotalRemote: len(docs),
		Errors:      []RecordError{},
		Timestamp:   p.cfg.Now().UTC(),
	}
	for _, doc := range docs {
		outcome, err := p.pullOne(ctx, doc, cat)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, recordError(doc.Key, "", err))
			p.cfg.Logger.Warn("skipping remote record", "remote_id", doc.Key, "error", err)
			continue
		}
		switch outcome {
		case pulledImported:
			res.Imported++
		case pulledUpdated:
			res.Updated++
		case pulledUnchanged:
			res.Unchanged++
		}
	}

	p.in.count(ctx, "pull", "imported", res.Imported)
	p.in.count(ctx, "pull", "updated", res.Updated)
	p.in.count(ctx, "pull", "skipped", res.Skipped)
	span.SetAttributes(
		attribute.Int("civtrack.pull.total", res.TotalRemote),
		attribute.Int("civtrack.pull.imported", res.Imported),
		attribute.Int("civtrack.pull.updated", res.Updated),
		attribute.Int("civtrack.pull.skipped", res.Skipped),
	)
	p.cfg.Logger.Info("pull complete",
		"total", res.TotalRemote, "imported", res.Imported, "updated", res.Updated,
		"unchanged", res.Unchanged, "skipped", res.Skipped)
	return res, nil
}

// pullOne reconciles a single document. Existing issues only receive display
// fields, and a concurrent local write triggers a reload and another attempt.
func (p *Puller) pullOne(ctx context.Context, doc remote.Document, cat *mapper.Catalog) (pullOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RecordTimeout)
	defer cancel()

	rec, err := mapper.Parse(doc.Key, doc.Fields)
	if err != nil {
		return 0, err
	}
	patch, err := mapper.ToLocal(rec, cat)
	if err != nil {
		return 0, err
	}

	var lastVersion int64
	for range p.cfg.MaxAttempts {
		existing, err := p.store.FindByRemoteID(ctx, patch.RemoteID)
		if apperr.Is(err, apperr.KindNotFound) {
			issue, err := patch.NewIssue(cat.ProblemType(patch.ProblemTypeID), p.cfg.Now())
			if err != nil {
				return 0, err
			}
			err = p.store.InsertIssue(ctx, issue)
			if errors.Is(err, store.ErrDuplicateRemoteID) {
				// Inserted concurrently; the existing record wins.
				continue
			}
			if err != nil {
				return 0, localErr("import", patch.RemoteID, err)
			}
			return pulledImported, nil
		}
		if err != nil {
			return 0, localErr("find", patch.RemoteID, err)
		}

		lastVersion = existing.Version
		refreshed := existing.Clone()
		if !patch.ApplyDisplay(refreshed) {
			return pulledUnchanged, nil
		}
		err = p.store.UpdateIssue(ctx, refreshed, existing.Version)
		if apperr.Is(err, apperr.KindVersionConflict) {
			continue
		}
		if err != nil {
			return 0, localErr("update", patch.RemoteID, err)
		}
		return pulledUpdated, nil
	}
	return 0, apperr.VersionConflict(patch.RemoteID, lastVersion)
}

// localErr keeps typed engine errors and classifies the rest as internal.
func localErr(op, id string, err error) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return err
	}
	ie := apperr.Internal(op, err)
	ie.ID = id
	return ie
}

// asRemoteErr keeps typed engine errors and classifies the rest as remote failures.
func asRemoteErr(op string, err error) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return err
	}
	return apperr.RemoteUnavailable(op, err)
}
