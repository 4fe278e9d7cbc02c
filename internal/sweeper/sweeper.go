package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"

	"faceforge/internal/blob"
	"faceforge/internal/logging"
	"faceforge/internal/storage"
)

// ItemError records one item a sweep could not reclaim.
type ItemError struct {
	ID     string
	Reason string
}

// Report summarizes a sweep. In dry-run mode the counters describe what
// would have been reclaimed; nothing is mutated.
type Report struct {
	DeletedCount   int
	ReclaimedBytes int64
	Errors         []ItemError
	DryRun         bool
}

func (r *Report) merge(other Report) {
	r.DeletedCount += other.DeletedCount
	r.ReclaimedBytes += other.ReclaimedBytes
	r.Errors = append(r.Errors, other.Errors...)
}

// Sweeper reclaims expired temporaries, stale results and orphaned
// blobs. Per-item failures are collected in the report; a sweep never
// aborts because one item is stuck.
type Sweeper struct {
	store *storage.Store
	blobs blob.Store
	clk   clock.Clock
	log   *slog.Logger
}

func New(store *storage.Store, blobs blob.Store, clk clock.Clock, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, blobs: blobs, clk: clk, log: logger}
}

// SweepExpiredTemporary removes temporary resources past expiry.
// Resources referenced by a pending or running task are skipped and
// picked up by a later sweep; the check-and-delete happens in one
// storage transaction so task pickup cannot race it.
func (s *Sweeper) SweepExpiredTemporary(ctx context.Context, dryRun bool) (*Report, error) {
	rep := &Report{DryRun: dryRun}
	expired, err := s.store.ExpiredTemporaries(s.clk.Now().UTC())
	if err != nil {
		return nil, err
	}

	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if dryRun {
			inUse, err := s.store.ResourceInActiveUse(rec.ID)
			if err != nil {
				rep.Errors = append(rep.Errors, ItemError{ID: rec.ID, Reason: err.Error()})
				continue
			}
			if !inUse {
				rep.DeletedCount++
				rep.ReclaimedBytes += rec.ByteSize
			}
			continue
		}

		deleted, err := s.store.DeleteResourceIfUnreferenced(rec.ID)
		if err != nil {
			rep.Errors = append(rep.Errors, ItemError{ID: rec.ID, Reason: err.Error()})
			continue
		}
		if !deleted {
			s.log.Debug("expired resource still referenced, deferring", "resource", rec.ID)
			continue
		}
		if err := s.blobs.Delete(ctx, rec.StorageKey); err != nil && !errors.Is(err, blob.ErrNotExist) {
			rep.Errors = append(rep.Errors, ItemError{ID: rec.ID, Reason: err.Error()})
			continue
		}
		rep.DeletedCount++
		rep.ReclaimedBytes += rec.ByteSize
	}

	logging.LogSweepReport(s.log, "expired", rep.DeletedCount, rep.ReclaimedBytes, len(rep.Errors), dryRun)
	return rep, nil
}

// SweepStaleResults reclaims result images of terminal tasks older than
// olderThan. The task row stays as history with its result reference
// cleared.
func (s *Sweeper) SweepStaleResults(ctx context.Context, olderThan time.Duration, dryRun bool) (*Report, error) {
	rep := &Report{DryRun: dryRun}
	cutoff := s.clk.Now().UTC().Add(-olderThan)
	stale, err := s.store.StaleResultTasks(cutoff)
	if err != nil {
		return nil, err
	}

	for _, task := range stale {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, err := s.store.GetResource(task.ResultResourceID)
		if err != nil {
			if storage.IsNotFound(err) {
				// Record already gone; just detach.
				if !dryRun {
					_ = s.store.ClearTaskResult(task.ID)
				}
				continue
			}
			rep.Errors = append(rep.Errors, ItemError{ID: task.ID, Reason: err.Error()})
			continue
		}
		if dryRun {
			rep.DeletedCount++
			rep.ReclaimedBytes += res.ByteSize
			continue
		}

		if err := s.store.DeleteResource(res.ID); err != nil && !storage.IsNotFound(err) {
			rep.Errors = append(rep.Errors, ItemError{ID: task.ID, Reason: err.Error()})
			continue
		}
		if err := s.blobs.Delete(ctx, res.StorageKey); err != nil && !errors.Is(err, blob.ErrNotExist) {
			rep.Errors = append(rep.Errors, ItemError{ID: task.ID, Reason: err.Error()})
			continue
		}
		if err := s.store.ClearTaskResult(task.ID); err != nil {
			rep.Errors = append(rep.Errors, ItemError{ID: task.ID, Reason: err.Error()})
			continue
		}
		rep.DeletedCount++
		rep.ReclaimedBytes += res.ByteSize
	}

	logging.LogSweepReport(s.log, "stale", rep.DeletedCount, rep.ReclaimedBytes, len(rep.Errors), dryRun)
	return rep, nil
}

// SweepOrphans deletes blobs no resource record points at. Records
// whose blob is missing are reported but left alone; re-registering is
// an operator decision.
func (s *Sweeper) SweepOrphans(ctx context.Context, dryRun bool) (*Report, error) {
	rep := &Report{DryRun: dryRun}

	stored, err := s.blobs.List(ctx, "")
	if err != nil {
		return nil, err
	}
	known, err := s.store.AllStorageKeys()
	if err != nil {
		return nil, err
	}

	storedSet := mapset.NewThreadUnsafeSet(stored...)
	knownSet := mapset.NewThreadUnsafeSet(known...)

	for _, key := range knownSet.Difference(storedSet).ToSlice() {
		rep.Errors = append(rep.Errors, ItemError{ID: key, Reason: "record has no backing blob"})
	}

	for _, key := range storedSet.Difference(knownSet).ToSlice() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		size, err := s.blobs.Size(ctx, key)
		if err != nil {
			size = 0
		}
		if dryRun {
			rep.DeletedCount++
			rep.ReclaimedBytes += size
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotExist) {
			rep.Errors = append(rep.Errors, ItemError{ID: key, Reason: err.Error()})
			continue
		}
		rep.DeletedCount++
		rep.ReclaimedBytes += size
	}

	logging.LogSweepReport(s.log, "orphans", rep.DeletedCount, rep.ReclaimedBytes, len(rep.Errors), dryRun)
	return rep, nil
}

// SweepAll runs all three sweeps and aggregates their reports.
func (s *Sweeper) SweepAll(ctx context.Context, olderThan time.Duration, dryRun bool) (*Report, error) {
	rep := &Report{DryRun: dryRun}

	expired, err := s.SweepExpiredTemporary(ctx, dryRun)
	if err != nil {
		return rep, err
	}
	rep.merge(*expired)

	stale, err := s.SweepStaleResults(ctx, olderThan, dryRun)
	if err != nil {
		return rep, err
	}
	rep.merge(*stale)

	orphans, err := s.SweepOrphans(ctx, dryRun)
	if err != nil {
		return rep, err
	}
	rep.merge(*orphans)
	return rep, nil
}

// Run sweeps on a fixed interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval, olderThan time.Duration) {
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", "interval", interval, "stale_after", olderThan)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepAll(ctx, olderThan, false); err != nil {
				s.log.Error("sweep cycle failed", "error", err)
			}
		}
	}
}
