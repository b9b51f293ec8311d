// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package worker executes work-steps: copies with cancellation and
// progress, deletes, and polling operations against the media scanner.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/GitThaisen/tv-automation-media-management/internal/mediascanner"
	"github.com/GitThaisen/tv-automation-media-management/internal/metrics"
	"github.com/GitThaisen/tv-automation-media-management/internal/models"
)

// Worker executes one work-step at a time. The dispatcher claims a worker
// with Warmup, hands it a step with DoWork, and may rescind the claim with
// Cooldown before work begins. Calling these out of order is a contract
// violation and panics.
type Worker struct {
	store   *models.TrackedMediaStore
	scanner *mediascanner.Client
	metrics *metrics.Manager

	mu            sync.Mutex
	busy          bool
	warmingUp     bool
	step          *models.WorkStep
	lastBeginStep time.Time
	waiters       []chan *models.WorkResult

	// single-slot abort callback, set only during the copy phase of a
	// COPY step; runs on the canceller's goroutine
	abort atomic.Pointer[context.CancelFunc]
}

// New creates an idle worker.
func New(store *models.TrackedMediaStore, scanner *mediascanner.Client, m *metrics.Manager) *Worker {
	return &Worker{
		store:   store,
		scanner: scanner,
		metrics: m,
	}
}

// Busy reports whether the worker is executing or claimed for execution.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy || w.warmingUp
}

// Step returns the step currently executing, or nil.
func (w *Worker) Step() *models.WorkStep {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

// LastBeginStep returns when the current step started. It is only
// observable while the worker is busy.
func (w *Worker) LastBeginStep() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.busy {
		return time.Time{}, false
	}
	return w.lastBeginStep, true
}

// Warmup claims the worker for an imminent DoWork.
func (w *Worker) Warmup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.warmingUp {
		panic("worker: warmup on a warming worker")
	}
	if w.busy {
		panic("worker: warmup on a busy worker")
	}
	w.warmingUp = true
	w.metrics.WorkerBusy(1)
}

// Cooldown rescinds a warm-up. Safe to call when not warming.
func (w *Worker) Cooldown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.warmingUp {
		w.warmingUp = false
		w.metrics.WorkerBusy(-1)
	}
}

// DoWork executes one step and always resolves a WorkResult; failures are
// carried in the result, never propagated. It requires a prior Warmup.
func (w *Worker) DoWork(ctx context.Context, step *models.WorkStep) *models.WorkResult {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		panic("worker: doWork on a busy worker")
	}
	if !w.warmingUp {
		w.mu.Unlock()
		panic("worker: doWork without warmup")
	}
	w.warmingUp = false
	w.busy = true
	w.step = step
	w.lastBeginStep = time.Now()
	w.mu.Unlock()

	step.SetStatus(models.StepStatusWorking)
	log.Debug().Str("action", string(step.Action)).Str("file", stepFileName(step)).Msg("[WORKER] step started")

	res := w.executeSafe(ctx, step)

	step.SetStatus(res.Status)
	w.metrics.RecordStepExecuted(string(step.Action), string(res.Status))

	w.abort.Store(nil)

	w.mu.Lock()
	w.busy = false
	w.step = nil
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()

	w.metrics.WorkerBusy(-1)

	for _, ch := range waiters {
		ch <- res
	}
	return res
}

// WaitUntilFinished resolves when the in-flight DoWork settles. Every
// concurrent waiter is resolved. When the worker is idle the returned
// channel is already closed.
func (w *Worker) WaitUntilFinished() <-chan *models.WorkResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan *models.WorkResult, 1)
	if !w.busy && !w.warmingUp {
		close(ch)
		return ch
	}
	w.waiters = append(w.waiters, ch)
	return ch
}

// TryToAbort fires the current abort handler, if any. Completion is
// observed through WaitUntilFinished, not here.
func (w *Worker) TryToAbort() {
	if !w.Busy() {
		return
	}
	if cancel := w.abort.Load(); cancel != nil {
		(*cancel)()
	}
}

// executeSafe dispatches on the step action and converts any panic out of
// the step body into an ERROR result so busy state is always released.
func (w *Worker) executeSafe(ctx context.Context, step *models.WorkStep) (res *models.WorkResult) {
	defer func() {
		if r := recover(); r != nil {
			res = w.failStep(step, errors.Errorf("step panicked: %v", r))
		}
	}()

	switch step.Action {
	case models.ActionCopy:
		res = w.doCopy(ctx, step)
		if res.Status != models.StepStatusDone {
			return res
		}
		// the metadata phase of a composite copy is not cancellable
		w.abort.Store(nil)
		return w.doGenerateMetadata(ctx, step)
	case models.ActionDelete:
		return w.doDelete(ctx, step)
	case models.ActionScan:
		return w.doGenerateMetadata(ctx, step)
	case models.ActionGenerateMetadata:
		return w.doGenerateAdvancedMetadata(ctx, step)
	case models.ActionGeneratePreview:
		return w.doGeneratePreview(ctx, step)
	case models.ActionGenerateThumbnail:
		return w.doGenerateThumbnail(ctx, step)
	default:
		return w.failStep(step, errors.Errorf("unknown step action %q", step.Action))
	}
}

// doCopy transfers the file to the target storage, then records the target
// in the tracking index. The transfer phase is cancellable via TryToAbort.
func (w *Worker) doCopy(ctx context.Context, step *models.WorkStep) *models.WorkResult {
	copyCtx, cancelCopy := context.WithCancel(ctx)
	defer cancelCopy()

	cancel := context.CancelFunc(cancelCopy)
	w.abort.Store(&cancel)

	start := time.Now()
	err := step.Target.Handler.PutFile(copyCtx, step.File, func(p float64) {
		w.ReportProgress(step, p)
	})
	if err != nil {
		return w.failStep(step, errors.Wrapf(err, "copy %s to %s", stepFileName(step), step.Target.ID))
	}
	w.metrics.ObserveCopyDuration(time.Since(start).Seconds())

	_, err = w.store.Upsert(ctx, step.File.Name(), func(tmi *models.TrackedMediaItem) *models.TrackedMediaItem {
		if tmi == nil {
			// untracked at copy-success time: the mirror holds the
			// file but tracking is left untouched
			log.Debug().Str("file", stepFileName(step)).Msg("[WORKER] copy finished for untracked file")
			return nil
		}
		tmi.AddTarget(step.Target.ID)
		return tmi
	})
	if err != nil {
		return w.failStep(step, errors.Wrapf(err, "record copy of %s", stepFileName(step)))
	}

	return &models.WorkResult{Status: models.StepStatusDone}
}

// doDelete removes the file from the target storage and strips the target
// from the tracking index. A record that is already gone means the desired
// state holds.
func (w *Worker) doDelete(ctx context.Context, step *models.WorkStep) *models.WorkResult {
	if err := step.Target.Handler.DeleteFile(ctx, step.File); err != nil {
		return w.failStep(step, errors.Wrapf(err, "delete %s from %s", stepFileName(step), step.Target.ID))
	}

	_, err := w.store.Upsert(ctx, step.File.Name(), func(tmi *models.TrackedMediaItem) *models.TrackedMediaItem {
		if tmi == nil {
			return nil
		}
		if !tmi.RemoveTarget(step.Target.ID) {
			log.Warn().Str("file", stepFileName(step)).Str("target", step.Target.ID).
				Msg("[WORKER] deleted target was not recorded in tracking")
		}
		return tmi
	})
	if err != nil {
		return w.failStep(step, errors.Wrapf(err, "record delete of %s", stepFileName(step)))
	}

	return &models.WorkResult{Status: models.StepStatusDone}
}

func (w *Worker) doGenerateMetadata(ctx context.Context, step *models.WorkStep) *models.WorkResult {
	id := mediascanner.NormalizePath(step.File.Name())
	return w.runScanner(ctx, step, mediascanner.KindMedia, id)
}

func (w *Worker) doGenerateAdvancedMetadata(ctx context.Context, step *models.WorkStep) *models.WorkResult {
	return w.runScanner(ctx, step, mediascanner.KindMetadata, w.scannerFileID(step))
}

func (w *Worker) doGeneratePreview(ctx context.Context, step *models.WorkStep) *models.WorkResult {
	return w.runScanner(ctx, step, mediascanner.KindPreview, w.scannerFileID(step))
}

func (w *Worker) doGenerateThumbnail(ctx context.Context, step *models.WorkStep) *models.WorkResult {
	return w.runScanner(ctx, step, mediascanner.KindThumbnail, w.scannerFileID(step))
}

func (w *Worker) scannerFileID(step *models.WorkStep) string {
	mediaPath := ""
	if step.Target != nil {
		mediaPath = step.Target.MediaPath
	}
	return mediascanner.FileID(step.File.Name(), mediaPath)
}

func (w *Worker) runScanner(ctx context.Context, step *models.WorkStep, kind mediascanner.Kind, id string) *models.WorkResult {
	if !w.scanner.Configured() {
		return &models.WorkResult{
			Status:   models.StepStatusSkipped,
			Messages: []string{"no media scanner configured"},
		}
	}

	if err := w.scanner.Generate(ctx, kind, id); err != nil {
		return w.failStep(step, err)
	}
	return &models.WorkResult{Status: models.StepStatusDone}
}

// ReportProgress forwards put progress onto the current step. It no-ops
// when the worker is not busy or the step is not the one executing.
func (w *Worker) ReportProgress(step *models.WorkStep, p float64) {
	w.mu.Lock()
	current := w.busy && w.step == step
	w.mu.Unlock()

	if !current {
		return
	}
	step.ReportProgress(p)
}

func (w *Worker) failStep(step *models.WorkStep, err error) *models.WorkResult {
	log.Error().Err(err).Str("action", string(step.Action)).Str("file", stepFileName(step)).Msg("[WORKER] step failed")
	return &models.WorkResult{
		Status:   models.StepStatusError,
		Messages: []string{err.Error()},
	}
}

func stepFileName(step *models.WorkStep) string {
	if step.File == nil {
		return ""
	}
	return step.File.Name()
}
