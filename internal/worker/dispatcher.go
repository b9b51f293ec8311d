// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package worker

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/GitThaisen/tv-automation-media-management/internal/mediascanner"
	"github.com/GitThaisen/tv-automation-media-management/internal/metrics"
	"github.com/GitThaisen/tv-automation-media-management/internal/models"
)

// Dispatcher pairs incoming work-flows with idle workers. A work-flow's
// steps run sequentially on one worker; independent work-flows run
// concurrently up to the worker count.
type Dispatcher struct {
	idle chan *Worker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher owning workerCount workers.
func NewDispatcher(store *models.TrackedMediaStore, scanner *mediascanner.Client, m *metrics.Manager, workerCount int) *Dispatcher {
	idle := make(chan *Worker, workerCount)
	for i := 0; i < workerCount; i++ {
		idle <- New(store, scanner, m)
	}
	return &Dispatcher{idle: idle}
}

// Start consumes workflows until the channel closes or Stop is called.
func (d *Dispatcher) Start(ctx context.Context, workflows <-chan *models.WorkFlow) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run(ctx, workflows)

	log.Info().Int("workers", cap(d.idle)).Msg("[DISPATCHER] started")
}

// Stop cancels in-flight work and waits for workers to settle.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	log.Info().Msg("[DISPATCHER] stopped")
}

func (d *Dispatcher) run(ctx context.Context, workflows <-chan *models.WorkFlow) {
	defer d.wg.Done()

	for {
		select {
		case wf, ok := <-workflows:
			if !ok {
				return
			}
			select {
			case worker := <-d.idle:
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					d.process(ctx, worker, wf)
					d.idle <- worker
				}()
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// process runs every step of one work-flow on the given worker and stamps
// the outcome on the work-flow. An errored step short-circuits the rest.
func (d *Dispatcher) process(ctx context.Context, w *Worker, wf *models.WorkFlow) {
	success := true

	for _, step := range wf.Steps {
		w.Warmup()
		res := w.DoWork(ctx, step)

		if res.Status == models.StepStatusError {
			success = false
			log.Warn().Str("workflow", wf.ID).Str("action", string(step.Action)).
				Str("reason", strings.Join(res.Messages, "; ")).
				Msg("[DISPATCHER] step failed, aborting workflow")
			break
		}
	}

	wf.Finished = true
	wf.Success = success

	log.Info().Str("workflow", wf.ID).Bool("success", success).Msg("[DISPATCHER] workflow finished")
}
