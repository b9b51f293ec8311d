// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package generator turns storage events into work-flows. The base
// generator owns storage registration and event routing; concrete
// reconciliation policies decide what each event means.
package generator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/GitThaisen/tv-automation-media-management/internal/metrics"
	"github.com/GitThaisen/tv-automation-media-management/internal/models"
	"github.com/GitThaisen/tv-automation-media-management/internal/storage"
)

const workflowBuffer = 256

// Policy is the reconciliation policy a generator dispatches events to.
type Policy interface {
	// Select picks the storages this generator is responsible for.
	Select(storages storage.Set) []*storage.Object

	OnAdd(ctx context.Context, st *storage.Object, ev storage.Event, initialScan bool)
	OnChange(ctx context.Context, st *storage.Object, ev storage.Event, initialScan bool)
	OnDelete(ctx context.Context, st *storage.Object, ev storage.Event, initialScan bool)

	// InitialCheck reconciles a storage against the tracked index at
	// registration time.
	InitialCheck(ctx context.Context, st *storage.Object) error
}

// Base mediates between storage events and a Policy, and emits the
// resulting work-flows on a single channel.
type Base struct {
	store    *models.TrackedMediaStore
	storages storage.Set
	policy   Policy
	metrics  *metrics.Manager

	workflows chan *models.WorkFlow

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	unsubs []func()
}

// NewBase wires a policy to the shared collaborators.
func NewBase(store *models.TrackedMediaStore, storages storage.Set, policy Policy, m *metrics.Manager) *Base {
	return &Base{
		store:     store,
		storages:  storages,
		policy:    policy,
		metrics:   m,
		workflows: make(chan *models.WorkFlow, workflowBuffer),
	}
}

// Workflows is the NEW_WORKFLOW channel consumed by the dispatcher. It is
// closed by Destroy.
func (b *Base) Workflows() <-chan *models.WorkFlow {
	return b.workflows
}

// Init selects the relevant storages and registers each: subscribe first so
// no event is missed, then run the initial check.
func (b *Base) Init(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	for _, st := range b.policy.Select(b.storages) {
		if err := b.RegisterStorage(st); err != nil {
			return err
		}
	}
	return nil
}

// Destroy unregisters all subscriptions, waits for event loops to drain and
// closes the workflow channel.
func (b *Base) Destroy() {
	if b.cancel != nil {
		b.cancel()
	}

	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	b.wg.Wait()
	close(b.workflows)
}

// RegisterStorage subscribes to a storage's events and reconciles it.
func (b *Base) RegisterStorage(st *storage.Object) error {
	events, unsub := st.Handler.Subscribe()

	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.eventLoop(st, events)

	log.Info().Str("storage", st.ID).Msg("[GENERATOR] storage registered")

	if err := b.policy.InitialCheck(b.ctx, st); err != nil {
		log.Error().Err(err).Str("storage", st.ID).Msg("[GENERATOR] initial check failed")
		return err
	}
	return nil
}

func (b *Base) eventLoop(st *storage.Object, events <-chan storage.Event) {
	defer b.wg.Done()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.dispatch(st, ev)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Base) dispatch(st *storage.Object, ev storage.Event) {
	log.Debug().Str("storage", st.ID).Str("type", string(ev.Type)).Str("path", ev.Path).Msg("[GENERATOR] storage event")

	switch ev.Type {
	case storage.EventAdd:
		b.policy.OnAdd(b.ctx, st, ev, false)
	case storage.EventChange:
		b.policy.OnChange(b.ctx, st, ev, false)
	case storage.EventDelete:
		b.policy.OnDelete(b.ctx, st, ev, false)
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("[GENERATOR] unknown event type")
	}
}

// RegisterFile starts tracking a file seen on a source storage. The new
// record carries an empty target set; targets are appended by workers as
// replications succeed.
func (b *Base) RegisterFile(ctx context.Context, file storage.File, st *storage.Object) error {
	return b.store.Put(ctx, &models.TrackedMediaItem{
		Name:             file.Name(),
		SourceStorageID:  st.ID,
		TargetStorageIDs: []string{},
		LastSeen:         time.Now(),
	})
}

// Emit hands a finished work-flow to the upstream listener.
func (b *Base) Emit(wf *models.WorkFlow) {
	action := ""
	if len(wf.Steps) > 0 {
		action = string(wf.Steps[0].Action)
	}

	select {
	case b.workflows <- wf:
		b.metrics.RecordWorkflowGenerated(action)
		log.Debug().Str("workflow", wf.ID).Str("action", action).Msg("[GENERATOR] workflow emitted")
	case <-b.ctx.Done():
		log.Warn().Str("workflow", wf.ID).Msg("[GENERATOR] shutting down, workflow dropped")
	}
}
