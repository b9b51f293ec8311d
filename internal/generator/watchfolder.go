// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/GitThaisen/tv-automation-media-management/internal/metrics"
	"github.com/GitThaisen/tv-automation-media-management/internal/models"
	"github.com/GitThaisen/tv-automation-media-management/internal/storage"
)

// initialScanConcurrency bounds the per-file fan-out of the initial check.
const initialScanConcurrency = 8

// WatchFolder mirrors each watch-folder source storage into its configured
// target storage: COPY on new or changed files, DELETE on removal, and a
// full reconciliation pass at registration time.
type WatchFolder struct {
	*Base
}

// NewWatchFolder creates the watch-folder generator.
func NewWatchFolder(store *models.TrackedMediaStore, storages storage.Set, m *metrics.Manager) *WatchFolder {
	g := &WatchFolder{}
	g.Base = NewBase(store, storages, g, m)
	return g
}

// Select picks every storage flagged as a watch folder.
func (g *WatchFolder) Select(storages storage.Set) []*storage.Object {
	var selected []*storage.Object
	for _, st := range storages {
		if st.WatchFolder {
			selected = append(selected, st)
		}
	}
	return selected
}

// resolveTarget returns the mirror target for a watch-folder storage. A
// missing target is a wiring bug: config validation guarantees it resolves,
// so this is a contract violation, not an I/O failure.
func (g *WatchFolder) resolveTarget(st *storage.Object) *storage.Object {
	target, ok := g.storages[st.WatchFolderTargetID]
	if !ok {
		panic(fmt.Sprintf("watch folder storage %q: target storage %q not available", st.ID, st.WatchFolderTargetID))
	}
	return target
}

func (g *WatchFolder) OnAdd(ctx context.Context, st *storage.Object, ev storage.Event, initialScan bool) {
	g.onFileUpdated(ctx, st, ev, initialScan)
}

func (g *WatchFolder) OnChange(ctx context.Context, st *storage.Object, ev storage.Event, initialScan bool) {
	g.onFileUpdated(ctx, st, ev, initialScan)
}

// onFileUpdated handles add and change identically: make sure the file is
// tracked, then copy it to the target unless a same-size file is already
// there.
func (g *WatchFolder) onFileUpdated(ctx context.Context, st *storage.Object, ev storage.Event, initialScan bool) {
	target := g.resolveTarget(st)

	_, err := g.store.GetByName(ctx, ev.Path)
	switch {
	case err == nil:
		log.Debug().Str("path", ev.Path).Msg("[GENERATOR] file already tracked")
	case errors.Is(err, models.ErrTrackedMediaNotFound):
		if err := g.RegisterFile(ctx, ev.File, st); err != nil {
			log.Error().Err(err).Str("path", ev.Path).Msg("[GENERATOR] failed to track file")
			return
		}
	default:
		log.Error().Err(err).Str("path", ev.Path).Msg("[GENERATOR] tracked media lookup failed")
		return
	}

	if !g.copyNeeded(ctx, target, ev) {
		log.Debug().Str("path", ev.Path).Str("target", target.ID).Msg("[GENERATOR] target up to date")
		return
	}

	step := models.NewWorkStep(models.ActionCopy, ev.File, target, 1)
	g.Emit(&models.WorkFlow{
		ID:       models.NewWorkFlowID(ev.Path),
		Steps:    []*models.WorkStep{step},
		Priority: 1,
		Source:   models.SourceLocalMediaItem,
		Created:  time.Now(),
	})
}

// copyNeeded compares local and target file sizes. A missing or unreadable
// target file means copy. Size equality is a cheap proxy for "already
// synced"; same-name same-size version collisions are accepted.
func (g *WatchFolder) copyNeeded(ctx context.Context, target *storage.Object, ev storage.Event) bool {
	targetFile, err := target.Handler.GetFile(ctx, ev.File.Name())
	if err != nil {
		return true
	}

	localProps, err := ev.File.Properties()
	if err != nil {
		log.Warn().Err(err).Str("path", ev.Path).Msg("[GENERATOR] failed to read local properties, copying anyway")
		return true
	}
	targetProps, err := targetFile.Properties()
	if err != nil {
		return true
	}

	return localProps.Size != targetProps.Size
}

// OnDelete sweeps the mirrors of a tracked source file and drops the
// tracking record. Delete events from non-source storages are ignored;
// regenerating the mirror from the true source in that case is an open
// TODO.
func (g *WatchFolder) OnDelete(ctx context.Context, st *storage.Object, ev storage.Event, initialScan bool) {
	tmi, err := g.store.GetByName(ctx, ev.Path)
	if err != nil {
		if errors.Is(err, models.ErrTrackedMediaNotFound) {
			log.Debug().Str("path", ev.Path).Msg("[GENERATOR] untracked file deleted")
		} else {
			log.Error().Err(err).Str("path", ev.Path).Msg("[GENERATOR] tracked media lookup failed")
		}
		return
	}

	if tmi.SourceStorageID != st.ID {
		log.Debug().Str("path", ev.Path).Str("source", tmi.SourceStorageID).Str("storage", st.ID).
			Msg("[GENERATOR] delete on non-source storage ignored")
		return
	}

	for _, targetID := range tmi.TargetStorageIDs {
		target, ok := g.storages[targetID]
		if !ok {
			log.Warn().Str("path", ev.Path).Str("target", targetID).Msg("[GENERATOR] replicated target storage not available")
			continue
		}

		targetFile, err := target.Handler.GetFile(ctx, tmi.Name)
		if err != nil {
			log.Warn().Err(err).Str("path", ev.Path).Str("target", targetID).
				Msg("[GENERATOR] replicated file not retrievable, skipping delete")
			continue
		}

		step := models.NewWorkStep(models.ActionDelete, targetFile, target, 1)
		g.Emit(&models.WorkFlow{
			ID:       models.NewWorkFlowID(ev.Path),
			Steps:    []*models.WorkStep{step},
			Priority: 1,
			Source:   models.SourceLocalMediaItem,
			Created:  time.Now(),
		})
	}

	// The record goes away now; the queued DELETE workflows only carry
	// intent. A re-add before they run re-creates the record with an
	// empty target set.
	if err := g.store.Remove(ctx, tmi.Name); err != nil {
		log.Error().Err(err).Str("path", ev.Path).Msg("[GENERATOR] failed to remove tracked media")
	}
}

// InitialCheck reconciles a watch-folder storage at registration time. It
// discovers both missed additions (files present but untracked) and missed
// deletions (files tracked but absent), the latter through the stale sweep
// that runs once every per-file reconciliation has settled.
func (g *WatchFolder) InitialCheck(ctx context.Context, st *storage.Object) error {
	// captured once, before enumeration, so per-file refreshes that
	// overlap the scan cannot mark themselves stale
	initialScanTime := time.Now()

	target := g.resolveTarget(st)

	files, err := st.Handler.GetAllFiles(ctx)
	if err != nil {
		return errors.Wrapf(err, "enumerate storage %s", st.ID)
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(initialScanConcurrency)

	for _, file := range files {
		file := file
		grp.Go(func() error {
			g.checkFile(grpCtx, st, target, file, initialScanTime)
			return nil
		})
	}

	// the stale sweep must not start before every per-file task settled
	if err := grp.Wait(); err != nil {
		return err
	}

	stale, err := g.store.GetAllFromStorage(ctx, st.ID, initialScanTime)
	if err != nil {
		return errors.Wrapf(err, "query stale tracked media for storage %s", st.ID)
	}

	for _, tmi := range stale {
		log.Debug().Str("path", tmi.Name).Str("storage", st.ID).Msg("[GENERATOR] tracked file gone from source")
		g.OnDelete(ctx, st, storage.Event{Type: storage.EventDelete, Path: tmi.Name}, true)
	}

	log.Info().Str("storage", st.ID).Int("files", len(files)).Int("stale", len(stale)).
		Msg("[GENERATOR] initial check complete")
	return nil
}

func (g *WatchFolder) checkFile(ctx context.Context, st, target *storage.Object, file storage.File, scanTime time.Time) {
	tmi, err := g.store.GetByName(ctx, file.Name())
	switch {
	case errors.Is(err, models.ErrTrackedMediaNotFound):
		g.OnAdd(ctx, st, storage.Event{Type: storage.EventAdd, Path: file.Name(), File: file}, true)
	case err != nil:
		log.Error().Err(err).Str("path", file.Name()).Msg("[GENERATOR] tracked media lookup failed during initial check")
	case tmi.SourceStorageID == st.ID:
		g.refreshLastSeen(ctx, st, file.Name(), scanTime)
		// surface a missing mirror in the logs; a change event or a
		// manual resync will repair it
		if _, err := target.Handler.GetFile(ctx, tmi.Name); err != nil {
			log.Error().Err(err).Str("path", tmi.Name).Str("target", target.ID).
				Msg("[GENERATOR] tracked file missing on target")
		}
	default:
		// tracked by another source storage: not ours to reconcile
	}
}

// refreshLastSeen bumps LastSeen to scanTime. The upsert re-checks source
// ownership and monotonicity, so concurrent scans can never move the
// timestamp backwards.
func (g *WatchFolder) refreshLastSeen(ctx context.Context, st *storage.Object, name string, scanTime time.Time) {
	_, err := g.store.Upsert(ctx, name, func(tmi *models.TrackedMediaItem) *models.TrackedMediaItem {
		if tmi == nil || tmi.SourceStorageID != st.ID || !scanTime.After(tmi.LastSeen) {
			return nil
		}
		tmi.LastSeen = scanTime
		return tmi
	})
	if err != nil {
		log.Error().Err(err).Str("path", name).Msg("[GENERATOR] failed to refresh lastSeen")
	}
}
