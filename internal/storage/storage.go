// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package storage abstracts the storage endpoints the service mirrors
// between: enumerate, fetch, put with progress, delete, and change events.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/GitThaisen/tv-automation-media-management/internal/domain"
)

// ErrFileNotFound is returned by GetFile when the name does not resolve.
var ErrFileNotFound = errors.New("file not found")

// FileProperties holds the observable attributes of a file.
type FileProperties struct {
	Size    int64
	ModTime time.Time
}

// File is one file within a storage. Name is the slash-separated path
// relative to the storage root and is unique per storage.
type File interface {
	Name() string
	Properties() (FileProperties, error)
	Open() (io.ReadCloser, error)
}

// EventType classifies a storage event.
type EventType string

const (
	EventAdd    EventType = "add"
	EventChange EventType = "change"
	EventDelete EventType = "delete"
)

// Event is raised by a handler when a file appears, changes or disappears.
// File is nil for delete events.
type Event struct {
	Type EventType
	Path string
	File File
}

// ProgressFunc receives put progress in [0,1].
type ProgressFunc func(progress float64)

// Handler abstracts one storage endpoint. Mutating calls may be issued
// concurrently for different files and must be safe under concurrent
// invocation. PutFile observes ctx cancellation mid-transfer.
type Handler interface {
	GetAllFiles(ctx context.Context) ([]File, error)
	GetFile(ctx context.Context, name string) (File, error)
	PutFile(ctx context.Context, f File, progress ProgressFunc) error
	DeleteFile(ctx context.Context, f File) error

	// Subscribe returns a channel of storage events and a function that
	// cancels the subscription. Events may be dropped if the subscriber
	// falls far behind.
	Subscribe() (<-chan Event, func())

	Close() error
}

// Object pairs a configured storage with its handler.
type Object struct {
	ID                  string
	Handler             Handler
	WatchFolder         bool
	WatchFolderTargetID string
	MediaPath           string
}

// Set is the registry of configured storages, keyed by id.
type Set map[string]*Object

// BuildSet materializes configured storages into handler-backed objects.
// Watch-folder target references were validated by config; they are checked
// again here so a missing target fails at startup rather than on the first
// event.
func BuildSet(cfg []domain.StorageConfig) (Set, error) {
	set := make(Set, len(cfg))

	for _, sc := range cfg {
		var handler Handler
		var err error

		switch sc.Kind {
		case "local", "":
			handler, err = NewLocalFS(sc.Path)
		default:
			err = fmt.Errorf("unsupported storage kind %q", sc.Kind)
		}
		if err != nil {
			closeSet(set)
			return nil, fmt.Errorf("storage %q: %w", sc.ID, err)
		}

		set[sc.ID] = &Object{
			ID:                  sc.ID,
			Handler:             handler,
			WatchFolder:         sc.WatchFolder,
			WatchFolderTargetID: sc.WatchFolderTargetID,
			MediaPath:           sc.MediaPath,
		}
	}

	for _, st := range set {
		if st.WatchFolder {
			if _, ok := set[st.WatchFolderTargetID]; !ok {
				closeSet(set)
				return nil, fmt.Errorf("watch folder storage %q targets unknown storage %q", st.ID, st.WatchFolderTargetID)
			}
		}
	}

	return set, nil
}

// Close shuts down every handler in the set.
func (s Set) Close() {
	closeSet(s)
}

func closeSet(s Set) {
	for _, st := range s {
		_ = st.Handler.Close()
	}
}
