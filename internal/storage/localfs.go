// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// writeSettleDelay coalesces the burst of write events a file copy
	// produces into a single add/change event once writes go quiet.
	writeSettleDelay = 500 * time.Millisecond

	partialSuffix = ".partial"

	putBufferSize = 128 * 1024

	subscriberBuffer = 64
)

// LocalFS is a storage handler rooted at a local directory.
type LocalFS struct {
	root    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	subs    []chan Event
	pending map[string]*pendingEvent
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

type pendingEvent struct {
	timer *time.Timer
	typ   EventType
}

type localFile struct {
	root string
	name string
}

func (f *localFile) Name() string { return f.name }

func (f *localFile) Properties() (FileProperties, error) {
	info, err := os.Stat(filepath.Join(f.root, filepath.FromSlash(f.name)))
	if err != nil {
		return FileProperties{}, errors.Wrapf(err, "stat %s", f.name)
	}
	return FileProperties{Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (f *localFile) Open() (io.ReadCloser, error) {
	r, err := os.Open(filepath.Join(f.root, filepath.FromSlash(f.name)))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", f.name)
	}
	return r, nil
}

// NewLocalFS creates a local filesystem handler rooted at root and starts
// watching it recursively for changes.
func NewLocalFS(root string) (*LocalFS, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "create storage root %s", root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}

	l := &LocalFS{
		root:    root,
		watcher: watcher,
		pending: make(map[string]*pendingEvent),
		done:    make(chan struct{}),
	}

	if err := l.watchTree(root); err != nil {
		watcher.Close()
		return nil, err
	}

	l.wg.Add(1)
	go l.eventLoop()

	return l, nil
}

// Root returns the directory this storage is rooted at.
func (l *LocalFS) Root() string {
	return l.root
}

// watchTree registers watches for dir and every subdirectory.
func (l *LocalFS) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if shouldSkipName(d.Name()) && path != dir {
			return fs.SkipDir
		}
		return l.watcher.Add(path)
	})
}

func (l *LocalFS) GetAllFiles(ctx context.Context) ([]File, error) {
	var files []File

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			if os.IsPermission(err) {
				return nil
			}
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if shouldSkipName(d.Name()) && path != l.root {
				return fs.SkipDir
			}
			return nil
		}
		if shouldSkipName(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		files = append(files, &localFile{root: l.root, name: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "enumerate %s", l.root)
	}

	return files, nil
}

func (l *LocalFS) GetFile(ctx context.Context, name string) (File, error) {
	path := filepath.Join(l.root, filepath.FromSlash(name))

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrFileNotFound, "%s", name)
		}
		return nil, errors.Wrapf(err, "stat %s", name)
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrFileNotFound, "%s is a directory", name)
	}

	return &localFile{root: l.root, name: name}, nil
}

// PutFile copies f into this storage under the same name. The transfer is
// written to a temporary file and renamed into place, so readers never see
// a partial file. Cancellation via ctx aborts the transfer and removes the
// temporary file.
func (l *LocalFS) PutFile(ctx context.Context, f File, progress ProgressFunc) error {
	props, err := f.Properties()
	if err != nil {
		return errors.Wrapf(err, "source properties for %s", f.Name())
	}

	src, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "open source %s", f.Name())
	}
	defer src.Close()

	destPath := filepath.Join(l.root, filepath.FromSlash(f.Name()))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return errors.Wrapf(err, "create parent for %s", f.Name())
	}

	tmpPath := destPath + partialSuffix
	dst, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "create %s", f.Name())
	}

	cleanup := func() {
		dst.Close()
		os.Remove(tmpPath)
	}

	buf := make([]byte, putBufferSize)
	var written int64
	for {
		select {
		case <-ctx.Done():
			cleanup()
			return errors.Wrapf(ctx.Err(), "put %s aborted", f.Name())
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				cleanup()
				return errors.Wrapf(werr, "write %s", f.Name())
			}
			written += int64(n)
			if progress != nil && props.Size > 0 {
				progress(float64(written) / float64(props.Size))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			cleanup()
			return errors.Wrapf(rerr, "read source %s", f.Name())
		}
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "close %s", f.Name())
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "rename %s into place", f.Name())
	}

	if progress != nil {
		progress(1)
	}
	return nil
}

func (l *LocalFS) DeleteFile(ctx context.Context, f File) error {
	path := filepath.Join(l.root, filepath.FromSlash(f.Name()))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrFileNotFound, "%s", f.Name())
		}
		return errors.Wrapf(err, "delete %s", f.Name())
	}
	return nil
}

func (l *LocalFS) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()

	unsub := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, sub := range l.subs {
			if sub == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}

func (l *LocalFS) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, p := range l.pending {
		p.timer.Stop()
	}
	l.pending = map[string]*pendingEvent{}
	l.mu.Unlock()

	err := l.watcher.Close()
	close(l.done)
	l.wg.Wait()

	l.mu.Lock()
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
	l.mu.Unlock()

	return err
}

func (l *LocalFS) eventLoop() {
	defer l.wg.Done()

	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleFsEvent(ev)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("root", l.root).Msg("[STORAGE] watcher error")
		case <-l.done:
			return
		}
	}
}

func (l *LocalFS) handleFsEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(l.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	name := filepath.ToSlash(rel)

	if shouldSkipName(filepath.Base(ev.Name)) || strings.HasSuffix(ev.Name, partialSuffix) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// new directory: watch it and surface files that landed
			// before the watch was in place
			if err := l.watchTree(ev.Name); err != nil {
				log.Warn().Err(err).Str("path", ev.Name).Msg("[STORAGE] failed to watch new directory")
			}
			l.emitTreeAdds(ev.Name)
			return
		}
		l.schedule(name, EventAdd)
	case ev.Op.Has(fsnotify.Write):
		l.schedule(name, EventChange)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		l.cancelPending(name)
		l.emit(Event{Type: EventDelete, Path: name})
	}
}

// emitTreeAdds emits add events for every file already present under dir.
func (l *LocalFS) emitTreeAdds(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if shouldSkipName(d.Name()) || strings.HasSuffix(path, partialSuffix) {
			return nil
		}
		rel, rerr := filepath.Rel(l.root, path)
		if rerr != nil {
			return nil
		}
		l.schedule(filepath.ToSlash(rel), EventAdd)
		return nil
	})
}

// schedule arms (or re-arms) the settle timer for a path. An add already
// pending keeps its type when later writes arrive for the same path.
func (l *LocalFS) schedule(name string, typ EventType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	if p, ok := l.pending[name]; ok {
		if p.typ == EventAdd {
			typ = EventAdd
		}
		p.timer.Stop()
	}

	p := &pendingEvent{typ: typ}
	p.timer = time.AfterFunc(writeSettleDelay, func() {
		l.firePending(name)
	})
	l.pending[name] = p
}

func (l *LocalFS) firePending(name string) {
	l.mu.Lock()
	p, ok := l.pending[name]
	if ok {
		delete(l.pending, name)
	}
	closed := l.closed
	l.mu.Unlock()

	if !ok || closed {
		return
	}

	l.emit(Event{
		Type: p.typ,
		Path: name,
		File: &localFile{root: l.root, name: name},
	})
}

func (l *LocalFS) cancelPending(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.pending[name]; ok {
		p.timer.Stop()
		delete(l.pending, name)
	}
}

func (l *LocalFS) emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("path", ev.Path).Str("type", string(ev.Type)).Msg("[STORAGE] subscriber lagging, event dropped")
		}
	}
}

// shouldSkipName filters hidden files and directories from enumeration
// and watching.
func shouldSkipName(name string) bool {
	return strings.HasPrefix(name, ".")
}
