// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GitThaisen/tv-automation-media-management/internal/database"
	"github.com/GitThaisen/tv-automation-media-management/internal/domain"
	"github.com/GitThaisen/tv-automation-media-management/internal/mediascanner"
	"github.com/GitThaisen/tv-automation-media-management/internal/models"
	"github.com/GitThaisen/tv-automation-media-management/internal/storage"
)

type fakeFile struct {
	name string
	size int64
}

func (f *fakeFile) Name() string { return f.name }
func (f *fakeFile) Properties() (storage.FileProperties, error) {
	return storage.FileProperties{Size: f.size}, nil
}
func (f *fakeFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, f.size))), nil
}

// fakeHandler lets tests script put/delete behaviour.
type fakeHandler struct {
	putFn    func(ctx context.Context, f storage.File, progress storage.ProgressFunc) error
	deleteFn func(ctx context.Context, f storage.File) error

	deletes atomic.Int32
}

func (h *fakeHandler) GetAllFiles(ctx context.Context) ([]storage.File, error) { return nil, nil }
func (h *fakeHandler) GetFile(ctx context.Context, name string) (storage.File, error) {
	return nil, storage.ErrFileNotFound
}
func (h *fakeHandler) PutFile(ctx context.Context, f storage.File, progress storage.ProgressFunc) error {
	if h.putFn != nil {
		return h.putFn(ctx, f, progress)
	}
	return nil
}
func (h *fakeHandler) DeleteFile(ctx context.Context, f storage.File) error {
	h.deletes.Add(1)
	if h.deleteFn != nil {
		return h.deleteFn(ctx, f)
	}
	return nil
}
func (h *fakeHandler) Subscribe() (<-chan storage.Event, func()) {
	ch := make(chan storage.Event)
	return ch, func() {}
}
func (h *fakeHandler) Close() error { return nil }

type scannerStub struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (s *scannerStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.calls++
		reply := "202 MEDIA INFO OK"
		if len(s.replies) > 0 {
			reply = s.replies[0]
			if len(s.replies) > 1 {
				s.replies = s.replies[1:]
			}
		}
		fmt.Fprint(w, reply)
	}
}

func (s *scannerStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newStore(t *testing.T) *models.TrackedMediaStore {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return models.NewTrackedMediaStore(db)
}

func newScanner(t *testing.T, stub *scannerStub) *mediascanner.Client {
	t.Helper()

	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return mediascanner.New(domain.MediaScannerConfig{Host: u.Hostname(), Port: port})
}

func noScanner() *mediascanner.Client {
	return mediascanner.New(domain.MediaScannerConfig{})
}

func runStep(w *Worker, step *models.WorkStep) *models.WorkResult {
	w.Warmup()
	return w.DoWork(context.Background(), step)
}

func TestWorkerStateMachineViolations(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	step := models.NewWorkStep(models.ActionDelete, &fakeFile{name: "a.mov"}, &storage.Object{ID: "t", Handler: &fakeHandler{}}, 1)

	t.Run("doWork without warmup", func(t *testing.T) {
		w := New(store, noScanner(), nil)
		assert.Panics(t, func() { w.DoWork(context.Background(), step) })
	})

	t.Run("warmup while warming", func(t *testing.T) {
		w := New(store, noScanner(), nil)
		w.Warmup()
		assert.Panics(t, w.Warmup)
	})

	t.Run("cooldown rescinds warmup", func(t *testing.T) {
		w := New(store, noScanner(), nil)
		w.Warmup()
		assert.True(t, w.Busy())
		w.Cooldown()
		assert.False(t, w.Busy())
		// safe when not warming
		w.Cooldown()
		// warmup is possible again
		w.Warmup()
		w.Cooldown()
	})
}

func TestDoCopyUpdatesTracking(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &models.TrackedMediaItem{
		Name:            "a.mov",
		SourceStorageID: "ingest",
		LastSeen:        time.Now(),
	}))

	target := &storage.Object{ID: "archive", Handler: &fakeHandler{}}
	w := New(store, noScanner(), nil)

	step := models.NewWorkStep(models.ActionCopy, &fakeFile{name: "a.mov", size: 10}, target, 1)
	res := runStep(w, step)

	// copy succeeded, metadata skipped without a scanner
	assert.Equal(t, models.StepStatusSkipped, res.Status)
	assert.Equal(t, models.StepStatusSkipped, step.Status())

	tmi, err := store.GetByName(ctx, "a.mov")
	require.NoError(t, err)
	assert.Equal(t, []string{"archive"}, tmi.TargetStorageIDs)
}

func TestDoCopyUntrackedFileLeavesIndexAlone(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	target := &storage.Object{ID: "archive", Handler: &fakeHandler{}}
	w := New(store, noScanner(), nil)

	step := models.NewWorkStep(models.ActionCopy, &fakeFile{name: "ghost.mov", size: 10}, target, 1)
	res := runStep(w, step)

	assert.Equal(t, models.StepStatusSkipped, res.Status)

	_, err := store.GetByName(context.Background(), "ghost.mov")
	assert.True(t, errors.Is(err, models.ErrTrackedMediaNotFound))
}

func TestCopyCompositeDoneWithScanner(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	stub := &scannerStub{}
	target := &storage.Object{ID: "archive", Handler: &fakeHandler{}}
	w := New(store, newScanner(t, stub), nil)

	step := models.NewWorkStep(models.ActionCopy, &fakeFile{name: "a.mov", size: 10}, target, 1)
	res := runStep(w, step)

	assert.Equal(t, models.StepStatusDone, res.Status)
	assert.Equal(t, 1, stub.callCount())
}

func TestCopyFailureShortCircuitsMetadata(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	stub := &scannerStub{}
	target := &storage.Object{ID: "archive", Handler: &fakeHandler{
		putFn: func(ctx context.Context, f storage.File, progress storage.ProgressFunc) error {
			return errors.New("disk full")
		},
	}}
	w := New(store, newScanner(t, stub), nil)

	step := models.NewWorkStep(models.ActionCopy, &fakeFile{name: "a.mov", size: 10}, target, 1)
	res := runStep(w, step)

	assert.Equal(t, models.StepStatusError, res.Status)
	require.NotEmpty(t, res.Messages)
	assert.Contains(t, res.Messages[0], "disk full")
	assert.Equal(t, 0, stub.callCount())
}

func TestTryToAbortCancelsCopyPhase(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	putStarted := make(chan struct{})
	target := &storage.Object{ID: "archive", Handler: &fakeHandler{
		putFn: func(ctx context.Context, f storage.File, progress storage.ProgressFunc) error {
			close(putStarted)
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	w := New(store, noScanner(), nil)

	step := models.NewWorkStep(models.ActionCopy, &fakeFile{name: "a.mov", size: 10}, target, 1)
	w.Warmup()

	resCh := make(chan *models.WorkResult, 1)
	go func() {
		resCh <- w.DoWork(context.Background(), step)
	}()

	<-putStarted
	w.TryToAbort()

	select {
	case res := <-resCh:
		assert.Equal(t, models.StepStatusError, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not settle after abort")
	}
	assert.False(t, w.Busy())
}

func TestTryToAbortAfterCopyPhaseIsNoop(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	metadataStarted := make(chan struct{})
	var startedOnce sync.Once

	stub := &scannerStub{replies: []string{"203 MEDIA INFO IN PROGRESS", "202 MEDIA INFO OK"}}

	// wrap the stub so we know the metadata phase is running
	stubHandler := stub.handler()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		startedOnce.Do(func() { close(metadataStarted) })
		stubHandler(rw, r)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	scanner := mediascanner.New(domain.MediaScannerConfig{Host: u.Hostname(), Port: port})

	target := &storage.Object{ID: "archive", Handler: &fakeHandler{
		putFn: func(ctx context.Context, f storage.File, progress storage.ProgressFunc) error {
			return nil
		},
	}}
	w := New(store, scanner, nil)

	step := models.NewWorkStep(models.ActionCopy, &fakeFile{name: "a.mov", size: 10}, target, 1)
	w.Warmup()

	resCh := make(chan *models.WorkResult, 1)
	go func() {
		resCh <- w.DoWork(context.Background(), step)
	}()

	<-metadataStarted
	// the abort handler was cleared when the copy phase finished
	w.TryToAbort()

	select {
	case res := <-resCh:
		assert.Equal(t, models.StepStatusDone, res.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not settle")
	}
}

func TestDoDeleteRemovesTargetFromTracking(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &models.TrackedMediaItem{
		Name:             "a.mov",
		SourceStorageID:  "ingest",
		TargetStorageIDs: []string{"archive", "archive2"},
		LastSeen:         time.Now(),
	}))

	handler := &fakeHandler{}
	target := &storage.Object{ID: "archive", Handler: handler}
	w := New(store, noScanner(), nil)

	step := models.NewWorkStep(models.ActionDelete, &fakeFile{name: "a.mov"}, target, 1)
	res := runStep(w, step)

	assert.Equal(t, models.StepStatusDone, res.Status)
	assert.Equal(t, int32(1), handler.deletes.Load())

	tmi, err := store.GetByName(ctx, "a.mov")
	require.NoError(t, err)
	assert.Equal(t, []string{"archive2"}, tmi.TargetStorageIDs)
}

func TestDoDeleteMissingTrackingIsDone(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	target := &storage.Object{ID: "archive", Handler: &fakeHandler{}}
	w := New(store, noScanner(), nil)

	// the record was already removed by the generator; desired state holds
	step := models.NewWorkStep(models.ActionDelete, &fakeFile{name: "gone.mov"}, target, 1)
	res := runStep(w, step)

	assert.Equal(t, models.StepStatusDone, res.Status)
}

func TestDoDeleteHandlerFailure(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	target := &storage.Object{ID: "archive", Handler: &fakeHandler{
		deleteFn: func(ctx context.Context, f storage.File) error {
			return errors.New("permission denied")
		},
	}}
	w := New(store, noScanner(), nil)

	step := models.NewWorkStep(models.ActionDelete, &fakeFile{name: "a.mov"}, target, 1)
	res := runStep(w, step)

	assert.Equal(t, models.StepStatusError, res.Status)
	assert.Contains(t, res.Messages[0], "permission denied")
}

func TestScannerOpsSkippedWithoutScanner(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	w := New(store, noScanner(), nil)
	target := &storage.Object{ID: "archive", Handler: &fakeHandler{}}

	for _, action := range []models.StepAction{
		models.ActionScan,
		models.ActionGenerateMetadata,
		models.ActionGeneratePreview,
		models.ActionGenerateThumbnail,
	} {
		step := models.NewWorkStep(action, &fakeFile{name: "a.mov"}, target, 1)
		res := runStep(w, step)
		assert.Equal(t, models.StepStatusSkipped, res.Status, "action %s", action)
	}
}

func TestScannerOpsRunWithScanner(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	stub := &scannerStub{}
	w := New(store, newScanner(t, stub), nil)
	target := &storage.Object{ID: "archive", Handler: &fakeHandler{}, MediaPath: "media"}

	step := models.NewWorkStep(models.ActionGenerateThumbnail, &fakeFile{name: "clips/a.mov"}, target, 1)
	res := runStep(w, step)

	assert.Equal(t, models.StepStatusDone, res.Status)
	assert.Equal(t, 1, stub.callCount())
}

func TestReportProgressOnlyWhileBusy(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	w := New(store, noScanner(), nil)

	step := models.NewWorkStep(models.ActionCopy, &fakeFile{name: "a.mov"}, nil, 1)
	w.ReportProgress(step, 0.5)
	assert.Equal(t, float64(0), step.Progress())
}

func TestWaitUntilFinishedResolvesAllWaiters(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	putStarted := make(chan struct{})
	release := make(chan struct{})
	target := &storage.Object{ID: "archive", Handler: &fakeHandler{
		putFn: func(ctx context.Context, f storage.File, progress storage.ProgressFunc) error {
			close(putStarted)
			<-release
			return nil
		},
	}}
	w := New(store, noScanner(), nil)

	step := models.NewWorkStep(models.ActionCopy, &fakeFile{name: "a.mov", size: 10}, target, 1)
	w.Warmup()
	go w.DoWork(context.Background(), step)

	<-putStarted
	first := w.WaitUntilFinished()
	second := w.WaitUntilFinished()
	close(release)

	for _, ch := range []<-chan *models.WorkResult{first, second} {
		select {
		case res := <-ch:
			require.NotNil(t, res)
			assert.Equal(t, models.StepStatusSkipped, res.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter not resolved")
		}
	}

	// idle worker: resolved immediately
	select {
	case _, ok := <-w.WaitUntilFinished():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("idle waiter not resolved")
	}
}

func TestProgressReachesStep(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	target := &storage.Object{ID: "archive", Handler: &fakeHandler{
		putFn: func(ctx context.Context, f storage.File, progress storage.ProgressFunc) error {
			for _, p := range []float64{0.5, 0.2, 0.7} {
				progress(p)
			}
			return nil
		},
	}}
	w := New(store, noScanner(), nil)

	step := models.NewWorkStep(models.ActionCopy, &fakeFile{name: "a.mov", size: 10}, target, 1)
	res := runStep(w, step)

	assert.Equal(t, models.StepStatusSkipped, res.Status)
	assert.Equal(t, 0.7, step.Progress())
}
