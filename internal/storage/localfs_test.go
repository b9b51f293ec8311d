// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *LocalFS {
	t.Helper()

	l, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func writeFile(t *testing.T, l *LocalFS, name, content string) {
	t.Helper()

	path := filepath.Join(l.root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestGetAllFilesSkipsHidden(t *testing.T) {
	t.Parallel()

	l := newTestFS(t)
	writeFile(t, l, "a.mov", "aaa")
	writeFile(t, l, "sub/b.mov", "bbbb")
	writeFile(t, l, ".hidden", "x")
	writeFile(t, l, ".stage/c.mov", "x")

	files, err := l.GetAllFiles(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name())
	}
	assert.ElementsMatch(t, []string{"a.mov", "sub/b.mov"}, names)
}

func TestGetFile(t *testing.T) {
	t.Parallel()

	l := newTestFS(t)
	writeFile(t, l, "a.mov", "aaa")

	f, err := l.GetFile(context.Background(), "a.mov")
	require.NoError(t, err)

	props, err := f.Properties()
	require.NoError(t, err)
	assert.Equal(t, int64(3), props.Size)

	_, err = l.GetFile(context.Background(), "missing.mov")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFileNotFound))
}

func TestPutFileCopiesWithProgress(t *testing.T) {
	t.Parallel()

	src := newTestFS(t)
	dst := newTestFS(t)
	writeFile(t, src, "clip/a.mov", "some file content")

	f, err := src.GetFile(context.Background(), "clip/a.mov")
	require.NoError(t, err)

	var reports []float64
	err = dst.PutFile(context.Background(), f, func(p float64) {
		reports = append(reports, p)
	})
	require.NoError(t, err)

	copied, err := os.ReadFile(filepath.Join(dst.root, "clip", "a.mov"))
	require.NoError(t, err)
	assert.Equal(t, "some file content", string(copied))

	require.NotEmpty(t, reports)
	assert.Equal(t, float64(1), reports[len(reports)-1])
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i], reports[i-1])
	}
}

func TestPutFileCancelledLeavesNoPartial(t *testing.T) {
	t.Parallel()

	src := newTestFS(t)
	dst := newTestFS(t)
	writeFile(t, src, "a.mov", "content")

	f, err := src.GetFile(context.Background(), "a.mov")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = dst.PutFile(ctx, f, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	entries, err := os.ReadDir(dst.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteFile(t *testing.T) {
	t.Parallel()

	l := newTestFS(t)
	writeFile(t, l, "a.mov", "aaa")

	f, err := l.GetFile(context.Background(), "a.mov")
	require.NoError(t, err)
	require.NoError(t, l.DeleteFile(context.Background(), f))

	_, err = l.GetFile(context.Background(), "a.mov")
	assert.True(t, errors.Is(err, ErrFileNotFound))

	err = l.DeleteFile(context.Background(), f)
	assert.True(t, errors.Is(err, ErrFileNotFound))
}

func TestSubscribeReceivesSettledEvents(t *testing.T) {
	t.Parallel()

	l := newTestFS(t)
	events, unsub := l.Subscribe()
	defer unsub()

	writeFile(t, l, "a.mov", "aaa")

	var got Event
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			got = ev
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, EventAdd, got.Type)
	assert.Equal(t, "a.mov", got.Path)
	require.NotNil(t, got.File)

	require.NoError(t, os.Remove(filepath.Join(l.root, "a.mov")))

	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			got = ev
			return got.Type == EventDelete
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, "a.mov", got.Path)
	assert.Nil(t, got.File)
}
