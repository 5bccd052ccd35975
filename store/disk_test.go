// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskWriteAndRead(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)

	hash, err := d.Write(context.Background(), []byte("hello disk"))
	require.NoError(t, err)

	got, err := d.Read(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello disk"), got)
}

func TestDiskReadNotFound(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)

	_, err = d.Read(context.Background(), HashBytes([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskSurvivesReopen(t *testing.T) {
	root := t.TempDir()

	d1, err := NewDisk(root)
	require.NoError(t, err)
	hash, err := d1.Write(context.Background(), []byte("persisted"))
	require.NoError(t, err)

	d2, err := NewDisk(root)
	require.NoError(t, err)
	got, err := d2.Read(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestDiskGCSweepRemovesDeadBlobs(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	live, err := d.Write(ctx, []byte("keep me"))
	require.NoError(t, err)
	dead, err := d.Write(ctx, []byte("drop me"))
	require.NoError(t, err)

	require.NoError(t, d.GCStart(ctx))
	for ev := range d.GCMark(ctx, map[Hash]struct{}{live: {}}) {
		require.NotEqual(t, GCFatal, ev.Kind)
	}
	for range d.GCSweep(ctx, map[Hash]struct{}{live: {}}) {
	}

	_, err = d.Read(ctx, live)
	assert.NoError(t, err)
	_, err = d.Read(ctx, dead)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportLegacyFlatStore(t *testing.T) {
	legacyRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(legacyRoot, "note.txt"), []byte("legacy content"), 0o600))

	dst := NewMem()
	require.NoError(t, ImportLegacyFlatStore(context.Background(), legacyRoot, dst))

	hash := HashBytes([]byte("legacy content"))
	got, err := dst.Read(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy content"), got)

	entries, err := os.ReadDir(legacyRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImportLegacyFlatStoreMissingDirIsNotAnError(t *testing.T) {
	dst := NewMem()
	err := ImportLegacyFlatStore(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"), dst)
	assert.NoError(t, err)
}
