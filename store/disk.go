// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Disk is an on-disk [Store]: one file per blob, named by its hex hash,
// under root. Suited to a [meshnode.StorageMode] rooted at a directory;
// survives process restart.
type Disk struct {
	root string

	mu       sync.Mutex
	gcActive bool
	shutdown bool
}

var _ Store = &Disk{}

// NewDisk returns a [*Disk] store rooted at root, creating the directory
// if it does not already exist.
func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("store: create disk store root: %w", err)
	}
	return &Disk{root: root}, nil
}

func (d *Disk) path(hash Hash) string {
	return filepath.Join(d.root, hash.String())
}

// Read implements [Store].
func (d *Disk) Read(ctx context.Context, hash Hash) ([]byte, error) {
	data, err := os.ReadFile(d.path(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read blob %s: %w", hash, err)
	}
	return data, nil
}

// Write implements [Store]: the write is to a temp file in the same
// directory, then renamed into place, so a concurrent reader never
// observes a partially-written blob.
func (d *Disk) Write(ctx context.Context, data []byte) (Hash, error) {
	hash := HashBytes(data)
	if err := d.writeBlob(hash, data); err != nil {
		return Hash{}, err
	}
	return hash, nil
}

func (d *Disk) writeBlob(hash Hash, data []byte) error {
	final := d.path(hash)
	if _, err := os.Stat(final); err == nil {
		return nil // already present; content-addressed, so bytes are identical
	}

	tmp, err := os.CreateTemp(d.root, hash.String()+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp blob file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write temp blob file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp blob file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename temp blob file: %w", err)
	}
	return nil
}

// ImportMany implements [Store].
func (d *Disk) ImportMany(ctx context.Context, blobs map[Hash][]byte) error {
	for hash, data := range blobs {
		if err := d.writeBlob(hash, data); err != nil {
			return err
		}
	}
	return nil
}

// GCStart implements [Store].
func (d *Disk) GCStart(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown {
		return ErrGCBusy
	}
	d.gcActive = true
	return nil
}

// GCMark implements [Store]: the disk store has no roots of its own
// beyond the liveness set passed in, matching [Mem.GCMark].
func (d *Disk) GCMark(ctx context.Context, live map[Hash]struct{}) <-chan GCEvent {
	ch := make(chan GCEvent, 1)
	ch <- GCEvent{Kind: GCDebug, Message: fmt.Sprintf("mark: %d live hashes", len(live))}
	close(ch)
	return ch
}

// GCSweep implements [Store]: removes every on-disk blob file whose name
// does not decode to a hash in live.
func (d *Disk) GCSweep(ctx context.Context, live map[Hash]struct{}) <-chan GCEvent {
	ch := make(chan GCEvent, 8)

	go func() {
		defer close(ch)

		entries, err := os.ReadDir(d.root)
		if err != nil {
			ch <- GCEvent{Kind: GCFatal, Message: "sweep: list store directory", Err: err}
			return
		}

		removed := 0
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			hash, err := ParseHash(entry.Name())
			if err != nil {
				continue // not a blob file (e.g. a leftover temp file)
			}
			if _, ok := live[hash]; ok {
				continue
			}
			if err := os.Remove(filepath.Join(d.root, entry.Name())); err != nil {
				ch <- GCEvent{Kind: GCWarning, Message: fmt.Sprintf("sweep: remove %s", hash), Err: err}
				continue
			}
			removed++
		}

		d.mu.Lock()
		d.gcActive = false
		d.mu.Unlock()

		ch <- GCEvent{Kind: GCDebug, Message: fmt.Sprintf("sweep: removed %d blobs", removed)}
	}()

	return ch
}

// Shutdown implements [Store].
func (d *Disk) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown = true
	return nil
}

// ImportLegacyFlatStore imports every regular file directly under
// legacyRoot into dst, whatever its name, keyed by its content hash, then
// removes the imported files; subdirectories are skipped. Used on first persistent-mode startup when
// a pre-migration flat-store layout is detected (§6 "On first use in
// persistent mode...").
func ImportLegacyFlatStore(ctx context.Context, legacyRoot string, dst Store) error {
	entries, err := os.ReadDir(legacyRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: list legacy flat store: %w", err)
	}

	blobs := make(map[Hash][]byte, len(entries))
	var imported []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := filepath.Join(legacyRoot, entry.Name())
		data, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("store: read legacy blob %s: %w", entry.Name(), err)
		}
		blobs[HashBytes(data)] = data
		imported = append(imported, name)
	}
	if len(blobs) == 0 {
		return nil
	}
	if err := dst.ImportMany(ctx, blobs); err != nil {
		return fmt.Errorf("store: import legacy blobs: %w", err)
	}
	for _, name := range imported {
		os.Remove(name)
	}
	return nil
}
