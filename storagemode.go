// SPDX-License-Identifier: GPL-3.0-or-later

package meshnode

// StorageMode determines where a node's keys, peer data, and blob store
// files live: entirely in memory, or rooted at a directory on disk.
//
// The zero value is [MemoryStorage]. Construct a persistent mode with
// [NewPersistentStorage].
type StorageMode struct {
	root string // empty means in-memory
}

// MemoryStorage is the storage mode under which nothing survives process
// restart: the blob store, default-author, and peer data all live only
// for the lifetime of the running [Node].
var MemoryStorage = StorageMode{}

// NewPersistentStorage returns a storage mode rooted at root. A node
// spawned on the same root after a clean shutdown recovers the same
// [NodeIdentity] and the same set of previously stored blobs.
func NewPersistentStorage(root string) StorageMode {
	return StorageMode{root: root}
}

// Persistent reports whether this mode stores data on disk.
func (m StorageMode) Persistent() bool {
	return m.root != ""
}

// Root returns the on-disk root directory. Only meaningful when
// [StorageMode.Persistent] returns true.
func (m StorageMode) Root() string {
	return m.root
}
