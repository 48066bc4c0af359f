package store

import (
	"context"
	"errors"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a conditional update loses a race.
	ErrConflict = errors.New("version conflict")
)

// Document is one versioned record in a keyed collection. Data holds the
// JSON-encoded payload; Version increments on every write and backs
// compare-and-swap updates.
type Document struct {
	Collection string
	ID         string
	Version    int64
	Data       []byte
}

// VersionAbsent guards a batch write on the document not existing yet.
const VersionAbsent int64 = -1

// WriteOp is one entry of an atomic batch.
type WriteOp struct {
	Collection string
	ID         string
	Data       []byte // nil means delete
	// ExpectVersion guards the op. Zero applies it unconditionally, a
	// positive value requires the stored document at exactly that
	// version, and VersionAbsent requires no stored document at all. A
	// failed guard rejects the whole batch with ErrConflict.
	ExpectVersion int64
}

// Put creates a batch write entry.
func Put(collection, id string, data []byte) WriteOp {
	return WriteOp{Collection: collection, ID: id, Data: data}
}

// PutIfAbsent creates a batch write entry that succeeds only when the
// document does not exist yet.
func PutIfAbsent(collection, id string, data []byte) WriteOp {
	return WriteOp{Collection: collection, ID: id, Data: data, ExpectVersion: VersionAbsent}
}

// Delete creates a batch delete entry.
func Delete(collection, id string) WriteOp {
	return WriteOp{Collection: collection, ID: id}
}

// DeleteAt creates a batch delete entry guarded on the stored version.
func DeleteAt(collection, id string, version int64) WriteOp {
	return WriteOp{Collection: collection, ID: id, ExpectVersion: version}
}

// Change describes a committed mutation delivered to subscribers.
type Change struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Version    int64  `json:"version"`
	Deleted    bool   `json:"deleted"`
	Data       []byte `json:"data,omitempty"`
}

// Store is a keyed document store with atomic multi-document batches,
// conditional single-document updates, and per-collection change
// notifications. All engine state lives behind this interface.
type Store interface {
	// Get fetches one document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)
	// List returns every document in a collection, unordered.
	List(ctx context.Context, collection string) ([]Document, error)
	// Set writes a document unconditionally and returns the new version.
	Set(ctx context.Context, collection, id string, data []byte) (int64, error)
	// Update writes a document only if its current version still equals
	// version; returns ErrConflict otherwise and ErrNotFound if missing.
	Update(ctx context.Context, collection, id string, version int64, data []byte) (int64, error)
	// Commit applies every write in one atomic batch; either all ops are
	// visible afterwards or none are. A failed version guard on any op
	// rejects the batch with ErrConflict.
	Commit(ctx context.Context, ops []WriteOp) error
	// Subscribe registers a callback invoked after each committed change
	// in the collection. The returned func cancels the subscription.
	Subscribe(collection string, fn func(Change)) (cancel func())
}
