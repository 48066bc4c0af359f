package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store used by tests and single-node dev runs.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string]map[string]Document // collection -> id -> doc
	nextID int
	subs   map[string]map[int]func(Change)
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]map[string]Document),
		subs: make(map[string]map[int]func(Change)),
	}
}

// Get fetches one document or ErrNotFound.
func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDoc(doc), nil
}

// List returns every document in a collection.
func (m *Memory) List(ctx context.Context, collection string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.docs[collection]))
	for _, doc := range m.docs[collection] {
		out = append(out, cloneDoc(doc))
	}
	return out, nil
}

// Set writes unconditionally.
func (m *Memory) Set(ctx context.Context, collection, id string, data []byte) (int64, error) {
	m.mu.Lock()
	doc := m.put(collection, id, data)
	changes := []Change{{Collection: collection, ID: id, Version: doc.Version, Data: doc.Data}}
	m.mu.Unlock()

	m.notify(changes)
	return doc.Version, nil
}

// Update is a compare-and-swap on the document version.
func (m *Memory) Update(ctx context.Context, collection, id string, version int64, data []byte) (int64, error) {
	m.mu.Lock()
	cur, ok := m.docs[collection][id]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNotFound
	}
	if cur.Version != version {
		m.mu.Unlock()
		return 0, ErrConflict
	}
	doc := m.put(collection, id, data)
	changes := []Change{{Collection: collection, ID: id, Version: doc.Version, Data: doc.Data}}
	m.mu.Unlock()

	m.notify(changes)
	return doc.Version, nil
}

// Commit applies the batch under one lock acquisition, so readers never
// observe a partially applied batch.
func (m *Memory) Commit(ctx context.Context, ops []WriteOp) error {
	m.mu.Lock()
	// Check every guard before touching anything, so a rejected batch
	// leaves no partial writes behind.
	for _, op := range ops {
		cur, ok := m.docs[op.Collection][op.ID]
		switch {
		case op.ExpectVersion == VersionAbsent:
			if ok {
				m.mu.Unlock()
				return ErrConflict
			}
		case op.ExpectVersion > 0:
			if !ok || cur.Version != op.ExpectVersion {
				m.mu.Unlock()
				return ErrConflict
			}
		}
	}
	changes := make([]Change, 0, len(ops))
	for _, op := range ops {
		if op.Data == nil {
			if _, ok := m.docs[op.Collection][op.ID]; ok {
				delete(m.docs[op.Collection], op.ID)
				changes = append(changes, Change{Collection: op.Collection, ID: op.ID, Deleted: true})
			}
			continue
		}
		doc := m.put(op.Collection, op.ID, op.Data)
		changes = append(changes, Change{Collection: op.Collection, ID: op.ID, Version: doc.Version, Data: doc.Data})
	}
	m.mu.Unlock()

	m.notify(changes)
	return nil
}

// Subscribe registers a change callback for one collection.
func (m *Memory) Subscribe(collection string, fn func(Change)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[int]func(Change))
	}
	id := m.nextID
	m.nextID++
	m.subs[collection][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[collection], id)
	}
}

// put assumes m.mu is held.
func (m *Memory) put(collection, id string, data []byte) Document {
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]Document)
	}
	doc := Document{
		Collection: collection,
		ID:         id,
		Version:    m.docs[collection][id].Version + 1,
		Data:       append([]byte(nil), data...),
	}
	m.docs[collection][id] = doc
	return doc
}

func (m *Memory) notify(changes []Change) {
	for _, ch := range changes {
		m.mu.RLock()
		fns := make([]func(Change), 0, len(m.subs[ch.Collection]))
		for _, fn := range m.subs[ch.Collection] {
			fns = append(fns, fn)
		}
		m.mu.RUnlock()
		for _, fn := range fns {
			fn(ch)
		}
	}
}

func cloneDoc(doc Document) Document {
	doc.Data = append([]byte(nil), doc.Data...)
	return doc
}
