package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_GetMissing(t *testing.T) {
	m := NewMemory()
	if _, err := m.Get(context.Background(), "sessions", "live"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemory_SetBumpsVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v1, err := m.Set(ctx, "records", "p1", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	v2, err := m.Set(ctx, "records", "p1", []byte(`{"a":2}`))
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if v1 != 1 || v2 != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", v1, v2)
	}

	doc, err := m.Get(ctx, "records", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(doc.Data) != `{"a":2}` {
		t.Errorf("data = %s, want latest write", doc.Data)
	}
}

func TestMemory_UpdateCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v, _ := m.Set(ctx, "records", "p1", []byte(`{"n":0}`))

	if _, err := m.Update(ctx, "records", "p1", v, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("update with current version: %v", err)
	}
	// Stale version must lose.
	if _, err := m.Update(ctx, "records", "p1", v, []byte(`{"n":2}`)); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}
	if _, err := m.Update(ctx, "records", "missing", 1, []byte(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing update err = %v, want ErrNotFound", err)
	}

	doc, _ := m.Get(ctx, "records", "p1")
	if string(doc.Data) != `{"n":1}` {
		t.Errorf("data = %s, want winning write only", doc.Data)
	}
}

func TestMemory_CommitAppliesAllOps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Set(ctx, "records", "old", []byte(`{}`))

	err := m.Commit(ctx, []WriteOp{
		Put("archives", "a1", []byte(`{"id":"a1"}`)),
		Put("archives", "a1/records/p1", []byte(`{"p":"p1"}`)),
		Delete("records", "old"),
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := m.Get(ctx, "records", "old"); !errors.Is(err, ErrNotFound) {
		t.Error("deleted doc still present after commit")
	}
	docs, _ := m.List(ctx, "archives")
	if len(docs) != 2 {
		t.Errorf("archives count = %d, want 2", len(docs))
	}
}

func TestMemory_CommitGuards(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v, _ := m.Set(ctx, "sessions", "live", []byte(`{"phase":1}`))

	// A create-only put against an existing document rejects the whole
	// batch, later ops included.
	err := m.Commit(ctx, []WriteOp{
		PutIfAbsent("sessions", "live", []byte(`{"phase":9}`)),
		Put("records", "p1", []byte(`{}`)),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("create-only on existing doc err = %v, want ErrConflict", err)
	}
	if _, err := m.Get(ctx, "records", "p1"); !errors.Is(err, ErrNotFound) {
		t.Error("rejected batch applied a later op")
	}
	doc, _ := m.Get(ctx, "sessions", "live")
	if string(doc.Data) != `{"phase":1}` {
		t.Errorf("data = %s, want original write untouched", doc.Data)
	}

	// A guarded delete loses against a newer version and wins against
	// the current one.
	if err := m.Commit(ctx, []WriteOp{DeleteAt("sessions", "live", v+1)}); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale guarded delete err = %v, want ErrConflict", err)
	}
	if err := m.Commit(ctx, []WriteOp{DeleteAt("sessions", "live", v)}); err != nil {
		t.Fatalf("guarded delete at current version: %v", err)
	}
	if _, err := m.Get(ctx, "sessions", "live"); !errors.Is(err, ErrNotFound) {
		t.Error("guarded delete left the document behind")
	}

	// Create-only succeeds on a fresh key.
	if err := m.Commit(ctx, []WriteOp{PutIfAbsent("sessions", "live", []byte(`{}`))}); err != nil {
		t.Fatalf("create-only on fresh key: %v", err)
	}
}

func TestMemory_SubscribeDeliversChanges(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var got []Change
	cancel := m.Subscribe("sessions", func(ch Change) { got = append(got, ch) })

	m.Set(ctx, "sessions", "live", []byte(`{"phase":1}`))
	m.Set(ctx, "records", "p1", []byte(`{}`)) // different collection, not delivered
	m.Commit(ctx, []WriteOp{Delete("sessions", "live")})

	if len(got) != 2 {
		t.Fatalf("changes delivered = %d, want 2", len(got))
	}
	if got[0].ID != "live" || got[0].Deleted {
		t.Errorf("first change = %+v, want live write", got[0])
	}
	if !got[1].Deleted {
		t.Errorf("second change = %+v, want delete", got[1])
	}

	cancel()
	m.Set(ctx, "sessions", "live", []byte(`{}`))
	if len(got) != 2 {
		t.Error("change delivered after cancel")
	}
}
