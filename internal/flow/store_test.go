package flow

import "testing"

func TestStoreInsertGetAll(t *testing.T) {
	s := NewStore()
	a := New(KindHTTP)
	b := New(KindTCP)

	s.Insert(a)
	s.Insert(b)

	all := s.GetAll()
	if len(all) != 2 {
		t.Fatalf("GetAll() len = %d, want 2", len(all))
	}
	if all[0].ID != a.ID || all[1].ID != b.ID {
		t.Error("expected GetAll() to preserve insertion order")
	}

	got := s.Get(a.ID)
	if got == nil || got.ID != a.ID {
		t.Error("Get(a.ID) did not return the inserted flow")
	}
	if got == a {
		t.Error("Get(a.ID) returned the live flow pointer instead of a snapshot")
	}
}

func TestStoreGetReturnsSnapshotNotLiveHandle(t *testing.T) {
	s := NewStore()
	a := NewHTTP(&Request{Method: "GET", Path: "/orig"})
	s.Insert(a)

	snap := s.Get(a.ID)
	snap.Request.Path = "/mutated"
	snap.Comment = "mutated"

	live := s.Get(a.ID)
	if live.Request.Path != "/orig" {
		t.Error("mutating a Get() snapshot's request leaked into the stored flow")
	}
	if live.Comment == "mutated" {
		t.Error("mutating a Get() snapshot's comment leaked into the stored flow")
	}

	all := s.GetAll()
	if all[0] == a {
		t.Error("GetAll() returned the live flow pointer instead of a snapshot")
	}
}

func TestStoreUpdateFailsIfAbsentAndDoesNotMerge(t *testing.T) {
	s := NewStore()
	a := NewHTTP(&Request{Method: "GET"})

	if err := s.Update(a); err == nil {
		t.Fatal("Update() on an id never Inserted should fail")
	}

	s.Insert(a)
	revised := a.Snapshot()
	revised.Comment = "flagged"
	revised.Request.Path = "/revised"

	if err := s.Update(revised); err != nil {
		t.Fatalf("Update() on a present id returned an error: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d after Update, want 1 (Update must not append)", s.Len())
	}

	got := s.Get(a.ID)
	if got.Comment != "flagged" || got.Request.Path != "/revised" {
		t.Error("Update() did not replace the stored flow's fields")
	}
}

func TestStoreRemove(t *testing.T) {
	s := NewStore()
	a := New(KindHTTP)
	s.Insert(a)

	if !s.Remove(a.ID) {
		t.Fatal("Remove() on existing id returned false")
	}
	if s.Get(a.ID) != nil {
		t.Error("expected Get() to return nil after Remove()")
	}
	if s.Remove(a.ID) {
		t.Error("expected second Remove() of the same id to return false")
	}
}

func TestStoreFilteredAndClear(t *testing.T) {
	s := NewStore()
	httpFlow := New(KindHTTP)
	tcpFlow := New(KindTCP)
	s.Insert(httpFlow)
	s.Insert(tcpFlow)

	pred := FlowKindIs(KindHTTP)
	filtered := s.Filtered(pred)
	if len(filtered) != 1 || filtered[0].ID != httpFlow.ID {
		t.Fatalf("Filtered(http) = %v, want only the http flow", filtered)
	}

	s.Clear(pred)
	if s.Len() != 1 {
		t.Fatalf("Len() after Clear(http) = %d, want 1", s.Len())
	}
	if s.Get(tcpFlow.ID) == nil {
		t.Error("expected the TCP flow to survive a kind-scoped Clear")
	}
}

func TestStoreDuplicate(t *testing.T) {
	s := NewStore()
	orig := NewHTTP(&Request{Method: "GET"})
	s.Insert(orig)

	dup := s.Duplicate(orig.ID)
	if dup == nil {
		t.Fatal("Duplicate() returned nil for an existing flow")
	}
	if dup.ID == orig.ID {
		t.Error("expected Duplicate() to assign a new id")
	}
	if !dup.IsReplay {
		t.Error("expected Duplicate() to set is_replay=true")
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2 after Duplicate", s.Len())
	}
}
