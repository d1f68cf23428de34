package history

import (
	"testing"

	"agentflow/internal/domain"
)

func rec(id string) domain.Record {
	return domain.Record{
		Item:   domain.WorkItem{ID: id, Status: domain.StatusCompleted},
		Result: domain.Result{TaskID: id, Status: domain.StatusCompleted, Success: true},
	}
}

func TestEvictsOldestToCallback(t *testing.T) {
	var evicted []string
	s, err := New(2, func(r domain.Record) { evicted = append(evicted, r.Item.ID) })
	if err != nil {
		t.Fatal(err)
	}
	s.Put(rec("a"))
	s.Put(rec("b"))
	// reads must not change which record goes first
	if _, ok := s.Get("a"); !ok {
		t.Fatal("a missing")
	}
	s.Put(rec("c"))

	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("evicted = %v", evicted)
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("a still present")
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d", s.Len())
	}
	recs := s.Records()
	if recs[0].Item.ID != "b" || recs[1].Item.ID != "c" {
		t.Fatalf("records = %v", recs)
	}
}

func TestDefaultSize(t *testing.T) {
	s, err := New(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		s.Put(rec(string(rune('a' + i))))
	}
	if s.Len() != 10 {
		t.Fatalf("len = %d", s.Len())
	}
}
