package entitysync

import "testing"

func TestBiMapInsertReplacesBothSides(t *testing.T) {
	m := NewBiMap[int, string]()
	m.Insert(1, "a")
	m.Insert(2, "b")
	m.Insert(1, "b")

	if m.Len() != 1 {
		t.Fatalf("Expected 1 pair, got %d", m.Len())
	}
	if r, _ := m.GetByLeft(1); r != "b" {
		t.Errorf("Expected 1 -> b, got %q", r)
	}
	if _, ok := m.GetByLeft(2); ok {
		t.Error("2 should have been dropped with its right key")
	}
	if err := m.Check(); err != nil {
		t.Errorf("Check failed: %v", err)
	}
}

func TestBiMapInsertNoOverwrite(t *testing.T) {
	m := NewBiMap[int, string]()
	if !m.InsertNoOverwrite(1, "a") {
		t.Fatal("first insert should succeed")
	}
	if m.InsertNoOverwrite(1, "b") || m.InsertNoOverwrite(2, "a") {
		t.Error("inserts reusing a key should be refused")
	}
}

func TestBiMapRemove(t *testing.T) {
	m := NewBiMap[int, string]()
	m.Insert(1, "a")
	m.Insert(2, "b")

	if r, ok := m.RemoveByLeft(1); !ok || r != "a" {
		t.Errorf("RemoveByLeft returned %q, %v", r, ok)
	}
	if l, ok := m.RemoveByRight("b"); !ok || l != 2 {
		t.Errorf("RemoveByRight returned %d, %v", l, ok)
	}
	if m.Len() != 0 {
		t.Errorf("Expected empty map, got %d", m.Len())
	}
	if _, ok := m.RemoveByLeft(1); ok {
		t.Error("removing twice should report a miss")
	}
	if err := m.Check(); err != nil {
		t.Errorf("Check failed: %v", err)
	}
}
