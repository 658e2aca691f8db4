package opstate

import (
	"database/sql"
	"maps"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestGet_Missing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("firmware", "pending_version")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSet_Overwrites(t *testing.T) {
	s := testStore(t)

	for _, v := range []string{"false", "true"} {
		if err := s.Set("shared_attributes", "ledState", v); err != nil {
			t.Fatalf("Set(%q) error: %v", v, err)
		}
	}

	val, err := s.Get("shared_attributes", "ledState")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "true" {
		t.Errorf("Get() = %q, want %q", val, "true")
	}
	all, _ := s.List("shared_attributes")
	if len(all) != 1 {
		t.Errorf("List() = %v, want one entry after overwrite", all)
	}
}

func TestSetAll(t *testing.T) {
	s := testStore(t)
	if err := s.Set("firmware", "stale", "x"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	want := map[string]string{"pending_title": "RTOTA", "pending_version": "3"}
	if err := s.SetAll("firmware", want); err != nil {
		t.Fatalf("SetAll() error: %v", err)
	}

	got, err := s.List("firmware")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	want["stale"] = "x"
	if !maps.Equal(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestSetAll_Empty(t *testing.T) {
	s := testStore(t)
	if err := s.SetAll("firmware", nil); err != nil {
		t.Errorf("SetAll(nil) error: %v", err)
	}
}

func TestSetAll_ClosedDatabase(t *testing.T) {
	s := testStore(t)
	if err := s.Set("shared_attributes", "POWER", "false"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	// The batch fails at BeginTx and reports it.
	s.db.Close()
	if err := s.SetAll("shared_attributes", map[string]string{"POWER": "true"}); err == nil {
		t.Fatal("SetAll() on a closed database succeeded")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	s.Set("ns", "a", "1")
	s.Set("ns", "b", "2")

	if err := s.Delete("ns", "a"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := s.Delete("ns", "missing"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}

	got, _ := s.List("ns")
	if !maps.Equal(got, map[string]string{"b": "2"}) {
		t.Errorf("List() = %v after delete", got)
	}
}

func TestDeleteNamespace(t *testing.T) {
	s := testStore(t)
	s.SetAll("firmware", map[string]string{"pending_title": "RTOTA", "pending_version": "3"})
	s.Set("shared_attributes", "POWER", "true")

	if err := s.DeleteNamespace("firmware"); err != nil {
		t.Fatalf("DeleteNamespace() error: %v", err)
	}
	if err := s.DeleteNamespace("nonexistent"); err != nil {
		t.Errorf("DeleteNamespace(empty) error: %v", err)
	}

	fw, _ := s.List("firmware")
	if len(fw) != 0 {
		t.Errorf("firmware namespace = %v, want empty", fw)
	}
	if v, _ := s.Get("shared_attributes", "POWER"); v != "true" {
		t.Errorf("shared_attributes/POWER = %q, want untouched", v)
	}
}

func TestList_Empty(t *testing.T) {
	s := testStore(t)

	result, err := s.List("empty")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if result == nil || len(result) != 0 {
		t.Errorf("List() = %#v, want empty non-nil map", result)
	}
}

func TestEntries(t *testing.T) {
	s := testStore(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	s.now = func() time.Time { return now }

	s.Set("shared_attributes", "ledState", "false")
	now = t0.Add(time.Minute)
	s.Set("shared_attributes", "POWER", "true")
	s.Set("other", "x", "1")

	entries, err := s.Entries("shared_attributes")
	if err != nil {
		t.Fatalf("Entries() error: %v", err)
	}
	want := []Entry{
		{Key: "POWER", Value: "true", UpdatedAt: t0.Add(time.Minute)},
		{Key: "ledState", Value: "false", UpdatedAt: t0},
	}
	if len(entries) != len(want) {
		t.Fatalf("Entries() = %v, want %v", entries, want)
	}
	for i := range want {
		if entries[i].Key != want[i].Key || entries[i].Value != want[i].Value || !entries[i].UpdatedAt.Equal(want[i].UpdatedAt) {
			t.Errorf("Entries()[%d] = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fieldnode.db")

	s1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	if err := s1.SetAll("firmware", map[string]string{"pending_version": "3"}); err != nil {
		t.Fatalf("SetAll() error: %v", err)
	}
	s1.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(2): %v", err)
	}
	defer s2.Close()

	if v, _ := s2.Get("firmware", "pending_version"); v != "3" {
		t.Errorf("Get() = %q after reopen, want %q", v, "3")
	}
}

func TestOpen_MissingDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "fieldnode.db")

	if _, err := Open(dbPath); err == nil {
		t.Error("Open() should fail when the parent directory does not exist")
	}
}
