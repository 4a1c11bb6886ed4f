package schema

import (
	"testing"
	"time"
)

func TestLayoutAt_IndexesAreMonotonic(t *testing.T) {
	prev := LayoutAt(4)
	next := LayoutAt(CurrentVersion)

	for _, old := range prev.Stores {
		cur, ok := next.Store(old.Name)
		if !ok {
			t.Fatalf("store %s dropped in version %d", old.Name, next.Version)
		}
		for _, idx := range old.Indexes {
			if _, ok := cur.Index(idx.Name); !ok {
				t.Errorf("index %s.%s dropped in version %d", old.Name, idx.Name, next.Version)
			}
		}
	}

	queue, _ := next.Store(SyncQueue)
	if _, ok := queue.Index("synced"); !ok {
		t.Error("syncQueue.synced missing from current layout")
	}
	oldQueue, _ := prev.Store(SyncQueue)
	if _, ok := oldQueue.Index("synced"); ok {
		t.Error("syncQueue.synced present in version 4 layout")
	}
}

func TestLayout_SettingsKeyedByKey(t *testing.T) {
	s, ok := Current().Store(Settings)
	if !ok {
		t.Fatal("settings store missing")
	}
	if s.KeyPath != FieldKey {
		t.Errorf("settings key path = %q, want %q", s.KeyPath, FieldKey)
	}
	if Settings.IsSynced() || SyncQueue.IsSynced() {
		t.Error("settings and syncQueue must not be synced collections")
	}
	if !Records.IsSynced() {
		t.Error("records must be a synced collection")
	}
}

func TestParseCollection(t *testing.T) {
	if _, err := ParseCollection("records"); err != nil {
		t.Errorf("ParseCollection(records) error = %v", err)
	}
	if _, err := ParseCollection("donations"); err == nil {
		t.Error("ParseCollection(donations) should fail")
	}
}

func TestCompareUpdatedAt(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Millisecond)

	a := Document{FieldUpdatedAt: FormatTime(t1)}
	b := Document{FieldUpdatedAt: t2.Format(time.RFC3339Nano)}

	if CompareUpdatedAt(a, b) >= 0 {
		t.Error("expected a < b")
	}
	if CompareUpdatedAt(b, a) <= 0 {
		t.Error("expected b > a")
	}
	if !SameUpdatedAt(a, Document{FieldUpdatedAt: "2026-01-01T00:00:00Z"}) {
		t.Error("equal instants in different layouts should compare equal")
	}
	if CompareUpdatedAt(Document{}, a) >= 0 {
		t.Error("missing updatedAt should sort first")
	}
}

func TestDocument_Key(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
		want string
	}{
		{"string", Document{"id": "abc"}, "abc"},
		{"float", Document{"id": float64(1700000000123)}, "1700000000123"},
		{"int", Document{"id": 9}, "9"},
		{"missing", Document{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.doc.ID(); got != tt.want {
				t.Errorf("ID() = %q, want %q", got, tt.want)
			}
		})
	}
}
