package file_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/internal/history/file"
	"github.com/MrWong99/voxline/internal/transcript"
)

func record(id string, at time.Time, text string) history.Record {
	entries := []transcript.Entry{{Role: transcript.RoleUser, Text: text, Timestamp: "1:02"}}
	return history.NewRecord(id, at, at.Add(42*time.Second), entries)
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s, err := file.Open(filepath.Join(t.TempDir(), "sub", "history.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("List = %d records, want 0", len(list))
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := file.Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := file.Open(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s, err := file.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(ctx, record("old", t0, "first call")); err != nil {
		t.Fatalf("Save old: %v", err)
	}
	if err := s.Save(ctx, record("new", t0.Add(time.Hour), "second call")); err != nil {
		t.Fatalf("Save new: %v", err)
	}

	reopened, err := file.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	list, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("List = %+v, want [new old]", list)
	}
	if list[1].Duration != 42 || list[1].Summary != "first call" {
		t.Errorf("old record = %+v", list[1])
	}
	if !list[1].Date.Equal(t0) {
		t.Errorf("Date = %v, want %v", list[1].Date, t0)
	}

	got, err := reopened.Get(ctx, "old")
	if err != nil || got.Transcript[0].Timestamp != "1:02" {
		t.Errorf("Get(old) = %+v, %v", got, err)
	}
}

func TestStore_SaveReplacesByID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, _ := file.Open(filepath.Join(t.TempDir(), "history.json"))

	_ = s.Save(ctx, record("a", t0, "before"))
	_ = s.Save(ctx, record("a", t0, "after"))

	list, _ := s.List(ctx)
	if len(list) != 1 || list[0].Summary != "after" {
		t.Errorf("List = %+v, want single replaced record", list)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s, _ := file.Open(filepath.Join(t.TempDir(), "history.json"))
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_NoTempFilesLeft(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, _ := file.Open(filepath.Join(dir, "history.json"))
	for i := range 3 {
		_ = s.Save(context.Background(), record(string(rune('a'+i)), time.Now(), "x"))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "history.json" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("dir contents = %v, want only history.json", names)
	}
}

func TestStore_SearchViaFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := file.Open(filepath.Join(t.TempDir(), "history.json"))
	_ = s.Save(ctx, record("a", time.Now(), "Order a Pizza"))
	_ = s.Save(ctx, record("b", time.Now(), "weather"))

	got, err := history.Search(ctx, s, "PIZZA")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("Search = %+v", got)
	}
}

func TestStore_SaveCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _ := file.Open(filepath.Join(t.TempDir(), "history.json"))
	if err := s.Save(ctx, record("a", time.Now(), "x")); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
