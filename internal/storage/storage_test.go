package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
)

type testData struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestStorage_PutAndGet(t *testing.T) {
	tmpDir := t.TempDir()
	s := New(tmpDir)
	ctx := context.Background()

	data := testData{ID: "123", Value: 42}
	if err := s.Put(ctx, []string{"items", "item1"}, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "items", "item1.json")); os.IsNotExist(err) {
		t.Fatal("File was not created")
	}

	var retrieved testData
	if err := s.Get(ctx, []string{"items", "item1"}, &retrieved); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved != data {
		t.Errorf("Data mismatch: got %+v, want %+v", retrieved, data)
	}
}

func TestStorage_GetNotFound(t *testing.T) {
	s := NewWithFs(afero.NewMemMapFs(), "/data")

	var data testData
	if err := s.Get(context.Background(), []string{"missing"}, &data); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got: %v", err)
	}
}

func TestStorage_UpdateCreatesAndMutates(t *testing.T) {
	s := NewWithFs(afero.NewMemMapFs(), "/data")
	ctx := context.Background()

	var first testData
	err := s.Update(ctx, []string{"counter"}, &first, func(found bool) error {
		if found {
			t.Error("expected document to be absent")
		}
		first.ID = "c"
		first.Value = 1
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	var second testData
	err = s.Update(ctx, []string{"counter"}, &second, func(found bool) error {
		if !found {
			t.Error("expected document to exist")
		}
		second.Value++
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	var got testData
	if err := s.Get(ctx, []string{"counter"}, &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Value != 2 || got.ID != "c" {
		t.Errorf("unexpected document %+v", got)
	}
}

func TestStorage_UpdateAbortsOnError(t *testing.T) {
	s := NewWithFs(afero.NewMemMapFs(), "/data")
	ctx := context.Background()

	if err := s.Put(ctx, []string{"doc"}, testData{Value: 7}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	boom := errors.New("boom")
	var doc testData
	err := s.Update(ctx, []string{"doc"}, &doc, func(bool) error {
		doc.Value = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var got testData
	_ = s.Get(ctx, []string{"doc"}, &got)
	if got.Value != 7 {
		t.Errorf("aborted update was written: %+v", got)
	}
}

func TestStorage_ConcurrentUpdates(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var doc testData
			_ = s.Update(ctx, []string{"n"}, &doc, func(bool) error {
				doc.Value++
				return nil
			})
		}()
	}
	wg.Wait()

	var got testData
	if err := s.Get(ctx, []string{"n"}, &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Value != 20 {
		t.Errorf("lost updates: got %d, want 20", got.Value)
	}
}

func TestStorage_List(t *testing.T) {
	s := NewWithFs(afero.NewMemMapFs(), "/data")
	ctx := context.Background()

	_ = s.Put(ctx, []string{"items", "a"}, testData{ID: "a"})
	_ = s.Put(ctx, []string{"items", "b"}, testData{ID: "b"})

	items, err := s.List(ctx, []string{"items"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %v", items)
	}

	items, err = s.List(ctx, []string{"missing"})
	if err != nil || len(items) != 0 {
		t.Errorf("expected empty list for missing dir, got %v, %v", items, err)
	}
}
