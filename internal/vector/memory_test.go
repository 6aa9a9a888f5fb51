package vector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/chishiki/internal/models"
)

func TestMemoryIndex_AddSearch(t *testing.T) {
	idx, err := NewMemoryIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	}
	if err := idx.Add(ctx, vecs); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Position != 0 || hits[1].Position != 1 {
		t.Errorf("unexpected order: %+v", hits)
	}
}

func TestMemoryIndex_AddRejectsWrongDimension(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	err := idx.Add(context.Background(), [][]float32{{1, 0}, {1, 0, 0}})
	if !errors.Is(err, models.ErrEmbeddingDimensionMismatch) {
		t.Fatalf("expected ErrEmbeddingDimensionMismatch, got %v", err)
	}
	if idx.Size() != 0 {
		t.Errorf("nothing should be added, size=%d", idx.Size())
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.vec")

	idx, _ := NewMemoryIndex(2)
	_ = idx.Add(ctx, [][]float32{{1, 0}, {0, 1}})
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}

	idx2, _ := NewMemoryIndex(2)
	if err := idx2.Load(path); err != nil {
		t.Fatal(err)
	}
	vec, err := idx2.Reconstruct(1)
	if err != nil {
		t.Fatal(err)
	}
	if vec[0] != 0 || vec[1] != 1 {
		t.Errorf("Reconstruct(1) = %v", vec)
	}

	idx3, _ := NewMemoryIndex(3)
	if err := idx3.Load(path); !errors.Is(err, models.ErrEmbeddingDimensionMismatch) {
		t.Errorf("expected ErrEmbeddingDimensionMismatch, got %v", err)
	}
}

func TestMemoryIndex_LoadTruncated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.vec")
	idx, _ := NewMemoryIndex(2)
	_ = idx.Add(ctx, [][]float32{{1, 0}, {0, 1}})
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if err := os.WriteFile(path, data[:len(data)-3], 0644); err != nil {
		t.Fatal(err)
	}

	idx2, _ := NewMemoryIndex(2)
	_ = idx2.Add(ctx, [][]float32{{1, 1}})
	if err := idx2.Load(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
	if idx2.Size() != 1 {
		t.Errorf("failed load must not change the index, size=%d", idx2.Size())
	}
}

func TestMemoryIndex_LoadMissingFile(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	if err := idx.Load(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Errorf("missing file should not error: %v", err)
	}
}

func TestMemoryIndex_Reset(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	_ = idx.Add(context.Background(), [][]float32{{1, 0}})
	_ = idx.Reset()
	if idx.Size() != 0 {
		t.Errorf("Size after Reset = %d", idx.Size())
	}
	if _, err := idx.Reconstruct(0); err == nil {
		t.Error("expected out-of-range error")
	}
}
