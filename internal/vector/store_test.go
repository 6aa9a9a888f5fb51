package vector

import (
	"context"
	"encoding/gob"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperjump/chishiki/internal/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestStore(t *testing.T, dir string, dims int) (*Store, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.WarnLevel)
	s, err := NewStore(dir, "memory", dims, WithLogger(zap.New(core)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, logs
}

func unit(dims, axis int) []float32 {
	v := make([]float32, dims)
	v[axis] = 1
	return v
}

func TestStore_RoundTripSimilarity(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir(), 4)
	ctx := context.Background()

	vec := []float32{3, 4, 0, 0}
	ids, err := s.Add(ctx, []Item{{DocumentID: 7, ChunkIndex: 0, Text: "hello", Vector: vec}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 0 {
		t.Fatalf("ids = %v", ids)
	}
	if vec[0] != 3 {
		t.Error("caller's vector must not be normalized in place")
	}

	results, err := s.Search(ctx, vec, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.DocumentID != 7 || r.ChunkIndex != 0 || r.Text != "hello" {
		t.Errorf("unexpected result %+v", r)
	}
	if math.Abs(r.Score-1) > 1e-5 {
		t.Errorf("expected similarity ~1.0, got %f", r.Score)
	}
}

func TestStore_EmptySearch(t *testing.T) {
	s, logs := newTestStore(t, t.TempDir(), 3)
	results, err := s.Search(context.Background(), unit(3, 0), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
	if logs.Len() != 0 {
		t.Errorf("missing artifacts should not warn, got %d warnings", logs.Len())
	}
	if s.Corruptions() != 0 {
		t.Errorf("Corruptions() = %d", s.Corruptions())
	}
}

func TestStore_SearchOrderAndLimit(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir(), 3)
	ctx := context.Background()
	_, err := s.Add(ctx, []Item{
		{DocumentID: 1, ChunkIndex: 0, Text: "x", Vector: []float32{1, 0, 0}},
		{DocumentID: 1, ChunkIndex: 1, Text: "xy", Vector: []float32{1, 1, 0}},
		{DocumentID: 2, ChunkIndex: 0, Text: "z", Vector: []float32{0, 0, 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	results, err := s.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Text != "x" || results[1].Text != "xy" {
		t.Errorf("results = %+v", results)
	}
	if results[0].Score < results[1].Score {
		t.Error("results must be ordered by descending score")
	}
	if res, _ := s.Search(ctx, []float32{1, 0, 0}, 0); len(res) != 0 {
		t.Error("k=0 should return nothing")
	}
	if res, _ := s.Search(ctx, []float32{1, 0, 0}, 10); len(res) != 3 {
		t.Errorf("k larger than index should return all, got %d", len(res))
	}
}

func TestStore_DimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, dir, 3)
	ctx := context.Background()

	_, err := s.Add(ctx, []Item{
		{DocumentID: 1, Vector: []float32{1, 0, 0}},
		{DocumentID: 1, ChunkIndex: 1, Vector: []float32{1, 0}},
	})
	if !errors.Is(err, models.ErrEmbeddingDimensionMismatch) {
		t.Fatalf("expected ErrEmbeddingDimensionMismatch, got %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("nothing should be added, Count=%d", s.Count())
	}
	if _, err := s.Search(ctx, []float32{1, 0}, 1); !errors.Is(err, models.ErrEmbeddingDimensionMismatch) {
		t.Errorf("expected query dimension error, got %v", err)
	}

	if _, err := s.Add(ctx, []Item{{DocumentID: 1, Vector: []float32{1, 0, 0}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(dir, "memory", 5); !errors.Is(err, models.ErrEmbeddingDimensionMismatch) {
		t.Errorf("reopening with another dimension should fail, got %v", err)
	}
}

func TestStore_DeleteByDocument(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir(), 3)
	ctx := context.Background()
	_, err := s.Add(ctx, []Item{
		{DocumentID: 1, ChunkIndex: 0, Text: "a0", Vector: unit(3, 0)},
		{DocumentID: 2, ChunkIndex: 0, Text: "b0", Vector: unit(3, 1)},
		{DocumentID: 1, ChunkIndex: 1, Text: "a1", Vector: unit(3, 2)},
	})
	if err != nil {
		t.Fatal(err)
	}

	removed, err := s.DeleteByDocument(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	for axis := 0; axis < 3; axis++ {
		results, err := s.Search(ctx, unit(3, axis), 10)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range results {
			if r.DocumentID == 1 {
				t.Errorf("document 1 still returned: %+v", r)
			}
		}
	}
	results, _ := s.Search(ctx, unit(3, 1), 1)
	if len(results) != 1 || results[0].Text != "b0" || results[0].EntryID != 1 {
		t.Errorf("survivor should keep its entry id and vector: %+v", results)
	}
	if math.Abs(results[0].Score-1) > 1e-5 {
		t.Errorf("survivor vector changed, score %f", results[0].Score)
	}

	if n, err := s.DeleteByDocument(ctx, 42); err != nil || n != 0 {
		t.Errorf("deleting unknown document: n=%d err=%v", n, err)
	}
}

func TestStore_EntryIDsNeverReused(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, dir, 2)
	ctx := context.Background()

	_, _ = s.Add(ctx, []Item{{DocumentID: 1, Vector: unit(2, 0)}, {DocumentID: 1, ChunkIndex: 1, Vector: unit(2, 1)}})
	if _, err := s.DeleteByDocument(ctx, 1); err != nil {
		t.Fatal(err)
	}
	ids, err := s.Add(ctx, []Item{{DocumentID: 2, Vector: unit(2, 0)}})
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] != 2 {
		t.Errorf("expected id 2 after deleting 0 and 1, got %d", ids[0])
	}

	reopened, _ := newTestStore(t, dir, 2)
	ids, err = reopened.Add(ctx, []Item{{DocumentID: 3, Vector: unit(2, 1)}})
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] != 3 {
		t.Errorf("next_id should survive a restart, got %d", ids[0])
	}
}

func TestStore_ReloadSeesOtherWriter(t *testing.T) {
	dir := t.TempDir()
	writer, _ := newTestStore(t, dir, 2)
	reader, _ := newTestStore(t, dir, 2)
	ctx := context.Background()

	if _, err := writer.Add(ctx, []Item{{DocumentID: 5, Text: "shared", Vector: unit(2, 0)}}); err != nil {
		t.Fatal(err)
	}
	results, err := reader.Search(ctx, unit(2, 0), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Text != "shared" {
		t.Errorf("reader should reload before searching, got %+v", results)
	}
}

func TestStore_CorruptArtifacts(t *testing.T) {
	tests := []struct {
		name   string
		damage func(t *testing.T, dir string)
	}{
		{"zero-byte metadata", func(t *testing.T, dir string) {
			writeFile(t, filepath.Join(dir, metaFileName), nil)
		}},
		{"zero-byte vectors", func(t *testing.T, dir string) {
			writeFile(t, filepath.Join(dir, "index.vec"), nil)
		}},
		{"truncated vectors", func(t *testing.T, dir string) {
			path := filepath.Join(dir, "index.vec")
			data, _ := os.ReadFile(path)
			writeFile(t, path, data[:len(data)-5])
		}},
		{"garbage metadata", func(t *testing.T, dir string) {
			writeFile(t, filepath.Join(dir, metaFileName), []byte("not a gob stream"))
		}},
		{"metadata missing", func(t *testing.T, dir string) {
			os.Remove(filepath.Join(dir, metaFileName))
		}},
		{"vectors missing", func(t *testing.T, dir string) {
			os.Remove(filepath.Join(dir, "index.vec"))
		}},
		{"garbage vectors", func(t *testing.T, dir string) {
			writeFile(t, filepath.Join(dir, "index.vec"), []byte("garbage bytes here!!"))
		}},
		{"count mismatch", func(t *testing.T, dir string) {
			writeMeta(t, dir, metaFile{Version: metaVersion, Dimensions: 2, NextID: 1, Entries: []Entry{{ID: 0, DocumentID: "1"}}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s, logs := newTestStore(t, dir, 2)
			ctx := context.Background()
			_, err := s.Add(ctx, []Item{{DocumentID: 1, Vector: unit(2, 0)}, {DocumentID: 1, ChunkIndex: 1, Vector: unit(2, 1)}})
			if err != nil {
				t.Fatal(err)
			}

			tt.damage(t, dir)

			results, err := s.Search(ctx, unit(2, 0), 5)
			if err != nil {
				t.Fatalf("corruption must not surface as an error: %v", err)
			}
			if len(results) != 0 {
				t.Errorf("expected empty index, got %d results", len(results))
			}
			if s.Corruptions() != 1 {
				t.Errorf("Corruptions() = %d, want 1", s.Corruptions())
			}
			if logs.FilterMessage("vector index discarded").Len() != 1 {
				t.Errorf("expected one corruption warning, got %d", logs.Len())
			}
			_, _ = s.Search(ctx, unit(2, 0), 5)
			if s.Corruptions() != 1 {
				t.Errorf("unchanged corrupt artifacts should not be counted twice")
			}

			ids, err := s.Add(ctx, []Item{{DocumentID: 2, Vector: unit(2, 0)}})
			if err != nil {
				t.Fatal(err)
			}
			if ids[0] != 2 {
				t.Errorf("entry ids must not restart after corruption, got %d", ids[0])
			}
		})
	}
}

func TestStore_GarbageVectorsOnRestart(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, dir, 2)
	if _, err := s.Add(context.Background(), []Item{{DocumentID: 1, Vector: unit(2, 0)}}); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "index.vec"), []byte("garbage bytes here!!"))

	reopened, _ := newTestStore(t, dir, 2)
	if reopened.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reopened.Count())
	}
	if reopened.Corruptions() != 1 {
		t.Errorf("Corruptions() = %d, want 1", reopened.Corruptions())
	}
}

func TestStore_SkipsNonIntegerDocumentIDs(t *testing.T) {
	dir := t.TempDir()
	s, logs := newTestStore(t, dir, 2)
	ctx := context.Background()
	if _, err := s.Add(ctx, []Item{{DocumentID: 1, Text: "good", Vector: unit(2, 0)}, {DocumentID: 2, Text: "bad", Vector: []float32{1, 0.1}}}); err != nil {
		t.Fatal(err)
	}
	writeMeta(t, dir, metaFile{Version: metaVersion, Dimensions: 2, NextID: 2, Entries: []Entry{
		{ID: 0, DocumentID: "1", ChunkText: "good"},
		{ID: 1, DocumentID: "doc-two", ChunkText: "bad"},
	}})

	results, err := s.Search(ctx, unit(2, 0), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Text != "good" {
		t.Errorf("results = %+v", results)
	}
	warned := false
	for _, entry := range logs.All() {
		for _, f := range entry.Context {
			if f.Key == "error" {
				if err, ok := f.Interface.(error); ok && errors.Is(err, models.ErrIdentifierCoercion) {
					warned = true
				}
			}
		}
	}
	if !warned {
		t.Error("expected a warning wrapping ErrIdentifierCoercion")
	}
}

func TestStore_ConcurrentAdds(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir(), 4)
	ctx := context.Background()

	const writers, perWriter = 8, 5
	var wg sync.WaitGroup
	idCh := make(chan int64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(doc int64) {
			defer wg.Done()
			items := make([]Item, perWriter)
			for i := range items {
				items[i] = Item{DocumentID: doc, ChunkIndex: i, Vector: unit(4, i%4)}
			}
			ids, err := s.Add(ctx, items)
			if err != nil {
				t.Error(err)
				return
			}
			for _, id := range ids {
				idCh <- id
			}
		}(int64(w + 1))
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Search(ctx, unit(4, 0), 3); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	close(idCh)

	seen := make(map[int64]bool)
	for id := range idCh {
		if seen[id] {
			t.Errorf("duplicate entry id %d", id)
		}
		seen[id] = true
	}
	if s.Count() != writers*perWriter {
		t.Errorf("Count() = %d, want %d", s.Count(), writers*perWriter)
	}
	counts := s.DocumentIDs()
	for doc := int64(1); doc <= writers; doc++ {
		if counts[doc] != perWriter || s.CountByDocument(doc) != perWriter {
			t.Errorf("document %d has %d entries", doc, counts[doc])
		}
	}
}

func TestStore_DeleteDocuments(t *testing.T) {
	s, _ := newTestStore(t, t.TempDir(), 2)
	ctx := context.Background()
	_, _ = s.Add(ctx, []Item{{DocumentID: 1, Vector: unit(2, 0)}, {DocumentID: 2, Vector: unit(2, 1)}, {DocumentID: 3, Vector: unit(2, 0)}})

	removed, err := s.DeleteDocuments(ctx, func(id int64) bool { return id == 2 })
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 || s.Count() != 1 || s.CountByDocument(2) != 1 {
		t.Errorf("removed=%d count=%d", removed, s.Count())
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func writeMeta(t *testing.T, dir string, meta metaFile) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, metaFileName))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(&meta); err != nil {
		t.Fatal(err)
	}
}
