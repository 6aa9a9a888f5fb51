package vector

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
)

const (
	metaFileName = "index.meta"
	metaVersion  = 1
)

// Entry is the metadata stored for one vector. Entries are kept parallel to backend positions.
// DocumentID is kept as a string in the metadata artifact and coerced when read.
type Entry struct {
	ID         int64
	DocumentID string
	ChunkIndex int
	ChunkText  string
}

// Item is a vector to add with the chunk it belongs to.
type Item struct {
	DocumentID int64
	ChunkIndex int
	Text       string
	Vector     []float32
}

// Result is a search hit resolved to its chunk.
type Result struct {
	EntryID    int64
	DocumentID int64
	ChunkIndex int
	Text       string
	Score      float64
}

type metaFile struct {
	Version    int
	Dimensions int
	NextID     int64
	Entries    []Entry
}

type fileStamp struct {
	exists  bool
	size    int64
	modTime time.Time
}

type stamps struct {
	vec, meta fileStamp
}

// Store is a persisted vector index: a positional backend plus per-entry metadata, saved as two
// artifacts in one directory and reloaded whenever another writer changed them.
type Store struct {
	dir        string
	indexType  string
	dimensions int
	logger     *zap.Logger

	mu       sync.RWMutex
	backend  Index
	entries  []Entry
	nextID   int64
	loaded   stamps
	dirty    bool
	corrupts atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for corruption and coercion warnings.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = utils.OrNop(l)
	}
}

// NewStore opens the index in dir, creating an empty one when no artifacts exist.
// A persisted dimension different from dimensions is returned as ErrEmbeddingDimensionMismatch.
func NewStore(dir, indexType string, dimensions int, opts ...Option) (*Store, error) {
	backend, err := NewIndex(indexType, dimensions)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:        dir,
		indexType:  backend.Type(),
		dimensions: dimensions,
		logger:     zap.NewNop(),
		backend:    backend,
		dirty:      true,
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		backend.Close()
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	if err := s.Reload(); err != nil {
		backend.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) vecPath() string  { return filepath.Join(s.dir, ArtifactName(s.indexType)) }
func (s *Store) metaPath() string { return filepath.Join(s.dir, metaFileName) }

// Dimensions returns the configured vector dimension.
func (s *Store) Dimensions() int { return s.dimensions }

// Add normalizes and appends items, assigns each a new entry id and persists both artifacts.
// If any vector has the wrong dimension nothing is added.
func (s *Store) Add(ctx context.Context, items []Item) ([]int64, error) {
	if len(items) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, len(items))
	for i, it := range items {
		if len(it.Vector) != s.dimensions {
			return nil, fmt.Errorf("%w: item %d has %d values, index expects %d", models.ErrEmbeddingDimensionMismatch, i, len(it.Vector), s.dimensions)
		}
		vectors[i] = utils.Normalized(it.Vector)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadIfChangedLocked(); err != nil {
		return nil, err
	}
	if err := s.backend.Add(ctx, vectors); err != nil {
		return nil, fmt.Errorf("add vectors: %w", err)
	}
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = s.nextID
		s.entries = append(s.entries, Entry{
			ID:         s.nextID,
			DocumentID: strconv.FormatInt(it.DocumentID, 10),
			ChunkIndex: it.ChunkIndex,
			ChunkText:  it.Text,
		})
		s.nextID++
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Search returns up to k entries most similar to query, best first. An empty index or k <= 0
// yields no results and no error.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != s.dimensions {
		return nil, fmt.Errorf("%w: query has %d values, index expects %d", models.ErrEmbeddingDimensionMismatch, len(query), s.dimensions)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if k <= 0 || len(s.entries) == 0 {
		return nil, nil
	}
	hits, err := s.backend.Search(ctx, utils.Normalized(query), k)
	if err != nil {
		return nil, fmt.Errorf("search vectors: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if h.Position < 0 || h.Position >= int64(len(s.entries)) {
			continue
		}
		e := s.entries[h.Position]
		docID, err := strconv.ParseInt(e.DocumentID, 10, 64)
		if err != nil {
			s.logger.Warn("skipping vector entry",
				zap.Int64("entry_id", e.ID),
				zap.Error(fmt.Errorf("%w: document id %q: %v", models.ErrIdentifierCoercion, e.DocumentID, err)))
			continue
		}
		results = append(results, Result{
			EntryID:    e.ID,
			DocumentID: docID,
			ChunkIndex: e.ChunkIndex,
			Text:       e.ChunkText,
			Score:      h.Score,
		})
	}
	return results, nil
}

// DeleteByDocument removes every entry of documentID and returns how many were removed.
// The backend is rebuilt from the surviving vectors; surviving entry ids are preserved.
func (s *Store) DeleteByDocument(ctx context.Context, documentID int64) (int, error) {
	return s.deleteWhere(ctx, func(e Entry) bool {
		return e.DocumentID == strconv.FormatInt(documentID, 10)
	})
}

// DeleteDocuments removes the entries of every document whose id keep returns false for.
// Entries whose document id cannot be parsed are removed as well.
func (s *Store) DeleteDocuments(ctx context.Context, keep func(documentID int64) bool) (int, error) {
	return s.deleteWhere(ctx, func(e Entry) bool {
		id, err := strconv.ParseInt(e.DocumentID, 10, 64)
		return err != nil || !keep(id)
	})
}

func (s *Store) deleteWhere(ctx context.Context, remove func(Entry) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadIfChangedLocked(); err != nil {
		return 0, err
	}

	var keepEntries []Entry
	var keepVectors [][]float32
	removed := 0
	for pos, e := range s.entries {
		if remove(e) {
			removed++
			continue
		}
		vec, err := s.backend.Reconstruct(int64(pos))
		if err != nil {
			return 0, fmt.Errorf("reconstruct vector %d: %w", pos, err)
		}
		keepEntries = append(keepEntries, e)
		keepVectors = append(keepVectors, vec)
	}
	if removed == 0 {
		return 0, nil
	}

	if err := s.backend.Reset(); err != nil {
		return 0, fmt.Errorf("reset index: %w", err)
	}
	if len(keepVectors) > 0 {
		if err := s.backend.Add(ctx, keepVectors); err != nil {
			s.dirty = true
			return 0, fmt.Errorf("rebuild index: %w", err)
		}
	}
	s.entries = keepEntries
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return removed, nil
}

// Count returns the number of entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CountByDocument returns the number of entries tagged with documentID.
func (s *Store) CountByDocument(documentID int64) int {
	want := strconv.FormatInt(documentID, 10)
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.DocumentID == want {
			n++
		}
	}
	return n
}

// DocumentIDs returns the entry count of every document present in the index.
// Entries with a non-integer document id are not included.
func (s *Store) DocumentIDs() map[int64]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]int)
	for _, e := range s.entries {
		id, err := strconv.ParseInt(e.DocumentID, 10, 64)
		if err != nil {
			continue
		}
		out[id]++
	}
	return out
}

// Corruptions returns how many times a corrupt index was discarded by this process.
func (s *Store) Corruptions() int64 {
	return s.corrupts.Load()
}

// Close releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

// Persist writes both artifacts.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// Reload re-reads the artifacts if either changed since this process last loaded or wrote them.
func (s *Store) Reload() error {
	s.mu.RLock()
	changed := s.dirty || s.currentStamps() != s.loaded
	s.mu.RUnlock()
	if !changed {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadIfChangedLocked()
}

func (s *Store) reloadIfChangedLocked() error {
	current := s.currentStamps()
	if !s.dirty && current == s.loaded {
		return nil
	}
	return s.loadLocked(current)
}

func (s *Store) currentStamps() stamps {
	return stamps{vec: stat(s.vecPath()), meta: stat(s.metaPath())}
}

func stat(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, size: info.Size(), modTime: info.ModTime()}
}

func (s *Store) loadLocked(current stamps) error {
	switch {
	case !current.vec.exists && !current.meta.exists:
		s.resetLocked(current)
		return nil
	case !current.vec.exists:
		return s.discardLocked(current, "vector artifact missing")
	case !current.meta.exists:
		return s.discardLocked(current, "metadata artifact missing")
	}

	meta, err := readMeta(s.metaPath())
	if err != nil {
		return s.discardLocked(current, err.Error())
	}
	if meta.Version != metaVersion {
		return s.discardLocked(current, fmt.Sprintf("unknown metadata version %d", meta.Version))
	}
	if meta.Dimensions != s.dimensions {
		return fmt.Errorf("%w: index at %s has dimension %d, embedder produces %d; rebuild the index",
			models.ErrEmbeddingDimensionMismatch, s.dir, meta.Dimensions, s.dimensions)
	}

	backend, err := NewIndex(s.indexType, s.dimensions)
	if err != nil {
		return err
	}
	// The metadata has confirmed the dimension, so any vector artifact error is corruption.
	if err := backend.Load(s.vecPath()); err != nil {
		backend.Close()
		return s.discardLocked(current, err.Error())
	}
	if backend.Size() != len(meta.Entries) {
		backend.Close()
		return s.discardLocked(current, fmt.Sprintf("%d vectors but %d metadata entries", backend.Size(), len(meta.Entries)))
	}

	s.backend.Close()
	s.backend = backend
	s.entries = meta.Entries
	next := meta.NextID
	for _, e := range meta.Entries {
		if e.ID >= next {
			next = e.ID + 1
		}
	}
	if next > s.nextID {
		s.nextID = next
	}
	s.loaded = current
	s.dirty = false
	return nil
}

// discardLocked resets to an empty index after a corrupt load. The entry id counter is kept so
// ids are never reused within this process.
func (s *Store) discardLocked(current stamps, reason string) error {
	s.corrupts.Add(1)
	s.logger.Warn("vector index discarded",
		zap.String("dir", s.dir),
		zap.Error(fmt.Errorf("%w: %s", models.ErrIndexCorrupt, reason)))
	s.resetLocked(current)
	return nil
}

func (s *Store) resetLocked(current stamps) {
	if err := s.backend.Reset(); err != nil {
		s.logger.Warn("reset vector backend", zap.Error(err))
	}
	s.entries = nil
	s.loaded = current
	s.dirty = false
}

func readMeta(path string) (*metaFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()
	var meta metaFile
	if err := gob.NewDecoder(f).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// persistLocked writes the backend then the metadata, each to a temp file renamed into place.
// On failure the in-memory state is marked dirty so the next read reloads from disk.
func (s *Store) persistLocked() error {
	if err := s.writeArtifacts(); err != nil {
		s.dirty = true
		return err
	}
	s.loaded = s.currentStamps()
	s.dirty = false
	return nil
}

func (s *Store) writeArtifacts() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	vecTmp := s.vecPath() + ".tmp"
	if err := s.backend.Save(vecTmp); err != nil {
		os.Remove(vecTmp)
		return fmt.Errorf("save vectors: %w", err)
	}
	if err := os.Rename(vecTmp, s.vecPath()); err != nil {
		return fmt.Errorf("rename vectors: %w", err)
	}

	metaTmp := s.metaPath() + ".tmp"
	f, err := os.Create(metaTmp)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}
	meta := metaFile{Version: metaVersion, Dimensions: s.dimensions, NextID: s.nextID, Entries: s.entries}
	if err := gob.NewEncoder(f).Encode(&meta); err != nil {
		f.Close()
		os.Remove(metaTmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(metaTmp)
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(metaTmp)
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(metaTmp, s.metaPath()); err != nil {
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}
