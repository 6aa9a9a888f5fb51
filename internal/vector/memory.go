package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/hyperjump/chishiki/internal/models"
)

const memoryHeaderSize = 8

// MemoryIndex is an in-memory vector index using brute-force inner product search.
type MemoryIndex struct {
	dimensions int
	vectors    [][]float32
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{dimensions: dimensions}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Dimensions returns the vector dimension.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Add appends copies of vectors. Nothing is added if any vector has the wrong dimension.
func (m *MemoryIndex) Add(ctx context.Context, vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != m.dimensions {
			return fmt.Errorf("%w: got %d, expected %d", models.ErrEmbeddingDimensionMismatch, len(v), m.dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vectors {
		vec := make([]float32, m.dimensions)
		copy(vec, v)
		m.vectors = append(m.vectors, vec)
	}
	return nil
}

// Search returns the top-k positions by inner product, best first.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("%w: query has %d, expected %d", models.ErrEmbeddingDimensionMismatch, len(query), m.dimensions)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.vectors) == 0 {
		return nil, nil
	}
	hits := make([]Hit, len(m.vectors))
	for i, vec := range m.vectors {
		hits[i] = Hit{Position: int64(i), Score: InnerProduct(query, vec)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

// Reconstruct returns a copy of the vector stored at position.
func (m *MemoryIndex) Reconstruct(position int64) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if position < 0 || position >= int64(len(m.vectors)) {
		return nil, fmt.Errorf("position %d out of range [0,%d)", position, len(m.vectors))
	}
	out := make([]float32, m.dimensions)
	copy(out, m.vectors[position])
	return out, nil
}

// Reset removes all vectors.
func (m *MemoryIndex) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors = nil
	return nil
}

// Save writes the index to path. Format: dimension (4), n (4), then n*dimension little-endian float32s.
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		f.Close()
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.vectors))); err != nil {
		f.Close()
		return fmt.Errorf("write count: %w", err)
	}
	for _, vec := range m.vectors {
		if _, err := w.Write(float32SliceToBytes(vec)); err != nil {
			f.Close()
			return fmt.Errorf("write vector: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync index file: %w", err)
	}
	return f.Close()
}

// Load replaces the in-memory contents with the index at path. If the file does not exist, no
// error is returned and the index is unchanged. A file whose size disagrees with its header is
// rejected without touching the index.
func (m *MemoryIndex) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat index file: %w", err)
	}
	r := bufio.NewReader(f)
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("%w: file has %d, index expects %d", models.ErrEmbeddingDimensionMismatch, dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	if want := int64(memoryHeaderSize) + int64(n)*int64(dim)*4; info.Size() != want {
		return fmt.Errorf("index file is %d bytes, header implies %d", info.Size(), want)
	}
	vectors := make([][]float32, 0, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector %d: %w", i, err)
		}
		vectors = append(vectors, bytesToFloat32Slice(buf))
	}
	m.mu.Lock()
	m.vectors = vectors
	m.mu.Unlock()
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
