package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses in-memory brute-force search. Good for small datasets (<10k vectors).
	IndexTypeMemory IndexType = "memory"
	// IndexTypeFAISS uses a FAISS IndexFlatIP. Requires the FAISS library and -tags=faiss.
	IndexTypeFAISS IndexType = "faiss"
)

// NewIndex creates a vector backend of the specified type.
// Supported types: "memory" (default), "faiss".
func NewIndex(indexType string, dimensions int) (Index, error) {
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		idx, err := NewMemoryIndex(dimensions)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case IndexTypeFAISS:
		idx, err := NewFAISSIndex(dimensions)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, faiss)", indexType)
	}
}

// ArtifactName returns the file name of the raw backend artifact for indexType.
func ArtifactName(indexType string) string {
	if IndexType(indexType) == IndexTypeFAISS {
		return "index.faiss"
	}
	return "index.vec"
}

// IsFAISSAvailable returns true if FAISS support is compiled in.
func IsFAISSAvailable() bool {
	idx, err := NewFAISSIndex(1)
	if err != nil {
		return false
	}
	_ = idx.Close()
	return true
}
