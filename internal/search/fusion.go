package search

import (
	"sort"

	"github.com/hyperjump/chishiki/internal/keyword"
	"github.com/hyperjump/chishiki/internal/models"
)

type passageKey struct {
	documentID int64
	chunkIndex int
}

// FusedPassage holds a passage with its keyword, semantic and weighted scores.
type FusedPassage struct {
	Passage       models.Passage
	Score         float64
	KeywordScore  float64
	SemanticScore float64
}

// NormalizeKeywordScores scales keyword hits to [0,1] by the best score.
func NormalizeKeywordScores(hits []keyword.Hit) map[passageKey]float64 {
	out := make(map[passageKey]float64, len(hits))
	maxScore := 0.0
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	for _, h := range hits {
		k := passageKey{h.DocumentID, h.ChunkIndex}
		if maxScore > 0 {
			out[k] = h.Score / maxScore
		} else {
			out[k] = 0
		}
	}
	return out
}

// Fuse merges keyword hits and semantic passages with weights. Semantic scores are cosine
// similarities and are used as-is. Results are sorted by fused score.
func Fuse(hits []keyword.Hit, semantic []models.Passage, keywordWeight, semanticWeight float64) []FusedPassage {
	keywordScores := NormalizeKeywordScores(hits)
	byKey := make(map[passageKey]*FusedPassage)
	order := make([]passageKey, 0, len(hits)+len(semantic))

	for _, p := range semantic {
		k := passageKey{p.DocumentID, p.ChunkIndex}
		if _, ok := byKey[k]; ok {
			continue
		}
		byKey[k] = &FusedPassage{Passage: p, SemanticScore: p.Score}
		order = append(order, k)
	}
	for _, h := range hits {
		k := passageKey{h.DocumentID, h.ChunkIndex}
		fp, ok := byKey[k]
		if !ok {
			fp = &FusedPassage{Passage: models.Passage{DocumentID: h.DocumentID, ChunkIndex: h.ChunkIndex, Text: h.Text}}
			byKey[k] = fp
			order = append(order, k)
		}
		fp.KeywordScore = keywordScores[k]
	}

	out := make([]FusedPassage, 0, len(order))
	for _, k := range order {
		fp := byKey[k]
		fp.Score = keywordWeight*fp.KeywordScore + semanticWeight*fp.SemanticScore
		fp.Passage.Score = fp.Score
		out = append(out, *fp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
