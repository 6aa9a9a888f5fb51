package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
)

const (
	fieldDocument = "document"
	fieldChunk    = "chunk_index"
	fieldText     = "text"

	deletePageSize = 500
)

// BleveIndex implements PassageIndex and TermDictionary using Bleve.
type BleveIndex struct {
	index  bleve.Index
	logger *zap.Logger
}

// Option configures a BleveIndex.
type Option func(*BleveIndex)

// WithLogger sets the logger used for skipped hits.
func WithLogger(l *zap.Logger) Option {
	return func(b *BleveIndex) {
		b.logger = utils.OrNop(l)
	}
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the mapping, remove the directory; the builder re-indexes on the next ingestion.
func NewBleveIndex(path string, opts ...Option) (*BleveIndex, error) {
	b := &BleveIndex{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		b.index = index
		return b, nil
	}

	index, err := bleve.New(path, passageMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	b.index = index
	return b, nil
}

func passageMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	// Standard analyzer lowercases and tokenizes without stemming so exact words match.
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	doc.AddFieldMappingsAt(fieldText, text)

	owner := bleve.NewKeywordFieldMapping()
	owner.IncludeInAll = false
	doc.AddFieldMappingsAt(fieldDocument, owner)

	chunk := bleve.NewNumericFieldMapping()
	chunk.IncludeInAll = false
	doc.AddFieldMappingsAt(fieldChunk, chunk)

	im.DefaultMapping = doc
	im.DefaultField = fieldText
	return im
}

func passageID(documentID int64, chunkIndex int) string {
	return strconv.FormatInt(documentID, 10) + ":" + strconv.Itoa(chunkIndex)
}

// IndexPassages indexes passages of one document in a single batch.
// Passages with the same chunk index replace earlier ones.
func (b *BleveIndex) IndexPassages(ctx context.Context, documentID int64, passages []Passage) error {
	if len(passages) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	owner := strconv.FormatInt(documentID, 10)
	for _, p := range passages {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := batch.Index(passageID(documentID, p.ChunkIndex), map[string]interface{}{
			fieldDocument: owner,
			fieldChunk:    float64(p.ChunkIndex),
			fieldText:     p.Text,
		})
		if err != nil {
			return fmt.Errorf("index passage %d: %w", p.ChunkIndex, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("index passages of document %d: %w", documentID, err)
	}
	return nil
}

// DeleteDocument removes every passage of the document and returns how many were removed.
func (b *BleveIndex) DeleteDocument(ctx context.Context, documentID int64) (int, error) {
	tq := bleve.NewTermQuery(strconv.FormatInt(documentID, 10))
	tq.SetField(fieldDocument)
	removed := 0
	for {
		req := bleve.NewSearchRequest(tq)
		req.Size = deletePageSize
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return removed, fmt.Errorf("find passages of document %d: %w", documentID, err)
		}
		if len(res.Hits) == 0 {
			return removed, nil
		}
		batch := b.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return removed, fmt.Errorf("delete passages of document %d: %w", documentID, err)
		}
		removed += len(res.Hits)
	}
}

// Search runs a match query over passage text and returns up to limit hits.
// With PhraseBoost > 1 and several query terms, scores are scaled by term coverage
// and passages containing the phrase are boosted.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]Hit, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return []Hit{}, nil
	}
	phraseBoost := 1.0
	fuzzy := false
	fuzziness := 1
	if opts != nil {
		if opts.PhraseBoost > 0 {
			phraseBoost = opts.PhraseBoost
		}
		fuzzy = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	terms := tokenizeQuery(query)
	if phraseBoost <= 1.0 || len(terms) < 2 {
		req := bleve.NewSearchRequest(b.matchQuery(query, terms, fuzzy, fuzziness))
		req.Size = limit
		req.Fields = []string{"*"}
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("Bleve search failed: %w", err)
		}
		out := make([]Hit, 0, len(res.Hits))
		for _, h := range res.Hits {
			if hit, ok := b.toHit(h.ID, h.Fields, h.Score); ok {
				out = append(out, hit)
			}
		}
		return out, nil
	}
	return b.searchWithBoosts(ctx, query, terms, limit, phraseBoost, fuzzy, fuzziness)
}

func (b *BleveIndex) searchWithBoosts(ctx context.Context, query string, terms []string, limit int, phraseBoost float64, fuzzy bool, fuzziness int) ([]Hit, error) {
	reqSize := limit * 2
	if reqSize < 50 {
		reqSize = 50
	}
	req := bleve.NewSearchRequest(b.matchQuery(query, terms, fuzzy, fuzziness))
	req.Size = reqSize
	req.Fields = []string{"*"}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	coverage := make(map[string]int)
	for _, term := range terms {
		tr := bleve.NewSearchRequest(b.matchQuery(term, []string{term}, fuzzy, fuzziness))
		tr.Size = reqSize
		tres, err := b.index.SearchInContext(ctx, tr)
		if err != nil {
			continue
		}
		for _, h := range tres.Hits {
			coverage[h.ID]++
		}
	}

	phrase := make(map[string]bool)
	pq := bleve.NewMatchPhraseQuery(query)
	pq.SetField(fieldText)
	preq := bleve.NewSearchRequest(pq)
	preq.Size = reqSize
	if pres, err := b.index.SearchInContext(ctx, preq); err == nil {
		for _, h := range pres.Hits {
			phrase[h.ID] = true
		}
	}

	out := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit, ok := b.toHit(h.ID, h.Fields, h.Score)
		if !ok {
			continue
		}
		// (matched/total)^2 pushes partial matches below passages with every term.
		matched := coverage[h.ID]
		if matched == 0 {
			matched = 1
		}
		ratio := float64(matched) / float64(len(terms))
		hit.Score *= ratio * ratio
		if phrase[h.ID] {
			hit.Score *= phraseBoost
		}
		out = append(out, hit)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *BleveIndex) matchQuery(query string, terms []string, fuzzy bool, fuzziness int) blevequery.Query {
	if !fuzzy || len(terms) == 0 {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(fieldText)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(fieldText)
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// toHit decodes stored fields. Bleve returns numeric fields as float64.
func (b *BleveIndex) toHit(id string, fields map[string]interface{}, score float64) (Hit, bool) {
	owner, _ := fields[fieldDocument].(string)
	documentID, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		b.logger.Warn("skipping keyword hit",
			zap.String("passage_id", id),
			zap.Error(fmt.Errorf("%w: %q", models.ErrIdentifierCoercion, owner)))
		return Hit{}, false
	}
	chunk, _ := fields[fieldChunk].(float64)
	text, _ := fields[fieldText].(string)
	return Hit{DocumentID: documentID, ChunkIndex: int(chunk), Text: text, Score: score}, true
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the number of indexed passages.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Terms returns every indexed text term with the number of passages containing it.
func (b *BleveIndex) Terms() (map[string]int, error) {
	dict, err := b.index.FieldDict(fieldText)
	if err != nil {
		return nil, fmt.Errorf("read term dictionary: %w", err)
	}
	defer dict.Close()
	terms := make(map[string]int)
	for {
		entry, err := dict.Next()
		if err != nil {
			return nil, fmt.Errorf("read term dictionary: %w", err)
		}
		if entry == nil {
			return terms, nil
		}
		terms[entry.Term] = int(entry.Count)
	}
}
