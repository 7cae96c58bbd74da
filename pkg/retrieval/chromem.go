package retrieval

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

// ChromemConfig configures the embedded backend.
type ChromemConfig struct {
	// PersistPath enables gob file persistence; empty keeps vectors in memory.
	PersistPath string `yaml:"persist_path"`
	Compress    bool   `yaml:"compress"`
	Collection  string `yaml:"collection"`
}

// IndexDoc is one node entering the embedded store.
type IndexDoc struct {
	ID                   string
	Text                 string
	Fields               map[string]string
	ACLLabels            []string
	ClassificationLabels []string
	DocLevel             int
}

type storedDoc struct {
	Text                 string
	Fields               map[string]string
	ACLLabels            []string
	ClassificationLabels []string
	DocLevel             int
}

// ChromemBackend is the embedded retrieval backend: chromem-go for vectors,
// an in-memory document table for lexical search and text fetches. Single
// process only; suitable for small corpora and tests.
type ChromemBackend struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder Embedder

	mu   sync.RWMutex
	docs map[string]storedDoc
}

// NewChromemBackend creates the embedded backend. The embedder is required
// for indexing and semantic search.
func NewChromemBackend(cfg ChromemConfig, embedder Embedder) (*ChromemBackend, error) {
	if cfg.Collection == "" {
		cfg.Collection = "nodes"
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistPath, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors are pre-computed through the embedder; chromem must never
	// embed on its own.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding requested from the store; vectors are pre-computed")
	}
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", cfg.Collection, err)
	}

	return &ChromemBackend{
		db:       db,
		col:      col,
		embedder: embedder,
		docs:     make(map[string]storedDoc),
	}, nil
}

// Add indexes one document: vector in chromem, text and metadata in the
// document table.
func (b *ChromemBackend) Add(ctx context.Context, doc IndexDoc) error {
	if doc.ID == "" {
		return fmt.Errorf("chromem: document id is required")
	}
	if b.embedder == nil {
		return fmt.Errorf("chromem: indexing requires an embedder")
	}
	vector, err := b.embedder.Embed(ctx, doc.Text)
	if err != nil {
		return fmt.Errorf("failed to embed document %q: %w", doc.ID, err)
	}

	meta := make(map[string]string, len(doc.Fields))
	for k, v := range doc.Fields {
		meta[k] = v
	}
	err = b.col.AddDocuments(ctx, []chromem.Document{{
		ID:        doc.ID,
		Content:   doc.Text,
		Metadata:  meta,
		Embedding: vector,
	}}, 1)
	if err != nil {
		return fmt.Errorf("failed to index document %q: %w", doc.ID, err)
	}

	b.mu.Lock()
	b.docs[doc.ID] = storedDoc{
		Text:                 doc.Text,
		Fields:               meta,
		ACLLabels:            append([]string(nil), doc.ACLLabels...),
		ClassificationLabels: append([]string(nil), doc.ClassificationLabels...),
		DocLevel:             doc.DocLevel,
	}
	b.mu.Unlock()
	return nil
}

// Search runs semantic, bm25 or hybrid retrieval under the request scope.
func (b *ChromemBackend) Search(ctx context.Context, req runtime.SearchRequest) (*runtime.SearchResult, error) {
	switch req.SearchType {
	case runtime.SearchSemantic:
		hits, err := b.searchSemantic(ctx, req)
		if err != nil {
			return nil, err
		}
		return &runtime.SearchResult{Hits: hits}, nil
	case runtime.SearchBM25:
		return &runtime.SearchResult{Hits: b.searchBM25(req)}, nil
	case runtime.SearchHybrid:
		semantic, err := b.searchSemantic(ctx, req)
		if err != nil {
			return nil, err
		}
		fused := rrfFuse(semantic, b.searchBM25(req), req.RRFK, req.TopK)
		return &runtime.SearchResult{
			Hits:  fused,
			Debug: map[string]any{"fusion": "rrf", "rrf_k": req.RRFK},
		}, nil
	default:
		return nil, fmt.Errorf("chromem: unknown search type %q", req.SearchType)
	}
}

func (b *ChromemBackend) searchSemantic(ctx context.Context, req runtime.SearchRequest) ([]runtime.Hit, error) {
	if b.embedder == nil {
		return nil, fmt.Errorf("chromem: semantic search requires an embedder")
	}
	vector, err := b.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	where := make(map[string]string, len(req.Scope.Filters))
	for k, v := range req.Scope.Filters {
		where[k] = fmt.Sprint(v)
	}

	// chromem rejects topK above the collection size.
	topK := req.TopK
	if count := b.col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := b.col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	hits := make([]runtime.Hit, 0, len(results))
	for i, r := range results {
		hits = append(hits, runtime.Hit{ID: r.ID, Score: float64(r.Similarity), Rank: i + 1})
	}
	return hits, nil
}

func (b *ChromemBackend) searchBM25(req runtime.SearchRequest) []runtime.Hit {
	b.mu.RLock()
	docs := make([]candidateDoc, 0, len(b.docs))
	for id, doc := range b.docs {
		if matchesFilters(doc.Fields, req.Scope.Filters) {
			docs = append(docs, candidateDoc{ID: id, Text: doc.Text})
		}
	}
	b.mu.RUnlock()
	return scoreBM25(req.Query, docs, req.BM25Operator, req.TopK)
}

// FetchTexts returns id → text for nodes inside the caller's scope. Ids
// outside the scope are silently absent from the result.
func (b *ChromemBackend) FetchTexts(ctx context.Context, ids []string, scope runtime.Scope) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		doc, ok := b.docs[id]
		if !ok || !matchesFilters(doc.Fields, scope.Filters) {
			continue
		}
		out[id] = doc.Text
	}
	return out, nil
}

// FetchMeta implements runtime.MetadataFetcher.
func (b *ChromemBackend) FetchMeta(ctx context.Context, ids []string, scope runtime.Scope) (map[string]runtime.NodeMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]runtime.NodeMeta, len(ids))
	for _, id := range ids {
		doc, ok := b.docs[id]
		if !ok || !matchesFilters(doc.Fields, scope.Filters) {
			continue
		}
		out[id] = runtime.NodeMeta{
			ACLLabels:            append([]string(nil), doc.ACLLabels...),
			ClassificationLabels: append([]string(nil), doc.ClassificationLabels...),
			DocLevel:             doc.DocLevel,
		}
	}
	return out, nil
}

// matchesFilters requires every filter key to match the document's field
// value; a document missing a filtered key is excluded.
func matchesFilters(fields map[string]string, filters map[string]any) bool {
	for k, v := range filters {
		if fields[k] != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

var (
	_ runtime.RetrievalBackend = (*ChromemBackend)(nil)
	_ runtime.MetadataFetcher  = (*ChromemBackend)(nil)
)
