package retrieval

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

// bm25CandidatePool caps how many full-text candidates are pulled for
// in-process lexical scoring.
const bm25CandidatePool = 256

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	EnableTLS  bool   `yaml:"enable_tls"`
	Collection string `yaml:"collection"`
}

// QdrantBackend is the production retrieval backend. Every operation carries
// the scope filters as server-side payload conditions; nothing is filtered
// client-side after the fact.
type QdrantBackend struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
}

// NewQdrantBackend connects to Qdrant. The embedder is required for semantic
// and hybrid search.
func NewQdrantBackend(cfg QdrantConfig, embedder Embedder) (*QdrantBackend, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant: collection is required")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.EnableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}
	return &QdrantBackend{
		client:     client,
		collection: cfg.Collection,
		embedder:   embedder,
	}, nil
}

// Search runs semantic, bm25 or hybrid retrieval under the request scope.
func (b *QdrantBackend) Search(ctx context.Context, req runtime.SearchRequest) (*runtime.SearchResult, error) {
	switch req.SearchType {
	case runtime.SearchSemantic:
		hits, err := b.searchSemantic(ctx, req)
		if err != nil {
			return nil, err
		}
		return &runtime.SearchResult{Hits: hits}, nil
	case runtime.SearchBM25:
		hits, err := b.searchBM25(ctx, req)
		if err != nil {
			return nil, err
		}
		return &runtime.SearchResult{Hits: hits}, nil
	case runtime.SearchHybrid:
		semantic, err := b.searchSemantic(ctx, req)
		if err != nil {
			return nil, err
		}
		lexical, err := b.searchBM25(ctx, req)
		if err != nil {
			return nil, err
		}
		fused := rrfFuse(semantic, lexical, req.RRFK, req.TopK)
		return &runtime.SearchResult{
			Hits:  fused,
			Debug: map[string]any{"fusion": "rrf", "rrf_k": req.RRFK},
		}, nil
	default:
		return nil, fmt.Errorf("qdrant: unknown search type %q", req.SearchType)
	}
}

func (b *QdrantBackend) searchSemantic(ctx context.Context, req runtime.SearchRequest) ([]runtime.Hit, error) {
	if b.embedder == nil {
		return nil, fmt.Errorf("qdrant: semantic search requires an embedder")
	}
	vector, err := b.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: b.collection,
		Vector:         vector,
		Limit:          uint64(req.TopK),
		WithPayload:    qdrant.NewWithPayload(false),
		Filter:         buildScopeFilter(req.Scope, nil),
	}

	pointsClient := b.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	hits := make([]runtime.Hit, 0, len(searchResult.Result))
	for i, point := range searchResult.Result {
		hits = append(hits, runtime.Hit{
			ID:    pointIDString(point.Id),
			Score: float64(point.Score),
			Rank:  i + 1,
		})
	}
	return hits, nil
}

// searchBM25 pulls a full-text candidate pool server-side and scores it
// in-process. Qdrant's MatchText condition needs a full-text index on the
// text payload field.
func (b *QdrantBackend) searchBM25(ctx context.Context, req runtime.SearchRequest) ([]runtime.Hit, error) {
	textCondition := &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: fieldText,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Text{Text: req.Query},
				},
			},
		},
	}

	limit := uint32(bm25CandidatePool)
	points, err := b.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: b.collection,
		Filter:         buildScopeFilter(req.Scope, []*qdrant.Condition{textCondition}),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayloadInclude(fieldText),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scroll candidates: %w", err)
	}

	docs := make([]candidateDoc, 0, len(points))
	for _, point := range points {
		docs = append(docs, candidateDoc{
			ID:   pointIDString(point.Id),
			Text: payloadString(point.Payload, fieldText),
		})
	}
	return scoreBM25(req.Query, docs, req.BM25Operator, req.TopK), nil
}

// FetchTexts returns id → text for the requested nodes. The scope filter is
// applied server-side alongside the id condition, so texts outside the
// caller's ACL scope are never returned.
func (b *QdrantBackend) FetchTexts(ctx context.Context, ids []string, scope runtime.Scope) (map[string]string, error) {
	points, err := b.scrollByIDs(ctx, ids, scope, qdrant.NewWithPayloadInclude(fieldText))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(points))
	for _, point := range points {
		out[pointIDString(point.Id)] = payloadString(point.Payload, fieldText)
	}
	return out, nil
}

// FetchMeta implements runtime.MetadataFetcher.
func (b *QdrantBackend) FetchMeta(ctx context.Context, ids []string, scope runtime.Scope) (map[string]runtime.NodeMeta, error) {
	points, err := b.scrollByIDs(ctx, ids, scope,
		qdrant.NewWithPayloadInclude(fieldACLLabels, fieldClassificationLabels, fieldDocLevel))
	if err != nil {
		return nil, err
	}
	out := make(map[string]runtime.NodeMeta, len(points))
	for _, point := range points {
		out[pointIDString(point.Id)] = runtime.NodeMeta{
			ACLLabels:            payloadStringList(point.Payload, fieldACLLabels),
			ClassificationLabels: payloadStringList(point.Payload, fieldClassificationLabels),
			DocLevel:             int(payloadInt(point.Payload, fieldDocLevel)),
		}
	}
	return out, nil
}

func (b *QdrantBackend) scrollByIDs(ctx context.Context, ids []string, scope runtime.Scope, withPayload *qdrant.WithPayloadSelector) ([]*qdrant.RetrievedPoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id))
	}
	idCondition := &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_HasId{
			HasId: &qdrant.HasIdCondition{HasId: pointIDs},
		},
	}

	limit := uint32(len(ids))
	points, err := b.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: b.collection,
		Filter:         buildScopeFilter(scope, []*qdrant.Condition{idCondition}),
		Limit:          &limit,
		WithPayload:    withPayload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch points: %w", err)
	}
	return points, nil
}

// Close releases the client connection.
func (b *QdrantBackend) Close() error {
	return b.client.Close()
}

// buildScopeFilter turns the scope filters into Must conditions and appends
// any extra conditions.
func buildScopeFilter(scope runtime.Scope, extra []*qdrant.Condition) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(scope.Filters)+len(extra))
	for key, value := range scope.Filters {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: val.GetStringValue()},
					},
				},
			},
		})
	}
	conditions = append(conditions, extra...)
	return &qdrant.Filter{Must: conditions}
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil || id.PointIdOptions == nil {
		return ""
	}
	switch idType := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return idType.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", idType.Num)
	}
	return ""
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func payloadInt(payload map[string]*qdrant.Value, key string) int64 {
	if payload == nil {
		return 0
	}
	if v, ok := payload[key]; ok {
		return v.GetIntegerValue()
	}
	return 0
}

func payloadStringList(payload map[string]*qdrant.Value, key string) []string {
	if payload == nil {
		return nil
	}
	v, ok := payload[key]
	if !ok {
		return nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.Values))
	for _, item := range list.Values {
		if s := item.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var (
	_ runtime.RetrievalBackend = (*QdrantBackend)(nil)
	_ runtime.MetadataFetcher  = (*QdrantBackend)(nil)
)
