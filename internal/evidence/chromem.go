package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// embeddingDims is the width of the hashed bag-of-words vectors.
const embeddingDims = 256

// ChromemStore is a Backend on an embedded chromem-go database. Documents
// are embedded with a deterministic hashed bag-of-words so the store works
// without a model server. Policies are matched structurally, not by
// similarity.
type ChromemStore struct {
	db     *chromem.DB
	embed  chromem.EmbeddingFunc
	logger *zap.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	policies []map[string]any
	counts   map[string]int
}

// NewChromemStore opens a persistent store in dir, or an in-memory one
// when dir is empty.
func NewChromemStore(dir string, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", dir, err)
		}
	}
	return &ChromemStore{
		db:     db,
		embed:  HashEmbedding(embeddingDims),
		logger: logger,
		tracer: otel.Tracer("triagegate.evidence"),
		counts: make(map[string]int),
	}, nil
}

// HashEmbedding returns an embedding function that hashes tokens into a
// fixed number of buckets and L2-normalizes the counts.
func HashEmbedding(dims int) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dims)
		for _, tok := range tokenize(text) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%uint32(dims)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v * v)
		}
		if norm == 0 {
			return nil, fmt.Errorf("no tokens to embed")
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}

// Seed indexes every document in docs.
func (s *ChromemStore) Seed(ctx context.Context, docs Documents) error {
	for index, list := range docs {
		for _, doc := range list {
			id, _ := doc["id"].(string)
			if _, err := s.IndexDocument(ctx, index, doc, id); err != nil {
				return fmt.Errorf("seeding %s: %w", index, err)
			}
		}
	}
	return nil
}

// Search implements Backend.
func (s *ChromemStore) Search(ctx context.Context, index, query string, topK int, filters map[string]any) ([]Hit, error) {
	ctx, span := s.tracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(attribute.String("index", index), attribute.Int("top_k", topK))

	if topK <= 0 || len(tokenize(query)) == 0 {
		return nil, nil
	}
	collection := s.db.GetCollection(index, s.embed)
	if collection == nil {
		return nil, nil
	}
	n := collection.Count()
	if n == 0 {
		return nil, nil
	}

	// Scalar filters are pushed down; list filters are applied after the
	// query, so fetch everything when any are present.
	where := map[string]string{}
	postFilter := map[string]any{}
	for k, v := range filters {
		switch v.(type) {
		case []any, []string:
			postFilter[k] = v
		default:
			where[k] = fmt.Sprint(v)
		}
	}
	k := topK
	if len(postFilter) > 0 || k > n {
		k = n
	}

	results, err := collection.Query(ctx, query, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", index, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if r.Similarity <= 0 {
			continue
		}
		source := metadataToSource(r.Metadata)
		if len(postFilter) > 0 && !matchesFilters(source, postFilter) {
			continue
		}
		hits = append(hits, Hit{ID: r.ID, Score: float64(r.Similarity), Source: source})
		if len(hits) == topK {
			break
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// PolicyConflicts implements Backend.
func (s *ChromemStore) PolicyConflicts(_ context.Context, service, action, severity string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, p := range s.policies {
		if policyApplies(p, service, action, severity) {
			ids = append(ids, fmt.Sprint(p["id"]))
		}
	}
	return ids, nil
}

// IndexDocument implements Backend.
func (s *ChromemStore) IndexDocument(ctx context.Context, index string, doc map[string]any, id string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "ChromemStore.IndexDocument")
	defer span.End()
	span.SetAttributes(attribute.String("index", index))

	s.mu.Lock()
	if id == "" {
		id = fmt.Sprintf("%s-%d", index, s.counts[index]+1)
	}
	s.counts[index]++
	stored := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		stored[k] = v
	}
	if _, ok := stored["id"]; !ok {
		stored["id"] = id
	}
	if index == IndexPolicies {
		s.policies = append(s.policies, stored)
	}
	s.mu.Unlock()

	content := docText(stored)
	embedding, err := s.embed(ctx, content)
	if err != nil {
		// Nothing searchable; policies are still matched structurally.
		s.logger.Debug("skipping embedding for document without text",
			zap.String("index", index), zap.String("id", id))
		return id, nil
	}

	collection, err := s.db.GetOrCreateCollection(index, nil, s.embed)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("getting collection %s: %w", index, err)
	}
	err = collection.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  sourceToMetadata(stored),
		Embedding: embedding,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("adding document to %s: %w", index, err)
	}
	return id, nil
}

// sourceToMetadata flattens a document for chromem. Non-string values are
// JSON encoded.
func sourceToMetadata(doc map[string]any) map[string]string {
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			data, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(data)
		}
	}
	return out
}

func metadataToSource(meta map[string]string) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

var _ Backend = (*ChromemStore)(nil)
