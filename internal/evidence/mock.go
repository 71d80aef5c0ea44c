package evidence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mock is an in-memory Backend and LogSource. Search scores documents by
// query token overlap; policy checks follow the same rules as the
// Elasticsearch fallback query.
type Mock struct {
	mu       sync.RWMutex
	order    map[string][]string
	byIndex  map[string]map[string]map[string]any
	logIndex string
}

// NewMock indexes docs. Documents without an "id" field get one assigned
// the same way IndexDocument does.
func NewMock(docs Documents, logIndex string) *Mock {
	m := &Mock{
		order:    make(map[string][]string),
		byIndex:  make(map[string]map[string]map[string]any),
		logIndex: logIndex,
	}
	for index, list := range docs {
		for _, doc := range list {
			id, _ := doc["id"].(string)
			m.put(index, doc, id)
		}
	}
	return m
}

func (m *Mock) put(index string, doc map[string]any, id string) string {
	docs, ok := m.byIndex[index]
	if !ok {
		docs = make(map[string]map[string]any)
		m.byIndex[index] = docs
	}
	if id == "" {
		id = fmt.Sprintf("%s-%d", index, len(docs)+1)
	}
	stored := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		stored[k] = v
	}
	if _, ok := stored["id"]; !ok {
		stored["id"] = id
	}
	if _, exists := docs[id]; !exists {
		m.order[index] = append(m.order[index], id)
	}
	docs[id] = stored
	return id
}

// Search implements Backend.
func (m *Mock) Search(_ context.Context, index, query string, topK int, filters map[string]any) ([]Hit, error) {
	queryTokens := tokenSet(tokenize(query))

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for _, id := range m.order[index] {
		doc := m.byIndex[index][id]
		if len(filters) > 0 && !matchesFilters(doc, filters) {
			continue
		}
		docTokens := tokenSet(tokenize(docText(doc)))
		if len(docTokens) == 0 {
			continue
		}
		overlap := 0
		for t := range queryTokens {
			if _, ok := docTokens[t]; ok {
				overlap++
			}
		}
		score := float64(overlap) / float64(max(len(queryTokens), 1))
		if score > 0 {
			hits = append(hits, Hit{ID: id, Score: score, Source: doc})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK >= 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// PolicyConflicts implements Backend.
func (m *Mock) PolicyConflicts(_ context.Context, service, action, severity string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var conflicts []string
	for _, id := range m.order[IndexPolicies] {
		policy := m.byIndex[IndexPolicies][id]
		if policyApplies(policy, service, action, severity) {
			conflicts = append(conflicts, fmt.Sprint(policy["id"]))
		}
	}
	return conflicts, nil
}

// IndexDocument implements Backend.
func (m *Mock) IndexDocument(_ context.Context, index string, doc map[string]any, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(index, doc, id), nil
}

// Document returns a stored document.
func (m *Mock) Document(index, id string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.byIndex[index][id]
	return doc, ok
}

// Count returns the number of documents in index.
func (m *Mock) Count(index string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order[index])
}

// LogStats implements LogSource.
func (m *Mock) LogStats(_ context.Context) (LogStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats LogStats
	var bytes float64
	ids := m.order[m.logIndex]
	for _, id := range ids {
		doc := m.byIndex[m.logIndex][id]
		if toFloat(doc["response"]) >= 400 {
			stats.ErrorCount++
		}
		bytes += toFloat(doc["bytes"])
	}
	if len(ids) > 0 {
		stats.AvgBytes = bytes / float64(len(ids))
	}
	return stats, nil
}

// LogSignalDocs implements LogSource.
func (m *Mock) LogSignalDocs(_ context.Context, query string, topK int) ([]string, error) {
	queryTokens := tokenSet(tokenize(query))

	m.mu.RLock()
	defer m.mu.RUnlock()

	var refs []string
	for _, id := range m.order[m.logIndex] {
		if len(refs) >= topK {
			break
		}
		doc := m.byIndex[m.logIndex][id]
		if toFloat(doc["response"]) < 500 {
			continue
		}
		for t := range tokenSet(tokenize(docText(doc))) {
			if _, ok := queryTokens[t]; ok {
				refs = append(refs, "log:"+id)
				break
			}
		}
	}
	return refs, nil
}

// ErrorSpike implements LogSource. Seeded log documents carry no reliable
// timestamps, so every stored 5xx counts toward the window.
func (m *Mock) ErrorSpike(_ context.Context, _ time.Duration) (Spike, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	urls := map[string]int{}
	responses := map[string]int{}
	var spike Spike
	for _, id := range m.order[m.logIndex] {
		doc := m.byIndex[m.logIndex][id]
		if toFloat(doc["response"]) < 500 {
			continue
		}
		spike.Total++
		if u, ok := doc["url"]; ok {
			urls[fmt.Sprint(u)]++
		}
		responses[fmt.Sprint(doc["response"])]++
	}
	spike.TopURL = topKey(urls, "unknown_url")
	spike.TopResponse = topKey(responses, "500")
	return spike, nil
}

// TopFailingRequests implements LogSource.
func (m *Mock) TopFailingRequests(_ context.Context, size int) ([]Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[string]int{}
	for _, id := range m.order[m.logIndex] {
		doc := m.byIndex[m.logIndex][id]
		if toFloat(doc["response"]) < 400 {
			continue
		}
		if req, ok := doc["request"]; ok {
			counts[fmt.Sprint(req)]++
		}
	}
	buckets := make([]Bucket, 0, len(counts))
	for k, n := range counts {
		buckets = append(buckets, Bucket{Key: k, Count: n})
	}
	sortBuckets(buckets)
	if len(buckets) > size {
		buckets = buckets[:size]
	}
	return buckets, nil
}

func sortBuckets(buckets []Bucket) {
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Key < buckets[j].Key
	})
}

func topKey(counts map[string]int, fallback string) string {
	if len(counts) == 0 {
		return fallback
	}
	buckets := make([]Bucket, 0, len(counts))
	for k, n := range counts {
		buckets = append(buckets, Bucket{Key: k, Count: n})
	}
	sortBuckets(buckets)
	return buckets[0].Key
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// docText joins a document's string fields in key order.
func docText(doc map[string]any) string {
	keys := make([]string, 0, len(doc))
	for k, v := range doc {
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = doc[k].(string)
	}
	return strings.Join(parts, " ")
}

var (
	_ Backend   = (*Mock)(nil)
	_ LogSource = (*Mock)(nil)
)
