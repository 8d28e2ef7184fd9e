package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Embedder turns text into a vector. The OpenAI-backed implementation
	// lives in embed.go; tests supply fakes.
	Embedder interface {
		Embed(ctx context.Context, text string) ([]float64, error)
	}

	// InMem is an in-process Store. With an Embedder it ranks by cosine
	// similarity; without one it falls back to token overlap so local
	// development works offline.
	InMem struct {
		embedder Embedder

		mu   sync.RWMutex
		docs []Document
	}
)

// NewInMem returns an empty in-process store. embedder may be nil.
func NewInMem(embedder Embedder) *InMem {
	return &InMem{embedder: embedder}
}

var _ Store = (*InMem)(nil)

// Add stores the document, embedding its content when an embedder is
// configured.
func (m *InMem) Add(ctx context.Context, doc Document) (string, error) {
	if doc.CustomerID == "" {
		return "", ErrCustomerFilterRequired
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if m.embedder != nil && len(doc.Embedding) == 0 {
		vec, err := m.embedder.Embed(ctx, doc.Content)
		if err != nil {
			return "", err
		}
		doc.Embedding = vec
	}
	m.mu.Lock()
	m.docs = append(m.docs, doc)
	m.mu.Unlock()
	return doc.ID, nil
}

// Search returns the topK documents matching the filter ranked by relevance
// to the query.
func (m *InMem) Search(ctx context.Context, query string, filter Filter, topK int) ([]Document, error) {
	if _, err := RequireCustomerFilter(filter); err != nil {
		return nil, err
	}
	var queryVec []float64
	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
		queryVec = vec
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for _, doc := range m.docs {
		if !matches(doc, filter) {
			continue
		}
		scored := doc
		if queryVec != nil && len(doc.Embedding) > 0 {
			scored.Score = cosine(queryVec, doc.Embedding)
		} else {
			scored.Score = overlap(query, doc.Content)
		}
		out = append(out, scored)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Query returns documents matching the filter in insertion order.
func (m *InMem) Query(_ context.Context, filter Filter, limit int) ([]Document, error) {
	if _, err := RequireCustomerFilter(filter); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for _, doc := range m.docs {
		if matches(doc, filter) {
			out = append(out, doc)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Delete removes documents matching the filter.
func (m *InMem) Delete(_ context.Context, filter Filter) error {
	if _, err := RequireCustomerFilter(filter); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.docs[:0]
	for _, doc := range m.docs {
		if !matches(doc, filter) {
			kept = append(kept, doc)
		}
	}
	m.docs = kept
	return nil
}

func matches(doc Document, filter Filter) bool {
	for k, want := range filter {
		var have any
		switch k {
		case "customer_id":
			have = doc.CustomerID
		case "content":
			have = doc.Content
		default:
			have = doc.Metadata[k]
		}
		if have != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func overlap(query, content string) float64 {
	qTokens := strings.Fields(strings.ToLower(query))
	if len(qTokens) == 0 {
		return 0
	}
	c := strings.ToLower(content)
	var hits int
	for _, tok := range qTokens {
		if strings.Contains(c, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(qTokens))
}
