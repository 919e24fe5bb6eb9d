package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// ErrNoDocuments is returned by Ingest when the input holds nothing usable.
var ErrNoDocuments = errors.New("knowledge: no documents with a description")

// Embedder turns text into a vector. Satisfied by *gemini.Client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Loader interface {
	All(ctx context.Context) ([]Document, error)
}

// Retriever answers similarity queries over the loaded corpus. The corpus is
// read on first use and kept in memory until Reload. An empty index is never
// cached, so documents ingested after startup are found on the next search.
type Retriever struct {
	embedder Embedder
	loader   Loader

	mu     sync.Mutex
	docs   []Document
	loaded bool
}

func NewRetriever(e Embedder, l Loader) (*Retriever, error) {
	if e == nil {
		return nil, errors.New("knowledge: embedder must not be nil")
	}
	if l == nil {
		return nil, errors.New("knowledge: loader must not be nil")
	}
	return &Retriever{embedder: e, loader: l}, nil
}

// Search returns the contents of the k documents closest to query.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]string, error) {
	docs, err := r.corpus(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 || k <= 0 {
		return nil, nil
	}
	q, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}

	vectors := make([][]float32, len(docs))
	for i, d := range docs {
		vectors[i] = d.Embedding
	}
	idx := TopK(q, vectors, k)
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, docs[i].Content)
	}
	return out, nil
}

// Reload drops the cached corpus so the next search reads the index again.
func (r *Retriever) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs, r.loaded = nil, false
}

func (r *Retriever) corpus(ctx context.Context) ([]Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.docs, nil
	}
	docs, err := r.loader.All(ctx)
	if err != nil {
		return nil, err
	}
	r.docs, r.loaded = docs, len(docs) > 0
	return docs, nil
}

// Replacer is the write side of the index.
type Replacer interface {
	Replace(ctx context.Context, docs []Document) error
}

// Ingest parses the scraped JSONL, embeds every document and replaces the
// index contents. It returns the number of documents stored.
func Ingest(ctx context.Context, src io.Reader, e Embedder, dst Replacer, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	docs, err := ParseJSONL(src)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, ErrNoDocuments
	}
	for i := range docs {
		if docs[i].Embedding, err = e.Embed(ctx, docs[i].Content); err != nil {
			return 0, fmt.Errorf("knowledge: embed %q: %w", docs[i].Title, err)
		}
		logger.Debug("document embedded", "title", docs[i].Title, "dims", len(docs[i].Embedding))
	}
	if err := dst.Replace(ctx, docs); err != nil {
		return 0, err
	}
	logger.Info("knowledge index replaced", "documents", len(docs))
	return len(docs), nil
}

// CosineSimilarity is 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(na))) * float32(math.Sqrt(float64(nb))))
}

// TopK returns the indices of the k vectors most similar to query, best
// first. Ties keep corpus order.
func TopK(query []float32, vectors [][]float32, k int) []int {
	type scored struct {
		idx   int
		score float32
	}
	scores := make([]scored, len(vectors))
	for i, v := range vectors {
		scores[i] = scored{idx: i, score: CosineSimilarity(query, v)}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	k = min(max(k, 0), len(scores))
	out := make([]int, 0, k)
	for _, s := range scores[:k] {
		out = append(out, s.idx)
	}
	return out
}
