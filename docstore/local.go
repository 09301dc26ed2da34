package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gamma-omg/docqa/fsutil"
)

const snapshotFile = "vectors.json"

// Embedder turns texts into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type LocalStoreConfig struct {
	Dir         string
	Embedder    Embedder
	Results     int
	RequestSize int
}

// LocalStore keeps chunks and their vectors in a single JSON snapshot inside the
// persistence directory. Every call reads the snapshot from disk, so several
// processes sharing the directory see each other's published writes.
type LocalStore struct {
	mu          sync.Mutex
	path        string
	embedder    Embedder
	results     int
	requestSize int
}

type localChunk struct {
	ID     string    `json:"id"`
	File   string    `json:"file"`
	Crc    uint32    `json:"crc"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
}

type snapshot struct {
	Chunks []localChunk `json:"chunks"`
}

func NewLocalStore(cfg LocalStoreConfig) (*LocalStore, error) {
	if cfg.Embedder == nil {
		return nil, errors.New("local store requires an embedder")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	results := cfg.Results
	if results <= 0 {
		results = 5
	}

	return &LocalStore{
		path:        filepath.Join(cfg.Dir, snapshotFile),
		embedder:    cfg.Embedder,
		results:     results,
		requestSize: cfg.RequestSize,
	}, nil
}

func (s *LocalStore) Injest(ctx context.Context, doc Doc) error {
	chunks := make([]localChunk, 0, len(doc.Chunks))
	for _, batch := range batches(doc.Chunks, s.requestSize) {
		vectors, err := s.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to embed chunks of %s: %w", doc.File, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}

		for i, text := range batch {
			chunks = append(chunks, localChunk{
				ID:     uuid.NewString(),
				File:   doc.File,
				Crc:    doc.Crc,
				Text:   text,
				Vector: normalize(vectors[i]),
			})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return err
	}

	snap.Chunks = append(snap.Chunks, chunks...)
	return s.save(snap)
}

func (s *LocalStore) Retrieve(ctx context.Context, query string) ([]SearchResult, error) {
	vectors, err := s.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, errors.New("empty query embedding")
	}
	q := normalize(vectors[0])

	s.mu.Lock()
	snap, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	res := make([]SearchResult, 0, len(snap.Chunks))
	for _, c := range snap.Chunks {
		res = append(res, SearchResult{
			Text:  c.Text,
			File:  c.File,
			Crc:   c.Crc,
			Score: dot(q, c.Vector),
		})
	}

	sort.SliceStable(res, func(i, j int) bool { return res[i].Score > res[j].Score })
	if len(res) > s.results {
		res = res[:s.results]
	}

	return res, nil
}

func (s *LocalStore) Forget(ctx context.Context, doc InjestedDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return err
	}

	snap.Chunks = slices.DeleteFunc(snap.Chunks, func(c localChunk) bool {
		return c.File == doc.File && c.Crc == doc.Crc
	})
	return s.save(snap)
}

func (s *LocalStore) GetInjested(ctx context.Context) ([]InjestedDoc, error) {
	s.mu.Lock()
	snap, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var docs []InjestedDoc
	seen := make(map[InjestedDoc]struct{})
	for _, c := range snap.Chunks {
		doc := InjestedDoc{File: c.File, Crc: c.Crc}
		if _, ok := seen[doc]; ok {
			continue
		}

		seen[doc] = struct{}{}
		docs = append(docs, doc)
	}

	return docs, nil
}

func (s *LocalStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.save(&snapshot{})
}

func (s *LocalStore) load() (*snapshot, error) {
	buf, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vector snapshot: %w", err)
	}

	snap := &snapshot{}
	if err := json.Unmarshal(buf, snap); err != nil {
		return nil, fmt.Errorf("failed to parse vector snapshot: %w", err)
	}

	return snap, nil
}

func (s *LocalStore) save(snap *snapshot) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode vector snapshot: %w", err)
	}

	return fsutil.WriteFileAtomic(s.path, buf, 0o644)
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}

	n := float32(math.Sqrt(norm))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}

	return out
}

func dot(a, b []float32) float32 {
	n := min(len(a), len(b))
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}

	return sum
}
