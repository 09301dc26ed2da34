package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/gamma-omg/docqa/docstore"
)

// Index is a handle on one published manifest generation.
type Index struct {
	mu       sync.RWMutex
	store    docstore.Store
	manifest Manifest
	visible  map[docstore.InjestedDoc]struct{}
}

func newIndex(store docstore.Store, m Manifest) *Index {
	idx := &Index{store: store}
	idx.publish(m)
	return idx
}

func (i *Index) publish(m Manifest) {
	visible := make(map[docstore.InjestedDoc]struct{}, len(m.Documents))
	for _, e := range m.Documents {
		visible[e.key()] = struct{}{}
	}

	i.mu.Lock()
	i.manifest = m
	i.visible = visible
	i.mu.Unlock()
}

func (i *Index) Generation() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.manifest.Generation
}

func (i *Index) Documents() []Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]Entry(nil), i.manifest.Documents...)
}

func (i *Index) manifestCopy() Manifest {
	i.mu.RLock()
	defer i.mu.RUnlock()
	m := i.manifest
	m.Documents = append([]Entry(nil), i.manifest.Documents...)
	return m
}

// Retrieve returns the chunks most relevant to query. Chunks of documents that
// are not part of this generation (in-flight or rolled back inserts) are dropped.
func (i *Index) Retrieve(ctx context.Context, query string) ([]docstore.SearchResult, error) {
	res, err := i.store.Retrieve(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve from index: %w", err)
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	out := res[:0]
	for _, r := range res {
		if _, ok := i.visible[docstore.InjestedDoc{File: r.File, Crc: r.Crc}]; ok {
			out = append(out, r)
		}
	}

	return out, nil
}
