package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

const (
	FilePath = "file_path"
	FileCrc  = "file_crc"
)

// collection is the part of chroma.Collection the store relies on.
type collection interface {
	Add(ctx context.Context, opts ...chroma.CollectionAddOption) error
	Query(ctx context.Context, opts ...chroma.CollectionQueryOption) (chroma.QueryResult, error)
	Get(ctx context.Context, opts ...chroma.CollectionGetOption) (chroma.GetResult, error)
	Delete(ctx context.Context, opts ...chroma.CollectionDeleteOption) error
}

type ChromaStoreConfig struct {
	BaseURL       string
	Collection    string
	EmbeddingFunc embeddings.EmbeddingFunction
	Results       int
	RequestSize   int
}

type ChromaStore struct {
	results     int
	requestSize int
	recreate    func(ctx context.Context) (collection, error)

	// mu guards col, which Reset swaps for a freshly created collection.
	mu  sync.RWMutex
	col collection
}

func NewChromaStore(ctx context.Context, cfg ChromaStoreConfig) (*ChromaStore, error) {
	if cfg.Collection == "" {
		return nil, errors.New("chroma collection name is required")
	}

	client, err := chroma.NewHTTPClient(chroma.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}

	open := func(ctx context.Context) (collection, error) {
		col, err := client.GetOrCreateCollection(ctx, cfg.Collection,
			chroma.WithEmbeddingFunctionCreate(cfg.EmbeddingFunc))
		if err != nil {
			return nil, fmt.Errorf("failed to open collection %s: %w", cfg.Collection, err)
		}

		return col, nil
	}

	store := &ChromaStore{
		results:     cfg.Results,
		requestSize: cfg.RequestSize,
		recreate: func(ctx context.Context) (collection, error) {
			if err := client.DeleteCollection(ctx, cfg.Collection); err != nil {
				return nil, fmt.Errorf("failed to delete collection %s: %w", cfg.Collection, err)
			}

			return open(ctx)
		},
	}

	store.col, err = open(ctx)
	if err != nil {
		return nil, err
	}

	return store, nil
}

func (ds *ChromaStore) Injest(ctx context.Context, doc Doc) error {
	for _, batch := range batches(doc.Chunks, ds.requestSize) {
		metas := make([]chroma.DocumentMetadata, len(batch))
		for i := range batch {
			metas[i] = chroma.NewDocumentMetadata(
				chroma.NewStringAttribute(FilePath, doc.File),
				chroma.NewIntAttribute(FileCrc, int64(doc.Crc)),
			)
		}

		err := ds.collection().Add(ctx,
			chroma.WithTexts(batch...),
			chroma.WithIDGenerator(chroma.NewULIDGenerator()),
			chroma.WithMetadatas(metas...),
		)
		if err != nil {
			return fmt.Errorf("failed to add chunks of %s: %w", doc.File, err)
		}
	}

	return nil
}

func (ds *ChromaStore) Retrieve(ctx context.Context, query string) ([]SearchResult, error) {
	r, err := ds.collection().Query(ctx,
		chroma.WithQueryTexts(query),
		chroma.WithNResults(ds.results),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve texts: %w", err)
	}

	docGroups := r.GetDocumentsGroups()
	if len(docGroups) == 0 {
		return nil, nil
	}

	docs := docGroups[0]
	metadatas := r.GetMetadatasGroups()[0]
	scores := r.GetDistancesGroups()[0]
	res := make([]SearchResult, 0, len(docs))
	for i := range len(docs) {
		file, _ := metadatas[i].GetString(FilePath)
		res = append(res, SearchResult{
			Text:  docs[i].ContentString(),
			File:  file,
			Crc:   metaCrc(metadatas[i]),
			Score: float32(scores[i]),
		})
	}

	return res, nil
}

// Forget removes the chunks of one document version.
func (ds *ChromaStore) Forget(ctx context.Context, doc InjestedDoc) error {
	err := ds.collection().Delete(ctx, chroma.WithWhereDelete(chroma.And(
		chroma.EqString(FilePath, doc.File),
		chroma.EqInt(FileCrc, int(doc.Crc)),
	)))
	if err != nil {
		return fmt.Errorf("failed to forget doc %s: %w", doc.File, err)
	}

	return nil
}

func (ds *ChromaStore) GetInjested(ctx context.Context) ([]InjestedDoc, error) {
	res, err := ds.collection().Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list injested docs: %w", err)
	}

	var docs []InjestedDoc
	seen := make(map[InjestedDoc]struct{})
	for _, meta := range res.GetMetadatas() {
		path, _ := meta.GetString(FilePath)
		doc := InjestedDoc{
			File: path,
			Crc:  metaCrc(meta),
		}

		if _, ok := seen[doc]; ok {
			continue
		}

		seen[doc] = struct{}{}
		docs = append(docs, doc)
	}

	return docs, nil
}

// Reset drops the collection and starts over with an empty one. Calls made
// while the collection is being recreated wait for it.
func (ds *ChromaStore) Reset(ctx context.Context) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	col, err := ds.recreate(ctx)
	if err != nil {
		return err
	}

	ds.col = col
	return nil
}

func (ds *ChromaStore) collection() collection {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.col
}

// metaCrc reads the crc attribute; the server hands integers back as floats.
func metaCrc(meta chroma.DocumentMetadata) uint32 {
	if crc, ok := meta.GetInt(FileCrc); ok {
		return uint32(crc)
	}
	if crc, ok := meta.GetFloat(FileCrc); ok {
		return uint32(crc)
	}

	return 0
}
