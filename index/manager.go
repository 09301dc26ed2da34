package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gamma-omg/docqa/docstore"
	"github.com/gamma-omg/docqa/ingest"
)

type Chunkifier interface {
	Chunkify(text string) []string
}

type DirLoader interface {
	LoadFromDirectory(ctx context.Context, dir string) ([]ingest.Document, error)
}

type Config struct {
	Dir        string
	Store      docstore.Store
	Loader     DirLoader
	Chunkifier Chunkifier
}

// Manager owns the persistence directory of the single corpus index. Writers
// (build, insert, sync) are serialized; readers never take the writer lock.
type Manager struct {
	log        *slog.Logger
	dir        string
	store      docstore.Store
	loader     DirLoader
	chunkifier Chunkifier

	mu  sync.Mutex
	now func() time.Time
}

func NewManager(log *slog.Logger, cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("persistence directory is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("document store is required")
	}

	chunkifier := cfg.Chunkifier
	if chunkifier == nil {
		chunkifier = NewChunkifier(0, 0)
	}

	return &Manager{
		log:        log,
		dir:        cfg.Dir,
		store:      cfg.Store,
		loader:     cfg.Loader,
		chunkifier: chunkifier,
		now:        time.Now,
	}, nil
}

// BuildFromCorpus indexes every document found in dir and publishes the result
// as a new generation that replaces the previous one. The new generation is
// staged next to the published one: unchanged documents keep their chunks, and
// chunks the new manifest no longer lists are dropped only after it is
// published. On failure the published generation is left untouched.
func (m *Manager) BuildFromCorpus(ctx context.Context, dir string) (*Index, error) {
	if m.loader == nil {
		return nil, errors.New("no document loader configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs, err := m.loader.LoadFromDirectory(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoDocuments, dir)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, &PersistenceError{Op: "create", Path: m.dir, Err: err}
	}

	prev, err := readManifest(m.dir)
	switch {
	case errors.Is(err, ErrNotBuilt):
		prev = &Manifest{}
	case err != nil:
		m.log.Warn("discarding unreadable manifest", "error", err)
		prev = &Manifest{}
	}

	stored, err := m.store.GetInjested(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexed documents: %w", err)
	}
	inStore := make(map[docstore.InjestedDoc]struct{}, len(stored))
	for _, d := range stored {
		inStore[d] = struct{}{}
	}

	next := Manifest{Generation: prev.Generation + 1, UpdatedAt: m.now()}
	var added []Entry
	for _, d := range docs {
		key := docstore.InjestedDoc{File: d.File, Crc: d.Crc}
		_, present := inStore[key]

		if e, ok := prev.find(d.File); ok && e.Crc == d.Crc && present {
			next.Documents = append(next.Documents, e)
			continue
		}
		if present {
			// Leftovers of an unpublished write; not visible, safe to drop now.
			m.forget(ctx, []Entry{{File: d.File, Crc: d.Crc}})
		}

		entry, err := m.injest(ctx, d)
		if err != nil {
			m.rollback(added)
			return nil, err
		}

		added = append(added, entry)
		next.Documents = append(next.Documents, entry)
	}

	if err := writeManifest(m.dir, &next); err != nil {
		m.rollback(added)
		return nil, err
	}

	keep := make(map[docstore.InjestedDoc]struct{}, len(next.Documents))
	for _, e := range next.Documents {
		keep[e.key()] = struct{}{}
	}

	var stale []Entry
	for _, d := range stored {
		if _, ok := keep[d]; !ok {
			stale = append(stale, Entry{File: d.File, Crc: d.Crc})
		}
	}
	m.forget(ctx, stale)

	m.log.Info("index built",
		"documents", len(next.Documents),
		"indexed", len(added),
		"dropped", len(stale),
		"generation", next.Generation)

	return newIndex(m.store, next), nil
}

// Reset unpublishes the index and empties the document store. Reopen returns
// ErrNotBuilt until the next build.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.dir, manifestFile)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &PersistenceError{Op: "remove", Path: path, Err: err}
	}

	if err := m.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset document store: %w", err)
	}

	m.log.Info("index reset")
	return nil
}

// Reopen loads the last published generation.
func (m *Manager) Reopen(ctx context.Context) (*Index, error) {
	manifest, err := readManifest(m.dir)
	if err != nil {
		return nil, err
	}

	return newIndex(m.store, *manifest), nil
}

// Insert adds docs to the index and publishes a new generation. Documents
// whose content is already indexed are skipped; a changed document replaces its
// previous version. On failure the published generation is left untouched.
func (m *Manager) Insert(ctx context.Context, idx *Index, docs []ingest.Document) error {
	if len(docs) == 0 {
		return ErrNoDocuments
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another writer may have published since idx was opened.
	current, err := readManifest(m.dir)
	if err != nil {
		return err
	}

	next := *current
	next.Documents = append([]Entry(nil), current.Documents...)

	var added []Entry
	var replaced []Entry
	for _, d := range docs {
		prev, exists := next.find(d.File)
		if exists && prev.Crc == d.Crc {
			m.log.Debug("document already indexed", "file", d.File)
			continue
		}

		entry, err := m.injest(ctx, d)
		if err != nil {
			m.rollback(added)
			return err
		}
		added = append(added, entry)

		if exists {
			replaced = append(replaced, prev)
			next.Documents = replaceEntry(next.Documents, entry)
		} else {
			next.Documents = append(next.Documents, entry)
		}
	}

	if len(added) == 0 {
		if idx != nil {
			idx.publish(*current)
		}
		return nil
	}

	next.Generation = current.Generation + 1
	next.UpdatedAt = m.now()
	if err := writeManifest(m.dir, &next); err != nil {
		m.rollback(added)
		return err
	}

	m.forget(ctx, replaced)
	if idx != nil {
		idx.publish(next)
	}

	m.log.Info("documents inserted",
		"added", len(added),
		"replaced", len(replaced),
		"generation", next.Generation)

	return nil
}

type SyncReport struct {
	Added   []string
	Removed []string
}

// Sync reconciles the index with the documents currently in dir: new and
// changed files are indexed, files no longer present are dropped.
func (m *Manager) Sync(ctx context.Context, dir string) (*SyncReport, error) {
	if m.loader == nil {
		return nil, errors.New("no document loader configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := readManifest(m.dir)
	if errors.Is(err, ErrNotBuilt) {
		current = &Manifest{}
	} else if err != nil {
		return nil, err
	}

	disk, err := m.loader.LoadFromDirectory(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}

	onDisk := make(map[string]struct{}, len(disk))
	next := Manifest{Generation: current.Generation + 1, UpdatedAt: m.now()}
	report := &SyncReport{}

	var added []Entry
	for _, d := range disk {
		onDisk[d.File] = struct{}{}

		prev, ok := current.find(d.File)
		if ok && prev.Crc == d.Crc {
			next.Documents = append(next.Documents, prev)
			continue
		}

		entry, err := m.injest(ctx, d)
		if err != nil {
			m.rollback(added)
			return nil, err
		}

		added = append(added, entry)
		next.Documents = append(next.Documents, entry)
		report.Added = append(report.Added, d.File)
	}

	var stale []Entry
	for _, e := range current.Documents {
		if _, ok := onDisk[e.File]; !ok {
			report.Removed = append(report.Removed, e.File)
			stale = append(stale, e)
			continue
		}
		if n, _ := next.find(e.File); n.Crc != e.Crc {
			stale = append(stale, e)
		}
	}

	if len(report.Added) == 0 && len(report.Removed) == 0 && current.Generation > 0 {
		return report, nil
	}

	if err := writeManifest(m.dir, &next); err != nil {
		m.rollback(added)
		return nil, err
	}

	m.forget(ctx, stale)
	m.log.Info("index synced",
		"added", len(report.Added),
		"removed", len(report.Removed),
		"generation", next.Generation)

	return report, nil
}

func (m *Manager) injest(ctx context.Context, d ingest.Document) (Entry, error) {
	chunks := m.chunkifier.Chunkify(d.Text)
	err := m.store.Injest(ctx, docstore.Doc{
		File:   d.File,
		Crc:    d.Crc,
		Chunks: chunks,
	})
	if err != nil {
		m.rollback([]Entry{{File: d.File, Crc: d.Crc}})
		return Entry{}, fmt.Errorf("failed to store document %s: %w", d.File, err)
	}

	return Entry{
		ID:       d.ID,
		File:     d.File,
		Crc:      d.Crc,
		Chunks:   len(chunks),
		Metadata: d.Metadata,
	}, nil
}

// rollback removes chunks that were written for an unpublished generation. It
// runs detached from the request context, which may already be cancelled.
func (m *Manager) rollback(entries []Entry) {
	m.forget(context.Background(), entries)
}

func (m *Manager) forget(ctx context.Context, entries []Entry) {
	for _, e := range entries {
		if err := m.store.Forget(ctx, e.key()); err != nil {
			m.log.Warn("failed to forget document", "file", e.File, "error", err)
		}
	}
}

func replaceEntry(entries []Entry, e Entry) []Entry {
	for i := range entries {
		if entries[i].File == e.File {
			entries[i] = e
		}
	}

	return entries
}
