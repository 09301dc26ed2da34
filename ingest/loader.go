package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gamma-omg/docqa/readers"
)

// Loader dispatches raw files to the reader registered for their extension.
type Loader struct {
	log     *slog.Logger
	readers map[string]readers.FileReader
}

func NewLoader(log *slog.Logger, rs ...readers.FileReader) (*Loader, error) {
	l := &Loader{
		log:     log,
		readers: make(map[string]readers.FileReader),
	}
	if err := l.RegisterReader(rs...); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Loader) RegisterReader(rs ...readers.FileReader) error {
	for _, r := range rs {
		ext := strings.ToLower(r.Ext())
		if _, ok := l.readers[ext]; ok {
			return fmt.Errorf("reader already registered for type %s", ext)
		}

		l.readers[ext] = r
	}

	return nil
}

// Supports reports whether a reader is registered for the file's extension.
func (l *Loader) Supports(path string) bool {
	_, err := l.findReader(path)
	return err == nil
}

// source is a raw file and the name its document is keyed by.
type source struct {
	path string
	name string
}

// LoadFromPaths reads every path and returns the resulting documents, keyed by
// file name. Any read failure aborts the whole load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Document, error) {
	files := make([]source, len(paths))
	for i, p := range paths {
		files[i] = source{path: p, name: filepath.Base(p)}
	}

	return l.load(ctx, files)
}

// LoadFromDirectory loads every supported file under dir, keyed by its path
// relative to dir. Unsupported files are skipped.
func (l *Loader) LoadFromDirectory(ctx context.Context, dir string) ([]Document, error) {
	var files []source
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !l.Supports(path) {
			l.log.Warn(fmt.Sprintf("unsupported file: %s", path))
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		files = append(files, source{path: path, name: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan directory %s: %w", dir, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return l.load(ctx, files)
}

func (l *Loader) load(ctx context.Context, files []source) ([]Document, error) {
	docs := make([]Document, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reader, err := l.findReader(f.path)
		if err != nil {
			return nil, err
		}

		text, err := reader.ReadText(f.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read document %s: %w", f.path, err)
		}

		if strings.TrimSpace(text) == "" {
			l.log.Warn("document has no text", "file", f.path)
			continue
		}

		docs = append(docs, NewDocument(f.name, text))
	}

	return docs, nil
}

func (l *Loader) findReader(file string) (readers.FileReader, error) {
	ext := strings.ToLower(filepath.Ext(file))
	reader, ok := l.readers[ext]
	if !ok {
		return nil, fmt.Errorf("unable to find reader for file type: %s", ext)
	}

	return reader, nil
}
