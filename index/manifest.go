package index

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gamma-omg/docqa/docstore"
	"github.com/gamma-omg/docqa/fsutil"
)

const manifestFile = "manifest.json"

// Manifest is the published state of the index. Only documents listed here are
// visible to retrieval.
type Manifest struct {
	Generation int64     `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
	Documents  []Entry   `json:"documents"`
}

type Entry struct {
	ID       string            `json:"id"`
	File     string            `json:"file"`
	Crc      uint32            `json:"crc"`
	Chunks   int               `json:"chunks"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (e Entry) key() docstore.InjestedDoc {
	return docstore.InjestedDoc{File: e.File, Crc: e.Crc}
}

func (m *Manifest) find(file string) (Entry, bool) {
	for _, e := range m.Documents {
		if e.File == file {
			return e, true
		}
	}

	return Entry{}, false
}

func readManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, manifestFile)
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotBuilt
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}

	m := &Manifest{}
	if err := json.Unmarshal(buf, m); err != nil {
		return nil, &PersistenceError{Op: "parse", Path: path, Err: err}
	}

	return m, nil
}

func writeManifest(dir string, m *Manifest) error {
	path := filepath.Join(dir, manifestFile)
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}

	if err := fsutil.WriteFileAtomic(path, buf, 0o644); err != nil {
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}

	return nil
}
