package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"hash/crc32"
	"path"
	"path/filepath"
)

// Document is a normalized unit of indexable text produced from one raw file.
type Document struct {
	ID       string
	File     string
	Text     string
	Crc      uint32
	Metadata map[string]string
}

// NewDocument builds a Document for text stored under name, the document's
// slash-separated path relative to the corpus root. The ID depends only on the
// name so re-uploads of the same file replace each other.
func NewDocument(name, text string) Document {
	name = filepath.ToSlash(name)
	return Document{
		ID:   documentID(name),
		File: name,
		Text: text,
		Crc:  crc32.Checksum([]byte(text), crc32.IEEETable),
		Metadata: map[string]string{
			"source": name,
			"ext":    path.Ext(name),
		},
	}
}

func documentID(name string) string {
	h := sha1.Sum([]byte(name))
	return hex.EncodeToString(h[:8])
}
