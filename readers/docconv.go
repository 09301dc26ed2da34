package readers

import (
	"fmt"

	"code.sajari.com/docconv/v2"
)

// DocconvReader handles any extension docconv understands (.docx, .odt, .xml, ...).
// One instance is registered per extension.
type DocconvReader struct {
	ext string
}

func NewDocconvReader(ext string) *DocconvReader {
	return &DocconvReader{ext: ext}
}

func (r *DocconvReader) Ext() string {
	return r.ext
}

func (r *DocconvReader) ReadText(path string) (string, error) {
	res, err := docconv.ConvertPath(path)
	if err != nil {
		return "", fmt.Errorf("failed to read document %s: %w", path, err)
	}

	return res.Body, nil
}

// ForExtension returns the reader wired for ext, or nil if the extension is unsupported.
func ForExtension(ext string) FileReader {
	switch ext {
	case ".pdf":
		return &PdfFileReader{}
	case ".txt":
		return &TxtFileReader{}
	case ".docx", ".odt", ".xml", ".rtf", ".html":
		return NewDocconvReader(ext)
	}

	return nil
}

type FileReader interface {
	Ext() string
	ReadText(path string) (string, error)
}
