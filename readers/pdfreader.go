package readers

import (
	"fmt"

	"code.sajari.com/docconv/v2"
)

// PdfFileReader extracts text from PDF files through docconv.
type PdfFileReader struct{}

func (r *PdfFileReader) Ext() string {
	return ".pdf"
}

func (r *PdfFileReader) ReadText(path string) (string, error) {
	res, err := docconv.ConvertPath(path)
	if err != nil {
		return "", fmt.Errorf("failed to read pdf document %s: %w", path, err)
	}

	return res.Body, nil
}
