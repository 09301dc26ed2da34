package docstore

import "context"

// Doc is one ingested document split into chunks.
type Doc struct {
	File   string
	Crc    uint32
	Chunks []string
}

type SearchResult struct {
	Text  string
	File  string
	Crc   uint32
	Score float32
}

type InjestedDoc struct {
	File string
	Crc  uint32
}

// Store is the retrieval collaborator behind the index: it embeds, stores and
// searches chunks.
type Store interface {
	Injest(ctx context.Context, doc Doc) error
	Retrieve(ctx context.Context, query string) ([]SearchResult, error)
	Forget(ctx context.Context, doc InjestedDoc) error
	GetInjested(ctx context.Context) ([]InjestedDoc, error)
	Reset(ctx context.Context) error
}

// batches groups chunks so that no request carries more than size bytes of text.
// A chunk larger than size is sent alone. size <= 0 disables splitting.
func batches(chunks []string, size int) [][]string {
	if len(chunks) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]string{chunks}
	}

	var res [][]string
	var cur []string
	total := 0
	for _, c := range chunks {
		if len(cur) > 0 && total+len(c) > size {
			res = append(res, cur)
			cur = nil
			total = 0
		}

		cur = append(cur, c)
		total += len(c)
	}

	return append(res, cur)
}
