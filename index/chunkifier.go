package index

// DefaultChunkifier splits text into fixed-size windows of runes that overlap by
// chunkOverlap runes.
type DefaultChunkifier struct {
	chunkSize    int
	chunkOverlap int
}

func NewChunkifier(size, overlap int) *DefaultChunkifier {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	return &DefaultChunkifier{chunkSize: size, chunkOverlap: overlap}
}

func (c *DefaultChunkifier) Chunkify(text string) []string {
	runes := []rune(text)
	l := len(runes)
	if l == 0 {
		return []string{}
	}

	step := c.chunkSize - c.chunkOverlap
	pos := 0
	res := make([]string, 0, l/step+1)

	for {
		end := min(pos+c.chunkSize, l)
		res = append(res, string(runes[pos:end]))
		if end >= l {
			break
		}

		pos += step
	}

	return res
}
