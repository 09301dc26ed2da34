package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Chunkify(t *testing.T) {
	var cases = []struct {
		input   string
		size    int
		overlap int
		output  []string
	}{
		{input: "abcdefg", size: 3, overlap: 0, output: []string{"abc", "def", "g"}},
		{input: "abcdefg", size: 3, overlap: 1, output: []string{"abc", "cde", "efg"}},
		{input: "abcdefg", size: 9, overlap: 5, output: []string{"abcdefg"}},
		{input: "", size: 9, overlap: 5, output: []string{}},
		{input: "héllo", size: 2, overlap: 0, output: []string{"hé", "ll", "o"}},
		{input: "abcd", size: 2, overlap: 2, output: []string{"ab", "cd"}},
	}

	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			out := NewChunkifier(c.size, c.overlap).Chunkify(c.input)
			assert.Equal(t, c.output, out)
		})
	}
}
