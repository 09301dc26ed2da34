package readers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_TxtFileReader_Ext(t *testing.T) {
	r := TxtFileReader{}
	assert.Equal(t, ".txt", r.Ext())
}

func Test_TxtFileReader_ReadText(t *testing.T) {
	r := TxtFileReader{}
	txt, err := r.ReadText("testdata/test.txt")
	require.NoError(t, err)

	assert.Equal(t, "hello world", txt)
}
