package readers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ForExtension(t *testing.T) {
	var cases = []struct {
		ext string
		ok  bool
	}{
		{ext: ".pdf", ok: true},
		{ext: ".txt", ok: true},
		{ext: ".docx", ok: true},
		{ext: ".odt", ok: true},
		{ext: ".bin", ok: false},
		{ext: "", ok: false},
	}

	for _, c := range cases {
		t.Run(c.ext, func(t *testing.T) {
			r := ForExtension(c.ext)
			if !c.ok {
				assert.Nil(t, r)
				return
			}

			if assert.NotNil(t, r) {
				assert.Equal(t, c.ext, r.Ext())
			}
		})
	}
}
