package components

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusBarView(t *testing.T) {
	sb := NewStatusBar()
	sb.SetWidth(80)
	sb.Hints = []KeyHint{{Key: "c", Desc: "Cancel"}, {Key: "q", Desc: "Quit"}}
	sb.Task = "t2v-A14B"
	sb.RunID = "01HZX3F6M8Q2W9ABCDEFGHJKMN"
	sb.Extra = "ETA 1m 2s"

	out := sb.View()
	assert.Contains(t, out, "Cancel")
	assert.Contains(t, out, "t2v-A14B")
	assert.Contains(t, out, "EFGHJKMN")
	assert.NotContains(t, out, "01HZX3F6")
	assert.Contains(t, out, "ETA 1m 2s")
	assert.NotContains(t, strings.TrimRight(out, "\n"), "\n")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678", shortID("0012345678"))
}
