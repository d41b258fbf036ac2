package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modver/internal/capability"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  capability.Decision
	}{
		{"y\n", capability.Yes},
		{"YES\n", capability.Yes},
		{"a\n", capability.YesAlways},
		{"no\n", capability.No},
		{"q\n", capability.Abort},
		{"maybe\nn\n", capability.No},
		{"", capability.Abort},
		{"y", capability.Yes},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.input, "\n", "|"), func(t *testing.T) {
			var out bytes.Buffer
			c := New(strings.NewReader(tt.input), &out, Options{})
			assert.Equal(t, tt.want, c.Confirm("merge", "Merge?"))
			assert.Contains(t, out.String(), "Merge?")
		})
	}
}

func TestConfirm_AssumeYes(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, Options{AssumeYes: true})
	assert.Equal(t, capability.Yes, c.Confirm("merge", "Merge?"))
	assert.Equal(t, "Merge? yes\n", out.String())
}

func TestAsk(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("D/feature\n\n"), &out, Options{})

	answer, err := c.Ask("Dynamic version", "main")
	require.NoError(t, err)
	assert.Equal(t, "D/feature", answer)

	answer, err = c.Ask("Dynamic version", "main")
	require.NoError(t, err)
	assert.Equal(t, "main", answer)

	// Exhausted input answers nothing.
	answer, err = c.Ask("Dynamic version", "main")
	require.NoError(t, err)
	assert.Equal(t, "", answer)
	assert.Contains(t, out.String(), "Dynamic version [main]: ")
}

func TestAsk_AssumeYes(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, Options{AssumeYes: true})
	answer, err := c.Ask("Static version", "1.3")
	require.NoError(t, err)
	assert.Equal(t, "1.3", answer)
}

func TestIndent(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, Options{})

	c.Inform("root")
	outdent := c.Indent()
	c.Inform("child\nsecond line")
	inner := c.Indent()
	c.Inform("grandchild")
	inner()
	inner()
	outdent()
	c.Inform("done")

	assert.Equal(t, "root\n  child\n  second line\n    grandchild\ndone\n", out.String())
}
