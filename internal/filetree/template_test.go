package filetree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"shotline/internal/filetree"
)

func TestRender(t *testing.T) {
	fields := map[string]string{
		"project":   "sw",
		"shot":      "SH01",
		"task_type": "anim",
		"revision":  "2",
	}
	got, err := filetree.Render("{project}/{shot}/{task_type}/v{revision:03}", fields)
	require.NoError(t, err)
	require.Equal(t, "sw/SH01/anim/v002", got)
}

func TestRenderLiteralOnly(t *testing.T) {
	got, err := filetree.Render("renders/common", nil)
	require.NoError(t, err)
	require.Equal(t, "renders/common", got)
}

func TestRenderMissingFieldNamesKey(t *testing.T) {
	_, err := filetree.Render("{project}/{shot}", map[string]string{"project": "sw"})
	require.ErrorIs(t, err, filetree.ErrMissingField)
	require.Contains(t, err.Error(), `"shot"`)
}

func TestRenderZeroPad(t *testing.T) {
	cases := []struct {
		name     string
		template string
		value    string
		want     string
	}{
		{"pads short number", "v{revision:03}", "2", "v002"},
		{"pads two digits", "v{revision:03}", "12", "v012"},
		{"wide number passes through", "v{revision:03}", "1234", "v1234"},
		{"pads non-numeric value", "{revision:04}", "ab", "00ab"},
		{"long non-numeric passes through", "{revision:02}", "abc", "abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := filetree.Render(tc.template, map[string]string{"revision": tc.value})
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRenderRejectsMalformedTemplates(t *testing.T) {
	fields := map[string]string{"project": "sw", "revision": "1"}
	cases := []struct {
		name     string
		template string
		contains string
	}{
		{"unclosed placeholder", "{project}/{rev", "unmatched '{' at position 10"},
		{"nested open brace", "{pro{ject}", "unmatched '{' at position 0"},
		{"stray close brace", "project}/x", "unmatched '}' at position 7"},
		{"pad without leading zero", "{revision:3}", `bad format "3"`},
		{"pad not a number", "{revision:0x}", `bad format "0x"`},
		{"zero width pad", "{revision:0}", `bad format "0"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := filetree.Render(tc.template, fields)
			require.ErrorIs(t, err, filetree.ErrInvalidTemplate)
			require.Contains(t, err.Error(), tc.contains)
		})
	}
}

func TestValidateTemplate(t *testing.T) {
	require.NoError(t, filetree.ValidateTemplate("{project}/{entity}/{task_type}/work/v{revision:03}"))
	require.NoError(t, filetree.ValidateTemplate("{project}/{episode}/{sequence}/{shot}/{task}"))

	err := filetree.ValidateTemplate("{project}/{department}")
	require.ErrorIs(t, err, filetree.ErrMissingField)

	err = filetree.ValidateTemplate("{project")
	require.ErrorIs(t, err, filetree.ErrInvalidTemplate)
}
