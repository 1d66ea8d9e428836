package update

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"string", `"hello"`, `"hello"`},
		{"int", `42`, `42`},
		{"negative", `-7`, `-7`},
		{"bools", `[true,false]`, `[true,false]`},
		{"sorted keys", `{"zebra":1,"alpha":2,"beta":3}`, `{"alpha":2,"beta":3,"zebra":1}`},
		{"nested", `{"z":{"b":1,"a":2},"a":3}`, `{"a":3,"z":{"a":2,"b":1}}`},
		{"whitespace", "{ \"a\" :\n 1 }", `{"a":1}`},
		{"no html escape", `"<a&b>"`, `"<a&b>"`},
		{"line separator literal", `"a\u2028b"`, "\"a\u2028b\""},
		{"control escaped", `"a\u0001b"`, `"a\u0001b"`},
		{"newline escaped", `"a\nb"`, `"a\nb"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := CanonicalizeJSON([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestCanonicalizeJSONRejects(t *testing.T) {
	for _, in := range []string{`1.5`, `null`, `{"a":null}`, `[1,2.25]`} {
		_, err := CanonicalizeJSON([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestCanonicalNFC(t *testing.T) {
	// Composed and decomposed forms of the same text render identically.
	composed, err := CanonicalizeJSON([]byte("\"\u00e9\""))
	require.NoError(t, err)
	decomposed, err := CanonicalizeJSON([]byte("\"e\u0301\""))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestCompareUTF16(t *testing.T) {
	// U+FF61 sorts after U+1F600 in UTF-16 (surrogate 0xD83D < 0xFF61)
	// but before it in UTF-8.
	assert.Equal(t, 1, compareUTF16("\uFF61", "\U0001F600"))
	assert.Equal(t, -1, compareUTF16("a", "ab"))
	assert.Equal(t, 0, compareUTF16("same", "same"))
}
