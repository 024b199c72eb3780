package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	tests := map[string]string{
		"  Ada@Example.COM ":          "ada@example.com",
		"a.d.a+promo@gmail.com":       "ada@gmail.com",
		"Ada.Lovelace@googlemail.com": "adalovelace@gmail.com",
		"first.last+x@acme.io":        "first.last+x@acme.io",
		"not-an-address":              "not-an-address",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeEmail(in), in)
	}
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "abc@mail.acme.com", NormalizeMessageID(" <abc@mail.acme.com> "))
	assert.Equal(t, "abc", NormalizeMessageID("abc"))
}

func TestSnippet(t *testing.T) {
	t.Run("strips markup", func(t *testing.T) {
		got := Snippet("<style>p{color:red}</style><p>Hello&nbsp;<b>Ada</b></p>\n\n<p>Bye</p>")
		assert.Equal(t, "Hello Ada Bye", got, "&nbsp; collapses like any other space")
	})

	t.Run("caps length in runes", func(t *testing.T) {
		got := Snippet(strings.Repeat("é", 800))
		assert.Equal(t, SnippetLength, utf8.RuneCountInString(got))
	})
}
