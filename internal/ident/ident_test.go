package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "joao", "joao"},
		{"category with spaces", "  Tecnologia   e  Ciência ", "Tecnologia e Ciência"},
		{"nfkc folds fullwidth", "ｎｅｗｓ", "news"},
		{"empty", "", ""},
		{"only spaces", "   ", ""},
		{"dot", ".", ""},
		{"dot dot", "..", ""},
		{"traversal", "../etc", ""},
		{"embedded traversal", "a..b", ""},
		{"slash", "a/b", ""},
		{"backslash", `a\b`, ""},
		{"colon", "a:b", ""},
		{"control char", "a\x01b", ""},
		{"trailing dot", "abc.", ""},
		{"reserved con", "CON", ""},
		{"reserved com1 with ext", "com1.txt", ""},
		{"reserved lpt9", "Lpt9", ""},
		{"not reserved", "console", "console"},
		{"max length", strings.Repeat("a", MaxLength), strings.Repeat("a", MaxLength)},
		{"too long", strings.Repeat("a", MaxLength+1), ""},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Sanitize(tc.input))
		})
	}
}

func TestUserAndCategoryShareRules(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "maria", User(" maria "))
	assert.Equal(t, "Geral", Category("Geral"))
	assert.Empty(t, User("nul"))
	assert.Empty(t, Category("a|b"))
}
