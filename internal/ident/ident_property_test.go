package ident

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSanitizeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("path separators are always rejected", prop.ForAll(
		func(left, right string, sep string) bool {
			return Sanitize(left+sep+right) == ""
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.OneConstOf("/", `\`),
	))

	properties.Property("traversal is always rejected", prop.ForAll(
		func(left, right string) bool {
			return Sanitize(left+".."+right) == ""
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("overlong names are always rejected", prop.ForAll(
		func(extra int) bool {
			return Sanitize(strings.Repeat("x", MaxLength+1+extra)) == ""
		},
		gen.IntRange(0, 500),
	))

	properties.Property("control characters are always rejected", prop.ForAll(
		func(name string, c rune) bool {
			return Sanitize(name+string(c)+name) == ""
		},
		gen.AlphaString(),
		gen.Int32Range(1, 8),
	))

	properties.Property("sanitize is idempotent", prop.ForAll(
		func(value string) bool {
			once := Sanitize(value)
			return Sanitize(once) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
