package links

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNormalizeForCompareProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("scheme, case and trailing slash never change the key", prop.ForAll(
		func(host, path string) bool {
			a := NormalizeForCompare("http://" + host + path + "/")
			b := NormalizeForCompare("HTTPS://" + strings.ToUpper(host) + path)
			return a == b && a == strings.ToLower(host+path)
		},
		gen.RegexMatch(`^[a-z]{3,10}\.(com|org|net)$`),
		gen.RegexMatch(`^(/[a-z0-9-]{1,8}){0,3}$`),
	))

	properties.Property("absolute links resolve to themselves", prop.ForAll(
		func(host, path string) bool {
			link := "https://" + host + path
			return Resolve(link, "https://other.example") == link
		},
		gen.RegexMatch(`^[a-z]{3,10}\.com$`),
		gen.RegexMatch(`^(/[a-z0-9-]{1,8}){0,3}$`),
	))

	properties.TestingRun(t)
}
