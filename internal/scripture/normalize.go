package scripture

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// searchFolder decomposes characters and strips combining marks so that
// accented and plain spellings compare equal ("Élī" matches "eli").
var searchFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeSearchText lowercases, folds diacritics and collapses whitespace.
// Shadow search columns are written through this at import time and queries
// pass through it at request time, so matching is plain substring comparison.
func NormalizeSearchText(raw string) string {
	folded, _, err := transform.String(searchFolder, raw)
	if err != nil {
		folded = raw
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
