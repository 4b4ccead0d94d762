// Package textutil normalises free text that ends up in order history, notes and notifications.
package textutil

import (
	"errors"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"
)

// DefaultNoteLength bounds reasons and notes stored on orders and approvals.
const DefaultNoteLength = 500

// ErrInvalidLocale is returned for tags language.Parse rejects.
var ErrInvalidLocale = errors.New("textutil: invalid locale")

var stripPolicy = bluemonday.StrictPolicy()

// SanitizeNote strips markup and control characters, collapses whitespace and truncates to
// limit runes. A non-positive limit uses DefaultNoteLength.
func SanitizeNote(value string, limit int) string {
	if limit <= 0 {
		limit = DefaultNoteLength
	}
	stripped := html.UnescapeString(stripPolicy.Sanitize(value))

	var b strings.Builder
	b.Grow(len(stripped))
	space := false
	count := 0
	for _, r := range stripped {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			continue
		}
		if space {
			if count+1 >= limit {
				break
			}
			b.WriteByte(' ')
			count++
			space = false
		}
		if count >= limit {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

// CanonicalLocale returns the BCP 47 form of tag, accepting underscores ("ja_JP" → "ja-JP").
// Empty input yields "".
func CanonicalLocale(tag string) (string, error) {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return "", nil
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return "", errors.Join(ErrInvalidLocale, err)
	}
	return parsed.String(), nil
}
