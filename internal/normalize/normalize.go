// Package normalize canonicalizes free-text identifying fields into natural keys.
package normalize

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// separator joins the parts of composite keys. It is a control character and
// never survives Key, so composite keys cannot collide across part boundaries.
const separator = "\x1f"

// Key converts free text to its natural-key form.
// "  Martin FOWLER " -> "martin fowler".
// "Ｒｅｆａｃｔｏｒｉｎｇ" -> "refactoring".
//
// Key is total: every input, including "", produces a key.
func Key(text string) string {
	// Compatibility composition folds width and ligature variants.
	s := norm.NFKC.String(text)

	// Trim and collapse whitespace runs, including control separators.
	s = strings.Join(strings.FieldsFunc(s, isSpaceOrControl), " ")

	// Caser is stateful, so one per call.
	return cases.Fold().String(s)
}

// BookKey builds the natural key of a book from its author's key and title.
// authorKey is expected to be a Key result already; it is normalized again so
// callers passing raw names still get a stable key.
func BookKey(authorKey, title string) string {
	return Key(authorKey) + separator + Key(title)
}

// CommentKey describes a comment's identity triple from its book reference
// (a book key or a store id). It is used for logs and skip diagnostics, never
// as a mapping key.
func CommentKey(bookKey string, createdAt time.Time, text string) string {
	return bookKey + separator + createdAt.UTC().Format(time.RFC3339Nano) + separator + Key(text)
}

// SplitBookKey returns the author and title parts of a book key.
func SplitBookKey(bookKey string) (authorKey, titleKey string) {
	authorKey, titleKey, _ = strings.Cut(bookKey, separator)
	return authorKey, titleKey
}

func isSpaceOrControl(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r)
}
