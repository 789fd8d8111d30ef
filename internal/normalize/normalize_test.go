package normalize

import (
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Martin Fowler", "martin fowler"},
		{"  Martin   FOWLER  ", "martin fowler"},
		{"Martin\tFowler\n", "martin fowler"},
		{"Martin Fowler", "martin fowler"},
		// Full-width compatibility characters
		{"Ｒｅｆａｃｔｏｒｉｎｇ", "refactoring"},
		// Ligature
		{"ﬁction", "fiction"},
		// Composed and decomposed forms agree
		{"Café", "café"},
		{"Café", "café"},
		{"", ""},
		{"   ", ""},
		{"a\x1fb", "a b"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := Key(tt.input)
			if result != tt.expected {
				t.Errorf("Key(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestKey_Idempotent(t *testing.T) {
	inputs := []string{"Domain-Driven  Design", "Ｅｖａｎｓ", "Clean Code ", "ß"}
	for _, in := range inputs {
		once := Key(in)
		if twice := Key(once); twice != once {
			t.Errorf("Key not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestBookKey(t *testing.T) {
	a := BookKey(Key("Martin Fowler"), "Refactoring")
	b := BookKey("MARTIN  fowler", " refactoring ")
	if a != b {
		t.Errorf("BookKey not stable across casing: %q vs %q", a, b)
	}

	author, title := SplitBookKey(a)
	if author != "martin fowler" || title != "refactoring" {
		t.Errorf("SplitBookKey(%q) = %q, %q", a, author, title)
	}

	// Parts cannot bleed into each other.
	if BookKey("ab", "c") == BookKey("a", "bc") {
		t.Error("BookKey collided across the part boundary")
	}
}

func TestCommentKey(t *testing.T) {
	book := BookKey("Martin Fowler", "Refactoring")
	at := time.Date(2024, 12, 30, 10, 0, 0, 0, time.UTC)
	local := at.In(time.FixedZone("CET", 3600))

	k1 := CommentKey(book, at, "Classic on refactoring")
	k2 := CommentKey(book, local, "  classic ON refactoring")
	if k1 != k2 {
		t.Errorf("CommentKey differs across zones or casing: %q vs %q", k1, k2)
	}
	if k1 == CommentKey(book, at.Add(time.Second), "Classic on refactoring") {
		t.Error("CommentKey ignored the timestamp")
	}
}
