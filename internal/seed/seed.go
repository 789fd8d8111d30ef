// Package seed builds library datasets and bulk-loads them into the document
// store. The reference dataset backs the end-to-end migration tests and the
// seed command.
package seed

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/listenupapp/bookbridge/internal/id"
	"github.com/listenupapp/bookbridge/internal/normalize"
	"github.com/listenupapp/bookbridge/internal/store"
)

// Book is a seeded book, referencing its author and genres by name.
type Book struct {
	Title  string
	Author string
	Genres []string
}

// Comment is a seeded comment, referencing its book by title.
type Comment struct {
	Book      string
	Text      string
	CreatedAt time.Time
}

// Dataset is a self-contained library.
type Dataset struct {
	Authors  []string
	Genres   []string
	Books    []Book
	Comments []Comment
}

// Reference returns the four-author library used to check migrations end
// to end. Refactoring carries two genres.
func Reference() Dataset {
	return Dataset{
		Authors: []string{"Martin Fowler", "Kent Beck", "Robert C. Martin", "Eric Evans"},
		Genres:  []string{"Software Engineering", "Programming", "Agile", "Design", "Architecture"},
		Books: []Book{
			{Title: "Refactoring", Author: "Martin Fowler", Genres: []string{"Software Engineering", "Programming"}},
			{Title: "Test-Driven Development", Author: "Kent Beck", Genres: []string{"Agile"}},
			{Title: "Clean Code", Author: "Robert C. Martin", Genres: []string{"Programming"}},
			{Title: "Domain-Driven Design", Author: "Eric Evans", Genres: []string{"Architecture"}},
		},
		Comments: []Comment{
			{Book: "Refactoring", Text: "Classic on refactoring", CreatedAt: time.Date(2024, 12, 30, 10, 0, 0, 0, time.UTC)},
			{Book: "Refactoring", Text: "The catalog still holds up", CreatedAt: time.Date(2025, 1, 4, 8, 30, 0, 0, time.UTC)},
			{Book: "Test-Driven Development", Text: "Red, green, refactor", CreatedAt: time.Date(2024, 11, 2, 14, 15, 0, 0, time.UTC)},
			{Book: "Clean Code", Text: "Opinionated but useful", CreatedAt: time.Date(2024, 10, 21, 9, 0, 0, 0, time.UTC)},
			{Book: "Domain-Driven Design", Text: "Dense, worth the effort", CreatedAt: time.Date(2025, 2, 11, 18, 45, 0, 0, time.UTC)},
		},
	}
}

// Synthetic returns a generated library of n authors with booksPerAuthor
// books each and up to commentsPerBook comments per book.
func Synthetic(rng *rand.Rand, n, booksPerAuthor, commentsPerBook int) Dataset {
	genres := []string{"Fiction", "History", "Science", "Biography", "Poetry", "Travel", "Mystery", "Fantasy"}
	d := Dataset{Genres: genres}
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	for a := 0; a < n; a++ {
		author := fmt.Sprintf("Author %05d", a)
		d.Authors = append(d.Authors, author)

		for b := 0; b < booksPerAuthor; b++ {
			title := fmt.Sprintf("Volume %d by %s", b+1, author)
			bookGenres := []string{genres[rng.Intn(len(genres))]}
			if rng.Intn(3) == 0 {
				bookGenres = append(bookGenres, genres[rng.Intn(len(genres))])
			}
			d.Books = append(d.Books, Book{Title: title, Author: author, Genres: bookGenres})

			for c := rng.Intn(commentsPerBook + 1); c > 0; c-- {
				d.Comments = append(d.Comments, Comment{
					Book:      title,
					Text:      fmt.Sprintf("Comment %d on %s", c, title),
					CreatedAt: base.Add(time.Duration(rng.Int63n(int64(5 * 365 * 24 * time.Hour)))).Truncate(time.Second),
				})
			}
		}
	}
	return d
}

// Counts reports what Load wrote.
type Counts struct {
	Authors  int
	Genres   int
	Books    int
	Comments int
}

// Load writes d into an empty document store with a batch writer. Books and
// comments referencing unknown authors, genres or books are rejected.
func Load(ctx context.Context, s *store.Store, d Dataset) (Counts, error) {
	var counts Counts
	batch := s.NewBatchWriter(1000)
	defer batch.Cancel()

	authorIDs := make(map[string]string, len(d.Authors))
	authorKeys := make(map[string]string, len(d.Authors))
	for _, name := range d.Authors {
		a := &store.Author{ID: id.MustObjectID(), FullName: name, Version: 1}
		if err := batch.PutAuthor(a); err != nil {
			return counts, err
		}
		authorIDs[name] = a.ID
		authorKeys[name] = a.NameKey()
		counts.Authors++
	}

	genreIDs := make(map[string]string, len(d.Genres))
	for _, name := range d.Genres {
		g := &store.Genre{ID: id.MustObjectID(), Name: name, Version: 1}
		if err := batch.PutGenre(g); err != nil {
			return counts, err
		}
		genreIDs[name] = g.ID
		counts.Genres++
	}

	bookIDs := make(map[string]string, len(d.Books))
	for _, sb := range d.Books {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		authorID, ok := authorIDs[sb.Author]
		if !ok {
			return counts, fmt.Errorf("book %q: unknown author %q", sb.Title, sb.Author)
		}
		b := &store.Book{
			ID:         id.MustObjectID(),
			Title:      sb.Title,
			AuthorID:   authorID,
			NaturalKey: normalize.BookKey(authorKeys[sb.Author], sb.Title),
			Version:    1,
		}
		for _, name := range sb.Genres {
			genreID, ok := genreIDs[name]
			if !ok {
				return counts, fmt.Errorf("book %q: unknown genre %q", sb.Title, name)
			}
			b.GenreIDs = append(b.GenreIDs, genreID)
		}
		if err := batch.PutBook(b); err != nil {
			return counts, err
		}
		bookIDs[sb.Title] = b.ID
		counts.Books++
	}

	for _, sc := range d.Comments {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		bookID, ok := bookIDs[sc.Book]
		if !ok {
			return counts, fmt.Errorf("comment %q: unknown book %q", sc.Text, sc.Book)
		}
		c := &store.Comment{ID: id.MustObjectID(), Text: sc.Text, CreatedAt: sc.CreatedAt, BookID: bookID, Version: 1}
		if err := batch.PutComment(c); err != nil {
			return counts, err
		}
		counts.Comments++
	}

	if err := batch.Flush(); err != nil {
		return counts, err
	}
	return counts, nil
}
