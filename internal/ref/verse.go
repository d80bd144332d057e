package ref

import (
	"errors"
	"fmt"
)

const (
	bookMultiplier    = 1_000_000
	chapterMultiplier = 1_000

	// MaxFieldValue is the largest value a single key component can carry.
	// Each component owns three decimal digits of the packed key.
	MaxFieldValue = 999
)

var (
	// ErrOutOfRange indicates a reference component outside the 1..999 budget.
	ErrOutOfRange = errors.New("ref: component out of range")
	// ErrUnknownBook indicates a book name that matches nothing in the canon.
	ErrUnknownBook = errors.New("ref: unknown book")
	// ErrMalformedReference indicates reference text that cannot be parsed.
	ErrMalformedReference = errors.New("ref: malformed reference")
)

// VerseID packs a (book, chapter, verse) triple into one integer as
// book*1_000_000 + chapter*1_000 + verse. Keys sort in canonical
// book/chapter/verse order, so chapter lookups are plain range scans.
type VerseID int64

// Encode combines the three components into a VerseID. It performs no range
// validation; callers holding external input should go through NewRef first.
func Encode(book, chapter, verse int) VerseID {
	return VerseID(book*bookMultiplier + chapter*chapterMultiplier + verse)
}

// Decode splits a VerseID back into its components. Exact inverse of Encode
// for every triple within the digit budget.
func Decode(id VerseID) (book, chapter, verse int) {
	return id.Book(), id.Chapter(), id.Verse()
}

// Book returns the book component of the key.
func (id VerseID) Book() int {
	return int(id) / bookMultiplier
}

// Chapter returns the chapter component of the key.
func (id VerseID) Chapter() int {
	return int(id) / chapterMultiplier % 1_000
}

// Verse returns the verse component of the key.
func (id VerseID) Verse() int {
	return int(id) % 1_000
}

// Int64 exposes the raw key value for storage layers.
func (id VerseID) Int64() int64 {
	return int64(id)
}

// ChapterRange returns the inclusive VerseID bounds covering every verse of
// the chapter. The upper bound assumes no chapter reaches 1000 verses; the
// key layout cannot express one.
func ChapterRange(book, chapter int) (VerseID, VerseID) {
	return Encode(book, chapter, 1), Encode(book, chapter, MaxFieldValue)
}

// Ref is a validated (book, chapter, verse) triple.
type Ref struct {
	Book    int
	Chapter int
	Verse   int
}

// NewRef validates each component against the digit budget and returns a Ref.
func NewRef(book, chapter, verse int) (Ref, error) {
	if book < 1 || book > MaxFieldValue {
		return Ref{}, fmt.Errorf("%w: book %d", ErrOutOfRange, book)
	}
	if chapter < 1 || chapter > MaxFieldValue {
		return Ref{}, fmt.Errorf("%w: chapter %d", ErrOutOfRange, chapter)
	}
	if verse < 1 || verse > MaxFieldValue {
		return Ref{}, fmt.Errorf("%w: verse %d", ErrOutOfRange, verse)
	}
	return Ref{Book: book, Chapter: chapter, Verse: verse}, nil
}

// ID returns the packed key for the triple.
func (r Ref) ID() VerseID {
	return Encode(r.Book, r.Chapter, r.Verse)
}

// Passage is an inclusive VerseID span.
type Passage struct {
	Start VerseID
	End   VerseID
}

// Contains reports whether the key falls inside the span.
func (p Passage) Contains(id VerseID) bool {
	return id >= p.Start && id <= p.End
}
