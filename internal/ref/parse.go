package ref

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseReference parses human-readable reference text into a Passage.
// Accepted shapes: "John" (whole book), "John 3" (chapter), "Gen 1-3"
// (chapter span), "John 3:16" (verse), "John 3:16-18" (verse span),
// "John 3:16-4:2" (cross-chapter span), and the dotted form used by
// cross-reference data files ("John.3.16", "Gen.1.1-Gen.1.3").
func ParseReference(raw string) (Passage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Passage{}, fmt.Errorf("%w: empty reference", ErrMalformedReference)
	}

	// A span may repeat the book on its right side ("Gen.1.1-Gen.1.3" or
	// "Genesis 50:26-Exodus 1:7"). Try that shape first, but only commit to
	// it when both sides parse; hyphenated slugs such as "2-john 1" otherwise
	// look like a span with a book on the right.
	if left, right, found := strings.Cut(trimmed, "-"); found {
		if _, _, rightErr := splitBook(strings.TrimSpace(right)); rightErr == nil {
			if start, leftErr := parseWithinBook(strings.TrimSpace(left)); leftErr == nil {
				end, err := parseWithinBook(strings.TrimSpace(right))
				if err != nil {
					return Passage{}, err
				}
				if end.End < start.Start {
					return Passage{}, fmt.Errorf("%w: descending span %q", ErrMalformedReference, trimmed)
				}
				return Passage{Start: start.Start, End: end.End}, nil
			}
		}
	}

	return parseWithinBook(trimmed)
}

// ParseVerse parses reference text that must name exactly one verse.
func ParseVerse(raw string) (VerseID, error) {
	passage, err := ParseReference(raw)
	if err != nil {
		return 0, err
	}
	if passage.Start != passage.End {
		return 0, fmt.Errorf("%w: %q names a span, not a verse", ErrMalformedReference, strings.TrimSpace(raw))
	}
	return passage.Start, nil
}

func parseWithinBook(input string) (Passage, error) {
	book, rest, err := splitBook(input)
	if err != nil {
		return Passage{}, err
	}
	if rest == "" {
		return Passage{
			Start: Encode(book.Number, 1, 1),
			End:   Encode(book.Number, book.Chapters, MaxFieldValue),
		}, nil
	}

	first, second, spanned := strings.Cut(rest, "-")
	startChapter, startVerse, startHasVerse, err := parseChapterVerse(first)
	if err != nil {
		return Passage{}, err
	}
	if err := checkChapter(book, startChapter); err != nil {
		return Passage{}, err
	}

	if !spanned {
		if !startHasVerse {
			start, end := ChapterRange(book.Number, startChapter)
			return Passage{Start: start, End: end}, nil
		}
		id := Encode(book.Number, startChapter, startVerse)
		return Passage{Start: id, End: id}, nil
	}

	endChapter, endVerse, endHasVerse, err := parseChapterVerse(second)
	if err != nil {
		return Passage{}, err
	}

	var passage Passage
	switch {
	case startHasVerse && !endHasVerse:
		// "John 3:16-18" keeps the right side in the start's chapter.
		passage = Passage{
			Start: Encode(book.Number, startChapter, startVerse),
			End:   Encode(book.Number, startChapter, endChapter),
		}
	case startHasVerse && endHasVerse:
		if err := checkChapter(book, endChapter); err != nil {
			return Passage{}, err
		}
		passage = Passage{
			Start: Encode(book.Number, startChapter, startVerse),
			End:   Encode(book.Number, endChapter, endVerse),
		}
	case !startHasVerse && !endHasVerse:
		if err := checkChapter(book, endChapter); err != nil {
			return Passage{}, err
		}
		start, _ := ChapterRange(book.Number, startChapter)
		_, end := ChapterRange(book.Number, endChapter)
		passage = Passage{Start: start, End: end}
	default:
		return Passage{}, fmt.Errorf("%w: chapter span with verse end %q", ErrMalformedReference, input)
	}

	if passage.End < passage.Start {
		return Passage{}, fmt.Errorf("%w: descending span %q", ErrMalformedReference, input)
	}
	return passage, nil
}

// splitBook peels the longest known book title off the front of the input.
// Titles may contain spaces and digits ("1 Samuel", "Song of Solomon"), so
// every prefix ending at a separator is tried and the longest match wins.
func splitBook(input string) (Book, string, error) {
	matchEnd := -1
	var matched Book
	for i := 0; i <= len(input); i++ {
		if i < len(input) && input[i] != ' ' && input[i] != '.' {
			continue
		}
		if book, ok := LookupBook(input[:i]); ok {
			matchEnd = i
			matched = book
		}
	}
	if matchEnd < 0 {
		return Book{}, "", fmt.Errorf("%w: %q", ErrUnknownBook, input)
	}
	return matched, strings.TrimLeft(input[matchEnd:], " ."), nil
}

// parseChapterVerse parses "3", "3:16" or the dotted "3.16".
func parseChapterVerse(raw string) (chapter, verse int, hasVerse bool, err error) {
	spec := strings.TrimSpace(raw)
	chapterPart, versePart, hasVerse := strings.Cut(spec, ":")
	if !hasVerse {
		chapterPart, versePart, hasVerse = strings.Cut(spec, ".")
	}

	chapter, err = parseComponent(chapterPart)
	if err != nil {
		return 0, 0, false, err
	}
	if !hasVerse {
		return chapter, 0, false, nil
	}
	verse, err = parseComponent(versePart)
	if err != nil {
		return 0, 0, false, err
	}
	return chapter, verse, true, nil
}

func parseComponent(raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformedReference, raw)
	}
	if value < 1 || value > MaxFieldValue {
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, value)
	}
	return value, nil
}

func checkChapter(book Book, chapter int) error {
	if chapter > book.Chapters {
		return fmt.Errorf("%w: %s has %d chapters, not %d", ErrOutOfRange, book.Name, book.Chapters, chapter)
	}
	return nil
}

// FormatVerseID renders a key as a human-readable reference ("John 3:16").
// Keys whose book is outside the canon fall back to the numeric form.
func FormatVerseID(id VerseID) string {
	book, ok := BookByNumber(id.Book())
	if !ok {
		return fmt.Sprintf("%d %d:%d", id.Book(), id.Chapter(), id.Verse())
	}
	return fmt.Sprintf("%s %d:%d", book.Name, id.Chapter(), id.Verse())
}

// FormatPassage renders a span in the tightest conventional shape:
// single verse, whole chapter, chapter span, verse span, or a fully
// qualified pair when the span crosses books.
func FormatPassage(p Passage) string {
	if p.Start == p.End {
		return FormatVerseID(p.Start)
	}
	if p.Start.Book() != p.End.Book() {
		return fmt.Sprintf("%s-%s", FormatVerseID(p.Start), FormatVerseID(p.End))
	}

	book, ok := BookByNumber(p.Start.Book())
	if !ok {
		return fmt.Sprintf("%s-%s", FormatVerseID(p.Start), FormatVerseID(p.End))
	}
	wholeChapters := p.Start.Verse() == 1 && p.End.Verse() == MaxFieldValue
	switch {
	case wholeChapters && p.Start.Chapter() == p.End.Chapter():
		return fmt.Sprintf("%s %d", book.Name, p.Start.Chapter())
	case wholeChapters:
		return fmt.Sprintf("%s %d-%d", book.Name, p.Start.Chapter(), p.End.Chapter())
	case p.Start.Chapter() == p.End.Chapter():
		return fmt.Sprintf("%s %d:%d-%d", book.Name, p.Start.Chapter(), p.Start.Verse(), p.End.Verse())
	default:
		return fmt.Sprintf("%s %d:%d-%d:%d", book.Name, p.Start.Chapter(), p.Start.Verse(), p.End.Chapter(), p.End.Verse())
	}
}
