package scripture

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/lecternlabs/lectern/internal/ref"
)

func TestChapterReturnsExactlyTheChapterInOrder(t *testing.T) {
	service, db := newTestService(t)
	seedVerse(t, db, "web", 43, 3, 16, "For God so loved the world")
	seedVerse(t, db, "web", 43, 3, 1, "Now there was a man of the Pharisees")
	seedVerse(t, db, "web", 43, 3, 2, "The same came to him by night")
	seedVerse(t, db, "web", 43, 2, 25, "for he himself knew what was in man")
	seedVerse(t, db, "web", 43, 4, 1, "Therefore when the Lord knew")
	seedVerse(t, db, "kjv", 43, 3, 16, "For God so loved the world, that he gave")

	verses, err := service.Chapter(context.Background(), mustTranslationCode(t, "web"), 43, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(verses) != 3 {
		t.Fatalf("expected 3 verses, got %d", len(verses))
	}
	for index, wantVerse := range []int{1, 2, 16} {
		if verses[index].VerseNumber != wantVerse {
			t.Fatalf("expected verse %d at position %d, got %d", wantVerse, index, verses[index].VerseNumber)
		}
	}
}

func TestVerseByIDReportsMissingVerse(t *testing.T) {
	service, db := newTestService(t)
	seedVerse(t, db, "web", 43, 3, 16, "For God so loved the world")

	verse, err := service.VerseByID(context.Background(), mustTranslationCode(t, "web"), ref.Encode(43, 3, 16))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verse.Text != "For God so loved the world" {
		t.Fatalf("unexpected text %q", verse.Text)
	}

	if _, err := service.VerseByID(context.Background(), mustTranslationCode(t, "web"), ref.Encode(43, 3, 17)); !errors.Is(err, ErrVerseNotFound) {
		t.Fatalf("expected ErrVerseNotFound, got %v", err)
	}
}

func TestSearchVersesFoldsCaseAndDiacritics(t *testing.T) {
	service, db := newTestService(t)
	seedVerse(t, db, "web", 19, 23, 1, "Yahweh is my shepherd: I shall lack nothing.")
	seedVerse(t, db, "web", 23, 40, 11, "He will feed his flock like a shepherd.")
	seedVerse(t, db, "web", 1, 1, 1, "In the beginning, God created the heavens and the earth.")

	verses, err := service.SearchVerses(context.Background(), mustTranslationCode(t, "web"), "SHEPHÉRD", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(verses) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(verses))
	}
	if verses[0].Book != 19 || verses[1].Book != 23 {
		t.Fatalf("expected canonical result order, got books %d and %d", verses[0].Book, verses[1].Book)
	}

	scoped, err := service.SearchVerses(context.Background(), mustTranslationCode(t, "web"), "shepherd", 23, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scoped) != 1 || scoped[0].Book != 23 {
		t.Fatalf("expected the search to stay inside book 23, got %+v", scoped)
	}
}

func TestCrossReferencesOrderedByVotes(t *testing.T) {
	service, db := newTestService(t)
	from := ref.Encode(43, 3, 16)
	rows := []CrossReference{
		{FromVerseKey: from.Int64(), ToStartKey: ref.Encode(45, 5, 8).Int64(), ToEndKey: ref.Encode(45, 5, 8).Int64(), Votes: 12},
		{FromVerseKey: from.Int64(), ToStartKey: ref.Encode(62, 4, 9).Int64(), ToEndKey: ref.Encode(62, 4, 10).Int64(), Votes: 57},
		{FromVerseKey: ref.Encode(1, 1, 1).Int64(), ToStartKey: ref.Encode(43, 1, 1).Int64(), ToEndKey: ref.Encode(43, 1, 3).Int64(), Votes: 99},
	}
	for _, row := range rows {
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed cross reference: %v", err)
		}
	}

	refs, err := service.CrossReferences(context.Background(), from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 references, got %d", len(refs))
	}
	if refs[0].Votes != 57 || refs[1].Votes != 12 {
		t.Fatalf("expected vote-descending order, got %d then %d", refs[0].Votes, refs[1].Votes)
	}
}

func TestListBooksMarksAvailability(t *testing.T) {
	service, db := newTestService(t)
	seedVerse(t, db, "web", 43, 1, 1, "In the beginning was the Word")
	seedVerse(t, db, "web", 1, 1, 1, "In the beginning, God created")

	books, err := service.ListBooks(context.Background(), mustTranslationCode(t, "web"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(books) != 66 {
		t.Fatalf("expected the full canon, got %d books", len(books))
	}
	byNumber := make(map[int]BookAvailability, len(books))
	for _, book := range books {
		byNumber[book.Book.Number] = book
	}
	if !byNumber[1].Available || !byNumber[43].Available {
		t.Fatalf("expected seeded books to be available")
	}
	if byNumber[66].Available {
		t.Fatalf("expected unseeded book to be unavailable")
	}
}

func TestTopicLookupsRoundTrip(t *testing.T) {
	service, db := newTestService(t)
	rows := []TopicReference{
		{Topic: "faith", VerseKey: ref.Encode(58, 11, 1).Int64(), Weight: 10},
		{Topic: "faith", VerseKey: ref.Encode(45, 10, 17).Int64(), Weight: 25},
		{Topic: "hope", VerseKey: ref.Encode(45, 10, 17).Int64(), Weight: 3},
	}
	for _, row := range rows {
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed topic reference: %v", err)
		}
	}

	verses, err := service.VersesForTopic(context.Background(), "Faith")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(verses) != 2 {
		t.Fatalf("expected 2 verses for topic, got %d", len(verses))
	}
	if verses[0].Weight != 25 {
		t.Fatalf("expected weight-descending order, got %d first", verses[0].Weight)
	}

	topics, err := service.TopicsForVerse(context.Background(), ref.Encode(45, 10, 17))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics for verse, got %d", len(topics))
	}
	if topics[0].Topic != "faith" || topics[1].Topic != "hope" {
		t.Fatalf("unexpected topic order: %q then %q", topics[0].Topic, topics[1].Topic)
	}
}

func TestLexiconLookupNormalizesID(t *testing.T) {
	service, db := newTestService(t)
	entry := LexiconEntry{
		StrongsID:  "G26",
		Source:     string(LexiconSourceDodson),
		Lemma:      "ἀγάπη",
		Definition: "love, benevolence",
		SearchText: NormalizeSearchText("ἀγάπη agape love, benevolence"),
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("failed to seed lexicon entry: %v", err)
	}

	entries, err := service.LexiconLookup(context.Background(), "g26")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	matches, err := service.SearchLexicon(context.Background(), "AGAPE", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected transliteration search to match, got %d entries", len(matches))
	}
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:lectern_scripture_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Translation{}, &Verse{}, &CrossReference{}, &TopicReference{}, &LexiconEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct scripture service: %v", err)
	}
	return service, db
}

func seedVerse(t *testing.T, db *gorm.DB, translation string, book, chapter, verse int, text string) {
	t.Helper()
	row := Verse{
		TranslationCode: translation,
		VerseKey:        ref.Encode(book, chapter, verse).Int64(),
		Book:            book,
		Chapter:         chapter,
		VerseNumber:     verse,
		Text:            text,
		SearchText:      NormalizeSearchText(text),
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed verse: %v", err)
	}
}

func mustTranslationCode(t *testing.T, value string) TranslationCode {
	t.Helper()
	code, err := NewTranslationCode(value)
	if err != nil {
		t.Fatalf("unexpected translation code error: %v", err)
	}
	return code
}
