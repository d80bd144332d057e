package scripture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lecternlabs/lectern/internal/ref"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 200
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrMissingQuery indicates a search request whose query normalized to
	// nothing.
	ErrMissingQuery = errors.New("scripture: search query is required")

	// ErrVerseNotFound indicates the requested verse is absent from the
	// translation.
	ErrVerseNotFound = errors.New("scripture: verse not found")
	// ErrTranslationNotFound indicates an unknown translation code.
	ErrTranslationNotFound = errors.New("scripture: translation not found")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "scripture.service.new"
	opListTranslations = "scripture.list_translations"
	opListBooks        = "scripture.list_books"
	opChapter          = "scripture.chapter"
	opVerse            = "scripture.verse"
	opPassage          = "scripture.passage"
	opCrossReferences  = "scripture.cross_references"
	opTopicsForVerse   = "scripture.topics_for_verse"
	opVersesForTopic   = "scripture.verses_for_topic"
	opLexiconLookup    = "scripture.lexicon_lookup"
	opSearchVerses     = "scripture.search_verses"
	opSearchLexicon    = "scripture.search_lexicon"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the scripture read service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service serves translation text, cross-references, topical references and
// lexicon entries out of the local store.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ListTranslations returns installed translations in code order.
func (s *Service) ListTranslations(ctx context.Context) ([]Translation, error) {
	var translations []Translation
	if err := s.db.WithContext(ctx).
		Order("code ASC").
		Find(&translations).Error; err != nil {
		s.logError(opListTranslations, "query_failed", err)
		return nil, newServiceError(opListTranslations, "query_failed", err)
	}
	return translations, nil
}

// BookAvailability reports one canon book together with whether the
// translation carries any of its text.
type BookAvailability struct {
	Book      ref.Book
	Available bool
}

// ListBooks returns the full canon annotated with per-translation
// availability.
func (s *Service) ListBooks(ctx context.Context, translation TranslationCode) ([]BookAvailability, error) {
	var present []int
	if err := s.db.WithContext(ctx).
		Model(&Verse{}).
		Where("translation_code = ?", translation.String()).
		Distinct("book").
		Pluck("book", &present).Error; err != nil {
		s.logError(opListBooks, "query_failed", err, zap.String("translation", translation.String()))
		return nil, newServiceError(opListBooks, "query_failed", err)
	}

	available := make(map[int]bool, len(present))
	for _, book := range present {
		available[book] = true
	}

	books := ref.Books()
	result := make([]BookAvailability, 0, len(books))
	for _, book := range books {
		result = append(result, BookAvailability{Book: book, Available: available[book.Number]})
	}
	return result, nil
}

// Chapter returns every verse of one chapter in verse order. The lookup is a
// single range scan over the packed verse keys.
func (s *Service) Chapter(ctx context.Context, translation TranslationCode, book, chapter int) ([]Verse, error) {
	start, end := ref.ChapterRange(book, chapter)
	verses, err := s.scanRange(ctx, translation, start, end)
	if err != nil {
		s.logError(opChapter, "query_failed", err,
			zap.String("translation", translation.String()),
			zap.Int("book", book),
			zap.Int("chapter", chapter))
		return nil, newServiceError(opChapter, "query_failed", err)
	}
	return verses, nil
}

// VerseByID returns a single verse or ErrVerseNotFound.
func (s *Service) VerseByID(ctx context.Context, translation TranslationCode, id ref.VerseID) (Verse, error) {
	var verse Verse
	err := s.db.WithContext(ctx).
		Where("translation_code = ? AND verse_key = ?", translation.String(), id.Int64()).
		Take(&verse).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Verse{}, ErrVerseNotFound
	}
	if err != nil {
		s.logError(opVerse, "query_failed", err,
			zap.String("translation", translation.String()),
			zap.Int64("verse_key", id.Int64()))
		return Verse{}, newServiceError(opVerse, "query_failed", err)
	}
	return verse, nil
}

// Passage returns the verses of an inclusive span in verse order.
func (s *Service) Passage(ctx context.Context, translation TranslationCode, span ref.Passage) ([]Verse, error) {
	verses, err := s.scanRange(ctx, translation, span.Start, span.End)
	if err != nil {
		s.logError(opPassage, "query_failed", err,
			zap.String("translation", translation.String()),
			zap.Int64("start", span.Start.Int64()),
			zap.Int64("end", span.End.Int64()))
		return nil, newServiceError(opPassage, "query_failed", err)
	}
	return verses, nil
}

func (s *Service) scanRange(ctx context.Context, translation TranslationCode, start, end ref.VerseID) ([]Verse, error) {
	var verses []Verse
	err := s.db.WithContext(ctx).
		Where("translation_code = ? AND verse_key BETWEEN ? AND ?", translation.String(), start.Int64(), end.Int64()).
		Order("verse_key ASC").
		Find(&verses).Error
	return verses, err
}

// CrossReferences returns targets for a verse, most-voted first.
func (s *Service) CrossReferences(ctx context.Context, id ref.VerseID) ([]CrossReference, error) {
	var refs []CrossReference
	if err := s.db.WithContext(ctx).
		Where("from_verse_key = ?", id.Int64()).
		Order("votes DESC, to_start_key ASC").
		Find(&refs).Error; err != nil {
		s.logError(opCrossReferences, "query_failed", err, zap.Int64("verse_key", id.Int64()))
		return nil, newServiceError(opCrossReferences, "query_failed", err)
	}
	return refs, nil
}

// TopicsForVerse returns topical index entries mentioning the verse.
func (s *Service) TopicsForVerse(ctx context.Context, id ref.VerseID) ([]TopicReference, error) {
	var topics []TopicReference
	if err := s.db.WithContext(ctx).
		Where("verse_key = ?", id.Int64()).
		Order("weight DESC, topic ASC").
		Find(&topics).Error; err != nil {
		s.logError(opTopicsForVerse, "query_failed", err, zap.Int64("verse_key", id.Int64()))
		return nil, newServiceError(opTopicsForVerse, "query_failed", err)
	}
	return topics, nil
}

// VersesForTopic returns the verses filed under a topical index entry.
func (s *Service) VersesForTopic(ctx context.Context, topic string) ([]TopicReference, error) {
	var entries []TopicReference
	if err := s.db.WithContext(ctx).
		Where("topic = ?", NormalizeSearchText(topic)).
		Order("weight DESC, verse_key ASC").
		Find(&entries).Error; err != nil {
		s.logError(opVersesForTopic, "query_failed", err, zap.String("topic", topic))
		return nil, newServiceError(opVersesForTopic, "query_failed", err)
	}
	return entries, nil
}

// LexiconLookup returns every source's entry for one Strong's number.
func (s *Service) LexiconLookup(ctx context.Context, strongsID string) ([]LexiconEntry, error) {
	var entries []LexiconEntry
	if err := s.db.WithContext(ctx).
		Where("strongs_id = ?", normalizeStrongsID(strongsID)).
		Order("source ASC").
		Find(&entries).Error; err != nil {
		s.logError(opLexiconLookup, "query_failed", err, zap.String("strongs_id", strongsID))
		return nil, newServiceError(opLexiconLookup, "query_failed", err)
	}
	return entries, nil
}

// SearchVerses runs a normalized substring search over a translation's text,
// optionally scoped to one book. Results come back in canonical order.
func (s *Service) SearchVerses(ctx context.Context, translation TranslationCode, query string, book int, limit int) ([]Verse, error) {
	normalized := NormalizeSearchText(query)
	if normalized == "" {
		return nil, newServiceError(opSearchVerses, "missing_query", ErrMissingQuery)
	}

	tx := s.db.WithContext(ctx).
		Where("translation_code = ? AND search_text LIKE ?", translation.String(), "%"+normalized+"%")
	if book > 0 {
		tx = tx.Where("book = ?", book)
	}

	var verses []Verse
	if err := tx.Order("verse_key ASC").Limit(clampLimit(limit)).Find(&verses).Error; err != nil {
		s.logError(opSearchVerses, "query_failed", err,
			zap.String("translation", translation.String()),
			zap.String("query", normalized))
		return nil, newServiceError(opSearchVerses, "query_failed", err)
	}
	return verses, nil
}

// SearchLexicon runs a normalized substring search over lemmas,
// transliterations and glosses.
func (s *Service) SearchLexicon(ctx context.Context, query string, limit int) ([]LexiconEntry, error) {
	normalized := NormalizeSearchText(query)
	if normalized == "" {
		return nil, newServiceError(opSearchLexicon, "missing_query", ErrMissingQuery)
	}

	var entries []LexiconEntry
	if err := s.db.WithContext(ctx).
		Where("search_text LIKE ?", "%"+normalized+"%").
		Order("strongs_id ASC, source ASC").
		Limit(clampLimit(limit)).
		Find(&entries).Error; err != nil {
		s.logError(opSearchLexicon, "query_failed", err, zap.String("query", normalized))
		return nil, newServiceError(opSearchLexicon, "query_failed", err)
	}
	return entries, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultSearchLimit
	}
	if limit > maxSearchLimit {
		return maxSearchLimit
	}
	return limit
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("scripture service error", attrs...)
}
