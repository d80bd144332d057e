package scripture

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lecternlabs/lectern/internal/ref"
)

const (
	defaultParseWorkers = 4
	insertBatchSize     = 500
)

// ImportKind selects the file format an import run expects.
type ImportKind string

const (
	// ImportKindTranslation loads a translation JSON file.
	ImportKindTranslation ImportKind = "translation"
	// ImportKindCrossRefs loads a tab-separated cross-reference file.
	ImportKindCrossRefs ImportKind = "crossrefs"
	// ImportKindTopics loads a tab-separated topical index file.
	ImportKindTopics ImportKind = "topics"
	// ImportKindLexicon loads a lexicon JSON file.
	ImportKindLexicon ImportKind = "lexicon"
)

// ErrUnknownImportKind indicates an import kind outside the known set.
var ErrUnknownImportKind = errors.New("scripture: unknown import kind")

// ParseImportKind validates a kind flag value.
func ParseImportKind(rawInput string) (ImportKind, error) {
	switch ImportKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ImportKindTranslation:
		return ImportKindTranslation, nil
	case ImportKindCrossRefs:
		return ImportKindCrossRefs, nil
	case ImportKindTopics:
		return ImportKindTopics, nil
	case ImportKindLexicon:
		return ImportKindLexicon, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownImportKind, rawInput)
	}
}

// ImporterConfig describes the dependencies of the bulk importer.
type ImporterConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// ParseWorkers bounds concurrent file parsing. Writes always go through
	// a single writer because the sqlite handle allows one connection.
	ParseWorkers int
}

// Importer loads scripture datasets into the store.
type Importer struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	workers int64
}

// NewImporter validates the configuration and returns an Importer.
func NewImporter(cfg ImporterConfig) (*Importer, error) {
	if cfg.Database == nil {
		return nil, newServiceError("scripture.importer.new", "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	workers := cfg.ParseWorkers
	if workers <= 0 {
		workers = defaultParseWorkers
	}
	return &Importer{db: cfg.Database, clock: clock, logger: logger, workers: int64(workers)}, nil
}

// ImportSummary reports what one import run loaded.
type ImportSummary struct {
	Files int
	Rows  int64
}

// ImportFiles parses the given files concurrently and writes their rows
// through a single serialized writer. The first parse or write failure
// aborts the remaining work.
func (im *Importer) ImportFiles(ctx context.Context, kind ImportKind, paths []string) (ImportSummary, error) {
	sem := semaphore.NewWeighted(im.workers)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		summary  ImportSummary
	)

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, path := range paths {
		mu.Lock()
		aborted := firstErr != nil
		mu.Unlock()
		if aborted {
			break
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			fail(err)
			break
		}

		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer sem.Release(1)

			rows, err := im.importOne(ctx, kind, path, &mu)
			if err != nil {
				im.logger.Error("import failed",
					zap.String("path", path),
					zap.String("kind", string(kind)),
					zap.Error(err))
				fail(fmt.Errorf("%s: %w", path, err))
				return
			}
			mu.Lock()
			summary.Files++
			summary.Rows += rows
			mu.Unlock()
			im.logger.Info("import finished",
				zap.String("path", path),
				zap.String("kind", string(kind)),
				zap.Int64("rows", rows))
		}(path)
	}

	wg.Wait()
	if firstErr != nil {
		return ImportSummary{}, firstErr
	}
	return summary, nil
}

// importOne parses outside the lock and writes inside it.
func (im *Importer) importOne(ctx context.Context, kind ImportKind, path string, writeMu *sync.Mutex) (int64, error) {
	switch kind {
	case ImportKindTranslation:
		translation, verses, err := parseTranslationFile(path)
		if err != nil {
			return 0, err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return int64(len(verses)), im.writeTranslation(ctx, translation, verses)
	case ImportKindCrossRefs:
		refs, err := parseCrossRefFile(path)
		if err != nil {
			return 0, err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return int64(len(refs)), upsertBatches(im.db.WithContext(ctx), refs, len(refs))
	case ImportKindTopics:
		topics, err := parseTopicFile(path)
		if err != nil {
			return 0, err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return int64(len(topics)), upsertBatches(im.db.WithContext(ctx), topics, len(topics))
	case ImportKindLexicon:
		entries, err := parseLexiconFile(path)
		if err != nil {
			return 0, err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return int64(len(entries)), upsertBatches(im.db.WithContext(ctx), entries, len(entries))
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownImportKind, kind)
	}
}

// writeTranslation replaces a translation's verses wholesale so re-importing
// the same code is idempotent.
func (im *Importer) writeTranslation(ctx context.Context, translation Translation, verses []Verse) error {
	return im.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("translation_code = ?", translation.Code).Delete(&Verse{}).Error; err != nil {
			return err
		}
		if err := tx.CreateInBatches(verses, insertBatchSize).Error; err != nil {
			return err
		}
		translation.VerseCount = int64(len(verses))
		translation.ImportedAtSeconds = im.clock().UTC().Unix()
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&translation).Error
	})
}

func upsertBatches(tx *gorm.DB, rows interface{}, count int) error {
	if count == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, insertBatchSize).Error
}

type translationFile struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Books    []struct {
		Name     string `json:"name"`
		Chapters []struct {
			Chapter int `json:"chapter"`
			Verses  []struct {
				Verse int    `json:"verse"`
				Text  string `json:"text"`
			} `json:"verses"`
		} `json:"chapters"`
	} `json:"books"`
}

func parseTranslationFile(path string) (Translation, []Verse, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Translation{}, nil, err
	}

	var file translationFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return Translation{}, nil, fmt.Errorf("parse translation json: %w", err)
	}

	code, err := NewTranslationCode(file.Code)
	if err != nil {
		return Translation{}, nil, err
	}
	if strings.TrimSpace(file.Name) == "" {
		return Translation{}, nil, fmt.Errorf("translation %q has no name", code)
	}

	var verses []Verse
	for _, book := range file.Books {
		catalogBook, ok := ref.LookupBook(book.Name)
		if !ok {
			return Translation{}, nil, fmt.Errorf("%w: %q", ref.ErrUnknownBook, book.Name)
		}
		for _, chapter := range book.Chapters {
			for _, verse := range chapter.Verses {
				r, err := ref.NewRef(catalogBook.Number, chapter.Chapter, verse.Verse)
				if err != nil {
					return Translation{}, nil, fmt.Errorf("%s %d:%d: %w", book.Name, chapter.Chapter, verse.Verse, err)
				}
				verses = append(verses, Verse{
					TranslationCode: code.String(),
					VerseKey:        r.ID().Int64(),
					Book:            r.Book,
					Chapter:         r.Chapter,
					VerseNumber:     r.Verse,
					Text:            verse.Text,
					SearchText:      NormalizeSearchText(verse.Text),
				})
			}
		}
	}
	if len(verses) == 0 {
		return Translation{}, nil, fmt.Errorf("translation %q carries no verses", code)
	}

	return Translation{
		Code:     code.String(),
		Name:     strings.TrimSpace(file.Name),
		Language: strings.ToLower(strings.TrimSpace(file.Language)),
	}, verses, nil
}

// parseCrossRefFile reads "from<TAB>to<TAB>votes" lines with dotted verse
// references ("John.3.16"). Comment lines start with '#'; a first line that
// does not parse is treated as a column header.
func parseCrossRefFile(path string) ([]CrossReference, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var refs []CrossReference
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			if lineNumber == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: expected at least two tab-separated fields", lineNumber)
		}

		from, err := ref.ParseVerse(fields[0])
		if err != nil {
			if lineNumber == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}
		target, err := ref.ParseReference(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}

		votes := 0
		if len(fields) >= 3 && strings.TrimSpace(fields[2]) != "" {
			votes, err = strconv.Atoi(strings.TrimSpace(fields[2]))
			if err != nil {
				return nil, fmt.Errorf("line %d: votes %q is not a number", lineNumber, fields[2])
			}
		}

		refs = append(refs, CrossReference{
			FromVerseKey: from.Int64(),
			ToStartKey:   target.Start.Int64(),
			ToEndKey:     target.End.Int64(),
			Votes:        votes,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

// parseTopicFile reads "topic<TAB>reference<TAB>weight" lines.
func parseTopicFile(path string) ([]TopicReference, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var topics []TopicReference
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			if lineNumber == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: expected at least two tab-separated fields", lineNumber)
		}

		verse, err := ref.ParseVerse(fields[1])
		if err != nil {
			if lineNumber == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}

		weight := 0
		if len(fields) >= 3 && strings.TrimSpace(fields[2]) != "" {
			weight, err = strconv.Atoi(strings.TrimSpace(fields[2]))
			if err != nil {
				return nil, fmt.Errorf("line %d: weight %q is not a number", lineNumber, fields[2])
			}
		}

		topic := NormalizeSearchText(fields[0])
		if topic == "" {
			return nil, fmt.Errorf("line %d: empty topic", lineNumber)
		}
		topics = append(topics, TopicReference{
			Topic:    topic,
			VerseKey: verse.Int64(),
			Weight:   weight,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return topics, nil
}

type lexiconFileEntry struct {
	ID              string `json:"id"`
	Source          string `json:"source"`
	Lemma           string `json:"lemma"`
	Transliteration string `json:"translit"`
	Pronunciation   string `json:"pronunciation"`
	Definition      string `json:"definition"`
}

func parseLexiconFile(path string) ([]LexiconEntry, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fileEntries []lexiconFileEntry
	if err := json.Unmarshal(payload, &fileEntries); err != nil {
		return nil, fmt.Errorf("parse lexicon json: %w", err)
	}

	entries := make([]LexiconEntry, 0, len(fileEntries))
	for index, entry := range fileEntries {
		source, err := ParseLexiconSource(entry.Source)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", index, err)
		}
		id := normalizeStrongsID(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("entry %d: empty id", index)
		}
		if strings.TrimSpace(entry.Lemma) == "" {
			return nil, fmt.Errorf("entry %d (%s): empty lemma", index, id)
		}
		entries = append(entries, LexiconEntry{
			StrongsID:       id,
			Source:          string(source),
			Lemma:           entry.Lemma,
			Transliteration: entry.Transliteration,
			Pronunciation:   entry.Pronunciation,
			Definition:      entry.Definition,
			SearchText:      NormalizeSearchText(entry.Lemma + " " + entry.Transliteration + " " + entry.Definition),
		})
	}
	return entries, nil
}
