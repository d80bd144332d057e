package scripture

import (
	"errors"
	"fmt"
	"strings"
)

// LexiconSource enumerates the bundled lexicon datasets.
type LexiconSource string

const (
	// LexiconSourceStrongs covers Strong's concordance numbers.
	LexiconSourceStrongs LexiconSource = "strongs"
	// LexiconSourceBDB covers Brown-Driver-Briggs Hebrew entries.
	LexiconSourceBDB LexiconSource = "bdb"
	// LexiconSourceDodson covers Dodson Greek entries.
	LexiconSourceDodson LexiconSource = "dodson"
)

const maxTranslationCodeLength = 16

var (
	// ErrInvalidTranslationCode indicates an empty or oversized translation code.
	ErrInvalidTranslationCode = errors.New("scripture: invalid translation code")
	// ErrUnknownLexiconSource indicates a lexicon source outside the known set.
	ErrUnknownLexiconSource = errors.New("scripture: unknown lexicon source")
)

// TranslationCode represents a validated translation identifier such as "kjv".
type TranslationCode string

// NewTranslationCode validates raw input and returns a TranslationCode.
func NewTranslationCode(rawInput string) (TranslationCode, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTranslationCode)
	}
	if len(trimmed) > maxTranslationCodeLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTranslationCode, maxTranslationCodeLength)
	}
	return TranslationCode(trimmed), nil
}

// String returns the underlying code.
func (c TranslationCode) String() string {
	return string(c)
}

// ParseLexiconSource validates a lexicon source tag.
func ParseLexiconSource(rawInput string) (LexiconSource, error) {
	switch LexiconSource(strings.ToLower(strings.TrimSpace(rawInput))) {
	case LexiconSourceStrongs:
		return LexiconSourceStrongs, nil
	case LexiconSourceBDB:
		return LexiconSourceBDB, nil
	case LexiconSourceDodson:
		return LexiconSourceDodson, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLexiconSource, rawInput)
	}
}

// Translation models one installed Bible translation.
type Translation struct {
	Code              string `gorm:"column:code;primaryKey;size:16;not null"`
	Name              string `gorm:"column:name;size:190;not null"`
	Language          string `gorm:"column:language;size:64;not null;default:''"`
	VerseCount        int64  `gorm:"column:verse_count;not null;default:0"`
	ImportedAtSeconds int64  `gorm:"column:imported_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Translation) TableName() string {
	return "translations"
}

// Verse stores one verse of one translation. VerseKey is the packed
// book/chapter/verse integer, so chapter reads are contiguous range scans.
type Verse struct {
	TranslationCode string `gorm:"column:translation_code;primaryKey;size:16;not null"`
	VerseKey        int64  `gorm:"column:verse_key;primaryKey;not null"`
	Book            int    `gorm:"column:book;not null"`
	Chapter         int    `gorm:"column:chapter;not null"`
	VerseNumber     int    `gorm:"column:verse_number;not null"`
	Text            string `gorm:"column:text;type:text;not null"`
	SearchText      string `gorm:"column:search_text;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Verse) TableName() string {
	return "verses"
}

// CrossReference links a source verse to a target verse range, weighted by
// community votes.
type CrossReference struct {
	FromVerseKey int64 `gorm:"column:from_verse_key;primaryKey;not null"`
	ToStartKey   int64 `gorm:"column:to_start_key;primaryKey;not null"`
	ToEndKey     int64 `gorm:"column:to_end_key;primaryKey;not null"`
	Votes        int   `gorm:"column:votes;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CrossReference) TableName() string {
	return "cross_references"
}

// TopicReference associates a topical index entry with a verse.
type TopicReference struct {
	Topic    string `gorm:"column:topic;primaryKey;size:190;not null"`
	VerseKey int64  `gorm:"column:verse_key;primaryKey;not null;index:idx_topic_refs_verse"`
	Weight   int    `gorm:"column:weight;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (TopicReference) TableName() string {
	return "topic_references"
}

// normalizeStrongsID uppercases a Strong's number so "g25" and "G25" key the
// same entry.
func normalizeStrongsID(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// LexiconEntry stores one dictionary entry keyed by Strong's number and
// source dataset.
type LexiconEntry struct {
	StrongsID       string `gorm:"column:strongs_id;primaryKey;size:16;not null"`
	Source          string `gorm:"column:source;primaryKey;size:16;not null"`
	Lemma           string `gorm:"column:lemma;size:190;not null"`
	Transliteration string `gorm:"column:transliteration;size:190;not null;default:''"`
	Pronunciation   string `gorm:"column:pronunciation;size:190;not null;default:''"`
	Definition      string `gorm:"column:definition;type:text;not null"`
	SearchText      string `gorm:"column:search_text;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LexiconEntry) TableName() string {
	return "lexicon_entries"
}
