package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lecternlabs/lectern/internal/ref"
	"github.com/lecternlabs/lectern/internal/scripture"
)

type translationPayload struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Language   string `json:"language,omitempty"`
	VerseCount int64  `json:"verse_count"`
	ImportedAt int64  `json:"imported_at_s"`
}

type bookPayload struct {
	Number    int    `json:"number"`
	Name      string `json:"name"`
	Chapters  int    `json:"chapters"`
	Available bool   `json:"available"`
}

type versePayload struct {
	VerseID int64  `json:"verse_id"`
	Book    int    `json:"book"`
	Chapter int    `json:"chapter"`
	Verse   int    `json:"verse"`
	Text    string `json:"text"`
}

func buildVersePayloads(verses []scripture.Verse) []versePayload {
	payload := make([]versePayload, 0, len(verses))
	for _, verse := range verses {
		payload = append(payload, versePayload{
			VerseID: verse.VerseKey,
			Book:    verse.Book,
			Chapter: verse.Chapter,
			Verse:   verse.VerseNumber,
			Text:    verse.Text,
		})
	}
	return payload
}

func (h *httpHandler) handleListTranslations(c *gin.Context) {
	translations, err := h.scripture.ListTranslations(c.Request.Context())
	if err != nil {
		h.scriptureFailure(c, "translation list failed", err)
		return
	}
	payload := make([]translationPayload, 0, len(translations))
	for _, translation := range translations {
		payload = append(payload, translationPayload{
			Code:       translation.Code,
			Name:       translation.Name,
			Language:   translation.Language,
			VerseCount: translation.VerseCount,
			ImportedAt: translation.ImportedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"translations": payload})
}

func (h *httpHandler) handleListBooks(c *gin.Context) {
	code, ok := translationFromQuery(c)
	if !ok {
		return
	}
	books, err := h.scripture.ListBooks(c.Request.Context(), code)
	if err != nil {
		h.scriptureFailure(c, "book list failed", err)
		return
	}
	payload := make([]bookPayload, 0, len(books))
	for _, entry := range books {
		payload = append(payload, bookPayload{
			Number:    entry.Book.Number,
			Name:      entry.Book.Name,
			Chapters:  entry.Book.Chapters,
			Available: entry.Available,
		})
	}
	c.JSON(http.StatusOK, gin.H{"translation": code.String(), "books": payload})
}

func (h *httpHandler) handleChapter(c *gin.Context) {
	code, ok := translationFromParam(c)
	if !ok {
		return
	}
	book, ok := resolveBookParam(c)
	if !ok {
		return
	}
	chapter, err := strconv.Atoi(c.Param("chapter"))
	if err != nil || chapter < 1 || chapter > book.Chapters {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chapter"})
		return
	}

	verses, err := h.scripture.Chapter(c.Request.Context(), code, book.Number, chapter)
	if err != nil {
		h.scriptureFailure(c, "chapter read failed", err)
		return
	}
	if len(verses) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "chapter_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"translation": code.String(),
		"book":        gin.H{"number": book.Number, "name": book.Name, "chapters": book.Chapters},
		"chapter":     chapter,
		"verses":      buildVersePayloads(verses),
	})
}

func (h *httpHandler) handlePassage(c *gin.Context) {
	code, ok := translationFromParam(c)
	if !ok {
		return
	}
	from, fromOK := verseKeyParam(c, "from")
	to, toOK := verseKeyParam(c, "to")
	if !fromOK || !toOK {
		return
	}
	if to < from {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range"})
		return
	}

	verses, err := h.scripture.Passage(c.Request.Context(), code, ref.Passage{Start: from, End: to})
	if err != nil {
		h.scriptureFailure(c, "passage read failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"translation": code.String(),
		"reference":   ref.FormatPassage(ref.Passage{Start: from, End: to}),
		"verses":      buildVersePayloads(verses),
	})
}

func (h *httpHandler) handleSearchVerses(c *gin.Context) {
	code, ok := translationFromParam(c)
	if !ok {
		return
	}
	book := 0
	if raw := c.Query("book"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_book"})
			return
		}
		book = parsed
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	verses, err := h.scripture.SearchVerses(c.Request.Context(), code, c.Query("q"), book, limit)
	if err != nil {
		h.scriptureFailure(c, "verse search failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"translation": code.String(),
		"query":       c.Query("q"),
		"verses":      buildVersePayloads(verses),
	})
}

func (h *httpHandler) handleCrossReferences(c *gin.Context) {
	verse, ok := verseFromParams(c)
	if !ok {
		return
	}
	references, err := h.scripture.CrossReferences(c.Request.Context(), verse)
	if err != nil {
		h.scriptureFailure(c, "cross reference read failed", err)
		return
	}
	payload := make([]gin.H, 0, len(references))
	for _, reference := range references {
		span := ref.Passage{Start: ref.VerseID(reference.ToStartKey), End: ref.VerseID(reference.ToEndKey)}
		payload = append(payload, gin.H{
			"start":     reference.ToStartKey,
			"end":       reference.ToEndKey,
			"votes":     reference.Votes,
			"reference": ref.FormatPassage(span),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"verse":      verse.Int64(),
		"reference":  ref.FormatVerseID(verse),
		"references": payload,
	})
}

func (h *httpHandler) handleTopicsForVerse(c *gin.Context) {
	verse, ok := verseFromParams(c)
	if !ok {
		return
	}
	topics, err := h.scripture.TopicsForVerse(c.Request.Context(), verse)
	if err != nil {
		h.scriptureFailure(c, "topic read failed", err)
		return
	}
	payload := make([]gin.H, 0, len(topics))
	for _, topic := range topics {
		payload = append(payload, gin.H{"topic": topic.Topic, "weight": topic.Weight})
	}
	c.JSON(http.StatusOK, gin.H{"verse": verse.Int64(), "topics": payload})
}

func (h *httpHandler) handleVersesForTopic(c *gin.Context) {
	topic := c.Param("topic")
	entries, err := h.scripture.VersesForTopic(c.Request.Context(), topic)
	if err != nil {
		h.scriptureFailure(c, "topic verse read failed", err)
		return
	}
	payload := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, gin.H{
			"verse_id":  entry.VerseKey,
			"weight":    entry.Weight,
			"reference": ref.FormatVerseID(ref.VerseID(entry.VerseKey)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"topic": topic, "verses": payload})
}

type lexiconEntryPayload struct {
	StrongsID       string `json:"strongs_id"`
	Source          string `json:"source"`
	Lemma           string `json:"lemma"`
	Transliteration string `json:"transliteration,omitempty"`
	Pronunciation   string `json:"pronunciation,omitempty"`
	Definition      string `json:"definition"`
}

func buildLexiconPayloads(entries []scripture.LexiconEntry) []lexiconEntryPayload {
	payload := make([]lexiconEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, lexiconEntryPayload{
			StrongsID:       entry.StrongsID,
			Source:          entry.Source,
			Lemma:           entry.Lemma,
			Transliteration: entry.Transliteration,
			Pronunciation:   entry.Pronunciation,
			Definition:      entry.Definition,
		})
	}
	return payload
}

func (h *httpHandler) handleLexiconEntry(c *gin.Context) {
	entries, err := h.scripture.LexiconLookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.scriptureFailure(c, "lexicon lookup failed", err)
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": buildLexiconPayloads(entries)})
}

func (h *httpHandler) handleLexiconSearch(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.scripture.SearchLexicon(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		h.scriptureFailure(c, "lexicon search failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": c.Query("q"), "entries": buildLexiconPayloads(entries)})
}

// scriptureFailure maps scripture service errors onto responses. Queries
// that normalize to nothing are the caller's fault; everything else from
// the service is a store problem.
func (h *httpHandler) scriptureFailure(c *gin.Context, message string, err error) {
	if errors.Is(err, scripture.ErrMissingQuery) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_query"})
		return
	}
	if storeFailure(c, err) {
		return
	}
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func translationFromQuery(c *gin.Context) (scripture.TranslationCode, bool) {
	code, err := scripture.NewTranslationCode(c.Query("translation"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_translation"})
		return "", false
	}
	return code, true
}

func translationFromParam(c *gin.Context) (scripture.TranslationCode, bool) {
	code, err := scripture.NewTranslationCode(c.Param("translation"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_translation"})
		return "", false
	}
	return code, true
}

// resolveBookParam accepts either a canon book number or a book name.
func resolveBookParam(c *gin.Context) (ref.Book, bool) {
	param := c.Param("book")
	var book ref.Book
	var found bool
	if number, err := strconv.Atoi(param); err == nil {
		book, found = ref.BookByNumber(number)
	} else {
		book, found = ref.LookupBook(param)
	}
	if !found {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_book"})
		return ref.Book{}, false
	}
	return book, true
}

// verseKeyParam reads one packed verse key path segment.
func verseKeyParam(c *gin.Context, name string) (ref.VerseID, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_verse"})
		return 0, false
	}
	id := ref.VerseID(value)
	if _, ok := ref.BookByNumber(id.Book()); !ok || id.Chapter() < 1 || id.Verse() < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_verse"})
		return 0, false
	}
	return id, true
}
