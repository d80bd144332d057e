// Package server exposes the HTTP and SSE surface of the API. Handlers
// translate between wire payloads and the domain services; every error
// leaves as a short machine-readable code so clients switch on strings,
// not prose.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lecternlabs/lectern/internal/auth"
	"github.com/lecternlabs/lectern/internal/devices"
	"github.com/lecternlabs/lectern/internal/history"
	"github.com/lecternlabs/lectern/internal/metrics"
	"github.com/lecternlabs/lectern/internal/notes"
	"github.com/lecternlabs/lectern/internal/plans"
	"github.com/lecternlabs/lectern/internal/ref"
	"github.com/lecternlabs/lectern/internal/scripture"
	"github.com/lecternlabs/lectern/internal/scrolllink"
)

const (
	userIDContextKey   = "lectern_user_id"
	deviceIDContextKey = "lectern_device_id"
)

// AppleVerifier checks Sign in with Apple identity tokens.
type AppleVerifier interface {
	Verify(ctx context.Context, token string) (auth.AppleClaims, error)
}

// SessionTokenManager issues and validates Lectern session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID, deviceID string) (string, int64, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface. Every service field is required.
type Dependencies struct {
	AppleVerifier   AppleVerifier
	TokenManager    SessionTokenManager
	NotesService    *notes.Service
	EditManager     *notes.EditManager
	Preview         *notes.PreviewRenderer
	Scripture       *scripture.Service
	PlanLibrary     *plans.Library
	PlanTracker     *plans.Tracker
	Devices         *devices.Service
	History         *history.Manager
	LinkCoordinator *scrolllink.Coordinator
	Dispatcher      *RealtimeDispatcher
	CORSOrigins     []string
	Logger          *zap.Logger
}

func (d Dependencies) validate() error {
	required := []struct {
		name    string
		present bool
	}{
		{"apple verifier", d.AppleVerifier != nil},
		{"token manager", d.TokenManager != nil},
		{"notes service", d.NotesService != nil},
		{"edit manager", d.EditManager != nil},
		{"preview renderer", d.Preview != nil},
		{"scripture service", d.Scripture != nil},
		{"plan library", d.PlanLibrary != nil},
		{"plan tracker", d.PlanTracker != nil},
		{"device registry", d.Devices != nil},
		{"history manager", d.History != nil},
		{"link coordinator", d.LinkCoordinator != nil},
		{"realtime dispatcher", d.Dispatcher != nil},
	}
	for _, dependency := range required {
		if !dependency.present {
			return fmt.Errorf("%s dependency required", dependency.name)
		}
	}
	return nil
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(observeRequests)
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:   deps.AppleVerifier,
		tokens:     deps.TokenManager,
		notes:      deps.NotesService,
		editor:     deps.EditManager,
		preview:    deps.Preview,
		scripture:  deps.Scripture,
		plans:      deps.PlanLibrary,
		tracker:    deps.PlanTracker,
		devices:    deps.Devices,
		history:    deps.History,
		link:       deps.LinkCoordinator,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/auth/apple", handler.handleAppleAuth)

	bible := router.Group("/bible")
	bible.GET("/translations", handler.handleListTranslations)
	bible.GET("/books", handler.handleListBooks)
	bible.GET("/chapter/:translation/:book/:chapter", handler.handleChapter)
	bible.GET("/verses/:translation/:from/:to", handler.handlePassage)
	bible.GET("/search/:translation", handler.handleSearchVerses)
	bible.GET("/crossrefs/:book/:chapter/:verse", handler.handleCrossReferences)
	bible.GET("/topics/verse/:book/:chapter/:verse", handler.handleTopicsForVerse)
	bible.GET("/topics/name/:topic", handler.handleVersesForTopic)

	lexicon := router.Group("/lexicon")
	lexicon.GET("/entry/:id", handler.handleLexiconEntry)
	lexicon.GET("/search", handler.handleLexiconSearch)

	router.GET("/plans", handler.handleListPlans)
	router.GET("/plans/:id", handler.handlePlanDetail)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	noteRoutes := protected.Group("/notes")
	noteRoutes.GET("/chapters", handler.handleNoteChapters)
	noteRoutes.GET("/chapter/:book/:chapter", handler.handleReadNote)
	noteRoutes.PUT("/chapter/:book/:chapter", handler.handleWriteNote)
	noteRoutes.GET("/chapter/:book/:chapter/status", handler.handleNoteStatus)
	noteRoutes.POST("/chapter/:book/:chapter/lock", handler.handleAcquireLock)
	noteRoutes.POST("/chapter/:book/:chapter/lock/refresh", handler.handleRefreshLock)
	noteRoutes.DELETE("/chapter/:book/:chapter/lock", handler.handleReleaseLock)
	noteRoutes.POST("/chapter/:book/:chapter/resolve", handler.handleResolveConflict)
	noteRoutes.GET("/conflicts", handler.handlePendingConflicts)
	noteRoutes.GET("/versions/:id", handler.handleVersionContent)
	noteRoutes.POST("/preview", handler.handlePreview)

	editRoutes := protected.Group("/edit")
	editRoutes.POST("/open", handler.handleEditOpen)
	editRoutes.POST("/draft", handler.handleEditDraft)
	editRoutes.POST("/anyway", handler.handleEditAnyway)
	editRoutes.POST("/close", handler.handleEditClose)
	editRoutes.GET("/state", handler.handleEditState)

	historyRoutes := protected.Group("/history")
	historyRoutes.GET("", handler.handleHistorySnapshot)
	historyRoutes.POST("/visit", handler.handleHistoryVisit)
	historyRoutes.POST("/current", handler.handleHistoryCurrent)
	historyRoutes.POST("/back", handler.handleHistoryBack)
	historyRoutes.POST("/forward", handler.handleHistoryForward)
	historyRoutes.POST("/goto", handler.handleHistoryGoTo)
	historyRoutes.DELETE("", handler.handleHistoryClear)

	linkRoutes := protected.Group("/link")
	linkRoutes.POST("/offsets", handler.handleLinkOffsets)
	linkRoutes.POST("/scroll", handler.handleLinkScroll)
	linkRoutes.POST("/scrolled", handler.handleLinkScrolled)
	linkRoutes.POST("/enabled", handler.handleLinkEnabled)
	linkRoutes.POST("/keyboard", handler.handleLinkKeyboard)
	linkRoutes.POST("/tools-mode", handler.handleLinkToolsMode)
	linkRoutes.POST("/chapter-changed", handler.handleLinkChapterChanged)
	linkRoutes.GET("/status", handler.handleLinkStatus)
	linkRoutes.DELETE("/session", handler.handleLinkClose)

	protected.POST("/plans/:id/days/:day/complete", handler.handleMarkPlanDay)
	protected.DELETE("/plans/:id/days/:day/complete", handler.handleUnmarkPlanDay)
	protected.GET("/plans/:id/progress", handler.handlePlanProgress)
	protected.GET("/progress", handler.handleProgressOverview)

	protected.GET("/devices", handler.handleListDevices)
	protected.PATCH("/devices/:id", handler.handleRenameDevice)

	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	verifier   AppleVerifier
	tokens     SessionTokenManager
	notes      *notes.Service
	editor     *notes.EditManager
	preview    *notes.PreviewRenderer
	scripture  *scripture.Service
	plans      *plans.Library
	tracker    *plans.Tracker
	devices    *devices.Service
	history    *history.Manager
	link       *scrolllink.Coordinator
	dispatcher *RealtimeDispatcher
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest admits requests bearing a valid session token. Tokens
// arrive in the Authorization header or, for EventSource connections that
// cannot set headers, the access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session token expired", zap.Error(err))
		case errors.Is(err, auth.ErrMissingSessionToken):
		default:
			h.logger.Warn("session token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Next()
}

func observeRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	metrics.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start).Seconds())
}

// storeFailure maps a backing-store error to 503 and reports whether it
// consumed the error. Validation sentinels must be handled before calling
// this: service errors wrap their causes.
func storeFailure(c *gin.Context, err error) bool {
	var noteErr *notes.ServiceError
	if errors.As(err, &noteErr) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "code": noteErr.Code()})
		return true
	}
	var scriptureErr *scripture.ServiceError
	if errors.As(err, &scriptureErr) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "code": scriptureErr.Code()})
		return true
	}
	return false
}

func (h *httpHandler) currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) currentDevice(c *gin.Context) (string, string, bool) {
	userID, ok := h.currentUser(c)
	if !ok {
		return "", "", false
	}
	deviceID := c.GetString(deviceIDContextKey)
	if deviceID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return userID, deviceID, true
}

func chapterFromParams(c *gin.Context) (notes.ChapterRef, bool) {
	book, err := strconv.Atoi(c.Param("book"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chapter"})
		return notes.ChapterRef{}, false
	}
	chapter, err := strconv.Atoi(c.Param("chapter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chapter"})
		return notes.ChapterRef{}, false
	}
	chapterRef, err := notes.NewChapterRef(book, chapter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chapter"})
		return notes.ChapterRef{}, false
	}
	return chapterRef, true
}

// verseFromParams reads book/chapter/verse path segments into a packed
// verse identifier, validating against the canon.
func verseFromParams(c *gin.Context) (ref.VerseID, bool) {
	book, bookErr := strconv.Atoi(c.Param("book"))
	chapter, chapterErr := strconv.Atoi(c.Param("chapter"))
	verse, verseErr := strconv.Atoi(c.Param("verse"))
	if bookErr != nil || chapterErr != nil || verseErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_verse"})
		return 0, false
	}
	reference, err := ref.NewRef(book, chapter, verse)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_verse"})
		return 0, false
	}
	canonBook, ok := ref.BookByNumber(book)
	if !ok || chapter > canonBook.Chapters {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_verse"})
		return 0, false
	}
	return reference.ID(), true
}
