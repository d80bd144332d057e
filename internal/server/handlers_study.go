package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lecternlabs/lectern/internal/history"
	"github.com/lecternlabs/lectern/internal/plans"
	"github.com/lecternlabs/lectern/internal/ref"
	"github.com/lecternlabs/lectern/internal/scrolllink"
)

// positionFromPayload validates a client-reported reading position. The
// verse may be zero, meaning the chapter top.
func positionFromPayload(c *gin.Context, position history.Position) bool {
	book, ok := ref.BookByNumber(position.Book)
	if !ok || position.Chapter < 1 || position.Chapter > book.Chapters || position.Verse < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_position"})
		return false
	}
	return true
}

func (h *httpHandler) handleHistorySnapshot(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	entries, index := h.history.Snapshot(userID, deviceID)
	c.JSON(http.StatusOK, gin.H{
		"entries":        entries,
		"index":          index,
		"can_go_back":    index > 0,
		"can_go_forward": index >= 0 && index < len(entries)-1,
	})
}

func (h *httpHandler) handleHistoryVisit(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	var position history.Position
	if err := c.ShouldBindJSON(&position); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !positionFromPayload(c, position) {
		return
	}
	h.history.Record(userID, deviceID, position)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleHistoryCurrent(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	var position history.Position
	if err := c.ShouldBindJSON(&position); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !positionFromPayload(c, position) {
		return
	}
	h.history.UpdateCurrent(userID, deviceID, position)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type historyMovePayload struct {
	Current history.Position `json:"current"`
	Index   int              `json:"index"`
}

func (h *httpHandler) handleHistoryBack(c *gin.Context) {
	h.handleHistoryMove(c, func(userID, deviceID string, request historyMovePayload) (history.Position, bool) {
		return h.history.Back(userID, deviceID, request.Current)
	})
}

func (h *httpHandler) handleHistoryForward(c *gin.Context) {
	h.handleHistoryMove(c, func(userID, deviceID string, request historyMovePayload) (history.Position, bool) {
		return h.history.Forward(userID, deviceID, request.Current)
	})
}

func (h *httpHandler) handleHistoryGoTo(c *gin.Context) {
	h.handleHistoryMove(c, func(userID, deviceID string, request historyMovePayload) (history.Position, bool) {
		return h.history.GoTo(userID, deviceID, request.Index, request.Current)
	})
}

// handleHistoryMove shares the traversal envelope: a boundary move is a
// no-op reported as moved=false, never an error.
func (h *httpHandler) handleHistoryMove(c *gin.Context, move func(userID, deviceID string, request historyMovePayload) (history.Position, bool)) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	var request historyMovePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	position, moved := move(userID, deviceID, request)
	response := gin.H{"moved": moved}
	if moved {
		response["position"] = position
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHistoryClear(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	h.history.Clear(userID, deviceID)
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func paneFromPayload(c *gin.Context, raw string) (scrolllink.PaneID, bool) {
	switch scrolllink.PaneID(raw) {
	case scrolllink.PaneText:
		return scrolllink.PaneText, true
	case scrolllink.PaneTools:
		return scrolllink.PaneTools, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pane"})
		return "", false
	}
}

type linkOffsetsPayload struct {
	Pane    string             `json:"pane"`
	Offsets map[string]float64 `json:"offsets"`
}

// handleLinkOffsets replaces a pane's verse layout. Offset keys are packed
// verse ids as decimal strings, values the vertical position in points.
func (h *httpHandler) handleLinkOffsets(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	var request linkOffsetsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pane, ok := paneFromPayload(c, request.Pane)
	if !ok {
		return
	}
	offsets := make(map[ref.VerseID]float64, len(request.Offsets))
	for key, offset := range request.Offsets {
		value, err := strconv.ParseInt(key, 10, 64)
		if err != nil || value <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_verse"})
			return
		}
		offsets[ref.VerseID(value)] = offset
	}
	h.link.SetOffsets(linkSessionID(userID, deviceID), pane, offsets)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type linkScrollPayload struct {
	Pane string  `json:"pane"`
	Y    float64 `json:"y"`
}

func (h *httpHandler) handleLinkScroll(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	var request linkScrollPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pane, ok := paneFromPayload(c, request.Pane)
	if !ok {
		return
	}
	h.link.ReportScroll(linkSessionID(userID, deviceID), pane, request.Y)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type linkPanePayload struct {
	Pane string `json:"pane"`
}

func (h *httpHandler) handleLinkScrolled(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	var request linkPanePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pane, ok := paneFromPayload(c, request.Pane)
	if !ok {
		return
	}
	h.link.ScrollCompleted(linkSessionID(userID, deviceID), pane)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLinkEnabled(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	var request struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.link.SetLinkEnabled(linkSessionID(userID, deviceID), request.Enabled)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLinkKeyboard(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	var request struct {
		Visible bool `json:"visible"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.link.SetKeyboardVisible(linkSessionID(userID, deviceID), request.Visible)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLinkToolsMode(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	var request struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	switch mode := scrolllink.ToolsMode(request.Mode); mode {
	case scrolllink.ToolsModeNotes, scrolllink.ToolsModeCrossRefs, scrolllink.ToolsModeTopics:
		h.link.SetToolsMode(linkSessionID(userID, deviceID), mode)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
	}
}

func (h *httpHandler) handleLinkChapterChanged(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	h.link.ChapterChanged(linkSessionID(userID, deviceID))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLinkStatus(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.link.Status(linkSessionID(userID, deviceID)))
}

func (h *httpHandler) handleLinkClose(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	h.link.CloseSession(linkSessionID(userID, deviceID))
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (h *httpHandler) handleListPlans(c *gin.Context) {
	catalog := h.plans.Plans()
	payload := make([]gin.H, 0, len(catalog))
	for _, plan := range catalog {
		payload = append(payload, gin.H{
			"id":          plan.ID,
			"name":        plan.Name,
			"description": plan.Description,
			"total_days":  len(plan.Days),
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": payload})
}

func (h *httpHandler) handlePlanDetail(c *gin.Context) {
	plan, ok := h.plans.Plan(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "plan_not_found"})
		return
	}
	days := make([]gin.H, 0, len(plan.Days))
	for _, day := range plan.Days {
		readings := make([]gin.H, 0, len(day.Readings))
		for _, reading := range day.Readings {
			readings = append(readings, gin.H{
				"reference": reading.Reference,
				"start":     reading.Passage.Start.Int64(),
				"end":       reading.Passage.End.Int64(),
			})
		}
		days = append(days, gin.H{
			"number":   day.Number,
			"label":    day.Label,
			"readings": readings,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          plan.ID,
		"name":        plan.Name,
		"description": plan.Description,
		"total_days":  len(plan.Days),
		"days":        days,
	})
}

func planDayParams(c *gin.Context) (string, int, bool) {
	day, err := strconv.Atoi(c.Param("day"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_day"})
		return "", 0, false
	}
	return c.Param("id"), day, true
}

func (h *httpHandler) handleMarkPlanDay(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	planID, day, ok := planDayParams(c)
	if !ok {
		return
	}
	if !h.planFailure(c, "plan day mark failed", h.tracker.MarkDay(c.Request.Context(), userID, planID, day)) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleUnmarkPlanDay(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	planID, day, ok := planDayParams(c)
	if !ok {
		return
	}
	if !h.planFailure(c, "plan day unmark failed", h.tracker.UnmarkDay(c.Request.Context(), userID, planID, day)) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePlanProgress(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	summary, err := h.tracker.Progress(c.Request.Context(), userID, c.Param("id"))
	if !h.planFailure(c, "plan progress read failed", err) {
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleProgressOverview(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	summaries, err := h.tracker.Overview(c.Request.Context(), userID)
	if !h.planFailure(c, "progress overview failed", err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": summaries})
}

// planFailure writes the response for a tracker error and reports whether
// the caller may proceed with its success path.
func (h *httpHandler) planFailure(c *gin.Context, message string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, plans.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "plan_not_found"})
	case errors.Is(err, plans.ErrDayOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_day"})
	case errors.Is(err, plans.ErrInvalidUser):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
	}
	return false
}
