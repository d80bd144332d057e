// Package scrolllink keeps a session's text pane and tools pane anchored
// to the same verse without feedback loops. Panes report raw scroll
// offsets; the coordinator debounces them, resolves the visible verse,
// and asks the peer pane to follow. A programmatic-scroll guard keeps the
// peer's resulting scroll from echoing back.
package scrolllink

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecternlabs/lectern/internal/debounce"
	"github.com/lecternlabs/lectern/internal/metrics"
	"github.com/lecternlabs/lectern/internal/ref"
)

const (
	// DefaultQuiescence is how long a pane must stop scrolling before its
	// position is evaluated.
	DefaultQuiescence = 500 * time.Millisecond
	// DefaultSettle clears a peer's programmatic-scroll guard when the
	// pane never confirms completion. It must outlast scroll animations.
	DefaultSettle = time.Second
	// DefaultTopBand is the band below the viewport top, in points, that
	// decides which verse counts as currently visible.
	DefaultTopBand = 50.0
)

// PaneID names one of the two linked panes.
type PaneID string

const (
	// PaneText is the primary scripture pane.
	PaneText PaneID = "text"
	// PaneTools is the secondary pane showing notes, cross-references,
	// or topical content.
	PaneTools PaneID = "tools"
)

// ToolsMode states what the tools pane currently shows.
type ToolsMode string

const (
	ToolsModeNotes     ToolsMode = "notes"
	ToolsModeCrossRefs ToolsMode = "crossrefs"
	ToolsModeTopics    ToolsMode = "topics"
)

// Event kinds delivered to the session's realtime topic.
const (
	EventVisibleVerse  = "visible_verse"
	EventScrollRequest = "scroll_request"
)

// Event is a scroll-link notification. For scroll requests Pane is the
// pane being asked to move; for visible-verse events it is the pane that
// reported.
type Event struct {
	Kind   string      `json:"kind"`
	Pane   PaneID      `json:"pane"`
	Verse  ref.VerseID `json:"verse"`
	Offset float64     `json:"offset,omitempty"`
}

// Publisher receives session events for realtime fan-out. Implementations
// must not block.
type Publisher func(sessionID string, event Event)

// Config wires a Coordinator. Zero durations fall back to the defaults.
type Config struct {
	Quiescence time.Duration
	Settle     time.Duration
	TopBand    float64
	Logger     *zap.Logger
	Publish    Publisher
}

// Coordinator manages scroll-link sessions keyed by session identifier.
type Coordinator struct {
	quiescence time.Duration
	settle     time.Duration
	topBand    float64
	logger     *zap.Logger
	publish    Publisher

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id          string
	mu          sync.Mutex
	linkEnabled bool
	keyboard    bool
	toolsMode   ToolsMode
	panes       map[PaneID]*paneState
}

type paneState struct {
	offsets      map[ref.VerseID]float64
	order        []ref.VerseID
	lastReported ref.VerseID
	guarded      bool
	scrollTask   debounce.Task
	settleTask   debounce.Task
}

// NewCoordinator builds a Coordinator from the configuration.
func NewCoordinator(cfg Config) *Coordinator {
	quiescence := cfg.Quiescence
	if quiescence <= 0 {
		quiescence = DefaultQuiescence
	}
	settle := cfg.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	topBand := cfg.TopBand
	if topBand <= 0 {
		topBand = DefaultTopBand
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		quiescence: quiescence,
		settle:     settle,
		topBand:    topBand,
		logger:     logger,
		publish:    cfg.Publish,
		sessions:   make(map[string]*session),
	}
}

func (c *Coordinator) sessionFor(sessionID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &session{
			id:          sessionID,
			linkEnabled: true,
			toolsMode:   ToolsModeNotes,
			panes: map[PaneID]*paneState{
				PaneText:  newPaneState(),
				PaneTools: newPaneState(),
			},
		}
		c.sessions[sessionID] = s
	}
	return s
}

func newPaneState() *paneState {
	return &paneState{offsets: make(map[ref.VerseID]float64)}
}

// SetOffsets replaces a pane's verse-to-offset map after a layout pass.
func (c *Coordinator) SetOffsets(sessionID string, pane PaneID, offsets map[ref.VerseID]float64) {
	s := c.sessionFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.panes[pane]
	if !ok {
		return
	}
	p.offsets = make(map[ref.VerseID]float64, len(offsets))
	order := make([]ref.VerseID, 0, len(offsets))
	for verse, offset := range offsets {
		p.offsets[verse] = offset
		order = append(order, verse)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	p.order = order
}

// ReportScroll records a raw scroll position for a pane. Nothing happens
// until the pane stays quiet for the quiescence window; a burst of
// reports collapses into one evaluation at the final position. Reports
// from a guarded pane are echoes of a programmatic scroll and are
// dropped.
func (c *Coordinator) ReportScroll(sessionID string, pane PaneID, y float64) {
	s := c.sessionFor(sessionID)
	s.mu.Lock()
	p, ok := s.panes[pane]
	if !ok {
		s.mu.Unlock()
		return
	}
	if p.guarded {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	p.scrollTask.Schedule(c.quiescence, func() {
		c.evaluate(s, pane, y)
	})
}

// ScrollCompleted reports that a pane finished its programmatic scroll,
// clearing the guard ahead of the settle fallback.
func (c *Coordinator) ScrollCompleted(sessionID string, pane PaneID) {
	s := c.sessionFor(sessionID)
	s.mu.Lock()
	p, ok := s.panes[pane]
	if ok {
		p.guarded = false
	}
	s.mu.Unlock()
	if ok {
		p.settleTask.Cancel()
	}
}

// SetLinkEnabled toggles cross-pane following. Offset maps and visible
// verse tracking stay live either way.
func (c *Coordinator) SetLinkEnabled(sessionID string, enabled bool) {
	s := c.sessionFor(sessionID)
	s.mu.Lock()
	s.linkEnabled = enabled
	s.mu.Unlock()
}

// SetKeyboardVisible records whether the on-screen keyboard is up. While
// it is, scroll-driven updates from the tools pane in notes mode are
// suppressed so typing does not fight the text pane.
func (c *Coordinator) SetKeyboardVisible(sessionID string, visible bool) {
	s := c.sessionFor(sessionID)
	s.mu.Lock()
	s.keyboard = visible
	s.mu.Unlock()
}

// SetToolsMode switches the tools pane's content mode. The pane's offsets
// belong to the outgoing view, so its link state resets until the next
// layout report.
func (c *Coordinator) SetToolsMode(sessionID string, mode ToolsMode) {
	s := c.sessionFor(sessionID)
	s.mu.Lock()
	s.toolsMode = mode
	tools := s.panes[PaneTools]
	tools.offsets = make(map[ref.VerseID]float64)
	tools.order = nil
	tools.lastReported = 0
	tools.guarded = false
	s.mu.Unlock()
	tools.scrollTask.Cancel()
	tools.settleTask.Cancel()
}

// ChapterChanged resets both panes after navigation: offset maps, last
// reported verses, guards, and any pending evaluations all clear.
func (c *Coordinator) ChapterChanged(sessionID string) {
	s := c.sessionFor(sessionID)
	s.mu.Lock()
	panes := make([]*paneState, 0, len(s.panes))
	for _, p := range s.panes {
		p.offsets = make(map[ref.VerseID]float64)
		p.order = nil
		p.lastReported = 0
		p.guarded = false
		panes = append(panes, p)
	}
	s.mu.Unlock()
	for _, p := range panes {
		p.scrollTask.Cancel()
		p.settleTask.Cancel()
	}
}

// CloseSession drops a session and cancels its pending work.
func (c *Coordinator) CloseSession(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	panes := make([]*paneState, 0, len(s.panes))
	for _, p := range s.panes {
		panes = append(panes, p)
	}
	s.mu.Unlock()
	for _, p := range panes {
		p.scrollTask.Cancel()
		p.settleTask.Cancel()
	}
}

// PaneStatus is a point-in-time view of one pane for transport.
type PaneStatus struct {
	VerseCount   int         `json:"verse_count"`
	LastReported ref.VerseID `json:"last_reported"`
	Guarded      bool        `json:"guarded"`
}

// SessionStatus snapshots a session's link state.
type SessionStatus struct {
	LinkEnabled     bool                  `json:"link_enabled"`
	KeyboardVisible bool                  `json:"keyboard_visible"`
	ToolsMode       ToolsMode             `json:"tools_mode"`
	Panes           map[PaneID]PaneStatus `json:"panes"`
}

// Status snapshots a session.
func (c *Coordinator) Status(sessionID string) SessionStatus {
	s := c.sessionFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SessionStatus{
		LinkEnabled:     s.linkEnabled,
		KeyboardVisible: s.keyboard,
		ToolsMode:       s.toolsMode,
		Panes:           make(map[PaneID]PaneStatus, len(s.panes)),
	}
	for id, p := range s.panes {
		status.Panes[id] = PaneStatus{
			VerseCount:   len(p.order),
			LastReported: p.lastReported,
			Guarded:      p.guarded,
		}
	}
	return status
}

// evaluate runs once the pane has been quiet for the quiescence window.
func (c *Coordinator) evaluate(s *session, pane PaneID, y float64) {
	s.mu.Lock()
	p, ok := s.panes[pane]
	if !ok {
		s.mu.Unlock()
		return
	}
	if p.guarded {
		// A peer request arrived while this evaluation was pending, so
		// the position it would report is already obsolete.
		s.mu.Unlock()
		return
	}
	if pane == PaneTools && s.keyboard && s.toolsMode == ToolsModeNotes {
		s.mu.Unlock()
		metrics.RecordScrollLinkEvent("suppressed")
		return
	}

	visible, found := resolveVisible(p, y, c.topBand)
	if !found || visible == p.lastReported {
		s.mu.Unlock()
		return
	}
	p.lastReported = visible

	events := []Event{{Kind: EventVisibleVerse, Pane: pane, Verse: visible}}
	var peer *paneState
	if s.linkEnabled {
		peerID := peerOf(pane)
		target := s.panes[peerID]
		if offset, known := target.offsets[visible]; known {
			target.guarded = true
			peer = target
			events = append(events, Event{
				Kind:   EventScrollRequest,
				Pane:   peerID,
				Verse:  visible,
				Offset: offset,
			})
		} else {
			// The peer has no layout for this verse; the request is
			// dropped rather than guessed.
			metrics.RecordScrollLinkEvent("dropped")
		}
	}
	s.mu.Unlock()

	metrics.RecordScrollLinkEvent("visible_verse")
	if peer != nil {
		metrics.RecordScrollLinkEvent("peer_request")
		peer.settleTask.Schedule(c.settle, func() {
			s.mu.Lock()
			peer.guarded = false
			s.mu.Unlock()
		})
	}
	if c.publish != nil {
		for _, event := range events {
			c.publish(s.id, event)
		}
	}
}

// resolveVisible picks the last verse laid out at or above the band below
// the viewport top. Offsets follow layout order, so the scan stops at the
// first verse past the band.
func resolveVisible(p *paneState, y float64, band float64) (ref.VerseID, bool) {
	threshold := y + band
	var visible ref.VerseID
	found := false
	for _, verse := range p.order {
		if p.offsets[verse] <= threshold {
			visible = verse
			found = true
		} else {
			break
		}
	}
	return visible, found
}

func peerOf(pane PaneID) PaneID {
	if pane == PaneText {
		return PaneTools
	}
	return PaneText
}
