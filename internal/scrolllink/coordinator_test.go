package scrolllink

import (
	"sync"
	"testing"
	"time"

	"github.com/lecternlabs/lectern/internal/ref"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) publish(sessionID string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) byKind(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]Event, 0)
	for _, event := range r.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestCoordinator(recorder *eventRecorder) *Coordinator {
	return NewCoordinator(Config{
		Quiescence: 40 * time.Millisecond,
		Settle:     60 * time.Millisecond,
		TopBand:    50,
		Publish:    recorder.publish,
	})
}

// john3Offsets lays out John 3 verses 1..5 at 120-point spacing.
func john3Offsets(scale float64) map[ref.VerseID]float64 {
	offsets := make(map[ref.VerseID]float64)
	for verse := 1; verse <= 5; verse++ {
		offsets[ref.Encode(43, 3, verse)] = float64(verse-1) * 120 * scale
	}
	return offsets
}

func waitForEvents(t *testing.T, recorder *eventRecorder, kind string, want int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := recorder.byKind(kind)
		if len(events) >= want {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, have %d", want, kind, len(recorder.byKind(kind)))
	return nil
}

func TestScrollBurstCollapsesToOneEvaluation(t *testing.T) {
	recorder := &eventRecorder{}
	c := newTestCoordinator(recorder)
	c.SetOffsets("s1", PaneText, john3Offsets(1))
	c.SetOffsets("s1", PaneTools, john3Offsets(0.5))

	// A scroll gesture produces many raw reports; only the final
	// position should be evaluated.
	c.ReportScroll("s1", PaneText, 30)
	time.Sleep(10 * time.Millisecond)
	c.ReportScroll("s1", PaneText, 150)
	time.Sleep(10 * time.Millisecond)
	c.ReportScroll("s1", PaneText, 250)

	visible := waitForEvents(t, recorder, EventVisibleVerse, 1)
	if len(visible) != 1 {
		t.Fatalf("expected one visible-verse event, got %d", len(visible))
	}
	// Threshold 250+50 covers offsets 0, 120, and 240: verse 3 is last.
	if visible[0].Verse != ref.Encode(43, 3, 3) {
		t.Fatalf("expected verse 3 visible, got %d", visible[0].Verse)
	}
	if visible[0].Pane != PaneText {
		t.Fatalf("expected text pane source, got %q", visible[0].Pane)
	}

	requests := waitForEvents(t, recorder, EventScrollRequest, 1)
	if requests[0].Pane != PaneTools {
		t.Fatalf("expected request to target tools pane, got %q", requests[0].Pane)
	}
	if requests[0].Verse != ref.Encode(43, 3, 3) {
		t.Fatalf("expected request for verse 3, got %d", requests[0].Verse)
	}
	// Tools pane laid out at half scale: verse 3 sits at offset 120.
	if requests[0].Offset != 120 {
		t.Fatalf("expected target offset 120, got %v", requests[0].Offset)
	}
	if !c.Status("s1").Panes[PaneTools].Guarded {
		t.Fatalf("expected tools pane guarded after request")
	}
}

func TestGuardedPaneIgnoresOwnScrollReports(t *testing.T) {
	recorder := &eventRecorder{}
	c := newTestCoordinator(recorder)
	c.SetOffsets("s1", PaneText, john3Offsets(1))
	c.SetOffsets("s1", PaneTools, john3Offsets(1))

	c.ReportScroll("s1", PaneText, 130)
	waitForEvents(t, recorder, EventScrollRequest, 1)
	baseline := recorder.count()

	// The tools pane's programmatic scroll produces reports that must
	// not echo back while the guard holds.
	c.ReportScroll("s1", PaneTools, 120)
	time.Sleep(80 * time.Millisecond)
	if recorder.count() != baseline {
		t.Fatalf("expected no events from guarded pane, got %d new", recorder.count()-baseline)
	}

	// After the settle window the guard lifts and a genuine tools
	// scroll drives the link again.
	time.Sleep(60 * time.Millisecond)
	if c.Status("s1").Panes[PaneTools].Guarded {
		t.Fatalf("expected settle window to clear guard")
	}
	c.ReportScroll("s1", PaneTools, 250)
	requests := waitForEvents(t, recorder, EventScrollRequest, 2)
	if requests[1].Pane != PaneText {
		t.Fatalf("expected second request to target text pane, got %q", requests[1].Pane)
	}
}

func TestScrollCompletedClearsGuardEarly(t *testing.T) {
	recorder := &eventRecorder{}
	c := newTestCoordinator(recorder)
	c.SetOffsets("s1", PaneText, john3Offsets(1))
	c.SetOffsets("s1", PaneTools, john3Offsets(1))

	c.ReportScroll("s1", PaneText, 130)
	waitForEvents(t, recorder, EventScrollRequest, 1)
	if !c.Status("s1").Panes[PaneTools].Guarded {
		t.Fatalf("expected tools pane guarded")
	}

	c.ScrollCompleted("s1", PaneTools)
	if c.Status("s1").Panes[PaneTools].Guarded {
		t.Fatalf("expected completion to clear guard immediately")
	}
}

func TestUserScrollsNeverEchoBack(t *testing.T) {
	recorder := &eventRecorder{}
	c := newTestCoordinator(recorder)
	c.SetOffsets("s1", PaneText, john3Offsets(1))
	c.SetOffsets("s1", PaneTools, john3Offsets(1))

	positions := []float64{130, 250, 370}
	for i, y := range positions {
		c.ReportScroll("s1", PaneText, y)
		requests := waitForEvents(t, recorder, EventScrollRequest, i+1)
		// The tools pane obeys the request; its programmatic scroll
		// report must be absorbed by the guard.
		c.ReportScroll("s1", PaneTools, requests[i].Offset)
		c.ScrollCompleted("s1", PaneTools)
		time.Sleep(60 * time.Millisecond)
	}

	requests := recorder.byKind(EventScrollRequest)
	if len(requests) != len(positions) {
		t.Fatalf("expected exactly %d peer requests for %d user scrolls, got %d",
			len(positions), len(positions), len(requests))
	}
	for _, request := range requests {
		if request.Pane != PaneTools {
			t.Fatalf("expected every request to target tools, got one for %q", request.Pane)
		}
	}
}

func TestMissingPeerOffsetDropsRequestSilently(t *testing.T) {
	recorder := &eventRecorder{}
	c := newTestCoordinator(recorder)
	c.SetOffsets("s1", PaneText, john3Offsets(1))
	// Tools pane only laid out verses 1 and 2.
	c.SetOffsets("s1", PaneTools, map[ref.VerseID]float64{
		ref.Encode(43, 3, 1): 0,
		ref.Encode(43, 3, 2): 90,
	})

	c.ReportScroll("s1", PaneText, 370)
	visible := waitForEvents(t, recorder, EventVisibleVerse, 1)
	if visible[0].Verse != ref.Encode(43, 3, 4) {
		t.Fatalf("expected verse 4 visible, got %d", visible[0].Verse)
	}

	time.Sleep(40 * time.Millisecond)
	if len(recorder.byKind(EventScrollRequest)) != 0 {
		t.Fatalf("expected no request when peer lacks the verse")
	}
	if c.Status("s1").Panes[PaneTools].Guarded {
		t.Fatalf("expected tools pane unguarded after dropped request")
	}
}

func TestLinkDisabledStopsCrossPaneEmission(t *testing.T) {
	recorder := &eventRecorder{}
	c := newTestCoordinator(recorder)
	c.SetOffsets("s1", PaneText, john3Offsets(1))
	c.SetOffsets("s1", PaneTools, john3Offsets(1))
	c.SetLinkEnabled("s1", false)

	c.ReportScroll("s1", PaneText, 130)
	visible := waitForEvents(t, recorder, EventVisibleVerse, 1)
	if visible[0].Verse != ref.Encode(43, 3, 2) {
		t.Fatalf("expected visible verse still tracked, got %d", visible[0].Verse)
	}
	time.Sleep(40 * time.Millisecond)
	if len(recorder.byKind(EventScrollRequest)) != 0 {
		t.Fatalf("expected no peer request while link disabled")
	}

	c.SetLinkEnabled("s1", true)
	c.ReportScroll("s1", PaneText, 250)
	waitForEvents(t, recorder, EventScrollRequest, 1)
}

func TestKeyboardSuppressesToolsPaneInNotesMode(t *testing.T) {
	recorder := &eventRecorder{}
	c := newTestCoordinator(recorder)
	c.SetOffsets("s1", PaneText, john3Offsets(1))
	c.SetOffsets("s1", PaneTools, john3Offsets(1))
	c.SetKeyboardVisible("s1", true)

	c.ReportScroll("s1", PaneTools, 130)
	time.Sleep(80 * time.Millisecond)
	if recorder.count() != 0 {
		t.Fatalf("expected tools scroll suppressed while typing, got %d events", recorder.count())
	}

	// The text pane is not suppressed by the keyboard.
	c.ReportScroll("s1", PaneText, 130)
	waitForEvents(t, recorder, EventVisibleVerse, 1)

	// Outside notes mode the tools pane drives the link even with the
	// keyboard up.
	c.SetToolsMode("s1", ToolsModeCrossRefs)
	c.SetOffsets("s1", PaneTools, john3Offsets(1))
	c.ScrollCompleted("s1", PaneTools)
	c.ReportScroll("s1", PaneTools, 250)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, event := range recorder.byKind(EventVisibleVerse) {
			if event.Pane == PaneTools {
				found = true
			}
		}
		if found {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected tools pane to drive the link in crossrefs mode")
}

func TestChapterChangeResetsEverything(t *testing.T) {
	recorder := &eventRecorder{}
	c := newTestCoordinator(recorder)
	c.SetOffsets("s1", PaneText, john3Offsets(1))
	c.SetOffsets("s1", PaneTools, john3Offsets(1))

	c.ReportScroll("s1", PaneText, 130)
	waitForEvents(t, recorder, EventScrollRequest, 1)

	c.ChapterChanged("s1")
	status := c.Status("s1")
	for pane, paneStatus := range status.Panes {
		if paneStatus.VerseCount != 0 {
			t.Fatalf("expected %q offsets cleared, got %d", pane, paneStatus.VerseCount)
		}
		if paneStatus.LastReported != 0 {
			t.Fatalf("expected %q last-reported cleared", pane)
		}
		if paneStatus.Guarded {
			t.Fatalf("expected %q guard cleared", pane)
		}
	}

	// Reports against the empty layout resolve nothing.
	baseline := recorder.count()
	c.ReportScroll("s1", PaneText, 130)
	time.Sleep(80 * time.Millisecond)
	if recorder.count() != baseline {
		t.Fatalf("expected no events after reset, got %d new", recorder.count()-baseline)
	}
}

func TestRepeatedPositionDoesNotReEmit(t *testing.T) {
	recorder := &eventRecorder{}
	c := newTestCoordinator(recorder)
	c.SetOffsets("s1", PaneText, john3Offsets(1))
	c.SetOffsets("s1", PaneTools, john3Offsets(1))

	c.ReportScroll("s1", PaneText, 130)
	waitForEvents(t, recorder, EventVisibleVerse, 1)
	baseline := recorder.count()

	// Settling again on the same verse is not a change.
	c.ReportScroll("s1", PaneText, 135)
	time.Sleep(80 * time.Millisecond)
	if recorder.count() != baseline {
		t.Fatalf("expected no re-emission for unchanged verse")
	}
}
