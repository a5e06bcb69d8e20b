package chatcore

import "time"

const (
	DefaultNearBottom  = 100.0
	DefaultQuietWindow = 150 * time.Millisecond
)

// ScrollTracker decides when the timeline scrolls to the bottom.
//
// The list stays hidden until the initial scroll of a conversation has been
// performed once. After that, new messages only auto-scroll when the viewport
// is near the bottom or the user has not scrolled within the quiet window.
// It is not safe for concurrent use.
type ScrollTracker struct {
	NearBottom  float64
	QuietWindow time.Duration

	now            func() time.Time
	initialDone    bool
	atBottom       bool
	lastUserScroll time.Time
}

func NewScrollTracker() *ScrollTracker {
	return &ScrollTracker{
		NearBottom:  DefaultNearBottom,
		QuietWindow: DefaultQuietWindow,
		now:         time.Now,
		atBottom:    true,
	}
}

// Reset starts over for a new conversation.
func (s *ScrollTracker) Reset() {
	s.initialDone = false
	s.atBottom = true
	s.lastUserScroll = time.Time{}
}

// Visible reports whether the list may be shown.
func (s *ScrollTracker) Visible() bool { return s.initialDone }

// NeedsInitialScroll reports whether the first scroll is still pending.
func (s *ScrollTracker) NeedsInitialScroll() bool { return !s.initialDone }

// MarkInitialScrolled records that the initial scroll happened.
func (s *ScrollTracker) MarkInitialScrolled() {
	s.initialDone = true
	s.atBottom = true
}

// OnScroll records a viewport position. user marks scrolls the user made, as
// opposed to programmatic ones.
func (s *ScrollTracker) OnScroll(scrollTop, scrollHeight, clientHeight float64, user bool) {
	s.atBottom = scrollHeight-scrollTop-clientHeight <= s.NearBottom
	if user {
		s.lastUserScroll = s.now()
	}
}

// ShouldAutoScroll decides whether a newly arrived message scrolls the view.
func (s *ScrollTracker) ShouldAutoScroll() bool {
	if !s.initialDone || s.atBottom {
		return true
	}
	return s.now().Sub(s.lastUserScroll) > s.QuietWindow
}
