// Package scheduler owns the single active-session slot. It decides which
// session runs its phase machine now, suspends unattended automation runs when
// an interactive chat arrives, queues the rest, and closes idle chats so
// queued work is not starved.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/logging"
)

// ErrNotIdle is returned by Controller.CloseInactive when the session is
// mid-phase. The scheduler re-arms the inactivity countdown instead of
// closing: a chat waiting on the user or on a provider call is not idle,
// whatever the wall clock says.
var ErrNotIdle = errors.New("session is not idle")

// Controller is the slice of the orchestrator the scheduler drives. All calls
// are made outside the scheduler's critical section so implementations may
// call back into the scheduler.
type Controller interface {
	// Activate starts (or restarts) event processing for the session.
	Activate(ctx context.Context, sessionID string) error

	// Suspend pauses the session's orchestration, persisting its state.
	Suspend(ctx context.Context, sessionID string) error

	// Resume continues a previously suspended session from its recorded phase.
	Resume(ctx context.Context, sessionID string) error

	// CloseInactive terminates an idle chat session with the inactivity
	// end reason. Implementations return ErrNotIdle when the session is not
	// parked in its idle phase; the scheduler then re-arms the countdown.
	CloseInactive(ctx context.Context, sessionID string) error
}

// Decision reports what RequestActivation did with a request.
type Decision string

const (
	// DecisionActivated means the slot was free and the session now owns it.
	DecisionActivated Decision = "ACTIVATED"

	// DecisionPreempted means an automation was suspended to make room for
	// an interactive chat, which now owns the slot.
	DecisionPreempted Decision = "PREEMPTED"

	// DecisionQueued means the slot was busy and the request was enqueued.
	DecisionQueued Decision = "QUEUED"
)

// Request asks for the active slot on behalf of a session.
type Request struct {
	SessionID string
	Type      core.SessionType

	// ScheduledExecutionTime orders queued automation requests. Nil for
	// chat requests.
	ScheduledExecutionTime *time.Time
}

type entry struct {
	Request
	enqueuedAt time.Time
}

// Options configures a Scheduler.
type Options struct {
	// InactivityTimeout closes an active chat session that stays idle for
	// this long. Zero disables the timeout.
	InactivityTimeout time.Duration

	// Logger receives slot decisions. Defaults to NoOp.
	Logger logging.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Scheduler arbitrates the single active-session slot. All slot-assignment
// decisions run through one critical section; controller calls happen after
// the decision, outside the lock.
type Scheduler struct {
	controller Controller
	logger     logging.Logger
	timeout    time.Duration
	now        func() time.Time

	mu        sync.Mutex
	active    *entry
	queue     []entry // pending activation requests
	suspended []entry // automations preempted by a chat
	idleTimer *time.Timer
}

// New creates a scheduler driving the given controller.
func New(controller Controller, optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		InactivityTimeout: 10 * time.Minute,
		Logger:            logging.NoOpLogger{},
		Now:               time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Scheduler{
		controller: controller,
		logger:     opts.Logger,
		timeout:    opts.InactivityTimeout,
		now:        opts.Now,
	}
}

// RequestActivation asks for the slot. A chat request preempts a running
// automation; any other contention enqueues the request. Queued automations
// are ordered by scheduled execution time ascending, queued chats are always
// served first.
func (s *Scheduler) RequestActivation(ctx context.Context, req Request) (Decision, error) {
	s.mu.Lock()
	e := entry{Request: req, enqueuedAt: s.now()}

	if s.active == nil {
		s.active = &e
		s.mu.Unlock()
		s.logger.Info("slot granted", "session_id", req.SessionID, "type", req.Type)
		if err := s.controller.Activate(ctx, req.SessionID); err != nil {
			return DecisionActivated, err
		}
		s.armIdleTimer(ctx, e)
		return DecisionActivated, nil
	}

	if req.Type == core.SessionChat && s.active.Type == core.SessionAutomation {
		preempted := *s.active
		s.suspended = append(s.suspended, preempted)
		s.active = &e
		s.mu.Unlock()

		s.logger.Info("slot preempted", "session_id", req.SessionID, "suspended", preempted.SessionID)
		if err := s.controller.Suspend(ctx, preempted.SessionID); err != nil {
			return DecisionPreempted, err
		}
		if err := s.controller.Activate(ctx, req.SessionID); err != nil {
			return DecisionPreempted, err
		}
		s.armIdleTimer(ctx, e)
		return DecisionPreempted, nil
	}

	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.logger.Debug("slot busy, request queued", "session_id", req.SessionID, "type", req.Type)
	return DecisionQueued, nil
}

// ReleaseSlot frees the slot held by sessionID and immediately activates the
// next eligible session: a queued chat first, then a suspended automation
// whose scheduled time has elapsed, then queued automations by due time, then
// remaining suspended automations. Releasing a session that does not hold the
// slot only removes it from the queues.
func (s *Scheduler) ReleaseSlot(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	s.dropQueued(sessionID)

	if s.active == nil || s.active.SessionID != sessionID {
		s.mu.Unlock()
		return nil
	}

	s.active = nil
	s.stopIdleTimer()
	next, resume, ok := s.takeNext()
	if ok {
		s.active = &next
	}
	s.mu.Unlock()

	s.logger.Info("slot released", "session_id", sessionID)
	if !ok {
		return nil
	}

	if resume {
		s.logger.Info("resuming suspended automation", "session_id", next.SessionID)
		return s.controller.Resume(ctx, next.SessionID)
	}
	s.logger.Info("slot granted", "session_id", next.SessionID, "type", next.Type)
	if err := s.controller.Activate(ctx, next.SessionID); err != nil {
		return err
	}
	s.armIdleTimer(ctx, next)
	return nil
}

// NoteActivity resets the inactivity countdown of the active chat session.
func (s *Scheduler) NoteActivity(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.SessionID != sessionID || s.active.Type != core.SessionChat {
		return
	}
	s.stopIdleTimer()
	s.armIdleTimerLocked(ctx, *s.active)
}

// Active returns the session currently holding the slot, if any.
func (s *Scheduler) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.SessionID, true
}

// QueueLen reports how many requests wait for the slot, suspended automations
// included.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + len(s.suspended)
}

// takeNext pops the next eligible entry. Caller holds the lock. The boolean
// resume is true when the entry is a suspended automation.
func (s *Scheduler) takeNext() (entry, bool, bool) {
	// Interactivity first: any queued chat beats queued automations.
	for i, e := range s.queue {
		if e.Type == core.SessionChat {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return e, false, true
		}
	}

	now := s.now()
	if e, ok := s.popSuspended(func(c entry) bool {
		return c.ScheduledExecutionTime == nil || !c.ScheduledExecutionTime.After(now)
	}); ok {
		return e, true, true
	}
	if e, ok := s.popQueuedAutomation(); ok {
		return e, false, true
	}
	if e, ok := s.popSuspended(func(entry) bool { return true }); ok {
		return e, true, true
	}
	return entry{}, false, false
}

func (s *Scheduler) popSuspended(eligible func(entry) bool) (entry, bool) {
	best := -1
	for i, e := range s.suspended {
		if !eligible(e) {
			continue
		}
		if best == -1 || earlier(e, s.suspended[best]) {
			best = i
		}
	}
	if best == -1 {
		return entry{}, false
	}
	e := s.suspended[best]
	s.suspended = append(s.suspended[:best], s.suspended[best+1:]...)
	return e, true
}

func (s *Scheduler) popQueuedAutomation() (entry, bool) {
	sort.SliceStable(s.queue, func(i, j int) bool { return earlier(s.queue[i], s.queue[j]) })
	for i, e := range s.queue {
		if e.Type == core.SessionAutomation {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return e, true
		}
	}
	return entry{}, false
}

func (s *Scheduler) dropQueued(sessionID string) {
	for i, e := range s.queue {
		if e.SessionID == sessionID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	for i, e := range s.suspended {
		if e.SessionID == sessionID {
			s.suspended = append(s.suspended[:i], s.suspended[i+1:]...)
			break
		}
	}
}

func earlier(a, b entry) bool {
	switch {
	case a.ScheduledExecutionTime == nil && b.ScheduledExecutionTime == nil:
		return a.enqueuedAt.Before(b.enqueuedAt)
	case a.ScheduledExecutionTime == nil:
		return true
	case b.ScheduledExecutionTime == nil:
		return false
	default:
		return a.ScheduledExecutionTime.Before(*b.ScheduledExecutionTime)
	}
}

func (s *Scheduler) armIdleTimer(ctx context.Context, e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.SessionID != e.SessionID {
		return
	}
	s.armIdleTimerLocked(ctx, e)
}

// armIdleTimerLocked arms the chat inactivity timer. Caller holds the lock.
func (s *Scheduler) armIdleTimerLocked(ctx context.Context, e entry) {
	if s.timeout <= 0 || e.Type != core.SessionChat {
		return
	}
	sessionID := e.SessionID
	s.idleTimer = time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		stillActive := s.active != nil && s.active.SessionID == sessionID
		s.mu.Unlock()
		if !stillActive {
			return
		}
		err := s.controller.CloseInactive(ctx, sessionID)
		switch {
		case err == nil:
			s.logger.Info("closed idle chat", "session_id", sessionID)
		case errors.Is(err, ErrNotIdle):
			s.mu.Lock()
			if s.active != nil && s.active.SessionID == sessionID {
				s.armIdleTimerLocked(ctx, *s.active)
			}
			s.mu.Unlock()
		default:
			s.logger.Error("inactivity close failed", "session_id", sessionID, "error", err)
		}
	})
}

// stopIdleTimer cancels the pending inactivity timer. Caller holds the lock.
func (s *Scheduler) stopIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}
