package app_test

import (
	"sync"
	"time"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type scheduledTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

// fakeScheduler records armed timers so tests fire them explicitly.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*scheduledTimer
}

func (s *fakeScheduler) Schedule(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &scheduledTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// Fire runs timer i even if it was stopped, mimicking a timer that already
// fired when Stop was called.
func (s *fakeScheduler) Fire(i int) {
	s.mu.Lock()
	t := s.timers[i]
	s.mu.Unlock()
	t.f()
}

func (s *fakeScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type transitionLog struct {
	mu  sync.Mutex
	all []domain.Transition
}

func (l *transitionLog) record(t domain.Transition) {
	l.mu.Lock()
	l.all = append(l.all, t)
	l.mu.Unlock()
}

func (l *transitionLog) phases() []domain.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Phase, 0, len(l.all))
	for _, t := range l.all {
		out = append(out, t.Phase)
	}
	return out
}

func testSettings() app.RoomSettings {
	return app.RoomSettings{
		AnswerWindow: 20 * time.Second,
		CorrectAward: 10,
		AutoAdvance:  true,
	}
}

func problem(id string, answer int, options ...string) domain.ProblemInput {
	in := domain.ProblemInput{ID: id, Title: "Question " + id, Answer: answer}
	for _, o := range options {
		in.Options = append(in.Options, domain.Option{Title: o})
	}
	return in
}
