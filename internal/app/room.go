package app

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"quizroom-service/internal/domain"
)

// expireRetryDelay is how long a window timer waits before retrying when it
// fires while an admin transition holds the room.
const expireRetryDelay = 10 * time.Millisecond

// RoomSettings are the per-room tunables shared by every room of a service.
type RoomSettings struct {
	// AnswerWindow is the default window for problems without a duration. Zero disables expiry.
	AnswerWindow time.Duration
	// CorrectAward is the flat number of points for a correct answer.
	CorrectAward int
	// TransitionGuard ignores admin transitions that arrive this soon after the
	// previous admin transition. Window expiry does not count.
	TransitionGuard time.Duration
	// AutoAdvance closes a question when its answer window elapses.
	AutoAdvance bool
}

// DefaultRoomSettings returns the settings used when nothing is configured.
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		AnswerWindow:    20 * time.Second,
		CorrectAward:    10,
		TransitionGuard: 250 * time.Millisecond,
		AutoAdvance:     true,
	}
}

// Scheduler runs f once after d and returns a function that cancels it.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// RoomOption customizes a Room at construction.
type RoomOption func(*Room)

// WithClock overrides the time source, mainly for deterministic tests.
func WithClock(now func() time.Time) RoomOption {
	return func(r *Room) { r.now = now }
}

// WithScheduler overrides how answer-window timers are armed.
func WithScheduler(s Scheduler) RoomOption {
	return func(r *Room) { r.schedule = s }
}

// WithSettings sets the room tunables.
func WithSettings(s RoomSettings) RoomOption {
	return func(r *Room) { r.settings = s }
}

// WithNotifier registers the callback receiving every successful transition.
// It runs outside the room lock and must not block.
func WithNotifier(fn func(domain.Transition)) RoomOption {
	return func(r *Room) { r.notify = fn }
}

type submissionKey struct {
	problemID string
	userID    string
}

// Room is one quiz session. All mutations are serialized by mu; phase
// transitions are additionally limited to one in flight at a time.
type Room struct {
	id       string
	settings RoomSettings
	now      func() time.Time
	schedule Scheduler
	notify   func(domain.Transition)

	inFlight atomic.Bool

	mu             sync.RWMutex
	phase          domain.Phase
	current        int
	problems       []*domain.Problem
	problemIndex   map[string]int
	users          []*domain.User
	userIndex      map[string]*domain.User
	submissions    map[submissionKey]domain.Submission
	answered       map[string]int
	board          []domain.LeaderboardEntry
	generation     uint64
	stopTimer      func() bool
	lastTransition time.Time
}

// NewRoom creates a room in phase not_started with no problems.
func NewRoom(id string, opts ...RoomOption) *Room {
	r := &Room{
		id:           id,
		settings:     DefaultRoomSettings(),
		now:          time.Now,
		schedule:     afterFunc,
		notify:       func(domain.Transition) {},
		phase:        domain.PhaseNotStarted,
		current:      -1,
		problemIndex: make(map[string]int),
		userIndex:    make(map[string]*domain.User),
		submissions:  make(map[submissionKey]domain.Submission),
		answered:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the immutable room id.
func (r *Room) ID() string {
	return r.id
}

// Phase returns the current phase.
func (r *Room) Phase() domain.Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// CurrentIndex returns the active problem index, -1 before start.
func (r *Room) CurrentIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// AddProblem appends a problem while the room has not started.
func (r *Room) AddProblem(in domain.ProblemInput) (domain.Problem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkAppendableLocked(); err != nil {
		return domain.Problem{}, err
	}
	p, err := r.buildProblemLocked(in, nil)
	if err != nil {
		return domain.Problem{}, err
	}
	r.appendLocked(p)
	return *p, nil
}

// AddProblems appends a batch of problems; either all are added or none.
func (r *Room) AddProblems(ins []domain.ProblemInput) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkAppendableLocked(); err != nil {
		return 0, err
	}
	if len(ins) == 0 {
		return 0, fmt.Errorf("%w: problem set is empty", domain.ErrInvalidProblem)
	}

	pending := make(map[string]struct{}, len(ins))
	built := make([]*domain.Problem, 0, len(ins))
	for i, in := range ins {
		p, err := r.buildProblemLocked(in, pending)
		if err != nil {
			return 0, fmt.Errorf("problem %d: %w", i, err)
		}
		pending[p.ID] = struct{}{}
		built = append(built, p)
	}
	for _, p := range built {
		r.appendLocked(p)
	}
	return len(built), nil
}

func (r *Room) checkAppendableLocked() error {
	if r.phase != domain.PhaseNotStarted {
		return fmt.Errorf("%w: problems can only be added before the quiz starts (phase %s)", domain.ErrInvalidState, r.phase)
	}
	return nil
}

func (r *Room) buildProblemLocked(in domain.ProblemInput, pending map[string]struct{}) (*domain.Problem, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := r.problemIndex[id]; ok {
		return nil, fmt.Errorf("%w: problem %q in room %q", domain.ErrAlreadyExists, id, r.id)
	}
	if _, ok := pending[id]; ok {
		return nil, fmt.Errorf("%w: problem %q repeated in batch", domain.ErrAlreadyExists, id)
	}

	options := make([]domain.Option, len(in.Options))
	for i, opt := range in.Options {
		options[i] = domain.Option{ID: i, Title: opt.Title}
	}
	window := r.settings.AnswerWindow
	if in.Duration > 0 {
		window = time.Duration(in.Duration) * time.Second
	}
	return &domain.Problem{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Image:       in.Image,
		Options:     options,
		Answer:      in.Answer,
		Window:      window,
	}, nil
}

func (r *Room) appendLocked(p *domain.Problem) {
	r.problemIndex[p.ID] = len(r.problems)
	r.problems = append(r.problems, p)
}

// AddUser allocates a fresh participant. Join order decides leaderboard ties.
func (r *Room) AddUser(name string) domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := &domain.User{
		ID:        uuid.NewString(),
		Name:      name,
		Seq:       len(r.users),
		Connected: true,
	}
	r.users = append(r.users, u)
	r.userIndex[u.ID] = u
	return *u
}

// Reconnect marks an existing user connected again, renaming it when name is set.
func (r *Room) Reconnect(userID, name string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.userIndex[userID]
	if !ok {
		return domain.User{}, fmt.Errorf("%w: user %q in room %q", domain.ErrNotFound, userID, r.id)
	}
	if name != "" {
		u.Name = name
	}
	u.Connected = true
	return *u, nil
}

// MarkDisconnected keeps the user and its points but flags it offline.
func (r *Room) MarkDisconnected(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.userIndex[userID]; ok {
		u.Connected = false
	}
}

// Start moves not_started -> question on the first problem.
func (r *Room) Start() (domain.Transition, error) {
	return r.transition(func(now time.Time) (domain.Transition, error) {
		if r.phase != domain.PhaseNotStarted {
			return domain.Transition{}, fmt.Errorf("%w: room %q already started", domain.ErrInvalidState, r.id)
		}
		if len(r.problems) == 0 {
			return domain.Transition{}, fmt.Errorf("%w: room %q has no problems", domain.ErrInvalidState, r.id)
		}
		return r.openLocked(0, now), nil
	})
}

// Next advances question -> leaderboard -> question ... -> ended.
func (r *Room) Next() (domain.Transition, error) {
	return r.transition(func(now time.Time) (domain.Transition, error) {
		switch r.phase {
		case domain.PhaseQuestion:
			r.cancelTimerLocked()
			return r.closeLocked(), nil
		case domain.PhaseLeaderboard:
			if r.current+1 < len(r.problems) {
				return r.openLocked(r.current+1, now), nil
			}
			r.phase = domain.PhaseEnded
			r.board = r.snapshotLocked()
			return r.transitionLocked(), nil
		case domain.PhaseNotStarted:
			return domain.Transition{}, fmt.Errorf("%w: room %q has not started", domain.ErrInvalidState, r.id)
		default:
			return domain.Transition{}, fmt.Errorf("%w: room %q has ended", domain.ErrInvalidState, r.id)
		}
	})
}

func (r *Room) transition(step func(now time.Time) (domain.Transition, error)) (domain.Transition, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return domain.Transition{}, fmt.Errorf("%w: room %q", domain.ErrTransitionInFlight, r.id)
	}
	defer r.inFlight.Store(false)

	r.mu.Lock()
	now := r.now()
	if guard := r.settings.TransitionGuard; guard > 0 && !r.lastTransition.IsZero() && now.Sub(r.lastTransition) < guard {
		r.mu.Unlock()
		return domain.Transition{}, fmt.Errorf("%w: room %q transitioned %s ago", domain.ErrTransitionInFlight, r.id, now.Sub(r.lastTransition))
	}
	t, err := step(now)
	if err == nil {
		r.lastTransition = now
	}
	r.mu.Unlock()

	if err != nil {
		return domain.Transition{}, err
	}
	r.notify(t)
	return t, nil
}

func (r *Room) openLocked(index int, now time.Time) domain.Transition {
	r.current = index
	p := r.problems[index]
	p.OpenedAt = now
	r.phase = domain.PhaseQuestion
	r.generation++
	if r.settings.AutoAdvance && p.Window > 0 {
		gen := r.generation
		r.stopTimer = r.schedule(p.Window, func() { r.expire(gen) })
	}
	return r.transitionLocked()
}

func (r *Room) closeLocked() domain.Transition {
	r.phase = domain.PhaseLeaderboard
	r.board = r.snapshotLocked()
	return r.transitionLocked()
}

func (r *Room) cancelTimerLocked() {
	if r.stopTimer != nil {
		r.stopTimer()
		r.stopTimer = nil
	}
}

// expire is the answer-window callback. It only acts if the problem it was
// armed for is still open.
func (r *Room) expire(gen uint64) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.mu.Lock()
		if r.phase == domain.PhaseQuestion && r.generation == gen {
			r.stopTimer = r.schedule(expireRetryDelay, func() { r.expire(gen) })
		}
		r.mu.Unlock()
		return
	}
	defer r.inFlight.Store(false)

	r.mu.Lock()
	if r.phase != domain.PhaseQuestion || r.generation != gen {
		r.mu.Unlock()
		return
	}
	r.stopTimer = nil
	t := r.closeLocked()
	r.mu.Unlock()

	r.notify(t)
}

func (r *Room) transitionLocked() domain.Transition {
	t := domain.Transition{
		RoomID: r.id,
		Phase:  r.phase,
		Index:  r.current,
	}
	switch r.phase {
	case domain.PhaseQuestion:
		p := *r.problems[r.current]
		t.Problem = &p
	case domain.PhaseLeaderboard, domain.PhaseEnded:
		t.Leaderboard = append([]domain.LeaderboardEntry(nil), r.board...)
	}
	return t
}

// Submit validates and records one answer. Check order matters: the first
// failing check decides the rejection reason.
func (r *Room) Submit(problemID, userID string, option int) (domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.phase {
	case domain.PhaseQuestion:
	case domain.PhaseLeaderboard, domain.PhaseEnded:
		return domain.Submission{}, r.staleProblemLocked(problemID)
	default:
		return domain.Submission{}, fmt.Errorf("%w: room %q has not started", domain.ErrInvalidState, r.id)
	}

	p := r.problems[r.current]
	if p.ID != problemID {
		return domain.Submission{}, r.staleProblemLocked(problemID)
	}

	now := r.now()
	if p.Window > 0 && (now.Before(p.OpenedAt) || now.After(p.OpenedAt.Add(p.Window))) {
		return domain.Submission{}, fmt.Errorf("%w: problem %q closed at %s", domain.ErrExpired, p.ID, p.OpenedAt.Add(p.Window).Format(time.RFC3339))
	}
	if option < 0 || option >= len(p.Options) {
		return domain.Submission{}, fmt.Errorf("%w: %d not in [0,%d)", domain.ErrInvalidOption, option, len(p.Options))
	}
	u, ok := r.userIndex[userID]
	if !ok {
		return domain.Submission{}, fmt.Errorf("%w: user %q in room %q", domain.ErrNotFound, userID, r.id)
	}
	key := submissionKey{problemID: problemID, userID: userID}
	if _, ok := r.submissions[key]; ok {
		return domain.Submission{}, fmt.Errorf("%w: user %q already answered %q", domain.ErrDuplicate, userID, problemID)
	}

	sub := domain.Submission{
		ProblemID: problemID,
		UserID:    userID,
		Option:    option,
		Correct:   option == p.Answer,
		At:        now,
	}
	if sub.Correct {
		u.Points += r.settings.CorrectAward
	}
	r.submissions[key] = sub
	r.answered[problemID]++
	return sub, nil
}

func (r *Room) staleProblemLocked(problemID string) error {
	if _, ok := r.problemIndex[problemID]; ok {
		return fmt.Errorf("%w: problem %q is not open", domain.ErrClosed, problemID)
	}
	return fmt.Errorf("%w: problem %q in room %q", domain.ErrNotFound, problemID, r.id)
}

// snapshotLocked orders users by points descending; SliceStable over the
// join-ordered slice keeps ties in join order.
func (r *Room) snapshotLocked() []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(r.users))
	for _, u := range r.users {
		entries = append(entries, domain.LeaderboardEntry{ID: u.ID, Name: u.Name, Points: u.Points})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Points > entries[j].Points
	})
	return entries
}

// View returns the participant projection of the current phase.
func (r *Room) View() domain.StateView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewLocked(false)
}

func (r *Room) viewLocked(admin bool) domain.StateView {
	v := domain.StateView{Type: r.phase, ActiveProblem: r.current}
	switch r.phase {
	case domain.PhaseQuestion:
		pv := r.problems[r.current].View(admin)
		v.Problem = &pv
	case domain.PhaseLeaderboard, domain.PhaseEnded:
		v.Leaderboard = append([]domain.LeaderboardEntry{}, r.board...)
	}
	return v
}

// State returns the full admin view, answers included.
func (r *Room) State() domain.RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := domain.RoomState{
		RoomID:        r.id,
		Phase:         r.phase,
		ActiveProblem: r.current,
		Problems:      make([]domain.ProblemView, 0, len(r.problems)),
		Users:         make([]domain.UserView, 0, len(r.users)),
		Leaderboard:   append([]domain.LeaderboardEntry{}, r.board...),
		Submissions:   make(map[string]int, len(r.answered)),
		State:         r.viewLocked(true),
	}
	for _, p := range r.problems {
		s.Problems = append(s.Problems, p.View(true))
	}
	for _, u := range r.users {
		s.Users = append(s.Users, domain.UserView{ID: u.ID, Name: u.Name, Points: u.Points, Connected: u.Connected})
	}
	for id, n := range r.answered {
		s.Submissions[id] = n
	}
	return s
}

// Close stops any pending answer-window timer.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelTimerLocked()
	r.generation++
}
