package app_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"
)

type roomFixture struct {
	room  *app.Room
	clock *fakeClock
	sched *fakeScheduler
	log   *transitionLog
}

func newRoomFixture(t *testing.T, settings app.RoomSettings, problems ...domain.ProblemInput) roomFixture {
	t.Helper()
	f := roomFixture{clock: newFakeClock(), sched: &fakeScheduler{}, log: &transitionLog{}}
	f.room = app.NewRoom("r1",
		app.WithSettings(settings),
		app.WithClock(f.clock.Now),
		app.WithScheduler(f.sched.Schedule),
		app.WithNotifier(f.log.record),
	)
	for _, p := range problems {
		_, err := f.room.AddProblem(p)
		require.NoError(t, err)
	}
	return f
}

func TestRoomSingleProblemScenario(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 1, "A", "B"))
	alice := f.room.AddUser("alice")
	bob := f.room.AddUser("bob")

	tr, err := f.room.Start()
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseQuestion, tr.Phase)
	assert.Equal(t, 0, tr.Index)
	require.NotNil(t, tr.Problem)
	assert.Equal(t, "p1", tr.Problem.ID)

	f.clock.Advance(2 * time.Second)
	sub, err := f.room.Submit("p1", alice.ID, 1)
	require.NoError(t, err)
	assert.True(t, sub.Correct)

	sub, err = f.room.Submit("p1", bob.ID, 0)
	require.NoError(t, err)
	assert.False(t, sub.Correct)

	tr, err = f.room.Next()
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseLeaderboard, tr.Phase)
	assert.Equal(t, []domain.LeaderboardEntry{
		{ID: alice.ID, Name: "alice", Points: 10},
		{ID: bob.ID, Name: "bob", Points: 0},
	}, tr.Leaderboard)

	_, err = f.room.Submit("p1", bob.ID, 1)
	assert.ErrorIs(t, err, domain.ErrClosed)

	tr, err = f.room.Next()
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseEnded, tr.Phase)
	assert.Len(t, tr.Leaderboard, 2)

	_, err = f.room.Next()
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	assert.Equal(t, []domain.Phase{domain.PhaseQuestion, domain.PhaseLeaderboard, domain.PhaseEnded}, f.log.phases())
}

func TestRoomIndexIsMonotonic(t *testing.T) {
	settings := testSettings()
	settings.AutoAdvance = false
	f := newRoomFixture(t, settings, problem("p1", 0, "a", "b"), problem("p2", 0, "a", "b"), problem("p3", 0, "a", "b"))

	assert.Equal(t, -1, f.room.CurrentIndex())
	_, err := f.room.Start()
	require.NoError(t, err)

	last := f.room.CurrentIndex()
	for f.room.Phase() != domain.PhaseEnded {
		_, err := f.room.Next()
		require.NoError(t, err)
		idx := f.room.CurrentIndex()
		assert.GreaterOrEqual(t, idx, last)
		assert.LessOrEqual(t, idx-last, 1)
		last = idx
	}
	assert.Equal(t, 2, last)
	assert.Equal(t, 0, f.sched.Len())
}

func TestRoomStartRequiresProblems(t *testing.T) {
	f := newRoomFixture(t, testSettings())
	_, err := f.room.Start()
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.room.Next()
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRoomRejectsProblemsAfterStart(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 0, "a", "b"))
	_, err := f.room.Start()
	require.NoError(t, err)

	_, err = f.room.AddProblem(problem("p2", 0, "a", "b"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRoomValidatesProblems(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 0, "a", "b"))

	_, err := f.room.AddProblem(problem("p2", 0, "only"))
	assert.ErrorIs(t, err, domain.ErrInvalidProblem)

	_, err = f.room.AddProblem(problem("p3", 2, "a", "b"))
	assert.ErrorIs(t, err, domain.ErrInvalidProblem)

	_, err = f.room.AddProblem(problem("p1", 0, "a", "b"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	p, err := f.room.AddProblem(domain.ProblemInput{Title: "generated", Options: []domain.Option{{ID: 7, Title: "x"}, {ID: 9, Title: "y"}}, Duration: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, []domain.Option{{ID: 0, Title: "x"}, {ID: 1, Title: "y"}}, p.Options)
	assert.Equal(t, 5*time.Second, p.Window)
}

func TestRoomAddProblemsIsAllOrNothing(t *testing.T) {
	f := newRoomFixture(t, testSettings())

	_, err := f.room.AddProblems([]domain.ProblemInput{
		problem("p1", 0, "a", "b"),
		problem("p1", 0, "a", "b"),
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Empty(t, f.room.State().Problems)

	n, err := f.room.AddProblems([]domain.ProblemInput{problem("p1", 0, "a", "b"), problem("p2", 1, "a", "b")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.room.State().Problems, 2)

	_, err = f.room.AddProblems(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidProblem)
}

func TestRoomSubmitRejections(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 1, "a", "b"), problem("p2", 0, "a", "b"))
	alice := f.room.AddUser("alice")

	_, err := f.room.Submit("p1", alice.ID, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidState, "before start")

	_, err = f.room.Start()
	require.NoError(t, err)

	_, err = f.room.Submit("p2", alice.ID, 0)
	assert.ErrorIs(t, err, domain.ErrClosed, "known but not active")

	_, err = f.room.Submit("nope", alice.ID, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound, "unknown problem")

	_, err = f.room.Submit("p1", alice.ID, 2)
	assert.ErrorIs(t, err, domain.ErrInvalidOption)

	_, err = f.room.Submit("p1", alice.ID, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidOption)

	_, err = f.room.Submit("p1", "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound, "unknown user")

	_, err = f.room.Submit("p1", alice.ID, 1)
	require.NoError(t, err)
}

func TestRoomDuplicateSubmissionKeepsPoints(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 1, "a", "b"))
	alice := f.room.AddUser("alice")
	_, err := f.room.Start()
	require.NoError(t, err)

	_, err = f.room.Submit("p1", alice.ID, 1)
	require.NoError(t, err)
	_, err = f.room.Submit("p1", alice.ID, 1)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	_, err = f.room.Submit("p1", alice.ID, 0)
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	state := f.room.State()
	require.Len(t, state.Users, 1)
	assert.Equal(t, 10, state.Users[0].Points)
	assert.Equal(t, 1, state.Submissions["p1"])
}

func TestRoomSubmitAfterWindowIsExpired(t *testing.T) {
	settings := testSettings()
	settings.AutoAdvance = false
	f := newRoomFixture(t, settings, problem("p1", 1, "a", "b"))
	alice := f.room.AddUser("alice")
	bob := f.room.AddUser("bob")
	_, err := f.room.Start()
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	_, err = f.room.Submit("p1", alice.ID, 1)
	require.NoError(t, err, "window end is inclusive")

	f.clock.Advance(time.Millisecond)
	_, err = f.room.Submit("p1", bob.ID, 1)
	assert.ErrorIs(t, err, domain.ErrExpired)
	assert.Equal(t, domain.PhaseQuestion, f.room.Phase())
}

func TestRoomZeroWindowNeverExpires(t *testing.T) {
	settings := testSettings()
	settings.AnswerWindow = 0
	f := newRoomFixture(t, settings, problem("p1", 1, "a", "b"))
	alice := f.room.AddUser("alice")
	_, err := f.room.Start()
	require.NoError(t, err)
	assert.Equal(t, 0, f.sched.Len())

	f.clock.Advance(time.Hour)
	_, err = f.room.Submit("p1", alice.ID, 1)
	assert.NoError(t, err)
}

func TestRoomLeaderboardTiesKeepJoinOrder(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 0, "a", "b"))
	ids := make([]string, 0, 4)
	for _, name := range []string{"a", "b", "c", "d"} {
		ids = append(ids, f.room.AddUser(name).ID)
	}
	_, err := f.room.Start()
	require.NoError(t, err)

	// d and b score, a and c do not.
	_, err = f.room.Submit("p1", ids[3], 0)
	require.NoError(t, err)
	_, err = f.room.Submit("p1", ids[1], 0)
	require.NoError(t, err)
	_, err = f.room.Submit("p1", ids[0], 1)
	require.NoError(t, err)

	tr, err := f.room.Next()
	require.NoError(t, err)
	got := make([]string, 0, len(tr.Leaderboard))
	for _, e := range tr.Leaderboard {
		got = append(got, e.Name)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, got)
}

func TestRoomLeaderboardIsFrozen(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 0, "a", "b"))
	alice := f.room.AddUser("alice")
	_, err := f.room.Start()
	require.NoError(t, err)
	_, err = f.room.Next()
	require.NoError(t, err)

	f.room.AddUser("late")
	_, err = f.room.Submit("p1", alice.ID, 0)
	assert.ErrorIs(t, err, domain.ErrClosed)

	view := f.room.View()
	assert.Equal(t, domain.PhaseLeaderboard, view.Type)
	require.Len(t, view.Leaderboard, 1)
	assert.Equal(t, 0, view.Leaderboard[0].Points)
}

func TestRoomParticipantViewHidesAnswer(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 1, "a", "b"))
	_, err := f.room.Start()
	require.NoError(t, err)

	view := f.room.View()
	require.NotNil(t, view.Problem)
	assert.Nil(t, view.Problem.Answer)
	assert.Equal(t, f.clock.Now().UnixMilli(), view.Problem.StartTime)
	assert.Equal(t, 20, view.Problem.Duration)

	state := f.room.State()
	require.NotNil(t, state.State.Problem)
	require.NotNil(t, state.State.Problem.Answer)
	assert.Equal(t, 1, *state.State.Problem.Answer)
}

func TestRoomTransitionGuardDropsDuplicateNext(t *testing.T) {
	settings := testSettings()
	settings.TransitionGuard = 250 * time.Millisecond
	f := newRoomFixture(t, settings, problem("p1", 0, "a", "b"), problem("p2", 0, "a", "b"))
	_, err := f.room.Start()
	require.NoError(t, err)
	f.clock.Advance(time.Second)

	_, err = f.room.Next()
	require.NoError(t, err)
	_, err = f.room.Next()
	assert.ErrorIs(t, err, domain.ErrTransitionInFlight)
	assert.Equal(t, domain.PhaseLeaderboard, f.room.Phase())

	f.clock.Advance(time.Second)
	_, err = f.room.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, f.room.CurrentIndex())
}

func TestRoomConcurrentNextAdvancesOnce(t *testing.T) {
	settings := testSettings()
	settings.TransitionGuard = time.Second
	f := newRoomFixture(t, settings, problem("p1", 0, "a", "b"), problem("p2", 0, "a", "b"))
	_, err := f.room.Start()
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.room.Next(); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrTransitionInFlight) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, domain.PhaseLeaderboard, f.room.Phase())
	assert.Equal(t, 0, f.room.CurrentIndex())
}

func TestRoomWindowTimerAdvances(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 0, "a", "b"), problem("p2", 0, "a", "b"))
	_, err := f.room.Start()
	require.NoError(t, err)
	require.Equal(t, 1, f.sched.Len())

	f.clock.Advance(20 * time.Second)
	f.sched.Fire(0)
	assert.Equal(t, domain.PhaseLeaderboard, f.room.Phase())
	assert.Equal(t, []domain.Phase{domain.PhaseQuestion, domain.PhaseLeaderboard}, f.log.phases())

	// A second firing of the same timer is a no-op.
	f.sched.Fire(0)
	assert.Len(t, f.log.phases(), 2)
}

func TestRoomStaleTimerIgnoredAfterManualNext(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 0, "a", "b"), problem("p2", 0, "a", "b"))
	_, err := f.room.Start()
	require.NoError(t, err)

	_, err = f.room.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, f.sched.Active(), "next cancels the window timer")

	_, err = f.room.Next()
	require.NoError(t, err)
	require.Equal(t, 1, f.room.CurrentIndex())
	require.Equal(t, 2, f.sched.Len())

	// p1's timer fires late; p2 must stay open.
	f.sched.Fire(0)
	assert.Equal(t, domain.PhaseQuestion, f.room.Phase())
	assert.Equal(t, 1, f.room.CurrentIndex())
}

func TestRoomCloseStopsTimer(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 0, "a", "b"))
	_, err := f.room.Start()
	require.NoError(t, err)

	f.room.Close()
	assert.Equal(t, 0, f.sched.Active())
	f.sched.Fire(0)
	assert.Equal(t, domain.PhaseQuestion, f.room.Phase())
}

func TestRoomReconnectKeepsPoints(t *testing.T) {
	f := newRoomFixture(t, testSettings(), problem("p1", 0, "a", "b"))
	alice := f.room.AddUser("alice")
	_, err := f.room.Start()
	require.NoError(t, err)
	_, err = f.room.Submit("p1", alice.ID, 0)
	require.NoError(t, err)

	f.room.MarkDisconnected(alice.ID)
	assert.False(t, f.room.State().Users[0].Connected)

	u, err := f.room.Reconnect(alice.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 10, u.Points)
	assert.Equal(t, "alice", u.Name)
	assert.True(t, u.Connected)

	_, err = f.room.Reconnect("ghost", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoomManualNextRightAfterExpiry(t *testing.T) {
	settings := testSettings()
	settings.TransitionGuard = 250 * time.Millisecond
	f := newRoomFixture(t, settings, problem("p1", 0, "a", "b"), problem("p2", 0, "a", "b"))
	_, err := f.room.Start()
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	f.sched.Fire(0)
	require.Equal(t, domain.PhaseLeaderboard, f.room.Phase())

	f.clock.Advance(10 * time.Millisecond)
	tr, err := f.room.Next()
	require.NoError(t, err, "expiry must not arm the duplicate-click guard")
	assert.Equal(t, domain.PhaseQuestion, tr.Phase)
	require.NotNil(t, tr.Problem)
	assert.Equal(t, "p2", tr.Problem.ID)
}
