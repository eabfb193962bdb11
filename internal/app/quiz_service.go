package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"quizroom-service/internal/domain"
	"quizroom-service/internal/hub"
)

// RoomRepository is the room registry (in-memory, Redis-mirrored, etc).
type RoomRepository interface {
	// Create registers room, failing with domain.ErrAlreadyExists if its id is taken.
	Create(room *Room) error
	Get(roomID string) (*Room, bool)
	Delete(roomID string)
}

// LeaderboardMirror is implemented by registries that publish frozen
// leaderboards to an external store.
type LeaderboardMirror interface {
	MirrorLeaderboard(ctx context.Context, roomID string, entries []domain.LeaderboardEntry) error
}

// ProblemSetRepository loads stored problem sets (from cache/backing store).
type ProblemSetRepository interface {
	GetProblemSet(ctx context.Context, setID string) (domain.ProblemSet, error)
}

// Broadcaster is the connection/broadcast manager as seen by the service.
type Broadcaster interface {
	Register(c hub.Client)
	Unregister(connID string) (hub.Binding, bool)
	Bind(connID, roomID, userID string) (hub.Binding, bool)
	BindingOf(connID string) (hub.Binding, bool)
	SetAdmin(connID string) bool
	IsAdmin(connID string) bool
	Watch(connID, roomID string)
	Send(connID string, msg domain.Envelope) bool
	Broadcast(roomID string, participant, admin domain.Envelope) int
}

// Authenticator checks the admin secret.
type Authenticator interface {
	Authenticate(password string) bool
}

// ResumeTokens issues and verifies participant resumption tokens.
type ResumeTokens interface {
	Issue(roomID, userID string) (string, error)
	Verify(token, roomID string) (string, error)
}

// Outbound event types.
const (
	EventInit             = "init"
	EventAdminAuth        = "adminAuth"
	EventQuizCreated      = "quizCreated"
	EventProblemAdded     = "problemAdded"
	EventProblemsImported = "problemsImported"
	EventProblem          = "problem"
	EventLeaderboard      = "leaderboard"
	EventSubmitted        = "submitted"
	EventQuizState        = "quizStateUpdate"
	EventError            = "error"
)

// ProblemPayload is the body of a problem broadcast.
type ProblemPayload struct {
	Problem       domain.ProblemView `json:"problem"`
	ActiveProblem int                `json:"activeProblem"`
}

// LeaderboardPayload is the body of a leaderboard broadcast.
type LeaderboardPayload struct {
	Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
	Ended       bool                      `json:"ended"`
}

// JoinResult is returned to a participant after a successful join.
type JoinResult struct {
	UserID  string           `json:"userId"`
	Token   string           `json:"token,omitempty"`
	Resumed bool             `json:"resumed"`
	State   domain.StateView `json:"state"`
}

// ServiceOption customizes a QuizService.
type ServiceOption func(*QuizService)

// WithRoomSettings sets the tunables applied to every new room.
func WithRoomSettings(settings RoomSettings) ServiceOption {
	return func(s *QuizService) { s.settings = settings }
}

// WithRoomOptions appends options (clock, scheduler) applied to every new room.
func WithRoomOptions(opts ...RoomOption) ServiceOption {
	return func(s *QuizService) { s.roomOpts = append(s.roomOpts, opts...) }
}

// WithLogger sets the service logger.
func WithLogger(logger *logrus.Logger) ServiceOption {
	return func(s *QuizService) { s.log = logger.WithField("component", "quiz") }
}

// WithCreateOnJoin lets a participant join create a missing room.
func WithCreateOnJoin(enabled bool) ServiceOption {
	return func(s *QuizService) { s.createOnJoin = enabled }
}

// WithRetireAfter removes ended rooms from the registry after d. Zero keeps them.
func WithRetireAfter(d time.Duration) ServiceOption {
	return func(s *QuizService) { s.retireAfter = d }
}

// QuizService resolves connection events to rooms, gates admin commands and
// pushes resulting state through the broadcaster.
type QuizService struct {
	rooms  RoomRepository
	sets   ProblemSetRepository
	conns  Broadcaster
	admin  Authenticator
	tokens ResumeTokens
	mirror LeaderboardMirror

	settings     RoomSettings
	roomOpts     []RoomOption
	createOnJoin bool
	retireAfter  time.Duration
	log          *logrus.Entry
}

// NewQuizService wires the core. sets may be nil when no problem bank is configured.
func NewQuizService(rooms RoomRepository, sets ProblemSetRepository, conns Broadcaster, admin Authenticator, tokens ResumeTokens, opts ...ServiceOption) *QuizService {
	s := &QuizService{
		rooms:    rooms,
		sets:     sets,
		conns:    conns,
		admin:    admin,
		tokens:   tokens,
		settings: DefaultRoomSettings(),
		log:      logrus.StandardLogger().WithField("component", "quiz"),
	}
	if m, ok := rooms.(LeaderboardMirror); ok {
		s.mirror = m
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect registers a new transport connection.
func (s *QuizService) Connect(c hub.Client) {
	s.conns.Register(c)
}

// Disconnect drops the connection; its user stays in the room, marked offline.
func (s *QuizService) Disconnect(connID string) {
	b, ok := s.conns.Unregister(connID)
	if !ok {
		return
	}
	if room, found := s.rooms.Get(b.RoomID); found {
		room.MarkDisconnected(b.UserID)
	}
	s.log.WithFields(logrus.Fields{"conn": connID, "room": b.RoomID, "user": b.UserID}).Debug("participant disconnected")
}

// Join allocates a user in roomID for the connection, or resumes the user a
// valid token was issued for.
func (s *QuizService) Join(_ context.Context, connID, roomID, name, token string) (JoinResult, error) {
	roomID = strings.TrimSpace(roomID)
	name = strings.TrimSpace(name)
	if roomID == "" {
		return JoinResult{}, fmt.Errorf("%w: roomId is required", domain.ErrInvalidRequest)
	}

	room, err := s.room(roomID)
	if errors.Is(err, domain.ErrNotFound) && s.createOnJoin {
		room, err = s.getOrCreate(roomID)
	}
	if err != nil {
		return JoinResult{}, err
	}

	var (
		user    domain.User
		resumed bool
	)
	if token != "" {
		if userID, verr := s.tokens.Verify(token, room.ID()); verr == nil {
			if u, rerr := room.Reconnect(userID, name); rerr == nil {
				user, resumed = u, true
			}
		} else {
			s.log.WithFields(logrus.Fields{"conn": connID, "room": roomID}).WithError(verr).Debug("resumption token rejected")
		}
	}
	if !resumed {
		if name == "" {
			return JoinResult{}, fmt.Errorf("%w: name is required", domain.ErrInvalidRequest)
		}
		user = room.AddUser(name)
	}

	if prev, had := s.conns.Bind(connID, room.ID(), user.ID); had {
		if prevRoom, ok := s.rooms.Get(prev.RoomID); ok {
			prevRoom.MarkDisconnected(prev.UserID)
		}
	}

	issued, err := s.tokens.Issue(room.ID(), user.ID)
	if err != nil {
		s.log.WithError(err).Warn("issue resumption token")
	}

	s.log.WithFields(logrus.Fields{"conn": connID, "room": room.ID(), "user": user.ID, "resumed": resumed}).Info("participant joined")
	return JoinResult{UserID: user.ID, Token: issued, Resumed: resumed, State: room.View()}, nil
}

// JoinAdmin marks the connection privileged when password matches.
func (s *QuizService) JoinAdmin(_ context.Context, connID, password string) bool {
	if !s.admin.Authenticate(password) {
		s.log.WithField("conn", connID).Warn("admin authentication failed")
		return false
	}
	s.conns.SetAdmin(connID)
	s.log.WithField("conn", connID).Info("admin authenticated")
	return true
}

// CreateQuiz registers a new room. An empty roomID gets a generated one.
func (s *QuizService) CreateQuiz(_ context.Context, connID, roomID string) (string, error) {
	if err := s.requireAdmin(connID); err != nil {
		return "", err
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		roomID = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if err := s.rooms.Create(s.newRoom(roomID)); err != nil {
		return "", err
	}
	s.conns.Watch(connID, roomID)
	s.log.WithFields(logrus.Fields{"conn": connID, "room": roomID}).Info("room created")
	return roomID, nil
}

// CreateProblem appends a problem to a room that has not started.
func (s *QuizService) CreateProblem(_ context.Context, connID, roomID string, in domain.ProblemInput) (domain.ProblemView, error) {
	room, err := s.adminRoom(connID, roomID)
	if err != nil {
		return domain.ProblemView{}, err
	}
	p, err := room.AddProblem(in)
	if err != nil {
		return domain.ProblemView{}, err
	}
	s.log.WithFields(logrus.Fields{"room": roomID, "problem": p.ID}).Debug("problem added")
	return p.View(true), nil
}

// ImportProblems appends every problem of a stored set to a room that has not started.
func (s *QuizService) ImportProblems(ctx context.Context, connID, roomID, setID string) (int, error) {
	room, err := s.adminRoom(connID, roomID)
	if err != nil {
		return 0, err
	}
	if s.sets == nil {
		return 0, fmt.Errorf("%w: no problem bank configured", domain.ErrNotFound)
	}
	set, err := s.sets.GetProblemSet(ctx, setID)
	if err != nil {
		return 0, err
	}
	n, err := room.AddProblems(set.Problems)
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"room": roomID, "set": setID, "count": n}).Info("problems imported")
	return n, nil
}

// Start opens the first problem.
func (s *QuizService) Start(_ context.Context, connID, roomID string) error {
	room, err := s.adminRoom(connID, roomID)
	if err != nil {
		return err
	}
	_, err = room.Start()
	return err
}

// Next advances the room one phase.
func (s *QuizService) Next(_ context.Context, connID, roomID string) error {
	room, err := s.adminRoom(connID, roomID)
	if err != nil {
		return err
	}
	_, err = room.Next()
	return err
}

// Submit records an answer for the user bound to connID.
func (s *QuizService) Submit(_ context.Context, connID, roomID, problemID, userID string, option int) (domain.Submission, error) {
	room, err := s.room(roomID)
	if err != nil {
		return domain.Submission{}, err
	}
	if b, ok := s.conns.BindingOf(connID); !ok || b.RoomID != roomID || b.UserID != userID {
		return domain.Submission{}, fmt.Errorf("%w: user %q is not joined on this connection", domain.ErrUnauthorized, userID)
	}
	return room.Submit(problemID, userID, option)
}

// QuizState returns the admin view of a room.
func (s *QuizService) QuizState(_ context.Context, connID, roomID string) (domain.RoomState, error) {
	room, err := s.adminRoom(connID, roomID)
	if err != nil {
		return domain.RoomState{}, err
	}
	return room.State(), nil
}

func (s *QuizService) requireAdmin(connID string) error {
	if !s.conns.IsAdmin(connID) {
		return fmt.Errorf("%w: admin authentication required", domain.ErrUnauthorized)
	}
	return nil
}

func (s *QuizService) adminRoom(connID, roomID string) (*Room, error) {
	if err := s.requireAdmin(connID); err != nil {
		return nil, err
	}
	room, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	s.conns.Watch(connID, room.ID())
	return room, nil
}

func (s *QuizService) room(roomID string) (*Room, error) {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: room %q", domain.ErrNotFound, roomID)
	}
	return room, nil
}

func (s *QuizService) getOrCreate(roomID string) (*Room, error) {
	err := s.rooms.Create(s.newRoom(roomID))
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return nil, err
	}
	return s.room(roomID)
}

func (s *QuizService) newRoom(roomID string) *Room {
	opts := make([]RoomOption, 0, len(s.roomOpts)+2)
	opts = append(opts, WithSettings(s.settings))
	opts = append(opts, s.roomOpts...)
	opts = append(opts, WithNotifier(s.publish))
	return NewRoom(roomID, opts...)
}

// publish runs after every transition, outside the room lock.
func (s *QuizService) publish(t domain.Transition) {
	entry := s.log.WithFields(logrus.Fields{"room": t.RoomID, "phase": t.Phase, "index": t.Index})

	switch t.Phase {
	case domain.PhaseQuestion:
		participant := domain.Envelope{Type: EventProblem, Payload: ProblemPayload{Problem: t.Problem.View(false), ActiveProblem: t.Index}}
		admin := domain.Envelope{Type: EventProblem, Payload: ProblemPayload{Problem: t.Problem.View(true), ActiveProblem: t.Index}}
		n := s.conns.Broadcast(t.RoomID, participant, admin)
		entry.WithField("delivered", n).Info("problem opened")
	case domain.PhaseLeaderboard, domain.PhaseEnded:
		msg := domain.Envelope{Type: EventLeaderboard, Payload: LeaderboardPayload{Leaderboard: t.Leaderboard, Ended: t.Phase == domain.PhaseEnded}}
		n := s.conns.Broadcast(t.RoomID, msg, msg)
		entry.WithField("delivered", n).Info("leaderboard frozen")
		s.mirrorLeaderboard(t)
		if t.Phase == domain.PhaseEnded && s.retireAfter > 0 {
			time.AfterFunc(s.retireAfter, func() { s.retire(t.RoomID) })
		}
	}
}

func (s *QuizService) mirrorLeaderboard(t domain.Transition) {
	if s.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.mirror.MirrorLeaderboard(ctx, t.RoomID, t.Leaderboard); err != nil {
			s.log.WithField("room", t.RoomID).WithError(err).Warn("mirror leaderboard")
		}
	}()
}

func (s *QuizService) retire(roomID string) {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return
	}
	room.Close()
	s.rooms.Delete(roomID)
	s.log.WithField("room", roomID).Info("room retired")
}
