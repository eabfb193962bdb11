package domain

import (
	"fmt"
	"time"
)

// Phase is the state of a room's session state machine.
type Phase string

const (
	PhaseNotStarted  Phase = "not_started"
	PhaseQuestion    Phase = "question"
	PhaseLeaderboard Phase = "leaderboard"
	PhaseEnded       Phase = "ended"
)

// Option is one selectable answer. ID is its index within the problem.
type Option struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

// Problem models a single-choice question owned by one room.
type Problem struct {
	ID          string
	Title       string
	Description string
	Image       string
	Options     []Option
	Answer      int
	Window      time.Duration
	OpenedAt    time.Time
}

// ProblemInput is the admin-supplied shape of a new problem.
type ProblemInput struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Image       string   `json:"image,omitempty"`
	Options     []Option `json:"options"`
	Answer      int      `json:"answer"`
	// Duration is the answer window in seconds; zero means the room default.
	Duration int `json:"duration,omitempty"`
}

// Validate checks the single-choice invariants: at least two options and a
// correct index inside them. Option ids are normalized by the room.
func (p ProblemInput) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidProblem)
	}
	if len(p.Options) < 2 {
		return fmt.Errorf("%w: at least 2 options required, got %d", ErrInvalidProblem, len(p.Options))
	}
	if p.Answer < 0 || p.Answer >= len(p.Options) {
		return fmt.Errorf("%w: answer %d out of range [0,%d)", ErrInvalidProblem, p.Answer, len(p.Options))
	}
	if p.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidProblem)
	}
	return nil
}

// ProblemSet is a stored bank of problems that can be imported into a room.
type ProblemSet struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Problems []ProblemInput `json:"problems"`
}

// User is a participant. Users are never removed from a room, only marked disconnected.
type User struct {
	ID        string
	Name      string
	Points    int
	Seq       int
	Connected bool
}

// Submission is one recorded answer, unique per (ProblemID, UserID).
type Submission struct {
	ProblemID string    `json:"problemId"`
	UserID    string    `json:"userId"`
	Option    int       `json:"optionSelected"`
	Correct   bool      `json:"isCorrect"`
	At        time.Time `json:"at"`
}

// LeaderboardEntry is one row of a frozen leaderboard snapshot.
type LeaderboardEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// ProblemView is the wire projection of a problem. Answer is only set for admins.
type ProblemView struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Image       string   `json:"image,omitempty"`
	Options     []Option `json:"options"`
	Answer      *int     `json:"answer,omitempty"`
	StartTime   int64    `json:"startTime,omitempty"`
	Duration    int      `json:"duration"`
}

// View projects the problem. withAnswer must only be true for admin connections.
func (p Problem) View(withAnswer bool) ProblemView {
	v := ProblemView{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Image:       p.Image,
		Options:     append([]Option(nil), p.Options...),
		Duration:    int(p.Window / time.Second),
	}
	if !p.OpenedAt.IsZero() {
		v.StartTime = p.OpenedAt.UnixMilli()
	}
	if withAnswer {
		answer := p.Answer
		v.Answer = &answer
	}
	return v
}

// StateView is the tagged union pushed to clients describing the current phase.
type StateView struct {
	Type          Phase              `json:"type"`
	Problem       *ProblemView       `json:"problem,omitempty"`
	ActiveProblem int                `json:"activeProblem"`
	Leaderboard   []LeaderboardEntry `json:"leaderboard,omitempty"`
}

// UserView is the admin projection of a user.
type UserView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Points    int    `json:"points"`
	Connected bool   `json:"connected"`
}

// RoomState is the full admin view of a room.
type RoomState struct {
	RoomID        string             `json:"roomId"`
	Phase         Phase              `json:"phase"`
	ActiveProblem int                `json:"activeProblem"`
	Problems      []ProblemView      `json:"problems"`
	Users         []UserView         `json:"users"`
	Leaderboard   []LeaderboardEntry `json:"leaderboard"`
	Submissions   map[string]int     `json:"submissions"`
	State         StateView          `json:"state"`
}

// Transition describes the result of a phase change so it can be broadcast.
type Transition struct {
	RoomID      string
	Phase       Phase
	Index       int
	Problem     *Problem
	Leaderboard []LeaderboardEntry
}

// Envelope is the wire message exchanged with clients.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}
