package domain

import "errors"

var (
	// ErrNotFound is returned for an unknown room, problem or user.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when an admin-only command comes from an unprivileged connection.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidState indicates the command is not valid in the room's current phase.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyExists is returned when a room or problem id is already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidProblem indicates a problem failed shape validation.
	ErrInvalidProblem = errors.New("invalid problem")
	// ErrInvalidRequest is returned for a malformed or incomplete command.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrClosed rejects a submission for a problem that is no longer current.
	ErrClosed = errors.New("problem closed")
	// ErrExpired rejects a submission outside the answer window.
	ErrExpired = errors.New("answer window expired")
	// ErrInvalidOption rejects a submission whose option index is out of range.
	ErrInvalidOption = errors.New("invalid option")
	// ErrDuplicate rejects a second submission for the same problem and user.
	ErrDuplicate = errors.New("duplicate submission")

	// ErrTransitionInFlight marks a phase transition that was ignored because
	// another one for the same room was executing or had just completed.
	ErrTransitionInFlight = errors.New("transition already in flight")
)
