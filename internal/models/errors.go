package models

import "errors"

// Failure classes shared by the flow, the engine and the collaborator clients.
var (
	// ErrInvalidUserInput is a bad choice; the user stays where they are.
	ErrInvalidUserInput = errors.New("invalid user input")
	// ErrSessionInvariant means a state lacks context an earlier step should have written.
	ErrSessionInvariant = errors.New("session invariant violation")
	// ErrCollaboratorUnavailable wraps timeouts, transport errors and 5xx answers.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	// ErrPartialExtraction marks a file recognition returned nothing for.
	ErrPartialExtraction = errors.New("partial extraction")
	// ErrCommitAtomicity aborts a commit before any back-office write.
	ErrCommitAtomicity = errors.New("commit atomicity failure")
)
