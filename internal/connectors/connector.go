// Package connectors defines the collaborators Warden executes commands through.
package connectors

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownSession is returned when a session id is not live.
var ErrUnknownSession = errors.New("unknown session")

// ErrSessionExists is returned when spawning over a live session id.
var ErrSessionExists = errors.New("session already exists")

// ExecResult holds the outcome of a finished session.
type ExecResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Session is one spawned shell.
type Session interface {
	// ID returns the id the session was spawned with.
	ID() string

	// Send writes one command line to the shell.
	Send(text string) error

	// Wait closes the shell's input and blocks until it exits.
	Wait() (*ExecResult, error)
}

// Terminal spawns and kills shell sessions.
type Terminal interface {
	// Name returns the connector identifier.
	Name() string

	// Spawn starts a shell in cwd with env added to the process environment.
	Spawn(ctx context.Context, id, cwd string, env map[string]string) (Session, error)

	// Kill terminates a live session.
	Kill(id string) error

	// IsAllowed reports whether a command line may be sent to a session.
	IsAllowed(command string) bool
}
