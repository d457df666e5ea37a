// Package session manages agent sessions for the message handler. A
// session is the unit of conversational memory: continuing a session ID
// gives the agent access to everything said under that ID before.
package session

import (
	"context"
	"sync"

	"github.com/jordanhubbard/weft/pkg/models"
)

// Session is an opaque handle on one agent session. Exactly one handler
// task drives a session at a time; continuation hands ownership off, it
// never shares it.
type Session struct {
	ID string

	releaseOnce sync.Once
}

// Stats reports session pool occupancy.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
	MaxSessions    int `json:"max_sessions"`
}

// Provider acquires and drives agent sessions.
type Provider interface {
	// Acquire returns a session handle for the given session ID, or a
	// fresh session when existingID is empty. The returned canonical ID
	// is what callers must record; a continuation may yield the same ID,
	// a fresh session yields a new one.
	Acquire(ctx context.Context, existingID string) (sess *Session, canonicalID string, isNew bool, err error)

	// Submit sends one turn of input to the session and returns the
	// finite stream of events for that turn. The channel closes when the
	// turn ends; cancelling ctx cancels the turn.
	Submit(ctx context.Context, sess *Session, text string) (<-chan models.TurnEvent, error)

	// Cancel aborts whatever turn the session is currently executing.
	Cancel(sess *Session)

	// Release returns the session's capacity slot without cancelling
	// anything. Needed when a session was acquired but never submitted.
	Release(sess *Session)

	// StopAll cancels every in-flight turn.
	StopAll()

	Stats() Stats
}
