// Package sessions models one logical client connection: its identity, the
// negotiated protocol version, and its position in the lifecycle phase
// machine. Session state is persisted through a pluggable Host so multiple
// server instances can share sessions; records are integrity-protected with
// a compact Ed25519 JWS before they leave the process.
package sessions

import (
	"errors"
	"fmt"
	"time"

	"github.com/vantagedata/vantage-mcp/mcp"
)

var (
	// ErrSessionNotFound indicates no record exists for the session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionOwnership indicates the session exists but belongs to a
	// different authenticated user.
	ErrSessionOwnership = errors.New("session owned by another user")
	// ErrInvalidTransition indicates a phase change that would move backwards
	// or skip a phase.
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// Phase is one step in the session lifecycle. Transitions are
// one-directional; no phase is ever revisited.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseReady         Phase = "ready"
	PhaseClosed        Phase = "closed"
)

func (p Phase) rank() int {
	switch p {
	case PhaseUninitialized:
		return 0
	case PhaseInitializing:
		return 1
	case PhaseReady:
		return 2
	case PhaseClosed:
		return 3
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return p.rank() >= 0 }

// CanAdvance reports whether a transition from p to next is legal. Closing
// is allowed from any phase; otherwise phases advance one step at a time.
func (p Phase) CanAdvance(next Phase) bool {
	if !p.Valid() || !next.Valid() {
		return false
	}
	if next == PhaseClosed {
		return p != PhaseClosed
	}
	return next.rank() == p.rank()+1
}

// Session is the in-memory view of one logical client connection.
type Session struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	ProtocolVersion string           `json:"protocol_version"`
	Phase           Phase            `json:"phase"`
	LogLevel        mcp.LoggingLevel `json:"log_level"`
	ClientName      string           `json:"client_name,omitempty"`
	ClientVersion   string           `json:"client_version,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Advance moves the session to next, enforcing one-directional ordering.
func (s *Session) Advance(next Phase) error {
	if !s.Phase.CanAdvance(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, next)
	}
	s.Phase = next
	s.UpdatedAt = time.Now().UTC()
	return nil
}
