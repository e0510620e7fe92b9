package collab

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/noterelay/noterelay/internal/permission"
)

// ClientChannel is the engine's outbound view of one connection. Sends to
// a single channel are delivered in order; implementations own framing
// (base64 for binary payloads) and backpressure.
type ClientChannel interface {
	Send(event string, payload any) error
	Close() error
}

// sessionState tracks the connection lifecycle:
// NEW -> AUTHED -> JOINED -> GONE.
type sessionState int

const (
	stateNew sessionState = iota
	stateAuthed
	stateJoined
	stateGone
)

// Session is the explicit per-connection record: identity, joined vault
// and cached role. All fields behind mu change only under the engine's
// direction.
type Session struct {
	ID      string
	channel ClientChannel

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         sessionState
	userID        int64
	userName      string
	isServerAdmin bool
	vaultID       string
	role          permission.Role

	// awarenessIDs are the CRDT client ids this connection announced, so
	// their presence entries can be withdrawn on disconnect.
	awarenessIDs map[uint64]struct{}
}

func newSession(parent context.Context, channel ClientChannel) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:           uuid.NewString(),
		channel:      channel,
		ctx:          ctx,
		cancel:       cancel,
		awarenessIDs: map[uint64]struct{}{},
	}
}

// User returns the authenticated identity. Zero values before AUTHED.
func (s *Session) User() (int64, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userName, s.isServerAdmin
}

// Vault returns the joined vault id and cached role, or ("", RoleNone).
func (s *Session) Vault() (string, permission.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vaultID, s.role
}

// Done is closed when the session is cancelled.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Session) snapshotState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) noteAwarenessIDs(ids []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.awarenessIDs[id] = struct{}{}
	}
}

func (s *Session) takeAwarenessIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.awarenessIDs))
	for id := range s.awarenessIDs {
		ids = append(ids, id)
	}
	s.awarenessIDs = map[uint64]struct{}{}
	return ids
}
