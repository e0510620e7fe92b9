package collab

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noterelay/noterelay/internal/auth"
	"github.com/noterelay/noterelay/internal/crdt"
	"github.com/noterelay/noterelay/internal/metrics"
	"github.com/noterelay/noterelay/internal/permission"
	"github.com/noterelay/noterelay/internal/vault"
)

// Server→client event payloads.
type UserPayload struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	IsServerAdmin bool   `json:"isServerAdmin"`
}

type AuthenticatedPayload struct {
	Success bool         `json:"success"`
	User    *UserPayload `json:"user,omitempty"`
}

type VaultRolePayload struct {
	VaultID string `json:"vaultId"`
	Role    string `json:"role"`
}

type FileListPayload struct {
	Files []string `json:"files"`
}

type UserJoinedPayload struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

type UserLeftPayload struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
}

type PermissionDeniedPayload struct {
	Action  string `json:"action"`
	VaultID string `json:"vaultId"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// EngineOptions configures the sync engine.
type EngineOptions struct {
	Registry    *Registry
	Permissions permission.Store
	Auth        auth.Authenticator
	Logger      *zap.Logger
	Metrics     *metrics.Metrics

	// JoinPacing separates the staged join sends so clients never see
	// coalesced frames. Zero uses the default; tests pass a negative
	// value for no delay.
	JoinPacing time.Duration
	// AuthWindow bounds how long an unauthenticated connection may idle
	// before it is dropped.
	AuthWindow time.Duration
}

// Engine owns the per-connection protocol state machine: authentication,
// vault membership, message routing and fan-out.
type Engine struct {
	registry   *Registry
	perms      permission.Store
	auth       auth.Authenticator
	log        *zap.Logger
	metrics    *metrics.Metrics
	joinPacing time.Duration
	authWindow time.Duration
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Registry == nil || opts.Permissions == nil || opts.Auth == nil {
		return nil, errors.New("registry, permissions and auth are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.JoinPacing == 0 {
		opts.JoinPacing = 50 * time.Millisecond
	}
	if opts.JoinPacing < 0 {
		opts.JoinPacing = 0
	}
	if opts.AuthWindow <= 0 {
		opts.AuthWindow = 10 * time.Second
	}
	return &Engine{
		registry:   opts.Registry,
		perms:      opts.Permissions,
		auth:       opts.Auth,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		joinPacing: opts.JoinPacing,
		authWindow: opts.AuthWindow,
	}, nil
}

// NewSession registers a fresh connection and starts its authentication
// window.
func (e *Engine) NewSession(parent context.Context, channel ClientChannel) *Session {
	s := newSession(parent, channel)
	timer := time.AfterFunc(e.authWindow, func() {
		if s.snapshotState() == stateNew {
			_ = channel.Send("error", ErrorPayload{Message: "authentication timeout"})
			e.Disconnect(s)
		}
	})
	go func() {
		<-s.Done()
		timer.Stop()
	}()
	return s
}

// Authenticate consumes an opaque token. It must precede any vault join.
func (e *Engine) Authenticate(ctx context.Context, s *Session, token string) error {
	user, err := e.auth.Authenticate(ctx, token)
	if err != nil {
		_ = s.channel.Send("authenticated", AuthenticatedPayload{Success: false})
		return err
	}
	s.mu.Lock()
	s.state = stateAuthed
	s.userID = user.ID
	s.userName = user.Name
	s.isServerAdmin = user.IsServerAdmin
	s.mu.Unlock()

	return s.channel.Send("authenticated", AuthenticatedPayload{
		Success: true,
		User:    &UserPayload{ID: user.ID, Name: user.Name, IsServerAdmin: user.IsServerAdmin},
	})
}

// Join attaches an authenticated session to a vault. A vault with no
// members promotes the joiner to owner (legacy migration); otherwise the
// user must already hold a role.
func (e *Engine) Join(ctx context.Context, s *Session, vaultID string) error {
	if s.snapshotState() != stateAuthed {
		if s.snapshotState() == stateJoined {
			return errors.New("already joined")
		}
		e.drop(s, "not authenticated")
		return errors.New("not authenticated")
	}
	if !vault.ValidVaultID(vaultID) {
		_ = s.channel.Send("error", ErrorPayload{Message: "invalid vault id"})
		return vault.ErrInvalidVault
	}
	userID, userName, _ := s.User()

	role, err := e.resolveJoinRole(ctx, vaultID, userID)
	if err != nil {
		return err
	}
	if role == permission.RoleNone {
		e.denied(s, "join", vaultID, "you are not a member of this vault")
		return permission.ErrNotFound
	}

	vs, err := e.registry.getOrCreate(vaultID)
	if err != nil {
		_ = s.channel.Send("error", ErrorPayload{Message: "vault unavailable"})
		return err
	}

	vs.mu.Lock()
	vs.clients[s] = struct{}{}
	files := vs.doc.Files()
	stateVector := vs.doc.EncodeStateVector()
	fullState := vs.doc.EncodeState()
	awarenessState := vs.awareness.Encode()
	hasAwareness := vs.awareness.Len() > 0
	e.registry.broadcastLocked(vs, s, "user-joined", UserJoinedPayload{
		UserID: userID, Name: userName, Role: role.String(),
	})
	vs.mu.Unlock()

	s.mu.Lock()
	s.state = stateJoined
	s.vaultID = vaultID
	s.role = role
	s.mu.Unlock()

	if e.metrics != nil {
		e.metrics.JoinedClients.WithLabelValues(vaultID).Inc()
	}
	e.log.Info("client joined vault",
		zap.String("vault", vaultID), zap.Int64("user", userID), zap.String("role", role.String()))

	if err := s.channel.Send("vault-joined", VaultRolePayload{VaultID: vaultID, Role: role.String()}); err != nil {
		return err
	}

	// The staged initial sync: file list, then SyncStep1, then the eager
	// SyncStep2, then awareness. The pacing keeps frames from coalescing
	// on the wire; it carries no semantics.
	go func() {
		send := func(event string, payload any) bool {
			select {
			case <-s.Done():
				return false
			default:
			}
			return s.channel.Send(event, payload) == nil
		}
		if !send("file-list", FileListPayload{Files: files}) {
			return
		}
		if !e.pace(s) {
			return
		}
		if !send("sync-message", EncodeSyncStep1(stateVector)) {
			return
		}
		if !e.pace(s) {
			return
		}
		if !send("sync-message", EncodeSyncStep2(fullState)) {
			return
		}
		if hasAwareness {
			send("sync-message", EncodeAwareness(awarenessState))
		}
	}()
	return nil
}

// resolveJoinRole applies the legacy migration: the first joiner of a
// vault with an empty member table becomes its owner.
func (e *Engine) resolveJoinRole(ctx context.Context, vaultID string, userID int64) (permission.Role, error) {
	hasMembers, err := e.perms.HasMembers(ctx, vaultID)
	if err != nil {
		return permission.RoleNone, err
	}
	if !hasMembers {
		if err := e.perms.SetOwner(ctx, vaultID, userID); err != nil {
			// A concurrent joiner may have seeded ownership first.
			if !errors.Is(err, permission.ErrOwnedVault) {
				return permission.RoleNone, err
			}
		}
	}
	role, ok, err := e.perms.GetRole(ctx, userID, vaultID)
	if err != nil {
		return permission.RoleNone, err
	}
	if !ok {
		return permission.RoleNone, nil
	}
	return role, nil
}

func (e *Engine) pace(s *Session) bool {
	if e.joinPacing <= 0 {
		return true
	}
	timer := time.NewTimer(e.joinPacing)
	defer timer.Stop()
	select {
	case <-s.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Leave detaches the session from its vault, withdrawing its awareness
// entries and evicting the vault when it was the last client.
func (e *Engine) Leave(s *Session) {
	e.detach(s, stateAuthed)
}

// Disconnect tears the session down entirely, cancelling pending sends.
func (e *Engine) Disconnect(s *Session) {
	e.detach(s, stateGone)
	s.cancel()
	_ = s.channel.Close()
}

func (e *Engine) detach(s *Session, next sessionState) {
	s.mu.Lock()
	vaultID := s.vaultID
	userID := s.userID
	userName := s.userName
	s.vaultID = ""
	s.role = permission.RoleNone
	if s.state != stateGone {
		s.state = next
	}
	s.mu.Unlock()

	if vaultID == "" {
		return
	}
	vs, ok := e.registry.loaded(vaultID)
	if !ok {
		return
	}

	vs.mu.Lock()
	delete(vs.clients, s)
	for _, id := range s.takeAwarenessIDs() {
		removal := vs.awareness.Remove(id)
		e.registry.broadcastLocked(vs, s, "sync-message", EncodeAwareness(removal))
	}
	e.registry.broadcastLocked(vs, s, "user-left", UserLeftPayload{UserID: userID, Name: userName})
	empty := len(vs.clients) == 0
	vs.mu.Unlock()

	if e.metrics != nil {
		e.metrics.JoinedClients.WithLabelValues(vaultID).Dec()
	}
	e.log.Info("client left vault", zap.String("vault", vaultID), zap.Int64("user", userID))

	if empty {
		e.registry.flushAndEvictIfEmpty(vs)
	}
}

// HandleSyncMessage routes one inbound sync-message payload.
func (e *Engine) HandleSyncMessage(s *Session, payload []byte) {
	if s.snapshotState() != stateJoined {
		e.drop(s, "vault message before join")
		return
	}
	vaultID, role := s.Vault()
	vs, ok := e.registry.loaded(vaultID)
	if !ok {
		return
	}

	frame, err := ParseFrame(payload)
	if err != nil {
		// Undecodable frames are logged and dropped; the connection
		// continues.
		e.log.Warn("dropping undecodable frame", zap.String("vault", vaultID), zap.Error(err))
		if e.metrics != nil {
			e.metrics.DroppedFrames.Inc()
		}
		return
	}

	switch frame.Type {
	case MessageSync:
		e.handleSync(s, vs, role, frame)
	case MessageAwareness:
		e.handleAwareness(s, vs, frame.Body)
	}
}

func (e *Engine) handleSync(s *Session, vs *vaultState, role permission.Role, frame Frame) {
	switch frame.SubType {
	case SyncStep1:
		vec, err := crdt.DecodeStateVector(frame.Body)
		if err != nil {
			e.dropFrame(vs.id, err)
			return
		}
		vs.mu.Lock()
		diff := vs.doc.DiffSince(vec)
		vs.mu.Unlock()
		_ = s.channel.Send("sync-message", EncodeSyncStep2(diff))

	case SyncStep2, SyncUpdate:
		// The write gate: viewers may read and follow but never mutate.
		if !role.CanWrite() {
			e.denied(s, "write", vs.id, "your role does not allow editing")
			return
		}
		vs.mu.Lock()
		changes, err := vs.doc.ApplyUpdate(frame.Body)
		if err != nil {
			vs.mu.Unlock()
			e.dropFrame(vs.id, err)
			return
		}
		e.registry.notifyApplied(vs, changes)
		e.registry.broadcastLocked(vs, s, "sync-message", EncodeSyncUpdate(frame.Body))
		vs.mu.Unlock()
		if e.metrics != nil {
			e.metrics.UpdatesApplied.Inc()
		}
	}
}

func (e *Engine) handleAwareness(s *Session, vs *vaultState, body []byte) {
	vs.mu.Lock()
	changed, err := vs.awareness.ApplyUpdate(body)
	if err != nil {
		vs.mu.Unlock()
		e.dropFrame(vs.id, err)
		return
	}
	if len(changed) > 0 {
		s.noteAwarenessIDs(changed)
		e.registry.broadcastLocked(vs, s, "sync-message", EncodeAwareness(body))
	}
	vs.mu.Unlock()
}

// Ping answers the optional client keepalive.
func (e *Engine) Ping(s *Session) {
	_ = s.channel.Send("pong", nil)
}

// NotifyRoleChanged refreshes the cached role of every session the user
// holds in the vault and pushes a vault-role event. A removed membership
// detaches the session.
func (e *Engine) NotifyRoleChanged(vaultID string, userID int64, role permission.Role, removed bool) {
	vs, ok := e.registry.loaded(vaultID)
	if !ok {
		return
	}
	vs.mu.Lock()
	sessions := make([]*Session, 0, 1)
	for session := range vs.clients {
		id, _, _ := session.User()
		if id == userID {
			sessions = append(sessions, session)
		}
	}
	vs.mu.Unlock()

	for _, session := range sessions {
		if removed {
			e.denied(session, "join", vaultID, "your membership was removed")
			e.Leave(session)
			continue
		}
		session.mu.Lock()
		session.role = role
		session.mu.Unlock()
		_ = session.channel.Send("vault-role", VaultRolePayload{VaultID: vaultID, Role: role.String()})
	}
}

// DisconnectVault drops every session joined to a vault, used before
// vault deletion and after a backup restore.
func (e *Engine) DisconnectVault(vaultID string) {
	vs, ok := e.registry.loaded(vaultID)
	if !ok {
		return
	}
	vs.mu.Lock()
	sessions := make([]*Session, 0, len(vs.clients))
	for session := range vs.clients {
		sessions = append(sessions, session)
	}
	vs.mu.Unlock()
	for _, session := range sessions {
		e.Disconnect(session)
	}
}

func (e *Engine) denied(s *Session, action, vaultID, message string) {
	if e.metrics != nil {
		e.metrics.PermissionDenials.WithLabelValues(action).Inc()
	}
	_ = s.channel.Send("permission-denied", PermissionDeniedPayload{
		Action: action, VaultID: vaultID, Message: message,
	})
}

func (e *Engine) drop(s *Session, reason string) {
	_ = s.channel.Send("error", ErrorPayload{Message: reason})
	e.Disconnect(s)
}

func (e *Engine) dropFrame(vaultID string, err error) {
	e.log.Warn("dropping undecodable frame", zap.String("vault", vaultID), zap.Error(err))
	if e.metrics != nil {
		e.metrics.DroppedFrames.Inc()
	}
}
