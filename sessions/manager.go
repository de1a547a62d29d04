package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vantagedata/vantage-mcp/mcp"
)

// Manager creates, loads and mutates sessions against a Host. Every record
// is signed before storage and verified on load; a record with a bad
// signature is reported as not found.
type Manager struct {
	host   Host
	signer SignerVerifier
	log    *slog.Logger
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source. Intended for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager.
func NewManager(host Host, signer SignerVerifier, log *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{host: host, signer: signer, log: log, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create mints a session in the initializing phase. The caller has already
// received an initialize request; the uninitialized phase exists only
// between connection and that first frame.
func (m *Manager) Create(ctx context.Context, userID, protocolVersion, clientName, clientVersion string) (*Session, error) {
	now := m.now().UTC()
	sess := &Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		ProtocolVersion: protocolVersion,
		Phase:           PhaseInitializing,
		LogLevel:        mcp.LoggingLevelInfo,
		ClientName:      clientName,
		ClientVersion:   clientVersion,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Save signs and persists the session record.
func (m *Manager) Save(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	signed, err := m.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}
	if err := m.host.PutRecord(ctx, sess.ID, []byte(signed)); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Load fetches and verifies a session, enforcing that it belongs to userID.
// Tampered or unverifiable records surface as ErrSessionNotFound.
func (m *Manager) Load(ctx context.Context, sessID, userID string) (*Session, error) {
	raw, err := m.host.GetRecord(ctx, sessID)
	if err != nil {
		return nil, err
	}
	payload, _, err := m.signer.Verify(string(raw))
	if err != nil {
		m.log.WarnContext(ctx, "session.load.fail",
			slog.String("session_id", sessID),
			slog.String("err", err.Error()))
		return nil, ErrSessionNotFound
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		m.log.WarnContext(ctx, "session.load.fail",
			slog.String("session_id", sessID),
			slog.String("err", err.Error()))
		return nil, ErrSessionNotFound
	}
	if sess.UserID != userID {
		return nil, ErrSessionOwnership
	}
	if sess.Phase == PhaseClosed {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

// Advance moves the session to the next phase and persists the change.
func (m *Manager) Advance(ctx context.Context, sess *Session, next Phase) error {
	if err := sess.Advance(next); err != nil {
		return err
	}
	return m.Save(ctx, sess)
}

// SetLogLevel updates the session's minimum logging level.
func (m *Manager) SetLogLevel(ctx context.Context, sess *Session, level mcp.LoggingLevel) error {
	sess.LogLevel = level
	sess.UpdatedAt = m.now().UTC()
	return m.Save(ctx, sess)
}

// Delete closes the session and removes its record and stream.
func (m *Manager) Delete(ctx context.Context, sessID string) error {
	if err := m.host.DeleteRecord(ctx, sessID); err != nil {
		return err
	}
	if err := m.host.CleanupSession(ctx, sessID); err != nil {
		m.log.WarnContext(ctx, "session.cleanup.fail",
			slog.String("session_id", sessID),
			slog.String("err", err.Error()))
	}
	return nil
}

// Publish appends a server-to-client message to the session stream.
func (m *Manager) Publish(ctx context.Context, sessID string, payload []byte) (string, error) {
	return m.host.Publish(ctx, sessID, payload)
}

// Subscribe replays and follows the session stream. See Host.Subscribe.
func (m *Manager) Subscribe(ctx context.Context, sessID, lastMsgID string, fn MessageFunc) error {
	return m.host.Subscribe(ctx, sessID, lastMsgID, fn)
}
