package keepsake

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// SessionState is a sync session's position in its lifecycle.
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionSyncing      SessionState = "syncing"
	SessionSyncComplete SessionState = "sync_complete"
	SessionError        SessionState = "error"
)

// SyncSession tracks one device pair's sync lifecycle. State moves
// Idle/Connected -> Connecting -> Syncing -> SyncComplete, or to Error on
// transport failure. An errored session reverts to Idle on the next
// StartSync or Reset. Progress is a monotonically non-decreasing
// fraction in [0,1].
type SyncSession struct {
	DeviceID  string
	SessionID string

	mu        sync.Mutex
	state     SessionState
	progress  float64
	lastError string
	startedAt time.Time
}

// SessionManager enforces at most one active sync session per target
// device and owns the reachability probe that gates Connecting -> Syncing.
type SessionManager struct {
	probeTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*SyncSession
}

// NewSessionManager creates a session manager.
func NewSessionManager(probeTimeout time.Duration) *SessionManager {
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	return &SessionManager{
		probeTimeout: probeTimeout,
		sessions:     make(map[string]*SyncSession),
	}
}

// Session returns the session for a device, creating an idle one if none
// exists.
func (sm *SessionManager) Session(deviceID string) *SyncSession {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[deviceID]
	if !ok {
		s = &SyncSession{DeviceID: deviceID, state: SessionIdle}
		sm.sessions[deviceID] = s
	}
	return s
}

// Connect verifies a device is reachable without starting a sync. On
// success the session parks at Connected, from which StartSync proceeds
// without probing again.
func (sm *SessionManager) Connect(device DeviceInfo) error {
	s := sm.Session(device.DeviceID)

	s.mu.Lock()
	switch s.state {
	case SessionIdle, SessionError:
	case SessionConnecting, SessionSyncing:
		s.mu.Unlock()
		return newSyncError(SyncErrorTypeState,
			fmt.Sprintf("sync already active (state %s)", s.state), device.DeviceID, ErrSessionActive)
	default:
		s.mu.Unlock()
		return newSyncError(SyncErrorTypeState,
			fmt.Sprintf("cannot connect from state %s", s.state), device.DeviceID, ErrInvalidState)
	}
	s.state = SessionConnecting
	s.lastError = ""
	s.mu.Unlock()

	if err := sm.probe(device); err != nil {
		s.mu.Lock()
		s.state = SessionIdle
		s.lastError = err.Error()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = SessionConnected
	s.mu.Unlock()
	return nil
}

// StartSync begins a sync session toward the device at addr:port. Valid
// from Idle, Connected, or Error (a retry clears the prior failure); an
// active session fails fast with ErrSessionActive so concurrent calls
// for the same device never interleave. On a successful probe the
// session is Syncing; a Connected session skips the probe.
func (sm *SessionManager) StartSync(device DeviceInfo, sessionID string) error {
	s := sm.Session(device.DeviceID)

	s.mu.Lock()
	from := s.state
	switch from {
	case SessionIdle, SessionConnected, SessionError:
	case SessionConnecting, SessionSyncing:
		s.mu.Unlock()
		return newSyncError(SyncErrorTypeState,
			fmt.Sprintf("sync already active (state %s)", s.state), device.DeviceID, ErrSessionActive)
	default:
		s.mu.Unlock()
		return newSyncError(SyncErrorTypeState,
			fmt.Sprintf("cannot start sync from state %s", s.state), device.DeviceID, ErrInvalidState)
	}
	s.state = SessionConnecting
	s.SessionID = sessionID
	s.progress = 0
	s.lastError = ""
	s.startedAt = time.Now()
	s.mu.Unlock()

	// A Connected session was probed already.
	if from != SessionConnected {
		if err := sm.probe(device); err != nil {
			s.mu.Lock()
			s.state = SessionIdle
			s.lastError = err.Error()
			s.mu.Unlock()
			return err
		}
	}

	s.mu.Lock()
	s.state = SessionSyncing
	s.mu.Unlock()
	return nil
}

// probe checks TCP reachability with a fixed connect timeout so a dead
// peer fails fast rather than hanging the session.
func (sm *SessionManager) probe(device DeviceInfo) error {
	addr := net.JoinHostPort(device.Address, fmt.Sprintf("%d", device.Port))
	conn, err := net.DialTimeout("tcp", addr, sm.probeTimeout)
	if err != nil {
		if isTimeout(err) {
			return newSyncError(SyncErrorTypeTimeout, "reachability probe timed out", device.DeviceID, ErrTimeout)
		}
		return newSyncError(SyncErrorTypeNetwork, "peer unreachable", device.DeviceID, ErrConnectionFailed)
	}
	conn.Close()
	return nil
}

// CompleteSync marks a syncing session complete.
func (sm *SessionManager) CompleteSync(deviceID string) error {
	s := sm.Session(deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionSyncing {
		return newSyncError(SyncErrorTypeState,
			fmt.Sprintf("cannot complete sync from state %s", s.state), deviceID, ErrInvalidState)
	}
	s.state = SessionSyncComplete
	s.progress = 1
	return nil
}

// FailSync records a transport failure. The session parks at Error so
// the failure stays observable; the next StartSync or Reset returns it
// to the idle path.
func (sm *SessionManager) FailSync(deviceID string, cause error) {
	s := sm.Session(deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionError
	if cause != nil {
		s.lastError = cause.Error()
	}
}

// CancelSync requests cancellation of an in-progress sync. Because each
// batch commits atomically, cancelling at a batch boundary leaves the
// store consistent.
func (sm *SessionManager) CancelSync(deviceID string) error {
	s := sm.Session(deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SessionConnecting, SessionSyncing:
		s.state = SessionIdle
		return nil
	default:
		return newSyncError(SyncErrorTypeState,
			fmt.Sprintf("no active sync to cancel (state %s)", s.state), deviceID, ErrInvalidState)
	}
}

// Reset returns a completed or errored session to Idle.
func (sm *SessionManager) Reset(deviceID string) {
	s := sm.Session(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionSyncComplete || s.state == SessionError {
		s.state = SessionIdle
		s.progress = 0
	}
}

// State returns the session's current state.
func (s *SyncSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the session's progress fraction in [0,1].
func (s *SyncSession) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// AdvanceProgress raises the progress fraction. Progress never decreases
// and never exceeds 1; values below the current progress are ignored.
func (s *SyncSession) AdvanceProgress(fraction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fraction > 1 {
		fraction = 1
	}
	if fraction > s.progress {
		s.progress = fraction
	}
}

// LastError returns the most recent failure message, if any.
func (s *SyncSession) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
