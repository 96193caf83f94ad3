package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"inputlockd/internal/lock"
)

// ErrServiceUnavailable means the daemon could not be reached or the
// connection was lost mid-request. Clients decide whether to retry;
// the library never reconnects on its own.
var ErrServiceUnavailable = errors.New("ipc: lock service unavailable")

// ClientConfig configures a client connection.
type ClientConfig struct {
	// SocketPath is the daemon's unix socket.
	SocketPath string

	// ClientName and ClientVersion identify the caller in handshakes
	// and daemon logs.
	ClientName    string
	ClientVersion string

	// DialTimeout bounds connection establishment (default 2s).
	DialTimeout time.Duration

	// RequestTimeout bounds each request/response round trip
	// (default 5s).
	RequestTimeout time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	cfg := *c
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "inputlock-client"
	}
	return cfg
}

// StateFunc receives lock state change events on a session that
// subscribed. It is called from the session's read goroutine and must
// not block.
type StateFunc func(ev StateEvent)

// Session is a persistent connection to the daemon. Use it when
// holding a lock, watching state changes, or issuing several requests;
// for a single query the package-level helpers are simpler.
type Session struct {
	conn    net.Conn
	cfg     ClientConfig
	onState StateFunc

	writeMu sync.Mutex
	nextID  atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message

	closed   atomic.Bool
	readDone chan struct{}

	// SessionID is assigned by the daemon during the handshake.
	SessionID string
}

// StartSession dials the daemon and performs the handshake. When
// onState is non-nil the session also subscribes to lock state events.
// Dial or handshake failure returns ErrServiceUnavailable.
func StartSession(cfg ClientConfig, onState StateFunc) (*Session, error) {
	cfg = cfg.withDefaults()

	conn, err := net.DialTimeout("unix", cfg.SocketPath, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	s := &Session{
		conn:     conn,
		cfg:      cfg,
		onState:  onState,
		pending:  make(map[uint32]chan *Message),
		readDone: make(chan struct{}),
	}
	go s.readLoop()

	ack, err := s.roundTrip(MsgHandshake, &HandshakeRequest{
		ClientName:      cfg.ClientName,
		ClientVersion:   cfg.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck)
	if err != nil {
		s.Close()
		return nil, err
	}
	var hs HandshakeResponse
	if err := Decode(ack.Payload, &hs); err != nil {
		s.Close()
		return nil, fmt.Errorf("malformed handshake ack: %w", err)
	}
	s.SessionID = hs.SessionID

	if onState != nil {
		if _, err := s.roundTrip(MsgSubscribe, nil, MsgSubscribeResp); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close tears the connection down. A lock held through this session
// stays held; the lock belongs to the daemon, not the connection.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.conn.Close()
	<-s.readDone
	return err
}

// Lock acquires the input lock with the given settings. Failure modes
// surface as lock.ErrAlreadyLocked, lock.ErrPermissionDenied or
// lock.ErrCaptureUnavailable.
func (s *Session) Lock(settings lock.Settings) (*LockResponse, error) {
	raw, err := Encode(&settings)
	if err != nil {
		return nil, err
	}
	msg, err := s.roundTrip(MsgLock, &LockRequest{Settings: raw}, MsgLockResp)
	if err != nil {
		return nil, err
	}
	var resp LockResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unlock releases the lock. Idempotent; WasLocked reports whether a
// lock was actually held.
func (s *Session) Unlock() (bool, error) {
	msg, err := s.roundTrip(MsgUnlock, nil, MsgUnlockResp)
	if err != nil {
		return false, err
	}
	var resp UnlockResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return false, err
	}
	return resp.WasLocked, nil
}

// Status queries the current lock state.
func (s *Session) Status() (*StatusResponse, error) {
	msg, err := s.roundTrip(MsgStatus, nil, MsgStatusResp)
	if err != nil {
		return nil, err
	}
	var resp StatusResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Permission queries whether the daemon holds the input-interception
// privilege.
func (s *Session) Permission() (*PermissionResponse, error) {
	msg, err := s.roundTrip(MsgPermission, nil, MsgPermissionResp)
	if err != nil {
		return nil, err
	}
	var resp PermissionResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping checks daemon liveness.
func (s *Session) Ping() error {
	_, err := s.roundTrip(MsgPing, nil, MsgPong)
	return err
}

func (s *Session) roundTrip(msgType MessageType, payload any, want MessageType) (*Message, error) {
	id := s.nextID.Add(1)

	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, err
		}
	}
	msg := NewMessage(msgType, id, data)

	ch := make(chan *Message, 1)
	s.pendingMu.Lock()
	if s.closed.Load() {
		s.pendingMu.Unlock()
		return nil, ErrServiceUnavailable
	}
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	s.writeMu.Lock()
	err := msg.Write(s.conn)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrServiceUnavailable
		}
		if resp.Header.Type == MsgError {
			var e ErrorResponse
			if err := Decode(resp.Payload, &e); err != nil {
				return nil, fmt.Errorf("malformed error response: %w", err)
			}
			return nil, errorFromCode(e.Code, e.Message)
		}
		if resp.Header.Type != want {
			return nil, fmt.Errorf("unexpected response type %#04x", uint16(resp.Header.Type))
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: request timed out", ErrServiceUnavailable)
	}
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	for {
		msg, err := ReadMessage(s.conn)
		if err != nil {
			s.failPending()
			return
		}

		if msg.Header.Type == MsgEvent {
			if s.onState != nil {
				var ev StateEvent
				if err := Decode(msg.Payload, &ev); err == nil {
					s.onState(ev)
				}
			}
			continue
		}

		s.pendingMu.Lock()
		ch, ok := s.pending[msg.Header.RequestID]
		s.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// failPending wakes every in-flight round trip after the connection
// drops.
func (s *Session) failPending() {
	s.closed.Store(true)
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

// errorFromCode turns a wire error back into the client-side taxonomy.
func errorFromCode(code int, message string) error {
	switch code {
	case CodeAlreadyLocked:
		return lock.ErrAlreadyLocked
	case CodePermissionDenied:
		return lock.ErrPermissionDenied
	case CodeCaptureUnavailable:
		return lock.ErrCaptureUnavailable
	default:
		return fmt.Errorf("service error %d: %s", code, message)
	}
}

// One-shot helpers. Each dials, performs a single request and closes;
// suited to CLI invocations.

// Status queries the daemon's lock state.
func Status(cfg ClientConfig) (*StatusResponse, error) {
	s, err := StartSession(cfg, nil)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Status()
}

// PermissionStatus queries the daemon's privilege state.
func PermissionStatus(cfg ClientConfig) (*PermissionResponse, error) {
	s, err := StartSession(cfg, nil)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Permission()
}

// ForceUnlock releases the lock regardless of which client acquired it.
// Returns whether a lock was held.
func ForceUnlock(cfg ClientConfig) (bool, error) {
	s, err := StartSession(cfg, nil)
	if err != nil {
		return false, err
	}
	defer s.Close()
	return s.Unlock()
}

// Lock acquires the lock through a short-lived connection. The lock is
// daemon state and outlives the connection.
func Lock(cfg ClientConfig, settings lock.Settings) (*LockResponse, error) {
	s, err := StartSession(cfg, nil)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Lock(settings)
}
