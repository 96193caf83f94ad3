package ipc

import (
	"errors"

	"inputlockd/internal/lock"
	"inputlockd/internal/logging"
)

// SettingsSource provides the persisted lock settings used when a lock
// request carries none of its own.
type SettingsSource interface {
	Get() (lock.Settings, error)
}

// LockHandler binds the IPC server to the lock state machine. One
// instance serves all connections; the machine serializes transitions
// itself.
type LockHandler struct {
	machine  *lock.Machine
	settings SettingsSource
	log      *logging.Logger
}

// NewLockHandler creates the handler. settings may be nil, in which
// case requests without explicit settings use the built-in defaults.
func NewLockHandler(machine *lock.Machine, settings SettingsSource, log *logging.Logger) *LockHandler {
	return &LockHandler{
		machine:  machine,
		settings: settings,
		log:      log.WithComponent("ipc-handler"),
	}
}

// HandleMessage dispatches one lock operation request.
func (h *LockHandler) HandleMessage(clientID string, msg *Message) (*Message, error) {
	reqID := msg.Header.RequestID

	switch msg.Header.Type {
	case MsgLock:
		return h.handleLock(clientID, reqID, msg.Payload)
	case MsgUnlock:
		return h.handleUnlock(clientID, reqID)
	case MsgStatus:
		return h.handleStatus(reqID)
	case MsgPermission:
		return h.handlePermission(reqID)
	default:
		return NewErrorMessage(reqID, CodeInvalidRequest, "unknown message type"), nil
	}
}

func (h *LockHandler) handleLock(clientID string, reqID uint32, payload []byte) (*Message, error) {
	var req LockRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(reqID, CodeInvalidRequest, "malformed lock request"), nil
		}
	}

	settings := lock.DefaultSettings()
	if len(req.Settings) > 0 {
		if err := Decode(req.Settings, &settings); err != nil {
			return NewErrorMessage(reqID, CodeInvalidRequest, "malformed lock settings"), nil
		}
	} else if h.settings != nil {
		stored, err := h.settings.Get()
		if err != nil {
			h.log.Warn("stored settings unreadable, using defaults", "error", err)
		} else {
			settings = stored
		}
	}

	if err := h.machine.Lock(settings); err != nil {
		code, msg := lockErrorCode(err)
		// Losing the acquisition race is routine, not an incident.
		if code != CodeAlreadyLocked {
			h.log.Warn("lock request failed", "client", clientID, "error", err)
		}
		return NewErrorMessage(reqID, code, msg), nil
	}

	st := h.machine.Status()
	h.log.Info("lock acquired", "client", clientID)
	return NewResponse(MsgLockResp, reqID, &LockResponse{
		LockedAt:            st.LockedAt,
		AutoReleaseDeadline: st.AutoReleaseDeadline,
	})
}

func (h *LockHandler) handleUnlock(clientID string, reqID uint32) (*Message, error) {
	// The machine reports the transition itself; a status check taken
	// beforehand could disagree with what this unlock actually did.
	wasLocked := h.machine.Unlock()
	if wasLocked {
		h.log.Info("unlock requested", "client", clientID)
	}
	return NewResponse(MsgUnlockResp, reqID, &UnlockResponse{WasLocked: wasLocked})
}

func (h *LockHandler) handleStatus(reqID uint32) (*Message, error) {
	st := h.machine.Status()
	resp := &StatusResponse{
		Locked:              st.Locked,
		LockedAt:            st.LockedAt,
		AutoReleaseDeadline: st.AutoReleaseDeadline,
	}
	if st.Locked {
		resp.ReleaseHotkey = st.Settings.ReleaseHotkey.String()
	}
	return NewResponse(MsgStatusResp, reqID, resp)
}

func (h *LockHandler) handlePermission(reqID uint32) (*Message, error) {
	granted, reason := h.machine.PermissionStatus()
	resp := &PermissionResponse{Granted: granted}
	if !granted {
		resp.Reason = reason
	}
	return NewResponse(MsgPermissionResp, reqID, resp)
}

// lockErrorCode maps machine errors to wire codes. Unlisted errors
// (e.g. hotkey validation) are invalid requests.
func lockErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, lock.ErrAlreadyLocked):
		return CodeAlreadyLocked, "input lock is already held"
	case errors.Is(err, lock.ErrPermissionDenied):
		return CodePermissionDenied, "input monitoring permission not granted"
	case errors.Is(err, lock.ErrCaptureUnavailable):
		return CodeCaptureUnavailable, "input capture unavailable"
	default:
		return CodeInvalidRequest, err.Error()
	}
}
