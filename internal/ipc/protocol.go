// Package ipc provides inter-process communication between the
// inputlockd daemon and its clients (CLI, settings UI, third-party
// tools).
//
// The protocol is a length-prefixed binary framing with JSON payloads:
// request/response for lock operations, plus an event stream for lock
// state changes. Connections are gated by the caller authorizer at
// accept time; an unauthorized peer is closed before any frame is read.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Protocol constants.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x494C434B // "ILCK"
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Lock operations (0x01xx)
	MsgLock           MessageType = 0x0100
	MsgLockResp       MessageType = 0x0101
	MsgUnlock         MessageType = 0x0102
	MsgUnlockResp     MessageType = 0x0103
	MsgStatus         MessageType = 0x0104
	MsgStatusResp     MessageType = 0x0105
	MsgPermission     MessageType = 0x0106
	MsgPermissionResp MessageType = 0x0107

	// Event streaming (0x02xx)
	MsgSubscribe       MessageType = 0x0200
	MsgSubscribeResp   MessageType = 0x0201
	MsgUnsubscribe     MessageType = 0x0202
	MsgUnsubscribeResp MessageType = 0x0203
	MsgEvent           MessageType = 0x0204
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32 // payload length, header excluded
}

// HeaderSize is the encoded header size in bytes.
const HeaderSize = 16

// MaxPayload bounds a frame's payload. Lock payloads are tiny; anything
// bigger is a protocol violation.
const MaxPayload = 1 << 20

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message of the given type.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write encodes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader decodes a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write encodes the message to w.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage decodes a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Error codes carried in ErrorResponse. These are the stable wire form
// of the service error taxonomy; raw platform errors never cross the
// boundary.
const (
	CodeUnknown            = 1
	CodeInvalidRequest     = 2
	CodeAlreadyLocked      = 3
	CodePermissionDenied   = 4
	CodeCaptureUnavailable = 5
	CodeInternal           = 6
)

// HandshakeRequest opens a connection.
type HandshakeRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse acknowledges a connection.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	SessionID       string `json:"session_id"`
}

// ErrorResponse reports a failed operation.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// LockRequest carries the settings snapshot for one lock acquisition.
type LockRequest struct {
	Settings json.RawMessage `json:"settings"`
}

// LockResponse acknowledges a successful lock.
type LockResponse struct {
	LockedAt            time.Time `json:"locked_at"`
	AutoReleaseDeadline time.Time `json:"auto_release_deadline,omitzero"`
}

// UnlockResponse acknowledges an unlock. Unlock is idempotent and never
// fails for an already-unlocked service.
type UnlockResponse struct {
	WasLocked bool `json:"was_locked"`
}

// StatusResponse reports the current lock state.
type StatusResponse struct {
	Locked              bool      `json:"locked"`
	LockedAt            time.Time `json:"locked_at,omitzero"`
	AutoReleaseDeadline time.Time `json:"auto_release_deadline,omitzero"`
	ReleaseHotkey       string    `json:"release_hotkey,omitempty"`
}

// PermissionResponse reports whether the daemon holds the elevated
// input-interception privilege.
type PermissionResponse struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

// SubscribeResponse acknowledges an event subscription.
type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
}

// StateEvent is streamed to subscribers after every lock state
// transition, strictly after the transition committed.
type StateEvent struct {
	Locked    bool      `json:"locked"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode marshals a payload.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage builds an error response frame.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse builds a response frame with an encoded payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
