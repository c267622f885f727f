package gateway

import (
	"encoding/base64"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
)

// Frame types.
const (
	FrameAccept = "accept"
	FrameReject = "reject"
	FrameState  = "state"
	FrameUpdate = "update"
	FrameAck    = "ack"
	FrameResync = "resync"
	FrameRole   = "role"
	FramePong   = "pong"
	FrameSync   = "sync"
	FramePing   = "ping"
)

// Reason codes carried by reject and resync frames.
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeNotAMember       = "NOT_A_MEMBER"
	CodeDocumentNotFound = "DOCUMENT_NOT_FOUND"
	CodeReadOnly         = "READ_ONLY"
	CodeResyncRequired   = "RESYNC_REQUIRED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInvalidFrame     = "INVALID_FRAME"
	CodeInternal         = "INTERNAL"
)

// StateVectorParameter optionally carries the client's base64url state vector
// on the handshake.
const StateVectorParameter = "state_vector"

// Frame is a JSON text message on the collaboration socket. Binary fields are
// standard base64 on the wire.
type Frame struct {
	Type         string `json:"type"`
	ID           int64  `json:"id,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
	StateVector  []byte `json:"state_vector,omitempty"`
	Full         bool   `json:"full,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	Role         string `json:"role,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	ReadOnly     bool   `json:"read_only,omitempty"`
}

func rejectFrame(id int64, code, message string) Frame {
	return Frame{Type: FrameReject, ID: id, Code: code, Message: message}
}

func eventFrame(event session.Event) Frame {
	switch event.Kind {
	case session.EventUpdate:
		return Frame{Type: FrameUpdate, Payload: event.Payload}
	default:
		return Frame{Type: FrameState, Payload: event.Payload, Full: event.Full}
	}
}

// decodeStateVector accepts padded or unpadded base64url.
func decodeStateVector(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}
