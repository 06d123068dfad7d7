package broker

import (
	"encoding/json"
	"fmt"

	"trade_sync/internal/domain"
)

// FrameKind classifies one raw websocket frame from the broker.
type FrameKind int

const (
	FrameOpen FrameKind = iota
	FrameHeartbeat
	FrameClose
	FrameData
)

// ParseFrame decodes one raw frame. The broker multiplexes three shapes over
// the same socket:
//   - a bare control character: "o" (open), "h" (heartbeat), "c" (close)
//   - an array-wrapped batch of JSON strings: a["{...}","{...}"]
//   - a direct JSON object or array; the empty array "[]" is the heartbeat
//
// For FrameData the individual payload documents are returned.
func ParseFrame(raw []byte) ([]json.RawMessage, FrameKind, error) {
	if len(raw) == 0 {
		return nil, FrameClose, &domain.ProtocolError{Frame: "", Err: fmt.Errorf("empty frame")}
	}

	if len(raw) == 1 {
		switch raw[0] {
		case 'o':
			return nil, FrameOpen, nil
		case 'h':
			return nil, FrameHeartbeat, nil
		case 'c':
			return nil, FrameClose, nil
		default:
			return nil, FrameClose, &domain.ProtocolError{Frame: string(raw), Err: fmt.Errorf("unknown control frame %q", raw[0])}
		}
	}

	switch raw[0] {
	case 'a':
		// Array-wrapped payload strings
		var wrapped []string
		if err := json.Unmarshal(raw[1:], &wrapped); err != nil {
			return nil, FrameData, &domain.ProtocolError{Frame: truncateFrame(raw), Err: fmt.Errorf("bad array frame: %w", err)}
		}
		payloads := make([]json.RawMessage, 0, len(wrapped))
		for _, s := range wrapped {
			if !json.Valid([]byte(s)) {
				return nil, FrameData, &domain.ProtocolError{Frame: truncateFrame(raw), Err: fmt.Errorf("array frame element is not JSON")}
			}
			payloads = append(payloads, json.RawMessage(s))
		}
		return payloads, FrameData, nil

	case 'c':
		// Close frame with reason: c[code,"reason"]
		return nil, FrameClose, nil

	case '[', '{':
		if string(raw) == "[]" {
			return nil, FrameHeartbeat, nil
		}
		if !json.Valid(raw) {
			return nil, FrameData, &domain.ProtocolError{Frame: truncateFrame(raw), Err: fmt.Errorf("invalid JSON frame")}
		}
		return []json.RawMessage{json.RawMessage(raw)}, FrameData, nil

	default:
		return nil, FrameData, &domain.ProtocolError{Frame: truncateFrame(raw), Err: fmt.Errorf("unrecognized frame shape")}
	}
}

func truncateFrame(raw []byte) string {
	const max = 128
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

// serverMessage is the common shell of broker payloads: command responses
// carry i/s, pushed events carry e/d.
type serverMessage struct {
	ID     *int            `json:"i,omitempty"` // request id echo
	Status int             `json:"s,omitempty"` // HTTP-ish status for responses
	Event  string          `json:"e,omitempty"` // "props" for entity events
	Data   json.RawMessage `json:"d,omitempty"`
}

// eventEnvelope is the entity event body: {entityType, eventType, entity}.
type eventEnvelope struct {
	EntityType string          `json:"entityType"`
	EventType  string          `json:"eventType"`
	Entity     json.RawMessage `json:"entity"`
}

// syncResponse is the reply body to a user/syncrequest subscribe: complete
// entity lists used to warm the cache before incremental events arrive.
type syncResponse struct {
	Users           []json.RawMessage `json:"users"`
	Positions       []json.RawMessage `json:"positions"`
	Orders          []json.RawMessage `json:"orders"`
	Fills           []json.RawMessage `json:"fills"`
	CashBalances    []json.RawMessage `json:"cashBalances"`
	MarginSnapshots []json.RawMessage `json:"marginSnapshots"`
}

// isSyncResponse reports whether the body looks like a syncrequest reply.
func (s *syncResponse) hasEntities() bool {
	return len(s.Users) > 0 || len(s.Positions) > 0 || len(s.Orders) > 0 ||
		len(s.Fills) > 0 || len(s.CashBalances) > 0 || len(s.MarginSnapshots) > 0
}
