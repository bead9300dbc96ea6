package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Errors returned by Route. Callers log these and move on; a bad frame
// must never affect later frames.
var (
	ErrMalformed      = errors.New("malformed message")
	ErrMissingPayload = errors.New("missing payload field")
)

type queueStatusPayload struct {
	QueueStatuses map[string]QueueEntry `json:"queueStatuses"`
}

type dequeuedPayload struct {
	UserID    FlexID          `json:"userId"`
	MatchID   json.RawMessage `json:"matchId"`
	Timestamp int64           `json:"timestamp"`
}

type matchEndedPayload struct {
	MatchID json.RawMessage `json:"matchId"`
}

// lenientID decodes an optional correlation id. Producers send these as
// numbers, numeric strings, or occasionally opaque strings; an id the
// decoder cannot represent is treated as absent, never as a reason to
// drop the frame.
func lenientID(raw json.RawMessage) FlexID {
	var id FlexID
	if len(raw) == 0 {
		return id
	}
	if err := id.UnmarshalJSON(raw); err != nil {
		return FlexID{}
	}
	return id
}

// Route parses a raw frame body and returns the domain event relevant to
// currentUserID, or nil when the frame carries nothing actionable
// (unrecognized type, or a position table without the user's entry).
func Route(raw []byte, currentUserID int64) (DomainEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Kind() {
	case TypeQueueStatusUpdate:
		return routeQueueStatus(&env, currentUserID)
	case TypeUserDequeued:
		return routeDequeued(&env)
	case TypeMatchEnded:
		return routeMatchEnded(&env)
	default:
		// Forward-compatible: unknown kinds are not errors.
		return nil, nil
	}
}

func routeQueueStatus(env *Envelope, currentUserID int64) (DomainEvent, error) {
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingPayload, TypeQueueStatusUpdate)
	}
	var p queueStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.QueueStatuses == nil {
		return nil, fmt.Errorf("%w: queueStatuses", ErrMissingPayload)
	}

	entry, ok := lookupEntry(p.QueueStatuses, currentUserID)
	if !ok {
		// The user is not in this broker's visible window yet. Not an error.
		return nil, nil
	}

	last := entry.LastUpdated
	if last == 0 {
		last = env.Timestamp
	}
	return PositionUpdated{Ahead: entry.Ahead, Behind: entry.Behind, LastUpdated: last}, nil
}

// lookupEntry finds the user's entry in the position table. Producers key the
// table by user id serialized either canonically ("42") or in some other
// numeric spelling, so an exact string match is tried first and a numeric
// comparison over all keys second.
func lookupEntry(statuses map[string]QueueEntry, userID int64) (QueueEntry, bool) {
	if entry, ok := statuses[strconv.FormatInt(userID, 10)]; ok {
		return entry, true
	}
	for key, entry := range statuses {
		f, err := strconv.ParseFloat(strings.TrimSpace(key), 64)
		if err != nil {
			continue
		}
		if f == float64(userID) {
			return entry, true
		}
	}
	return QueueEntry{}, false
}

func routeDequeued(env *Envelope) (DomainEvent, error) {
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingPayload, TypeUserDequeued)
	}
	var p dequeuedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !p.UserID.Valid {
		return nil, fmt.Errorf("%w: userId", ErrMissingPayload)
	}

	ts := p.Timestamp
	if ts == 0 {
		ts = env.Timestamp
	}
	return Promoted{UserID: p.UserID.Value, MatchID: lenientID(p.MatchID), Timestamp: ts}, nil
}

func routeMatchEnded(env *Envelope) (DomainEvent, error) {
	var p matchEndedPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return MatchEnded{MatchID: lenientID(p.MatchID)}, nil
}
