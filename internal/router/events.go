// Package router classifies raw broker frames into typed domain events.
// Route is a pure function over its inputs: it holds no state and may be
// called concurrently from the direct subscription path and the
// cross-window bridge path without synchronization.
package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Recognized envelope event types. Anything else is ignored so new broker
// events don't break older windows.
const (
	TypeQueueStatusUpdate = "QUEUE_STATUS_UPDATE"
	TypeUserDequeued      = "USER_DEQUEUED"
	TypeMatchEnded        = "MATCH_ENDED"
)

// Envelope is the wire shape shared by the broker topic and the
// cross-window bridge. Older producers use "type" instead of "eventType".
type Envelope struct {
	EventType  string          `json:"eventType,omitempty"`
	LegacyType string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// Kind returns the effective event type of the envelope.
func (e *Envelope) Kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.LegacyType
}

// FlexID decodes an identifier that producers serialize either as a JSON
// number or as a quoted string. The zero value is "absent".
type FlexID struct {
	Value int64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = FlexID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = FlexID{}
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("non-numeric id %q", s)
		}
		*f = FlexID{Value: v, Valid: true}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, err := n.Int64()
	if err != nil {
		// Tolerate float serialization of integral ids.
		fv, ferr := n.Float64()
		if ferr != nil || fv != float64(int64(fv)) {
			return fmt.Errorf("non-integral id %q", n.String())
		}
		v = int64(fv)
	}
	*f = FlexID{Value: v, Valid: true}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FlexID) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(f.Value, 10)), nil
}

// QueueEntry is one user's snapshot in a QUEUE_STATUS_UPDATE position table.
// Counts are authoritative broker values, never adjusted locally.
type QueueEntry struct {
	Ahead       int   `json:"ahead"`
	Behind      int   `json:"behind"`
	Total       int   `json:"total"`
	LastUpdated int64 `json:"lastUpdated"`
}

// DomainEvent is the tagged union produced by Route. Consumers switch on
// the concrete type and never re-inspect raw JSON.
type DomainEvent interface {
	domainEvent()
}

// PositionUpdated reports the current user's position in the queue.
type PositionUpdated struct {
	Ahead       int
	Behind      int
	LastUpdated int64
}

func (PositionUpdated) domainEvent() {}

// Rank is the user's 1-based place in the queue.
func (p PositionUpdated) Rank() int { return p.Ahead + 1 }

// Total is the number of users currently in the queue.
func (p PositionUpdated) Total() int { return p.Ahead + 1 + p.Behind }

// Promoted reports that a user left the queue and may proceed to seat
// selection. It is emitted for every promoted user; filtering "is this me"
// belongs to the stage controller.
type Promoted struct {
	UserID    int64
	MatchID   FlexID
	Timestamp int64
}

func (Promoted) domainEvent() {}

// MatchEnded reports that the match closed while users were still queued.
type MatchEnded struct {
	MatchID FlexID
}

func (MatchEnded) domainEvent() {}
