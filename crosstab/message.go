// Package crosstab keeps the caches of several tabs in step by broadcasting
// invalidations and updates over a pluggable transport.
package crosstab

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// MessageType is the kind of a sync message.
type MessageType string

const (
	TypeInvalidate     MessageType = "query-invalidate"
	TypeDataUpdate     MessageType = "data-update"
	TypeConflictNotice MessageType = "conflict-resolution"
)

// Message is the envelope exchanged between tabs. Its JSON form is shared
// with every other implementation on the channel.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Source    string          `json:"source"`
}

// Time returns the message timestamp.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// InvalidatePayload asks receivers to drop every key with the given prefix.
type InvalidatePayload struct {
	Key string `json:"key"`
}

// UpdatePayload carries the new value of a key.
type UpdatePayload struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// ConflictPayload reports how a conflicting update was resolved.
type ConflictPayload struct {
	Key               string   `json:"key"`
	Strategy          Strategy `json:"strategy"`
	IncomingSource    string   `json:"incomingSource"`
	IncomingTimestamp int64    `json:"incomingTimestamp"`
	LocalTimestamp    int64    `json:"localTimestamp"`
}

// NewMessage builds a message stamped with now.
func NewMessage(typ MessageType, payload any, source string, now time.Time) (Message, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrapf(err, "encode %s payload", typ)
	}
	return Message{
		Type:      typ,
		Payload:   buf,
		Timestamp: now.UnixMilli(),
		Source:    source,
	}, nil
}

// Encode returns the wire form of m.
func (m Message) Encode() ([]byte, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode sync message")
	}
	return buf, nil
}

// Decode parses the wire form of a message.
func Decode(buf []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(buf, &m); err != nil {
		return Message{}, errors.Wrap(err, "decode sync message")
	}
	if m.Type == "" {
		return Message{}, errors.New("decode sync message: missing type")
	}
	return m, nil
}

// DecodePayload unmarshals the payload of m into v.
func (m Message) DecodePayload(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", m.Type)
	}
	return nil
}
