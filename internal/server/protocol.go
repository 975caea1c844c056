// Package server defines the websocket event envelopes exchanged with
// browsers and the helpers that encode them.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event names on the wire.
const (
	EventSendMessage = "send_message"
	EventMessage     = "message"
	EventSystem      = "system"
)

// TimeLabelLayout is the HH:MM:SS label attached to outbound events.
const TimeLabelLayout = "15:04:05"

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessage is the client -> server chat payload.
type SendMessage struct {
	Text *string `json:"text" validate:"required"`
}

// ChatMessage is the server -> client "message" payload, used for history
// replay and live broadcast alike.
type ChatMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
	Time string `json:"time"`
}

// SystemNotice is the server -> client "system" payload.
type SystemNotice struct {
	Msg  string `json:"msg"`
	Time string `json:"time"`
}

// inbound is the closed set of events a client may send.
type inbound interface {
	inbound()
}

type sendMessageEvent struct {
	text string
}

func (sendMessageEvent) inbound() {}

var errUnknownEvent = errors.New("unknown event")

// decodeInbound parses one client frame into a typed event.
func decodeInbound(frame []byte) (inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	switch env.Event {
	case EventSendMessage:
		var payload SendMessage
		if len(env.Data) == 0 {
			return nil, errors.New("send_message: missing data")
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		if err := validate.Struct(payload); err != nil {
			return nil, fmt.Errorf("send_message: %w", err)
		}
		return sendMessageEvent{text: *payload.Text}, nil
	default:
		return nil, errUnknownEvent
	}
}

// encodeEvent builds an outbound frame. HTML escaping is disabled so text
// reaches clients exactly as stored.
func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := marshalNoEscape(data)
	if err != nil {
		return nil, err
	}
	return marshalNoEscape(Envelope{Event: event, Data: raw})
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func timeLabel(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(TimeLabelLayout)
}

func joinedNotice(identity string) string {
	return identity + " joined"
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
