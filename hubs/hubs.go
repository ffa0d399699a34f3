// Package hubs provides the message types of the SignalR JSON hub protocol.
// Every message is a JSON object terminated by the ASCII record separator.
// The reference for the format is
// https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md
package hubs

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// RecordSeparator terminates every message on the wire.
const RecordSeparator byte = 0x1e

// MessageType identifies a hub protocol message.
type MessageType int

// Message types defined by the hub protocol.
const (
	InvocationType       MessageType = 1
	StreamItemType       MessageType = 2
	CompletionType       MessageType = 3
	StreamInvocationType MessageType = 4
	CancelInvocationType MessageType = 5
	PingType             MessageType = 6
	CloseType            MessageType = 7
)

// HandshakeRequest is the first message sent by the client after the
// transport is connected.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// JSONHandshake selects version 1 of the JSON hub protocol.
var JSONHandshake = HandshakeRequest{Protocol: "json", Version: 1}

// HandshakeResponse is the first message sent by the server. An empty object
// means the handshake succeeded.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// ClientMsg represents a message sent to the hub from the client.
type ClientMsg struct {
	Type MessageType

	// invocation identifier – allows to match up responses with requests.
	// Empty for invocations that don't expect a completion.
	InvocationID string

	// the name of the hub method
	Target string

	// arguments (an array, can be empty if the method does not have any
	// parameters)
	Arguments []interface{}

	// error sent along with a close message (optional)
	Error string
}

// MarshalJSON converts the current message into a JSON-formatted byte array.
// Only the fields that belong to the message type are written, so pings and
// closes stay minimal and invocations always carry an arguments array.
func (cm ClientMsg) MarshalJSON() ([]byte, error) {
	switch cm.Type {
	case InvocationType:
		args := cm.Arguments
		if args == nil {
			args = []interface{}{}
		}
		return json.Marshal(&struct {
			Type         MessageType   `json:"type"`
			InvocationID string        `json:"invocationId,omitempty"`
			Target       string        `json:"target"`
			Arguments    []interface{} `json:"arguments"`
		}{
			Type:         cm.Type,
			InvocationID: cm.InvocationID,
			Target:       cm.Target,
			Arguments:    args,
		})
	case PingType:
		return json.Marshal(&struct {
			Type MessageType `json:"type"`
		}{Type: cm.Type})
	case CloseType:
		return json.Marshal(&struct {
			Type  MessageType `json:"type"`
			Error string      `json:"error,omitempty"`
		}{Type: cm.Type, Error: cm.Error})
	case CancelInvocationType:
		return json.Marshal(&struct {
			Type         MessageType `json:"type"`
			InvocationID string      `json:"invocationId"`
		}{Type: cm.Type, InvocationID: cm.InvocationID})
	default:
		return nil, errors.Errorf("unsupported client message type: %d", cm.Type)
	}
}

// ServerMsg represents a message sent to the client from the hub. Payload
// fields stay raw so the caller decides how to interpret them.
type ServerMsg struct {
	Type MessageType `json:"type"`

	// invocation id (present on completions and stream items)
	InvocationID string `json:"invocationId,omitempty"`

	// the client method the server is calling
	Target string `json:"target,omitempty"`

	// arguments of a server-to-client invocation
	Arguments []json.RawMessage `json:"arguments,omitempty"`

	// the value returned by the server method (absent if the method is
	// void)
	Result json.RawMessage `json:"result,omitempty"`

	// error message of a failed invocation or of a close
	Error string `json:"error,omitempty"`

	// a single stream item
	Item json.RawMessage `json:"item,omitempty"`

	// set on close messages when the client may reconnect
	AllowReconnect bool `json:"allowReconnect,omitempty"`
}

// HasResult reports whether a completion carried a result, including an
// explicit JSON null.
func (sm ServerMsg) HasResult() bool {
	return len(sm.Result) > 0
}

// Frame encodes v as JSON and appends the record separator.
func Frame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "json marshal failed")
	}

	return append(data, RecordSeparator), nil
}

// Split cuts buf into complete records. The bytes after the last separator
// are returned as the remainder so a caller can prepend them to the next
// read.
func Split(buf []byte) (records [][]byte, rest []byte) {
	for {
		i := bytes.IndexByte(buf, RecordSeparator)
		if i < 0 {
			break
		}
		if i > 0 {
			records = append(records, buf[:i])
		}
		buf = buf[i+1:]
	}

	if len(buf) > 0 {
		rest = buf
	}

	return records, rest
}

// Parse decodes a single record into a ServerMsg.
func Parse(record []byte) (ServerMsg, error) {
	var msg ServerMsg
	if err := json.Unmarshal(record, &msg); err != nil {
		return msg, errors.Wrap(err, "json unmarshal failed")
	}

	if msg.Type == 0 {
		return msg, errors.Errorf("message has no type: %s", string(record))
	}

	return msg, nil
}

// ParseHandshake decodes the handshake response record and converts a
// server-reported failure into an error.
func ParseHandshake(record []byte) error {
	var resp HandshakeResponse
	if err := json.Unmarshal(record, &resp); err != nil {
		return errors.Wrap(err, "handshake unmarshal failed")
	}

	if resp.Error != "" {
		return errors.Errorf("server rejected the handshake: %s", resp.Error)
	}

	return nil
}
