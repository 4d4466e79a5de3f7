// Package proto implements the line-oriented control protocol carried on a
// couloir connection before any HTTP bytes. A message is one CRLF-terminated
// line of the form "TAG JSON_PAYLOAD ID". Requests are answered by exactly
// one ACK line carrying the same ID; STREAM is one-way and marks the switch
// to raw proxying.
package proto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const (
	TagOpen   = "OPEN_COULOIR"
	TagJoin   = "JOIN_COULOIR"
	TagStream = "STREAM"
	TagAck    = "ACK"
)

// MaxLine bounds a single control line. Payloads are tiny; anything larger
// is a broken or hostile peer.
const MaxLine = 4 * 1024

// Open asks the relay to create a couloir. Host is optional; the relay
// synthesizes a default name when it is absent or outside the relay domain.
type Open struct {
	Host     string `json:"host,omitempty"`
	Password string `json:"password,omitempty"`
}

// OpenAck answers Open with the registered host and its key, or an error.
type OpenAck struct {
	Host  string `json:"host,omitempty"`
	Key   string `json:"key,omitempty"`
	Error string `json:"error,omitempty"`
}

// Join adds the sending socket to a couloir's exposer pool.
type Join struct {
	Key string `json:"key"`
}

// Ack is the generic response payload ({} on success).
type Ack struct {
	Error string `json:"error,omitempty"`
}

// Stream is the payload of a STREAM line (always empty today, reserved).
type Stream struct{}

// Message is one parsed control line.
type Message struct {
	Tag     string
	Payload json.RawMessage
	ID      string
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// RequestTag reports whether tag is a request tag: OPEN_COULOIR and
// JOIN_COULOIR, which an exposer sends first on a connection, and STREAM,
// which only the relay sends. ACK is response-only and deliberately outside
// this set, as is every HTTP method.
func RequestTag(tag string) bool {
	switch tag {
	case TagOpen, TagJoin, TagStream:
		return true
	}
	return false
}

// Write emits one control line to w.
func Write(w io.Writer, tag string, payload any, id string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", tag, err)
	}
	_, err = fmt.Fprintf(w, "%s %s %s\r\n", tag, b, id)
	return err
}

// ParseLine parses one control line without its trailing CRLF. The payload
// may contain spaces, so the tag ends at the first space and the ID starts
// after the last one.
func ParseLine(line []byte) (Message, error) {
	var m Message
	first := bytes.IndexByte(line, ' ')
	last := bytes.LastIndexByte(line, ' ')
	if first == -1 || last == first {
		return m, fmt.Errorf("malformed control line %q", line)
	}
	tag := string(line[:first])
	if tag != TagAck && !RequestTag(tag) {
		return m, fmt.Errorf("unknown control tag %q", tag)
	}
	payload := bytes.TrimSpace(line[first+1 : last])
	if !json.Valid(payload) {
		return m, fmt.Errorf("invalid %s payload", tag)
	}
	m.Tag = tag
	m.Payload = append(json.RawMessage{}, payload...)
	m.ID = string(bytes.TrimSpace(line[last+1:]))
	if m.ID == "" {
		return m, fmt.Errorf("missing %s message id", tag)
	}
	return m, nil
}

// ReadMessage reads the next CRLF-terminated control line from rd.
func ReadMessage(rd *bufio.Reader) (Message, error) {
	line, err := rd.ReadBytes('\n')
	if err != nil {
		return Message{}, err
	}
	if len(line) > MaxLine {
		return Message{}, fmt.Errorf("control line too long (%d bytes)", len(line))
	}
	line = bytes.TrimRight(line, "\r\n")
	return ParseLine(line)
}
