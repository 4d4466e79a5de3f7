package proto

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestWriteThenRead(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, TagOpen, Open{Host: "x.my.test", Password: "s"}, "7"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\r\n") {
		t.Fatalf("line not CRLF terminated: %q", buf.String())
	}
	m, err := ReadMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Tag != TagOpen || m.ID != "7" {
		t.Errorf("got tag=%s id=%s", m.Tag, m.ID)
	}
	var o Open
	if err := m.Decode(&o); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.Host != "x.my.test" || o.Password != "s" {
		t.Errorf("payload mismatch: %+v", o)
	}
}

func TestParseLineRejectsGarbage(t *testing.T) {
	cases := []string{
		"GARBAGE",
		"GARBAGE {} 1",
		"OPEN_COULOIR {}",
		"OPEN_COULOIR notjson 1",
		"ACKNOWLEDGE {} 1",
		"",
	}
	for _, c := range cases {
		if _, err := ParseLine([]byte(c)); err == nil {
			t.Errorf("ParseLine(%q) accepted", c)
		}
	}
}

func TestParseLineAck(t *testing.T) {
	m, err := ParseLine([]byte(`ACK {"error":"nope"} 12`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var a Ack
	if err := m.Decode(&a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.Error != "nope" {
		t.Errorf("error field: %q", a.Error)
	}
}

func TestParseLinePayloadWithSpaces(t *testing.T) {
	m, err := ParseLine([]byte(`ACK {"error":"Couloir host x.my.test is already opened"} 3`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.ID != "3" {
		t.Errorf("id = %q", m.ID)
	}
	var a Ack
	if err := m.Decode(&a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.Error != "Couloir host x.my.test is already opened" {
		t.Errorf("error field: %q", a.Error)
	}
}

func TestRequestTagExcludesAckAndHTTP(t *testing.T) {
	for _, tag := range []string{TagAck, "GET", "POST", "HEAD", "PUT", "DELETE", "OPTIONS"} {
		if RequestTag(tag) {
			t.Errorf("RequestTag(%q) = true", tag)
		}
	}
	for _, tag := range []string{TagOpen, TagJoin, TagStream} {
		if !RequestTag(tag) {
			t.Errorf("RequestTag(%q) = false", tag)
		}
	}
}
