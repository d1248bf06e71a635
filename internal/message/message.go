// Package message implements light-weight manipulation of the header
// section of an email message, over the raw bytes.
//
// The body is never inspected or modified; untouched headers round-trip
// byte for byte, folding included. This is all a relay needs: it decorates
// a few headers and passes everything else through exactly as it came in.
package message

import (
	"bytes"
	"strings"
)

// field is one header field. The value is the raw text after the colon,
// with any folded continuation lines embedded as "\n" plus their leading
// whitespace, and no trailing newline.
type field struct {
	name  string
	value string
}

// A Message is a parsed message: an ordered header section plus an opaque
// body.
type Message struct {
	fields []*field
	body   []byte
}

// Parse a message. Lines are expected to be LF-terminated, which is what
// the SMTP data reader hands us. A line that is neither a header nor a
// continuation ends the header section.
func Parse(data []byte) *Message {
	m := &Message{}

	rest := data
	for len(rest) > 0 {
		line, tail, _ := bytes.Cut(rest, []byte("\n"))

		if len(line) == 0 {
			// Blank line: the body is everything after it.
			rest = tail
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous field.
			if n := len(m.fields); n > 0 {
				m.fields[n-1].value += "\n" + string(line)
				rest = tail
				continue
			}
		}

		name, value, found := strings.Cut(string(line), ":")
		if !found {
			// Not a header; treat it as the start of the body.
			break
		}

		m.fields = append(m.fields, &field{name: name, value: value})
		rest = tail
	}

	m.body = rest
	return m
}

// Get returns the value of the first header with the given name, unfolded
// leading whitespace removed from its first line, and true if it was
// present. Folded continuation lines stay embedded in the value.
func (m *Message) Get(name string) (string, bool) {
	for _, f := range m.fields {
		if strings.EqualFold(f.name, name) {
			return strings.TrimLeft(f.value, " \t"), true
		}
	}
	return "", false
}

// Has checks if a header with the given name is present.
func (m *Message) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Del removes all headers with the given name.
func (m *Message) Del(name string) {
	fields := m.fields[:0]
	for _, f := range m.fields {
		if !strings.EqualFold(f.name, name) {
			fields = append(fields, f)
		}
	}
	m.fields = fields
}

// Add appends a header at the end of the header section. Multi-line values
// must come with their own continuation whitespace.
func (m *Message) Add(name, value string) {
	m.fields = append(m.fields, &field{name: name, value: " " + value})
}

// Set replaces all headers with the given name by a single one at the end
// of the header section.
func (m *Message) Set(name, value string) {
	m.Del(name)
	m.Add(name, value)
}

// Prepend adds a header at the very top of the message, the way trace
// headers like Received are stacked.
func (m *Message) Prepend(name, value string) {
	f := &field{name: name, value: " " + value}
	m.fields = append([]*field{f}, m.fields...)
}

// Bytes re-assembles the message.
func (m *Message) Bytes() []byte {
	buf := &bytes.Buffer{}
	for _, f := range m.fields {
		buf.WriteString(f.name)
		buf.WriteString(":")
		buf.WriteString(f.value)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	buf.Write(m.body)
	return buf.Bytes()
}
