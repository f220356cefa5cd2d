package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9, e.g. "ORU^R01"
	ControlID    string    // MSH-10
	Version      string    // MSH-12
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string
	Fields []Field
}

// Field holds a raw field value split into components and repetitions.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// delimiters are the separators declared by MSH-1 and MSH-2.
type delimiters struct {
	field      byte
	component  byte
	repetition byte
	escape     byte
}

var defaultDelimiters = delimiters{field: '|', component: '^', repetition: '~', escape: '\\'}

// Parse parses a raw HL7v2 message. Segments may be separated by \r, \n or
// \r\n, and the separators declared in MSH-2 are honoured.
func Parse(raw []byte) (*Message, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}
	if !strings.HasPrefix(lines[0], "MSH") || len(lines[0]) < 8 {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	d := defaultDelimiters
	d.field = lines[0][3]
	enc := lines[0][4:8]
	d.component, d.repetition, d.escape = enc[0], enc[1], enc[2]

	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line, d)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}
	msg.readHeader()
	return msg, nil
}

func parseSegment(line string, d delimiters) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	sep := string(d.field)
	if strings.HasPrefix(line, "MSH") {
		// MSH-1 is the field separator itself and MSH-2 the encoding
		// characters, neither of which is split further.
		parts := strings.Split(line[4:], sep)
		seg := Segment{Name: "MSH"}
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})
		seg.Fields = append(seg.Fields, Field{Value: parts[0], Components: []string{parts[0]}})
		for _, p := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(p, d))
		}
		return seg, nil
	}

	name, rest, found := strings.Cut(line, sep)
	seg := Segment{Name: name}
	if found {
		for _, p := range strings.Split(rest, sep) {
			seg.Fields = append(seg.Fields, parseField(p, d))
		}
	}
	return seg, nil
}

func parseField(raw string, d delimiters) Field {
	f := Field{Value: unescape(raw, d)}
	for _, rep := range strings.Split(raw, string(d.repetition)) {
		comps := strings.Split(rep, string(d.component))
		for i := range comps {
			comps[i] = unescape(comps[i], d)
		}
		f.Repeats = append(f.Repeats, comps)
	}
	f.Components = f.Repeats[0]
	return f
}

// unescape decodes the standard delimiter escapes (\F\ \S\ \T\ \R\ \E\).
func unescape(s string, d delimiters) string {
	esc := string(d.escape)
	if !strings.Contains(s, esc) {
		return s
	}
	r := strings.NewReplacer(
		esc+"F"+esc, string(d.field),
		esc+"S"+esc, string(d.component),
		esc+"T"+esc, "&",
		esc+"R"+esc, string(d.repetition),
		esc+"E"+esc, esc,
	)
	return r.Replace(s)
}

func (m *Message) readHeader() {
	msh := m.GetSegment("MSH")
	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)
	if t, err := parseHL7Timestamp(msh.GetField(7)); err == nil {
		m.Timestamp = t
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// parseHL7Timestamp parses YYYYMMDD[HHmm[ss]] timestamps, ignoring any
// fractional seconds or zone offset.
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	}
	return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
}

// MessageCode returns MSH-9.1, e.g. "ORU".
func (m *Message) MessageCode() string {
	return m.GetSegment("MSH").GetComponent(9, 1)
}

// TriggerEvent returns MSH-9.2, e.g. "R01".
func (m *Message) TriggerEvent() string {
	return m.GetSegment("MSH").GetComponent(9, 2)
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name in message order.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns a field value by its 1-based HL7 position. For MSH,
// position 1 is the field separator.
func (s *Segment) GetField(index int) string {
	if s == nil || index < 1 || index > len(s.Fields) {
		return ""
	}
	return s.Fields[index-1].Value
}

// GetComponent returns a component by 1-based field and component position.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	if s == nil || fieldIdx < 1 || fieldIdx > len(s.Fields) {
		return ""
	}
	comps := s.Fields[fieldIdx-1].Components
	if compIdx < 1 || compIdx > len(comps) {
		return ""
	}
	return comps[compIdx-1]
}

// PatientID returns PID-3.1.
func (m *Message) PatientID() string {
	return m.GetSegment("PID").GetComponent(3, 1)
}

// DateOfBirth returns PID-7.
func (m *Message) DateOfBirth() string {
	return m.GetSegment("PID").GetField(7)
}

// Gender returns PID-8.
func (m *Message) Gender() string {
	return m.GetSegment("PID").GetField(8)
}
