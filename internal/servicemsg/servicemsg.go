// Package servicemsg renders and parses the structured protocol lines the
// coordinating server consumes.
//
// A line is shaped
//
//	##MARKER[<type> name='value' name2='value2' ...]
//
// Attribute order is significant and preserved. Values are escaped with a
// fixed rule set; escaping and unescaping are exact inverses, so any text
// survives a round trip through the wire format.
package servicemsg

import (
	"fmt"
	"strings"
)

const marker = "##MARKER"

// Message types and attribute names understood by the server.
const (
	TypeMessage      = "message"
	TypeBuildProblem = "buildProblem"

	AttrText        = "text"
	AttrStatus      = "status"
	AttrDescription = "description"
	AttrIdentity    = "identity"

	StatusWarning = "WARNING"
)

type Attr struct {
	Name  string
	Value string
}

// Message is one protocol line: a type plus ordered attributes.
type Message struct {
	Type  string
	Attrs []Attr
}

func New(typ string, attrs ...Attr) Message {
	return Message{Type: typ, Attrs: attrs}
}

// Output wraps console output for the server's build log.
func Output(text string) Message {
	return New(TypeMessage, Attr{AttrText, text})
}

// Warning wraps console output flagged at warning level. The status
// attribute is present only on this variant.
func Warning(text string) Message {
	return New(TypeMessage, Attr{AttrText, text}, Attr{AttrStatus, StatusWarning})
}

// BuildProblem reports a terminal failure. The identity attribute is
// included only when non-empty; the server uses it to deduplicate
// repeated reports of the same problem.
func BuildProblem(description, identity string) Message {
	m := New(TypeBuildProblem, Attr{AttrDescription, description})
	if identity != "" {
		m.Attrs = append(m.Attrs, Attr{AttrIdentity, identity})
	}
	return m
}

// Attr returns the first attribute with the given name.
func (m Message) Attr(name string) (string, bool) {
	for _, a := range m.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// String renders the message as a single protocol line.
func (m Message) String() string {
	var b strings.Builder
	b.WriteString(marker)
	b.WriteByte('[')
	b.WriteString(m.Type)
	for _, a := range m.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString("='")
		b.WriteString(Escape(a.Value))
		b.WriteByte('\'')
	}
	b.WriteByte(']')
	return b.String()
}

// Escape applies the value escaping rules. The pipe rule must run first:
// running it later would double-escape the pipes the other rules emit.
func Escape(s string) string {
	s = strings.ReplaceAll(s, "|", "||")
	s = strings.ReplaceAll(s, "'", "|'")
	s = strings.ReplaceAll(s, "[", "|[")
	s = strings.ReplaceAll(s, "]", "|]")
	s = strings.ReplaceAll(s, "\n", "|\n")
	return s
}

// Unescape inverts Escape. A pipe followed by anything outside the escape
// set is kept verbatim.
func Unescape(s string) string {
	if !strings.Contains(s, "|") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '|' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		switch next := s[i+1]; next {
		case '|', '\'', '[', ']', '\n':
			b.WriteByte(next)
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Parse decodes one rendered protocol line. It accepts exactly the shape
// String produces and preserves attribute order.
func Parse(line string) (Message, error) {
	const open = marker + "["
	if !strings.HasPrefix(line, open) || !strings.HasSuffix(line, "]") {
		return Message{}, fmt.Errorf("service message: not a marker line: %q", clip(line))
	}
	body := line[len(open) : len(line)-1]

	i := 0
	for i < len(body) && body[i] != ' ' {
		i++
	}
	typ := body[:i]
	if typ == "" {
		return Message{}, fmt.Errorf("service message: empty type: %q", clip(line))
	}

	m := Message{Type: typ}
	for i < len(body) {
		for i < len(body) && body[i] == ' ' {
			i++
		}
		if i == len(body) {
			break
		}
		eq := strings.Index(body[i:], "='")
		if eq < 0 {
			return Message{}, fmt.Errorf("service message: malformed attribute at %q", clip(body[i:]))
		}
		name := body[i : i+eq]
		if name == "" || strings.ContainsAny(name, " '|[]") {
			return Message{}, fmt.Errorf("service message: bad attribute name %q", clip(name))
		}
		i += eq + 2

		var val strings.Builder
		for {
			if i >= len(body) {
				return Message{}, fmt.Errorf("service message: unterminated value for %q", name)
			}
			c := body[i]
			if c == '|' {
				if i+1 >= len(body) {
					return Message{}, fmt.Errorf("service message: dangling escape in value for %q", name)
				}
				next := body[i+1]
				switch next {
				case '|', '\'', '[', ']', '\n':
					val.WriteByte(next)
				default:
					return Message{}, fmt.Errorf("service message: bad escape %q in value for %q", string([]byte{c, next}), name)
				}
				i += 2
				continue
			}
			if c == '\'' {
				i++
				break
			}
			val.WriteByte(c)
			i++
		}
		m.Attrs = append(m.Attrs, Attr{Name: name, Value: val.String()})
	}
	return m, nil
}

func clip(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
