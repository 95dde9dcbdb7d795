// Package wire holds the protocol-neutral pieces shared by every
// engine frontend: the ordered header list, the request-target
// normaliser, and the connection-level header set the generators
// re-synthesise from structured fields rather than accepting verbatim.
package wire

import "strings"

// Header is one (name, value) pair in a HeaderList.
type Header struct {
	Name  string
	Value string
}

// HeaderList is an ordered list of header fields with case-insensitive
// name lookup, matching the teacher's ordered-append style for request
// state (see core/http/request.go) generalised to preserve order and
// duplicates the way HTTP headers require.
type HeaderList struct {
	fields []Header
}

// NewHeaderList returns an empty list with room for n fields.
func NewHeaderList(n int) *HeaderList {
	return &HeaderList{fields: make([]Header, 0, n)}
}

// Append pushes a field onto the end regardless of duplicates,
// matching push_back semantics for repeatable headers (Set-Cookie, Via).
func (h *HeaderList) Append(name, value string) {
	h.fields = append(h.fields, Header{Name: name, Value: value})
}

// Set overwrites the first occurrence of name or appends if absent.
func (h *HeaderList) Set(name, value string) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			h.fields[i].Value = value
			return
		}
	}
	h.Append(name, value)
}

// Concat appends value to the first occurrence of name, joined by sep,
// or sets it if absent.
func (h *HeaderList) Concat(name, value, sep string) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			h.fields[i].Value = h.fields[i].Value + sep + value
			return
		}
	}
	h.Append(name, value)
}

// Remove deletes every field matching name, returning the number removed.
func (h *HeaderList) Remove(name string) int {
	n := 0
	out := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			n++
			continue
		}
		out = append(out, f)
	}
	h.fields = out
	return n
}

// Contains reports whether any field matches name.
func (h *HeaderList) Contains(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Get returns the first value matching name, or "" if absent.
func (h *HeaderList) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// All returns the fields in insertion order. The caller must not mutate
// the returned slice.
func (h *HeaderList) All() []Header { return h.fields }

// Len returns the number of fields, including duplicates.
func (h *HeaderList) Len() int { return len(h.fields) }

// connectionLevel is the set of semantic headers the generator
// re-synthesises from structured fields; the public mutation API
// refuses to store them directly.
var connectionLevel = map[string]bool{
	"connection":        true,
	"content-length":    true,
	"close":             true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
	"via":               true,
}

// IsConnectionLevel reports whether name is one of the semantic headers
// engine-managed rather than user-settable.
func IsConnectionLevel(name string) bool {
	return connectionLevel[strings.ToLower(name)]
}

// ErrConnectionLevelHeader is returned by SetUser/AppendUser when the
// caller attempts to write a connection-level header directly.
type ErrConnectionLevelHeader struct{ Name string }

func (e *ErrConnectionLevelHeader) Error() string {
	return "wire: " + e.Name + " is a connection-level header, managed by the engine"
}

// SetUser is the guarded entry point for application/handler code: it
// refuses writes to connection-level headers.
func (h *HeaderList) SetUser(name, value string) error {
	if IsConnectionLevel(name) {
		return &ErrConnectionLevelHeader{Name: name}
	}
	h.Set(name, value)
	return nil
}

// AppendUser is Append's guarded counterpart.
func (h *HeaderList) AppendUser(name, value string) error {
	if IsConnectionLevel(name) {
		return &ErrConnectionLevelHeader{Name: name}
	}
	h.Append(name, value)
	return nil
}
