// Package fastcgi implements the FastCGI record protocol (§4.6, §6):
// an 8-byte record header framing multiplexed per-request streams over
// one fd, and the CGI-style synthesis of an HTTP request from
// accumulated Params records.
package fastcgi

import (
	"encoding/binary"
	"errors"
	"strings"
)

// Record types, matching the FastCGI spec's numbering.
const (
	TypeBeginRequest    = 1
	TypeAbortRequest    = 2
	TypeEndRequest      = 3
	TypeParams          = 4
	TypeStdIn           = 5
	TypeStdOut          = 6
	TypeStdErr          = 7
	TypeData            = 8
	TypeGetValues       = 9
	TypeGetValuesResult = 10
	TypeUnknownType     = 11
)

// Roles carried in BeginRequest.
const (
	RoleResponder = 1
	RoleAuthorizer = 2
	RoleFilter     = 3
)

// Protocol statuses for EndRequest.
const (
	RequestComplete = 0
	CantMpxConn     = 1
	Overloaded      = 2
	UnknownRole     = 3
)

const headerLen = 8
const version1 = 1

// Header is the 8-byte record header: version, type, requestId,
// contentLength, paddingLength, reserved.
type Header struct {
	Version       uint8
	Type          uint8
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
}

func (h Header) encode() []byte {
	b := make([]byte, headerLen)
	b[0] = h.Version
	b[1] = h.Type
	binary.BigEndian.PutUint16(b[2:4], h.RequestID)
	binary.BigEndian.PutUint16(b[4:6], h.ContentLength)
	b[6] = h.PaddingLength
	b[7] = 0
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Version:       b[0],
		Type:          b[1],
		RequestID:     binary.BigEndian.Uint16(b[2:4]),
		ContentLength: binary.BigEndian.Uint16(b[4:6]),
		PaddingLength: b[6],
	}
}

// errShortRecord is returned internally by parse helpers consuming a
// record whose content+padding have not fully arrived yet.
var errShortRecord = errors.New("fastcgi: incomplete record")

// BeginRequestBody is the 8-byte payload of a BeginRequest record.
type BeginRequestBody struct {
	Role     uint16
	KeepConn bool
}

func decodeBeginRequestBody(b []byte) BeginRequestBody {
	role := binary.BigEndian.Uint16(b[0:2])
	flags := b[2]
	return BeginRequestBody{Role: role, KeepConn: flags&1 != 0}
}

// EndRequestBody is the 8-byte payload of an EndRequest record.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus uint8
}

func (e EndRequestBody) encode() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], e.AppStatus)
	b[4] = e.ProtocolStatus
	return b
}

// Callbacks is the event sink a Parser drives per request-id, mirroring
// the HTTP/1 parser's event shape so a server role can synthesise one
// HttpRequest per FastCGI request.
type Callbacks struct {
	OnBeginRequest     func(reqID uint16, role uint16, keepConn bool)
	OnParam            func(reqID uint16, key, value string)
	OnParamsEnd        func(reqID uint16)
	OnStdin            func(reqID uint16, chunk []byte)
	OnStdinEnd         func(reqID uint16)
	OnAbortRequest     func(reqID uint16)
	OnGetValues        func(reqID uint16, names []string)
	OnUnknownType      func(reqID uint16, recordType uint8)
}

// Parser decodes a stream of FastCGI records off one fd. Not safe for
// concurrent use.
type Parser struct {
	cb  Callbacks
	buf []byte
}

// NewParser constructs a record parser driving cb.
func NewParser(cb Callbacks) *Parser { return &Parser{cb: cb} }

// Execute feeds newly-received bytes, consuming as many complete
// records as are available, and returns the number of bytes consumed.
func (p *Parser) Execute(data []byte) (int, error) {
	p.buf = append(p.buf, data...)
	consumed := 0

	for {
		if len(p.buf) < headerLen {
			return consumed, nil
		}
		h := decodeHeader(p.buf[:headerLen])
		total := headerLen + int(h.ContentLength) + int(h.PaddingLength)
		if len(p.buf) < total {
			return consumed, nil
		}
		content := p.buf[headerLen : headerLen+int(h.ContentLength)]
		if err := p.dispatch(h, content); err != nil {
			return consumed, err
		}
		p.buf = p.buf[total:]
		consumed += total
	}
}

func (p *Parser) dispatch(h Header, content []byte) error {
	switch h.Type {
	case TypeBeginRequest:
		if len(content) < 8 {
			return errShortRecord
		}
		body := decodeBeginRequestBody(content)
		if p.cb.OnBeginRequest != nil {
			p.cb.OnBeginRequest(h.RequestID, body.Role, body.KeepConn)
		}
	case TypeParams:
		if len(content) == 0 {
			if p.cb.OnParamsEnd != nil {
				p.cb.OnParamsEnd(h.RequestID)
			}
			return nil
		}
		return p.decodeParams(h.RequestID, content)
	case TypeStdIn:
		if len(content) == 0 {
			if p.cb.OnStdinEnd != nil {
				p.cb.OnStdinEnd(h.RequestID)
			}
			return nil
		}
		if p.cb.OnStdin != nil {
			p.cb.OnStdin(h.RequestID, content)
		}
	case TypeAbortRequest:
		if p.cb.OnAbortRequest != nil {
			p.cb.OnAbortRequest(h.RequestID)
		}
	case TypeGetValues:
		names := decodeNameValueNames(content)
		if p.cb.OnGetValues != nil {
			p.cb.OnGetValues(h.RequestID, names)
		}
	default:
		if p.cb.OnUnknownType != nil {
			p.cb.OnUnknownType(h.RequestID, h.Type)
		}
	}
	return nil
}

// decodeParams parses the FastCGI name-value-pair encoding (variable-
// length length prefixes per CGI/1.1 §7) and surfaces each pair via
// OnParam.
func (p *Parser) decodeParams(reqID uint16, data []byte) error {
	for len(data) > 0 {
		nameLen, n1, ok1 := readNVLen(data)
		if !ok1 {
			return errShortRecord
		}
		data = data[n1:]
		valLen, n2, ok2 := readNVLen(data)
		if !ok2 {
			return errShortRecord
		}
		data = data[n2:]
		if len(data) < nameLen+valLen {
			return errShortRecord
		}
		name := string(data[:nameLen])
		value := string(data[nameLen : nameLen+valLen])
		data = data[nameLen+valLen:]
		if p.cb.OnParam != nil {
			p.cb.OnParam(reqID, name, value)
		}
	}
	return nil
}

func decodeNameValueNames(data []byte) []string {
	var names []string
	for len(data) > 0 {
		nameLen, n1, ok1 := readNVLen(data)
		if !ok1 {
			return names
		}
		data = data[n1:]
		valLen, n2, ok2 := readNVLen(data)
		if !ok2 {
			return names
		}
		data = data[n2:]
		if len(data) < nameLen+valLen {
			return names
		}
		names = append(names, string(data[:nameLen]))
		data = data[nameLen+valLen:]
	}
	return names
}

func readNVLen(data []byte) (int, int, bool) {
	if len(data) == 0 {
		return 0, 0, false
	}
	if data[0]&0x80 == 0 {
		return int(data[0]), 1, true
	}
	if len(data) < 4 {
		return 0, 0, false
	}
	v := binary.BigEndian.Uint32(data[0:4]) & 0x7fffffff
	return int(v), 4, true
}

// HeaderNameFromParam converts an HTTP_FOO_BAR param key into the
// HTTP header name Foo-Bar, per §4.6's CGI-style transform.
func HeaderNameFromParam(key string) (string, bool) {
	const prefix = "HTTP_"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	parts := strings.Split(rest, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-"), true
}

// Generator writes response-side FastCGI records: StdOut/StdErr body
// chunks and the terminating EndRequest.
type Generator struct{}

// EncodeStdout frames chunk as one or more StdOut records (records are
// length-limited to 65535 bytes of content; larger chunks are split into
// consecutive records).
func (Generator) EncodeStdout(reqID uint16, chunk []byte) []byte {
	return encodeStream(TypeStdOut, reqID, chunk)
}

// EncodeStderr frames chunk as a StdErr record.
func (Generator) EncodeStderr(reqID uint16, chunk []byte) []byte {
	return encodeStream(TypeStdErr, reqID, chunk)
}

// EncodeStdoutEnd frames the explicit zero-length StdOut record that
// marks end-of-stream (§4.6: EncodeEndRequest's doc note — EndRequest
// alone does not imply end-of-stream on StdOut, so this record must be
// written first).
func (Generator) EncodeStdoutEnd(reqID uint16) []byte {
	h := Header{Version: version1, Type: TypeStdOut, RequestID: reqID, ContentLength: 0}
	return h.encode()
}

// EncodeEndRequest frames the terminating EndRequest record, closing
// the request's stream (an empty StdOut record is written first by the
// caller per protocol, since EndRequest alone does not imply
// end-of-stream on StdOut).
func (Generator) EncodeEndRequest(reqID uint16, appStatus uint32, protocolStatus uint8) []byte {
	body := EndRequestBody{AppStatus: appStatus, ProtocolStatus: protocolStatus}.encode()
	h := Header{Version: version1, Type: TypeEndRequest, RequestID: reqID, ContentLength: uint16(len(body))}
	return append(h.encode(), body...)
}

// EncodeGetValuesResult frames the management-record response to
// GetValues on request-id 0, per §12's supplemented feature.
func (Generator) EncodeGetValuesResult(values map[string]string) []byte {
	var content []byte
	for k, v := range values {
		content = appendNV(content, k, v)
	}
	h := Header{Version: version1, Type: TypeGetValuesResult, RequestID: 0, ContentLength: uint16(len(content))}
	return append(h.encode(), content...)
}

// EncodeUnknownType frames the management-record reply to a record
// type this server does not implement, per §4.6's "UnknownType" entry:
// an 8-byte payload naming the unrecognised type followed by 7 reserved
// bytes, sent on request-id 0.
func (Generator) EncodeUnknownType(recordType uint8) []byte {
	body := make([]byte, 8)
	body[0] = recordType
	h := Header{Version: version1, Type: TypeUnknownType, RequestID: 0, ContentLength: uint16(len(body))}
	return append(h.encode(), body...)
}

func appendNV(b []byte, name, value string) []byte {
	b = appendNVLen(b, len(name))
	b = appendNVLen(b, len(value))
	b = append(b, name...)
	b = append(b, value...)
	return b
}

func appendNVLen(b []byte, n int) []byte {
	if n < 128 {
		return append(b, byte(n))
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(n)|0x80000000)
	return append(b, tmp[:]...)
}

func encodeStream(recordType uint8, reqID uint16, chunk []byte) []byte {
	const maxContent = 65535
	var out []byte
	for len(chunk) > 0 {
		n := len(chunk)
		if n > maxContent {
			n = maxContent
		}
		h := Header{Version: version1, Type: recordType, RequestID: reqID, ContentLength: uint16(n)}
		out = append(out, h.encode()...)
		out = append(out, chunk[:n]...)
		chunk = chunk[n:]
	}
	return out
}
