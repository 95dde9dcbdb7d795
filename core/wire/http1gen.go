package wire

import (
	"strconv"
	"strings"
)

// H1Generator writes a status-line or request-line, headers, and body
// for one message, choosing chunked encoding automatically when the
// content length is unknown or trailers were pre-registered, and
// suppressing the body entirely for responses that forbid one.
type H1Generator struct {
	mode H1Mode

	chunked      bool
	contentLen   int64
	hasLength    bool
	bodyForbid   bool
	wroteHeaders bool
	actualLen    int64
}

// NewH1Generator constructs a Generator for one message direction.
func NewH1Generator(mode H1Mode) *H1Generator {
	return &H1Generator{mode: mode}
}

// BodyForbidden returns true for 1xx, 204, 304 responses and for
// responses to a HEAD request: no body section is emitted regardless
// of what the handler writes.
func BodyForbidden(status int, requestMethod string) bool {
	if status >= 100 && status < 200 {
		return true
	}
	if status == 204 || status == 304 {
		return true
	}
	return strings.EqualFold(requestMethod, "HEAD")
}

// WriteRequestLine emits "METHOD target version\r\n".
func (g *H1Generator) WriteRequestLine(method, target, version string) []byte {
	return []byte(method + " " + target + " " + version + "\r\n")
}

// WriteStatusLine emits "version status reason\r\n".
func (g *H1Generator) WriteStatusLine(version string, status int, reason string) []byte {
	return []byte(version + " " + strconv.Itoa(status) + " " + reason + "\r\n")
}

// WriteHeaders serialises headers plus the connection-level fields
// synthesised from contentLength/hasTrailers/keepAlive, terminating
// with the blank line. requestMethod/status determine body
// suppression; hasTrailers forces chunked encoding even when a length
// is known, since trailers are only deliverable on a chunked body.
func (g *H1Generator) WriteHeaders(h *HeaderList, status int, requestMethod string, contentLength int64, lengthKnown, hasTrailers, keepAlive bool) []byte {
	g.bodyForbid = BodyForbidden(status, requestMethod)
	g.hasLength = lengthKnown && !hasTrailers
	g.contentLen = contentLength
	g.chunked = !g.bodyForbid && (!lengthKnown || hasTrailers)

	var b []byte
	for _, f := range h.All() {
		b = append(b, f.Name...)
		b = append(b, ':', ' ')
		b = append(b, f.Value...)
		b = append(b, '\r', '\n')
	}

	if !g.bodyForbid {
		switch {
		case g.chunked:
			b = append(b, "Transfer-Encoding: chunked\r\n"...)
			if hasTrailers {
				b = append(b, "Trailer: "...)
			}
		case g.hasLength:
			b = append(b, "Content-Length: "...)
			b = strconv.AppendInt(b, g.contentLen, 10)
			b = append(b, '\r', '\n')
		}
	}

	if keepAlive {
		b = append(b, "Connection: keep-alive\r\n"...)
	} else {
		b = append(b, "Connection: close\r\n"...)
	}

	b = append(b, '\r', '\n')
	g.wroteHeaders = true
	return b
}

// ErrContentLengthExceeded is returned by WriteBody when the caller
// writes more bytes than the declared Content-Length promised.
var ErrContentLengthExceeded = NewBadMessage(500, "actual content length exceeds declared Content-Length")

// WriteBody frames one body chunk: verbatim under identity encoding
// (as long as it does not overshoot a declared length), or as one
// chunked-encoding frame (size-line, data, CRLF).
func (g *H1Generator) WriteBody(chunk []byte) ([]byte, error) {
	if g.bodyForbid || len(chunk) == 0 {
		return nil, nil
	}
	if g.hasLength {
		if g.actualLen+int64(len(chunk)) > g.contentLen {
			return nil, ErrContentLengthExceeded
		}
		g.actualLen += int64(len(chunk))
		return chunk, nil
	}
	if !g.chunked {
		return chunk, nil
	}
	var b []byte
	b = strconv.AppendInt(b, int64(len(chunk)), 16)
	b = append(b, '\r', '\n')
	b = append(b, chunk...)
	b = append(b, '\r', '\n')
	g.actualLen += int64(len(chunk))
	return b, nil
}

// WriteEnd finalises the body: a 0-length chunk terminator plus
// trailers for chunked encoding, or nothing for identity encoding.
func (g *H1Generator) WriteEnd(trailers *HeaderList) []byte {
	if g.bodyForbid || !g.chunked {
		return nil
	}
	b := []byte("0\r\n")
	if trailers != nil {
		for _, f := range trailers.All() {
			b = append(b, f.Name...)
			b = append(b, ':', ' ')
			b = append(b, f.Value...)
			b = append(b, '\r', '\n')
		}
	}
	b = append(b, '\r', '\n')
	return b
}
