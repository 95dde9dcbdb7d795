package fastcgiconn

import (
	"strconv"

	"github.com/ironvane/httpd/core/channel"
	"github.com/ironvane/httpd/core/fastcgi"
	"github.com/ironvane/httpd/core/wire"
)

// requestGenerator is one request's channel.Generator implementation:
// it writes a CGI-style "Status:"-prefixed header block and frames
// body chunks as StdOut records, finishing with an empty StdOut record
// and an EndRequest record (§4.6, §6).
type requestGenerator struct {
	c     *Connection
	reqID uint16

	hasLength  bool
	contentLen int64
	actualLen  int64
}

func newRequestGenerator(c *Connection, reqID uint16) *requestGenerator {
	return &requestGenerator{c: c, reqID: reqID}
}

var _ channel.Generator = (*requestGenerator)(nil)

// WriteStatusLine is a no-op: the status is folded into the "Status:"
// header line WriteHeaders emits, matching CGI/1.1's response-header
// convention (there is no separate status-line record in FastCGI).
func (g *requestGenerator) WriteStatusLine(version string, status int, reason string) []byte {
	return nil
}

// WriteHeaders emits the CGI-style header block (a "Status:" line, the
// response headers, and an optional Content-Length) as one StdOut
// record, per §4.6's CGI-style response framing.
func (g *requestGenerator) WriteHeaders(h *wire.HeaderList, status int, requestMethod string, contentLength int64, lengthKnown, hasTrailers, keepAlive bool) []byte {
	g.hasLength = lengthKnown && !hasTrailers
	g.contentLen = contentLength

	var b []byte
	b = append(b, "Status: "...)
	b = strconv.AppendInt(b, int64(status), 10)
	b = append(b, ' ')
	b = append(b, statusReason(status)...)
	b = append(b, '\r', '\n')

	for _, f := range h.All() {
		b = append(b, f.Name...)
		b = append(b, ':', ' ')
		b = append(b, f.Value...)
		b = append(b, '\r', '\n')
	}
	if g.hasLength {
		b = append(b, "Content-Length: "...)
		b = strconv.AppendInt(b, g.contentLen, 10)
		b = append(b, '\r', '\n')
	}
	b = append(b, '\r', '\n')

	return g.c.gen.EncodeStdout(g.reqID, b)
}

// WriteBody frames chunk as one or more StdOut records.
func (g *requestGenerator) WriteBody(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	if g.hasLength && g.actualLen+int64(len(chunk)) > g.contentLen {
		return nil, wire.ErrContentLengthExceeded
	}
	g.actualLen += int64(len(chunk))
	return g.c.gen.EncodeStdout(g.reqID, chunk), nil
}

// WriteEnd emits the empty StdOut record that marks end-of-stream
// followed by the terminating EndRequest record (§4.6: "an empty
// StdOut record is written first ... since EndRequest alone does not
// imply end-of-stream on StdOut").
func (g *requestGenerator) WriteEnd(trailers *wire.HeaderList) []byte {
	var out []byte
	out = append(out, g.c.gen.EncodeStdoutEnd(g.reqID)...)
	out = append(out, g.c.gen.EncodeEndRequest(g.reqID, 0, fastcgi.RequestComplete)...)
	return out
}

func statusReason(status int) string {
	switch status {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 417:
		return "Expectation Failed"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Status"
	}
}
