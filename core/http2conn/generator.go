package http2conn

import (
	"strconv"

	"github.com/ironvane/httpd/core/channel"
	"github.com/ironvane/httpd/core/http2"
	"github.com/ironvane/httpd/core/wire"
)

// streamGenerator is one stream's channel.Generator implementation: it
// HPACK-encodes the response header block into a single HEADERS (+
// CONTINUATION) frame and frames body chunks as DATA, respecting the
// stream and connection send windows (§4.5's flow control).
type streamGenerator struct {
	c        *Connection
	streamID uint32

	bodyForbid   bool
	endStreamOut bool // END_STREAM already flagged on an outbound frame
	pending      []byte
}

func newStreamGenerator(c *Connection, streamID uint32) *streamGenerator {
	return &streamGenerator{c: c, streamID: streamID}
}

var _ channel.Generator = (*streamGenerator)(nil)

// WriteStatusLine is a no-op: HTTP/2 carries status as the ":status"
// pseudo-header inside the HEADERS frame WriteHeaders builds, not as a
// separate status-line write.
func (g *streamGenerator) WriteStatusLine(version string, status int, reason string) []byte {
	return nil
}

// WriteHeaders HPACK-encodes the response pseudo-header plus the
// header list into one HEADERS frame (split across CONTINUATION frames
// by core/http2.EncodeHeaders if the block is large).
func (g *streamGenerator) WriteHeaders(h *wire.HeaderList, status int, requestMethod string, contentLength int64, lengthKnown, hasTrailers, keepAlive bool) []byte {
	g.bodyForbid = wire.BodyForbidden(status, requestMethod)

	fields := []http2.HeaderField{{Name: ":status", Value: strconv.Itoa(status)}}
	for _, f := range h.All() {
		fields = append(fields, http2.HeaderField{Name: asciiLower(f.Name), Value: f.Value})
	}
	if lengthKnown && !hasTrailers {
		fields = append(fields, http2.HeaderField{Name: "content-length", Value: strconv.FormatInt(contentLength, 10)})
	}

	block := g.c.henc.EncodeFields(fields)
	endStream := g.bodyForbid
	if endStream {
		g.endStreamOut = true
	}
	return http2.EncodeHeaders(g.streamID, block, endStream, g.c.cfg.MaxFrameSize)
}

// WriteBody frames chunk as one or more DATA frames, splitting to fit
// the stream and connection send windows. Bytes that don't fit the
// current window are buffered and flushed on a later WINDOW_UPDATE
// (see flushPending).
func (g *streamGenerator) WriteBody(chunk []byte) ([]byte, error) {
	if g.bodyForbid || len(chunk) == 0 {
		return nil, nil
	}
	g.pending = append(g.pending, chunk...)
	return g.drain(false), nil
}

// WriteEnd emits the stream-terminating frame: a trailer HEADERS frame
// if any trailers were registered, otherwise a zero-length DATA frame
// carrying END_STREAM (unless the HEADERS frame already carried it for
// a body-forbidden response).
func (g *streamGenerator) WriteEnd(trailers *wire.HeaderList) []byte {
	if g.endStreamOut {
		return nil
	}
	if trailers != nil && trailers.Len() > 0 {
		fields := make([]http2.HeaderField, 0, trailers.Len())
		for _, f := range trailers.All() {
			fields = append(fields, http2.HeaderField{Name: asciiLower(f.Name), Value: f.Value})
		}
		block := g.c.henc.EncodeFields(fields)
		g.endStreamOut = true
		out := g.drain(false)
		return append(out, http2.EncodeHeaders(g.streamID, block, true, g.c.cfg.MaxFrameSize)...)
	}
	out := g.drain(true)
	g.endStreamOut = true
	return out
}

// drain emits as many buffered body bytes as the current send windows
// allow, consuming from g.pending. finalEmpty forces a trailing
// zero-length DATA frame with END_STREAM once pending drains to empty.
func (g *streamGenerator) drain(finalEmpty bool) []byte {
	var out []byte
	for len(g.pending) > 0 {
		avail := g.available()
		if avail <= 0 {
			break
		}
		n := avail
		if n > len(g.pending) {
			n = len(g.pending)
		}
		if n > int(g.c.cfg.MaxFrameSize) {
			n = int(g.c.cfg.MaxFrameSize)
		}
		chunk := g.pending[:n]
		g.pending = g.pending[n:]
		g.consumeWindow(int64(n))
		out = append(out, http2.EncodeData(g.streamID, chunk, false)...)
	}
	if finalEmpty && len(g.pending) == 0 {
		out = append(out, http2.EncodeData(g.streamID, nil, true)...)
		g.endStreamOut = true
	}
	return out
}

func (g *streamGenerator) available() int {
	st := g.c.tree.Get(g.streamID)
	if st == nil {
		return 0
	}
	w := st.SendWindow
	if g.c.connSendWindow < w {
		w = g.c.connSendWindow
	}
	if w < 0 {
		return 0
	}
	return int(w)
}

func (g *streamGenerator) consumeWindow(n int64) {
	if st := g.c.tree.Get(g.streamID); st != nil {
		st.SendWindow -= n
	}
	g.c.connSendWindow -= n
}

// flushPending is called when a WINDOW_UPDATE arrives for this stream
// or the connection, writing out any body bytes that were previously
// held back by flow control.
func (g *streamGenerator) flushPending(c *Connection) {
	if len(g.pending) == 0 {
		return
	}
	out := g.drain(false)
	if len(out) > 0 {
		c.ep.QueueOwned(out)
		c.armFlush()
	}
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
