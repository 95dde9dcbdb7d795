package http2

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// HeaderField mirrors hpack.HeaderField, re-exported so callers outside
// this package never need to import golang.org/x/net/http2/hpack
// directly.
type HeaderField = hpack.HeaderField

// Encoder wraps hpack.Encoder with the buffer it writes into, so
// callers get back a []byte per call instead of threading an io.Writer
// through the Connection (§4.5: "HPACK encoder/decoder with
// configurable dynamic-table size and max-header-list size").
type Encoder struct {
	buf *bytes.Buffer
	enc *hpack.Encoder
}

// NewEncoder constructs an Encoder with the given dynamic table size
// (SETTINGS_HEADER_TABLE_SIZE as understood by the peer).
func NewEncoder(tableSize uint32) *Encoder {
	buf := new(bytes.Buffer)
	enc := hpack.NewEncoder(buf)
	enc.SetMaxDynamicTableSize(tableSize)
	return &Encoder{buf: buf, enc: enc}
}

// SetMaxDynamicTableSize updates the table size, e.g. in response to a
// peer SETTINGS_HEADER_TABLE_SIZE change.
func (e *Encoder) SetMaxDynamicTableSize(v uint32) { e.enc.SetMaxDynamicTableSize(v) }

// EncodeFields HPACK-encodes fields in order and returns the resulting
// header block fragment, ready to be split across HEADERS/CONTINUATION
// frames by EncodeHeaders.
func (e *Encoder) EncodeFields(fields []HeaderField) []byte {
	e.buf.Reset()
	for _, f := range fields {
		e.enc.WriteField(f)
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out
}

// Decoder wraps hpack.Decoder, accumulating emitted fields for one
// header block (a HEADERS frame plus any CONTINUATION frames) between
// calls to Reset.
type Decoder struct {
	dec    *hpack.Decoder
	fields []HeaderField
}

// NewDecoder constructs a Decoder sharing maxDynamicTableSize with the
// connection's advertised SETTINGS_HEADER_TABLE_SIZE, per §6.
func NewDecoder(maxDynamicTableSize uint32) *Decoder {
	d := &Decoder{}
	d.dec = hpack.NewDecoder(maxDynamicTableSize, func(f hpack.HeaderField) {
		d.fields = append(d.fields, f)
	})
	return d
}

// SetMaxDynamicTableSize updates the decoder's table size limit.
func (d *Decoder) SetMaxDynamicTableSize(v uint32) { d.dec.SetMaxDynamicTableSize(v) }

// Write feeds one HEADERS/CONTINUATION frame's header-block fragment.
// The caller assembles fragments across CONTINUATION frames by calling
// Write once per fragment before calling Fields.
func (d *Decoder) Write(p []byte) error {
	_, err := d.dec.Write(p)
	return err
}

// Fields returns every field decoded since the last Reset, in arrival
// order (order is significant: §8 requires "recover the identical
// header list including order").
func (d *Decoder) Fields() []HeaderField { return d.fields }

// Reset clears the accumulated field list, ready for the next header
// block. The dynamic table itself is connection-scoped and is not
// reset.
func (d *Decoder) Reset() { d.fields = d.fields[:0] }
