package wire

import (
	"bytes"
	"testing"
)

func TestH1RoundTrip(t *testing.T) {
	gen := NewH1Generator(ModeResponse)
	h := NewHeaderList(1)
	h.Set("Content-Type", "text/plain")

	var out []byte
	out = append(out, gen.WriteStatusLine("HTTP/1.1", 200, "OK")...)
	out = append(out, gen.WriteHeaders(h, 200, "GET", 5, true, false, true)...)
	bodyBytes, err := gen.WriteBody([]byte("hello"))
	if err != nil {
		t.Fatalf("WriteBody: %v", err)
	}
	out = append(out, bodyBytes...)
	out = append(out, gen.WriteEnd(nil)...)

	var begins, ends int
	var contentType string
	var bodies [][]byte

	p := NewH1Parser(ModeResponse, DefaultH1Limits(), H1Callbacks{
		OnMessageBegin: func() { begins++ },
		OnMessageHeader: func(name, value string) {
			if name == "Content-Type" {
				contentType = value
			}
		},
		OnMessageContent: func(chunk []byte) {
			cp := append([]byte(nil), chunk...)
			bodies = append(bodies, cp)
		},
		OnMessageEnd: func() { ends++ },
		OnError:      func(err error) { t.Fatalf("parser error: %v", err) },
	})

	if _, err := p.Execute(out); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if begins != 1 || ends != 1 {
		t.Fatalf("onMessageBegin/End counts = %d/%d, want 1/1", begins, ends)
	}
	if contentType != "text/plain" {
		t.Fatalf("Content-Type = %q, want text/plain", contentType)
	}
	var full []byte
	for _, b := range bodies {
		full = append(full, b...)
	}
	if !bytes.Equal(full, []byte("hello")) {
		t.Fatalf("body = %q, want %q", full, "hello")
	}
}

func TestH1Chunked(t *testing.T) {
	gen := NewH1Generator(ModeResponse)
	h := NewHeaderList(0)

	var out []byte
	out = append(out, gen.WriteStatusLine("HTTP/1.1", 200, "OK")...)
	out = append(out, gen.WriteHeaders(h, 200, "GET", 0, false, false, true)...)

	if !bytes.Contains(out, []byte("Transfer-Encoding: chunked")) {
		t.Fatalf("expected chunked transfer-encoding header, got %q", out)
	}

	b1, _ := gen.WriteBody([]byte("abc"))
	b2, _ := gen.WriteBody([]byte("de"))
	out = append(out, b1...)
	out = append(out, b2...)
	out = append(out, gen.WriteEnd(nil)...)

	if !bytes.HasSuffix(out, []byte("0\r\n\r\n")) {
		t.Fatalf("expected terminating 0-chunk, got %q", out)
	}

	var full []byte
	p := NewH1Parser(ModeResponse, DefaultH1Limits(), H1Callbacks{
		OnMessageContent: func(chunk []byte) { full = append(full, chunk...) },
		OnError:          func(err error) { t.Fatalf("parser error: %v", err) },
	})
	if _, err := p.Execute(out); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !bytes.Equal(full, []byte("abcde")) {
		t.Fatalf("body = %q, want %q", full, "abcde")
	}
}

func TestH1RejectsLengthAndChunkedConflict(t *testing.T) {
	var gotErr error
	p := NewH1Parser(ModeRequest, DefaultH1Limits(), H1Callbacks{
		OnError: func(err error) { gotErr = err },
	})
	req := "POST /x HTTP/1.1\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n"
	p.Execute([]byte(req))
	if gotErr == nil {
		t.Fatal("expected BadMessage for conflicting Content-Length/Transfer-Encoding")
	}
}
