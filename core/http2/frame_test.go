package http2

import (
	"bytes"
	"testing"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	want := FrameHeader{Length: 1234, Type: FrameHeaders, Flags: FlagEndHeaders | FlagEndStream, StreamID: 0x01234567}
	var b []byte
	b = encodeFrameHeader(b, want.Length, want.Type, want.Flags, want.StreamID)
	if len(b) != frameHeaderLen {
		t.Fatalf("encoded header length = %d, want %d", len(b), frameHeaderLen)
	}
	got := decodeFrameHeader(b)
	if got != want {
		t.Fatalf("decodeFrameHeader = %+v, want %+v", got, want)
	}
}

func TestFrameReaderAssemblesAcrossFeeds(t *testing.T) {
	full := EncodeData(3, []byte("hello"), true)

	r := NewFrameReader(0)
	frames, err := r.Feed(full[:4])
	if err != nil || len(frames) != 0 {
		t.Fatalf("partial feed should yield no frames yet, got %d frames, err %v", len(frames), err)
	}
	frames, err = r.Feed(full[4:])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Header.Type != FrameData || f.Header.StreamID != 3 || f.Header.Flags&FlagEndStream == 0 {
		t.Fatalf("decoded frame header = %+v", f.Header)
	}
	if string(f.Payload) != "hello" {
		t.Fatalf("payload = %q, want hello", f.Payload)
	}
}

func TestFrameReaderRejectsOversizeFrame(t *testing.T) {
	r := NewFrameReader(16)
	big := EncodeData(1, bytes.Repeat([]byte{'x'}, 64), false)
	if _, err := r.Feed(big); err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	entries := []SettingsEntry{
		{ID: SettingHeaderTableSize, Value: 4096},
		{ID: SettingInitialWindowSize, Value: 65535},
	}
	frame := EncodeSettings(entries)
	h := decodeFrameHeader(frame[:frameHeaderLen])
	if h.Type != FrameSettings || h.Flags&FlagAck != 0 {
		t.Fatalf("unexpected settings header %+v", h)
	}
	got, err := DecodeSettings(frame[frameHeaderLen:])
	if err != nil {
		t.Fatalf("DecodeSettings: %v", err)
	}
	if len(got) != len(entries) || got[0] != entries[0] || got[1] != entries[1] {
		t.Fatalf("DecodeSettings = %+v, want %+v", got, entries)
	}
}

func TestHeadersFrameWithPriority(t *testing.T) {
	block := []byte("hpack-block-bytes")
	prio := HeadersPriority{Exclusive: true, Dependency: 5, Weight: 200}

	var payload []byte
	payload = append(payload, encodePriorityField(prio)...)
	payload = append(payload, block...)
	frame := encodeFrameHeader(nil, uint32(len(payload)), FrameHeaders, FlagPriority|FlagEndHeaders|FlagEndStream, 7)
	frame = append(frame, payload...)

	h := decodeFrameHeader(frame[:frameHeaderLen])
	decoded, err := DecodeHeadersFrame(h, frame[frameHeaderLen:])
	if err != nil {
		t.Fatalf("DecodeHeadersFrame: %v", err)
	}
	if !decoded.HasPriority || decoded.Priority != prio {
		t.Fatalf("decoded priority = %+v, want %+v", decoded.Priority, prio)
	}
	if !decoded.EndStream || !decoded.EndHeaders {
		t.Fatalf("expected both END_STREAM and END_HEADERS set")
	}
	if !bytes.Equal(decoded.HeaderBlock, block) {
		t.Fatalf("header block = %q, want %q", decoded.HeaderBlock, block)
	}
}

func TestHeadersFrameSplitsAcrossContinuation(t *testing.T) {
	block := bytes.Repeat([]byte{'a'}, 100)
	out := EncodeHeaders(9, block, true, 40)

	r := NewFrameReader(0)
	frames, err := r.Feed(out)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3 (1 HEADERS + 2 CONTINUATION)", len(frames))
	}
	if frames[0].Header.Type != FrameHeaders || frames[0].Header.Flags&FlagEndHeaders != 0 {
		t.Fatalf("first frame should be HEADERS without END_HEADERS: %+v", frames[0].Header)
	}
	if frames[0].Header.Flags&FlagEndStream == 0 {
		t.Fatalf("END_STREAM should be set on the first frame regardless of continuation")
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Header.Type != FrameContinuation {
			t.Fatalf("frame %d type = %d, want CONTINUATION", i, frames[i].Header.Type)
		}
	}
	last := frames[len(frames)-1]
	if last.Header.Flags&FlagEndHeaders == 0 {
		t.Fatalf("last frame should carry END_HEADERS")
	}
	var reassembled []byte
	for _, f := range frames {
		reassembled = append(reassembled, f.Payload...)
	}
	if !bytes.Equal(reassembled, block) {
		t.Fatalf("reassembled header block mismatch")
	}
}

func TestPaddedDataFrame(t *testing.T) {
	payload := append([]byte{3}, append([]byte("abc"), []byte{0, 0, 0}...)...)
	frame := encodeFrameHeader(nil, uint32(len(payload)), FrameData, FlagPadded, 1)
	frame = append(frame, payload...)

	h := decodeFrameHeader(frame[:frameHeaderLen])
	got, err := stripPadding(h.Flags, frame[frameHeaderLen:])
	if err != nil {
		t.Fatalf("stripPadding: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("stripPadding = %q, want abc", got)
	}
}

func TestWindowUpdateRoundTrip(t *testing.T) {
	frame := EncodeWindowUpdate(5, 1000)
	h := decodeFrameHeader(frame[:frameHeaderLen])
	got, err := DecodeWindowUpdate(frame[frameHeaderLen:])
	if err != nil {
		t.Fatalf("DecodeWindowUpdate: %v", err)
	}
	if h.StreamID != 5 || got != 1000 {
		t.Fatalf("stream=%d increment=%d, want 5,1000", h.StreamID, got)
	}
}

func TestGoAwayRoundTrip(t *testing.T) {
	frame := EncodeGoAway(41, ErrCodeProtocolError, []byte("bye"))
	h := decodeFrameHeader(frame[:frameHeaderLen])
	last, code, err := DecodeGoAway(frame[frameHeaderLen:])
	if err != nil {
		t.Fatalf("DecodeGoAway: %v", err)
	}
	if h.StreamID != 0 || last != 41 || code != ErrCodeProtocolError {
		t.Fatalf("last=%d code=%d, want 41,%d", last, code, ErrCodeProtocolError)
	}
}
