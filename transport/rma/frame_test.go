package rma

import "testing"

func TestFrameHeaderRoundTrip(t *testing.T) {
	hdr := frameHeader{op: opWrite, requestID: 42, region: 1, term: 7, ssn: 99, offset: 1024, length: 256}
	b := encodeFrameHeader(hdr)
	if len(b) != frameHeaderSize {
		t.Fatalf("expected %d bytes, got %d", frameHeaderSize, len(b))
	}
	got := decodeFrameHeader(b)
	if got != hdr {
		t.Fatalf("expected %+v, got %+v", hdr, got)
	}
}

func TestFrameHeaderZeroValue(t *testing.T) {
	b := encodeFrameHeader(frameHeader{})
	got := decodeFrameHeader(b)
	if got != (frameHeader{}) {
		t.Fatalf("expected zero-value header, got %+v", got)
	}
}
