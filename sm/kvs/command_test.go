package kvs

import "testing"

func TestCommandRoundTrip(t *testing.T) {
	c := Command{Type: CommandSet, Key: "foo", Value: []byte("bar")}
	b, err := EncodeCommand(c)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	got, err := DecodeCommand(b)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if got.Type != c.Type || got.Key != c.Key || string(got.Value) != string(c.Value) {
		t.Fatalf("expected %+v, got %+v", c, got)
	}
}

func TestCommandDecodeGarbage(t *testing.T) {
	if _, err := DecodeCommand([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("expected decoding garbage bytes to fail")
	}
}
