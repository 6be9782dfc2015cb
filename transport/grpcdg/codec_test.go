package grpcdg

import (
	"testing"

	"github.com/mpoke/dare-go/pb"
)

func TestMsgpackCodecRoundTrip(t *testing.T) {
	c := &msgpackCodec{}
	req := &pb.RequestVoteRequest{Term: 7, CandidateID: "n2", LastLogIndex: 99, LastLogTerm: 6}

	b, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got pb.RequestVoteRequest
	if err := c.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != *req {
		t.Fatalf("expected %+v, got %+v", *req, got)
	}
}

func TestMsgpackCodecName(t *testing.T) {
	c := &msgpackCodec{}
	if c.Name() != "msgpack" {
		t.Fatalf("expected codec name %q, got %q", "msgpack", c.Name())
	}
}
