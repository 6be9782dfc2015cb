package server

import (
	"testing"

	"github.com/mpoke/dare-go/pb"
)

func TestStoredVoteSlotRoundTrip(t *testing.T) {
	slot := pb.StoredVoteSlot{Term: 42, VotedFor: "node-a"}
	b := encodeStoredVoteSlot(slot)
	if len(b) != storedVoteSlotSize {
		t.Fatalf("expected %d bytes, got %d", storedVoteSlotSize, len(b))
	}
	got, err := decodeStoredVoteSlot(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != slot {
		t.Fatalf("expected %+v, got %+v", slot, got)
	}
}

func TestStoredVoteSlotEmptyCandidate(t *testing.T) {
	slot := pb.StoredVoteSlot{Term: 1, VotedFor: ""}
	b := encodeStoredVoteSlot(slot)
	got, err := decodeStoredVoteSlot(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != slot {
		t.Fatalf("expected %+v, got %+v", slot, got)
	}
}

func TestStoredVoteSlotTooShort(t *testing.T) {
	if _, err := decodeStoredVoteSlot(make([]byte, 4)); err != errShortStoredVoteSlot {
		t.Fatalf("expected errShortStoredVoteSlot, got %v", err)
	}
}

func TestStoredVoteSlotCandidateTruncated(t *testing.T) {
	longID := make([]byte, storedVoteSlotSize)
	for i := range longID {
		longID[i] = 'x'
	}
	slot := pb.StoredVoteSlot{Term: 1, VotedFor: string(longID)}
	b := encodeStoredVoteSlot(slot)
	got, err := decodeStoredVoteSlot(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.VotedFor) > storedVoteSlotSize-10 {
		t.Fatalf("expected candidate id to be truncated to fit the fixed slot, got length %d", len(got.VotedFor))
	}
}
