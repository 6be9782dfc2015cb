package replog

import "testing"

func TestAppendAndEntryAtRoundTrip(t *testing.T) {
	l := New(4096)
	idx, err := l.AppendCommand(1, 100, 7, []byte("hello"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if idx != 1 {
		t.Fatalf("expected first idx to be 1, got %d", idx)
	}

	e, ok := l.EntryAt(0)
	if !ok {
		t.Fatal("expected an entry at offset 0")
	}
	if e.Type != EntryCSM || string(e.Payload) != "hello" || e.Term != 1 || e.ReqID != 100 || e.CltID != 7 {
		t.Fatalf("unexpected entry: %+v %q", e.Header, e.Payload)
	}

	idx2, err := l.AppendCommand(1, 101, 7, []byte("world"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if idx2 != 2 {
		t.Fatalf("expected second idx to be 2, got %d", idx2)
	}
}

func TestEmptyAndFull(t *testing.T) {
	l := New(headerSize*4 + 5)
	if !l.Empty() {
		t.Fatal("new log should be empty")
	}
	for i := 0; i < 3; i++ {
		if _, err := l.AppendNoop(1); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if l.Empty() {
		t.Fatal("log should not be empty after appends")
	}
	// Reclaim the first entry's space so a later append can wrap back to 0
	// and land exactly on head, the unambiguous full condition.
	l.AdvanceHead(headerSize)

	for i := 0; i < 2; i++ {
		if _, err := l.AppendNoop(1); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if !l.Full() {
		t.Fatalf("expected log to report full, offsets=%+v", l.Offsets())
	}
	if _, err := l.AppendNoop(1); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestWrapAroundHeader(t *testing.T) {
	// Small buffer: first entry leaves too little room for a second
	// header before the physical end, forcing a wrap to offset 0.
	l := New(headerSize + headerSize/2)
	if _, err := l.AppendNoop(1); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	idx, err := l.AppendNoop(1)
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if idx != 2 {
		t.Fatalf("expected idx 2, got %d", idx)
	}
	e, ok := l.EntryAt(0)
	if !ok || e.Idx != 2 {
		t.Fatalf("expected wrapped entry with idx 2 at offset 0, got %+v ok=%v", e, ok)
	}
}

func TestIsLargerOrdersLaterOffset(t *testing.T) {
	l := New(headerSize * 3)
	if _, err := l.AppendNoop(1); err != nil {
		t.Fatal(err)
	}
	firstOffset := uint64(0)
	if _, err := l.AppendNoop(1); err != nil {
		t.Fatal(err)
	}
	secondOffset := uint64(headerSize)
	if !l.IsLarger(secondOffset, firstOffset) {
		t.Fatalf("expected offset %d to be larger (later) than %d", secondOffset, firstOffset)
	}
}

func TestBuildAndFindRemoteEnd(t *testing.T) {
	leader := New(4096)
	for i := 0; i < 3; i++ {
		if _, err := leader.AppendCommand(1, uint64(i), 1, []byte{byte(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	follower := New(4096)
	if _, err := follower.AppendCommand(1, 0, 1, []byte{0}); err != nil {
		t.Fatal(err)
	}
	// Follower's second entry diverges: different term than the leader's.
	if _, err := follower.AppendCommand(2, 99, 1, []byte{42}); err != nil {
		t.Fatal(err)
	}

	nc, err := follower.BuildNCBuffer()
	if err != nil {
		t.Fatalf("build nc buffer: %v", err)
	}
	if len(nc.Entries) != 2 {
		t.Fatalf("expected 2 nc entries, got %d", len(nc.Entries))
	}

	m := leader.FindRemoteEnd(follower.Commit(), nc)
	if m != nc.Entries[1].Offset {
		t.Fatalf("expected mismatch at second entry's offset %d, got %d", nc.Entries[1].Offset, m)
	}
}

func TestFindRemoteEndNoMismatch(t *testing.T) {
	leader := New(4096)
	follower := New(4096)
	for i := 0; i < 3; i++ {
		if _, err := leader.AppendCommand(1, uint64(i), 1, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
		if _, err := follower.AppendCommand(1, uint64(i), 1, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	nc, err := follower.BuildNCBuffer()
	if err != nil {
		t.Fatal(err)
	}
	m := leader.FindRemoteEnd(follower.Commit(), nc)
	if m != leader.End() {
		t.Fatalf("expected match through to leader's end %d, got %d", leader.End(), m)
	}
}

func TestFindRemoteEndEmptyNCBuffer(t *testing.T) {
	leader := New(4096)
	if _, err := leader.AppendCommand(1, 0, 1, []byte{1}); err != nil {
		t.Fatal(err)
	}
	follower := New(4096)
	follower.SetCommit(123)
	// Follower has nothing uncommitted; its commit offset should come back
	// unchanged since there is nothing to overwrite.
	m := leader.FindRemoteEnd(follower.Commit(), NCBuffer{})
	if m != 123 {
		t.Fatalf("expected remoteCommit to be echoed back, got %d", m)
	}
}

func TestAdvanceHeadAndRecomputeTail(t *testing.T) {
	l := New(4096)
	if _, err := l.AppendCommand(1, 0, 1, []byte("a")); err != nil {
		t.Fatal(err)
	}
	headEntryOffset := l.End()
	if _, err := l.AppendHead(1, headEntryOffset); err != nil {
		t.Fatal(err)
	}
	l.AdvanceHead(headEntryOffset)
	if l.Head() != headEntryOffset {
		t.Fatalf("expected head to advance to %d, got %d", headEntryOffset, l.Head())
	}

	l.ResetTailCache()
	l.RecomputeTail()
	last, ok := l.tailEntry()
	if !ok || last.Type != EntryHEAD {
		t.Fatalf("expected recomputed tail to be the HEAD entry, got %+v ok=%v", last, ok)
	}
}

func TestConfigIDRoundTrip(t *testing.T) {
	l := New(4096)
	cid := ConfigID{GroupSize: 5, Active: 0b11111, Epoch: 3}
	if _, err := l.AppendConfig(1, cid); err != nil {
		t.Fatal(err)
	}
	e, ok := l.EntryAt(0)
	if !ok || e.Type != EntryCONFIG {
		t.Fatalf("expected config entry, got %+v ok=%v", e, ok)
	}
	if e.ConfigID != cid {
		t.Fatalf("expected %+v, got %+v", cid, e.ConfigID)
	}
	if e.ConfigID.Quorum() != 3 {
		t.Fatalf("expected quorum 3 for group size 5, got %d", e.ConfigID.Quorum())
	}
	if !e.ConfigID.Contains(0) || e.ConfigID.Contains(10) {
		t.Fatalf("unexpected Contains result for %+v", e.ConfigID)
	}
}
