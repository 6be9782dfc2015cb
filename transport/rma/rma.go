// Package rma is the reference one-sided-write transport: it emulates
// RDMA write/read semantics over a plain TCP connection per peer, exactly
// as spec.md's EXTERNAL INTERFACES section describes. A Write is a
// length-prefixed byte range copied directly into the target's registered
// []byte by the connection's own read loop, with no application-level
// handler invoked on the remote side beyond that copy; a Read is answered
// the same way in reverse. This exists only so the replication core in
// package server is exercised end to end by real network code, not to
// claim RDMA-grade performance — grounded in the teacher's
// transport_grpc.go connection-management shape (dial-once-and-cache,
// one goroutine per connection's read loop) generalized from RPC framing
// to a raw binary wire format, since no RPC layer belongs on the
// one-sided path.
package rma

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mpoke/dare-go/transport"
)

var (
	errRegionUnregistered = errors.New("rma: region not registered")
	errNotConnected       = errors.New("rma: peer not connected")
	errShortRead          = errors.New("rma: remote read returned fewer bytes than requested")
)

const maxConsecutiveFailures = 3

// RMA is the reference transport.RMA implementation.
type RMA struct {
	log *zap.SugaredLogger

	listener net.Listener

	regionsMu sync.RWMutex
	regions   map[transport.RegionKind][]byte

	peersMu sync.Mutex
	peers   map[transport.PeerID]*peerConn

	pollCh chan transport.Completion

	nextReqID uint64

	qpOnce  sync.Once
	qpState *qpTracker

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New allocates an RMA transport listening on listenAddr for inbound
// connections from peers. Call Register for every region before peers
// start connecting.
func New(listenAddr string, log *zap.SugaredLogger) (*RMA, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("rma: listen: %w", err)
	}
	r := &RMA{
		log:      log,
		listener: ln,
		regions:  map[transport.RegionKind][]byte{},
		peers:    map[transport.PeerID]*peerConn{},
		pollCh:   make(chan transport.Completion, 256),
		closeCh:  make(chan struct{}),
	}
	go r.acceptLoop()
	return r, nil
}

func (r *RMA) Addr() string { return r.listener.Addr().String() }

func (r *RMA) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.closeCh:
				return
			default:
				r.log.Warnw("rma: accept failed", "error", err)
				return
			}
		}
		pc := newPeerConn(conn, r)
		go pc.readLoop()
	}
}

// Register exposes buf as the named region's backing storage. Inbound
// writes and reads address it directly; there is no copy into a separate
// region table.
func (r *RMA) Register(kind transport.RegionKind, buf []byte) transport.Region {
	r.regionsMu.Lock()
	r.regions[kind] = buf
	r.regionsMu.Unlock()
	return transport.Region{Kind: kind, Addr: 0, Length: uint64(len(buf))}
}

func (r *RMA) regionBuf(kind transport.RegionKind) ([]byte, bool) {
	r.regionsMu.RLock()
	defer r.regionsMu.RUnlock()
	b, ok := r.regions[kind]
	return b, ok
}

// LocalLogBytes returns the byte range [from, to) of the locally
// registered log region. Used by the replication engine (package server,
// logBytesBetween) to read the bytes it is about to write into a peer's
// remote region — a local slice, never a network operation.
func (r *RMA) LocalLogBytes(from, to uint64) []byte {
	buf, ok := r.regionBuf(transport.RegionLog)
	if !ok {
		return nil
	}
	if to > uint64(len(buf)) {
		to = uint64(len(buf))
	}
	if from > to {
		return nil
	}
	return buf[from:to]
}

// Connect dials (or reuses) a TCP connection to peer at addr.
func (r *RMA) Connect(peer transport.PeerID, addr string) error {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	if _, ok := r.peers[peer]; ok {
		return nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("rma: dial %s: %w", addr, err)
	}
	pc := newPeerConn(conn, r)
	r.peers[peer] = pc
	go pc.readLoop()
	return nil
}

// Disconnect tears down any connection to peer. It leaves the peer's QP
// state as it is; later posts to the peer fail with errNotConnected and
// count as failures toward the error state (spec.md §4.6).
func (r *RMA) Disconnect(peer transport.PeerID) {
	r.peersMu.Lock()
	pc, ok := r.peers[peer]
	delete(r.peers, peer)
	r.peersMu.Unlock()
	if ok {
		pc.close()
	}
}

func (r *RMA) peerConn(peer transport.PeerID) (*peerConn, error) {
	r.peersMu.Lock()
	pc, ok := r.peers[peer]
	r.peersMu.Unlock()
	if !ok {
		return nil, errNotConnected
	}
	return pc, nil
}

func (r *RMA) Write(ctx context.Context, peer transport.PeerID, kind transport.RegionKind, dstOffset uint64, src []byte, wr transport.WorkRequestID, signaled bool) error {
	pc, err := r.peerConn(peer)
	if err != nil {
		r.recordFailure(peer)
		return err
	}
	reqID := atomic.AddUint64(&r.nextReqID, 1)
	hdr := frameHeader{op: opWrite, requestID: reqID, region: uint8(kind), term: wr.Term, ssn: wr.SSN, offset: dstOffset, length: uint32(len(src))}

	if !signaled {
		if err := pc.sendFrame(hdr, src); err != nil {
			r.recordFailure(peer)
			return err
		}
		return nil
	}

	ackCh := pc.registerWaiter(reqID)
	if err := pc.sendFrame(hdr, src); err != nil {
		pc.forgetWaiter(reqID)
		r.recordFailure(peer)
		return err
	}

	select {
	case <-ackCh:
		r.recordSuccess(peer)
		r.pollCh <- transport.Completion{WR: wr, Peer: peer, Status: transport.CompletionOK, EndAtPost: dstOffset + uint64(len(src))}
		return nil
	case <-ctx.Done():
		pc.forgetWaiter(reqID)
		return ctx.Err()
	}
}

func (r *RMA) Read(ctx context.Context, peer transport.PeerID, kind transport.RegionKind, srcOffset uint64, length uint64) ([]byte, error) {
	pc, err := r.peerConn(peer)
	if err != nil {
		r.recordFailure(peer)
		return nil, err
	}
	reqID := atomic.AddUint64(&r.nextReqID, 1)
	hdr := frameHeader{op: opRead, requestID: reqID, region: uint8(kind), offset: srcOffset, length: uint32(length)}

	dataCh := pc.registerDataWaiter(reqID)
	if err := pc.sendFrame(hdr, nil); err != nil {
		pc.forgetDataWaiter(reqID)
		r.recordFailure(peer)
		return nil, err
	}

	select {
	case data := <-dataCh:
		if uint64(len(data)) < length {
			return data, errShortRead
		}
		r.recordSuccess(peer)
		return data, nil
	case <-ctx.Done():
		pc.forgetDataWaiter(reqID)
		return nil, ctx.Err()
	}
}

func (r *RMA) Poll() <-chan transport.Completion { return r.pollCh }

type qpTracker struct {
	mu       sync.Mutex
	state    map[transport.PeerID]transport.QPState
	failures map[transport.PeerID]int
}

func (r *RMA) qp() *qpTracker {
	// lazily initialized on first use via sync.Once.
	r.qpOnce.Do(func() {
		r.qpState = &qpTracker{state: map[transport.PeerID]transport.QPState{}, failures: map[transport.PeerID]int{}}
	})
	return r.qpState
}

func (r *RMA) recordFailure(peer transport.PeerID) {
	t := r.qp()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[peer]++
	if t.failures[peer] >= maxConsecutiveFailures {
		t.state[peer] = transport.QPError
	}
}

func (r *RMA) recordSuccess(peer transport.PeerID) {
	t := r.qp()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[peer] = 0
	if t.state[peer] != transport.QPError {
		t.state[peer] = transport.QPActive
	}
}

func (r *RMA) PeerState(peer transport.PeerID) transport.QPState {
	t := r.qp()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state[peer]
}

func (r *RMA) Reset(peer transport.PeerID) {
	t := r.qp()
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, peer)
	delete(t.failures, peer)
}

func (r *RMA) Close() error {
	r.closeOnce.Do(func() { close(r.closeCh) })
	r.peersMu.Lock()
	for _, pc := range r.peers {
		pc.close()
	}
	r.peersMu.Unlock()
	return r.listener.Close()
}

// peerConn owns one TCP connection, demultiplexing inbound frames into
// either a local region copy (write), a local region read-and-reply
// (read), or a routed ack/data delivery to whichever goroutine is
// blocked waiting for requestID.
type peerConn struct {
	conn   net.Conn
	r      *RMA
	writeMu sync.Mutex

	waitMu     sync.Mutex
	ackWaiters map[uint64]chan struct{}
	dataWaiters map[uint64]chan []byte

	closeOnce sync.Once
}

func newPeerConn(conn net.Conn, r *RMA) *peerConn {
	return &peerConn{
		conn:        conn,
		r:           r,
		ackWaiters:  map[uint64]chan struct{}{},
		dataWaiters: map[uint64]chan []byte{},
	}
}

func (pc *peerConn) registerWaiter(reqID uint64) <-chan struct{} {
	ch := make(chan struct{}, 1)
	pc.waitMu.Lock()
	pc.ackWaiters[reqID] = ch
	pc.waitMu.Unlock()
	return ch
}

func (pc *peerConn) forgetWaiter(reqID uint64) {
	pc.waitMu.Lock()
	delete(pc.ackWaiters, reqID)
	pc.waitMu.Unlock()
}

func (pc *peerConn) registerDataWaiter(reqID uint64) <-chan []byte {
	ch := make(chan []byte, 1)
	pc.waitMu.Lock()
	pc.dataWaiters[reqID] = ch
	pc.waitMu.Unlock()
	return ch
}

func (pc *peerConn) forgetDataWaiter(reqID uint64) {
	pc.waitMu.Lock()
	delete(pc.dataWaiters, reqID)
	pc.waitMu.Unlock()
}

func (pc *peerConn) sendFrame(hdr frameHeader, payload []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if _, err := pc.conn.Write(encodeFrameHeader(hdr)); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := pc.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// readLoop decodes frames until the connection closes. Writes and reads
// from the remote are answered inline, with no forwarding to any
// application-level handler — the one-sided contract the RMA interface
// promises.
func (pc *peerConn) readLoop() {
	defer pc.close()
	br := bufio.NewReader(pc.conn)
	hdrBuf := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(br, hdrBuf); err != nil {
			return
		}
		hdr := decodeFrameHeader(hdrBuf)

		var payload []byte
		if hdr.length > 0 && hdr.op != opRead {
			payload = make([]byte, hdr.length)
			if _, err := io.ReadFull(br, payload); err != nil {
				return
			}
		}

		switch hdr.op {
		case opWrite:
			pc.applyWrite(hdr, payload)
			pc.sendFrame(frameHeader{op: opAck, requestID: hdr.requestID}, nil)
		case opRead:
			data := pc.readLocal(hdr)
			pc.sendFrame(frameHeader{op: opAck, requestID: hdr.requestID, length: uint32(len(data))}, data)
		case opAck:
			pc.waitMu.Lock()
			if ch, ok := pc.ackWaiters[hdr.requestID]; ok {
				delete(pc.ackWaiters, hdr.requestID)
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			if ch, ok := pc.dataWaiters[hdr.requestID]; ok {
				delete(pc.dataWaiters, hdr.requestID)
				data := payload
				if data == nil {
					data = []byte{}
				}
				select {
				case ch <- data:
				default:
				}
			}
			pc.waitMu.Unlock()
		}
	}
}

func (pc *peerConn) applyWrite(hdr frameHeader, payload []byte) {
	buf, ok := pc.r.regionBuf(transport.RegionKind(hdr.region))
	if !ok {
		return
	}
	end := hdr.offset + uint64(len(payload))
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	if hdr.offset >= end {
		return
	}
	copy(buf[hdr.offset:end], payload[:end-hdr.offset])
}

func (pc *peerConn) readLocal(hdr frameHeader) []byte {
	buf, ok := pc.r.regionBuf(transport.RegionKind(hdr.region))
	if !ok {
		return nil
	}
	end := hdr.offset + uint64(hdr.length)
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	if hdr.offset >= end {
		return nil
	}
	out := make([]byte, end-hdr.offset)
	copy(out, buf[hdr.offset:end])
	return out
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		pc.conn.Close()
	})
}
