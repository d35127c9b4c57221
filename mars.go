package mssql

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Session multiplex protocol (SMP) wraps every post-login message in
// a 16 byte frame header so that several logical sessions can share
// one transport.
// https://docs.microsoft.com/en-us/openspecs/windows_protocols/ms-smp/04c8edde-371d-4af5-bb33-a39b3948f0af
const (
	smpMagic      = 0x53
	smpHeaderSize = 16
)

// SMP frame flags
const (
	smpSYN  = 0x01
	smpACK  = 0x02
	smpFIN  = 0x04
	smpDATA = 0x08
)

// initial receive window granted to the peer on SYN
const smpInitialWindow = 4

// how far beyond the last received frame the window is advanced when
// acknowledging
const smpWindowIncrement = 4

type smpHeader struct {
	Smid   byte
	Flags  byte
	Sid    uint16
	Length uint32 // total frame length including this header
	Seqnum uint32
	Wndw   uint32
}

func (h smpHeader) marshal(buf []byte) {
	buf[0] = h.Smid
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:], h.Sid)
	binary.LittleEndian.PutUint32(buf[4:], h.Length)
	binary.LittleEndian.PutUint32(buf[8:], h.Seqnum)
	binary.LittleEndian.PutUint32(buf[12:], h.Wndw)
}

func parseSmpHeader(buf []byte) (h smpHeader, err error) {
	h.Smid = buf[0]
	h.Flags = buf[1]
	h.Sid = binary.LittleEndian.Uint16(buf[2:])
	h.Length = binary.LittleEndian.Uint32(buf[4:])
	h.Seqnum = binary.LittleEndian.Uint32(buf[8:])
	h.Wndw = binary.LittleEndian.Uint32(buf[12:])
	if h.Smid != smpMagic {
		return h, fmt.Errorf("invalid SMP packet identifier %#x", h.Smid)
	}
	if h.Length < smpHeaderSize {
		return h, fmt.Errorf("invalid SMP frame length %d", h.Length)
	}
	return h, nil
}

var errSmpClosed = errors.New("mssql: connection was closed")

// smpConn demultiplexes SMP frames from one transport into per
// session streams. One reader goroutine owns the transport's read
// side; writers share the transport under a send lock.
type smpConn struct {
	transport io.ReadWriteCloser

	sendMu sync.Mutex // each frame is written whole; frames of different sessions may interleave

	mu       sync.Mutex
	sessions map[uint16]*smpStream
	lastSid  uint16
	closed   bool

	// minimum delay between outgoing DATA frames, zero means no
	// limit
	sendInterval time.Duration
	lastSend     time.Time

	log      optionalLogger
	logFlags uint64
}

func newSmpConn(transport io.ReadWriteCloser, rateLimit uint32, log optionalLogger, logFlags uint64) *smpConn {
	c := &smpConn{
		transport: transport,
		sessions:  make(map[uint16]*smpStream),
		log:       log,
		logFlags:  logFlags,
	}
	if rateLimit > 0 {
		c.sendInterval = time.Second / time.Duration(rateLimit)
	}
	go c.readLoop()
	return c
}

// OpenSession performs the SYN handshake for a fresh session id and
// returns a stream the tds buffer can sit on.
func (c *smpConn) OpenSession(ctx context.Context) (*smpStream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errSmpClosed
	}
	sid := c.lastSid
	c.lastSid++
	// no send credit until the peer advertises a window
	s := &smpStream{
		c:       c,
		sid:     sid,
		seqnum:  1,
		recvWnd: smpInitialWindow,
		synAck:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	c.sessions[sid] = s
	c.mu.Unlock()

	if err := c.writeFrame(smpHeader{
		Smid:   smpMagic,
		Flags:  smpSYN,
		Sid:    sid,
		Length: smpHeaderSize,
		Wndw:   smpInitialWindow,
	}, nil); err != nil {
		c.removeSession(sid)
		return nil, err
	}

	select {
	case <-s.synAck:
	case <-ctx.Done():
		c.removeSession(sid)
		return nil, ctx.Err()
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *smpConn) removeSession(sid uint16) {
	c.mu.Lock()
	delete(c.sessions, sid)
	c.mu.Unlock()
}

// writeFrame sends one frame; the header and payload form a single
// write so frames are contiguous on the wire.
func (c *smpConn) writeFrame(h smpHeader, payload []byte) error {
	buf := make([]byte, smpHeaderSize+len(payload))
	h.marshal(buf)
	copy(buf[smpHeaderSize:], payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendInterval > 0 && h.Flags&smpDATA != 0 {
		if wait := c.sendInterval - time.Since(c.lastSend); wait > 0 {
			time.Sleep(wait)
		}
		c.lastSend = time.Now()
	}
	_, err := c.transport.Write(buf)
	return err
}

func (c *smpConn) readLoop() {
	var err error
	hdr := make([]byte, smpHeaderSize)
	for {
		if _, err = io.ReadFull(c.transport, hdr); err != nil {
			break
		}
		var h smpHeader
		if h, err = parseSmpHeader(hdr); err != nil {
			break
		}
		var payload []byte
		if h.Length > smpHeaderSize {
			payload = make([]byte, h.Length-smpHeaderSize)
			if _, err = io.ReadFull(c.transport, payload); err != nil {
				break
			}
		}

		c.mu.Lock()
		s := c.sessions[h.Sid]
		c.mu.Unlock()
		if s == nil {
			if c.logFlags&logErrors != 0 {
				c.log.Printf("WARN: SMP frame for unknown session %d", h.Sid)
			}
			continue
		}
		s.handleFrame(h, payload)
	}
	c.shutdown(err)
}

// shutdown propagates a transport error to every waiter.
func (c *smpConn) shutdown(err error) {
	if err == nil || err == io.EOF {
		err = errSmpClosed
	}
	c.mu.Lock()
	c.closed = true
	sessions := make([]*smpStream, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.fail(err)
	}
}

func (c *smpConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.transport.Close()
}

// smpStream is one logical session. It implements
// io.ReadWriteCloser so a tdsStream can run on top of it unchanged.
type smpStream struct {
	c   *smpConn
	sid uint16

	mu   sync.Mutex
	cond *sync.Cond

	// send state
	seqnum  uint32 // next DATA frame sequence number
	peerWnd uint32 // highest frame the peer will accept

	// receive state
	recvSeq uint32 // last DATA frame received
	recvWnd uint32 // window we have advertised

	inbox  [][]byte
	cur    []byte
	synAck chan struct{}
	synced bool
	fin    bool
	err    error
}

func (s *smpStream) handleFrame(h smpHeader, payload []byte) {
	s.mu.Lock()

	// any frame can advance our send credit
	if h.Wndw > s.peerWnd {
		s.peerWnd = h.Wndw
		s.cond.Broadcast()
	}

	if h.Flags&smpSYN != 0 && !s.synced {
		s.synced = true
		close(s.synAck)
	}
	if h.Flags&smpFIN != 0 {
		s.fin = true
		s.cond.Broadcast()
	}

	if h.Flags&smpDATA != 0 {
		s.inbox = append(s.inbox, payload)
		s.recvSeq = h.Seqnum
		s.recvWnd = h.Seqnum + smpWindowIncrement
		ack := smpHeader{
			Smid:   smpMagic,
			Flags:  smpACK,
			Sid:    s.sid,
			Length: smpHeaderSize,
			Seqnum: s.seqnum - 1,
			Wndw:   s.recvWnd,
		}
		s.cond.Broadcast()
		s.mu.Unlock()
		if err := s.c.writeFrame(ack, nil); err != nil {
			s.fail(err)
		}
		return
	}
	s.mu.Unlock()
}

func (s *smpStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	if !s.synced {
		s.synced = true
		close(s.synAck)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *smpStream) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.cur) == 0 {
		if len(s.inbox) > 0 {
			s.cur = s.inbox[0]
			s.inbox = s.inbox[1:]
			continue
		}
		if s.err != nil {
			return 0, s.err
		}
		if s.fin {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
	n := copy(b, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}

// Write sends one DATA frame per call. The tds buffer hands over
// exactly one TDS packet per write, so packet and frame boundaries
// coincide.
func (s *smpStream) Write(b []byte) (int, error) {
	s.mu.Lock()
	// flow control: the peer accepts frames while seqnum is within
	// its advertised window
	for s.seqnum > s.peerWnd && s.err == nil && !s.fin {
		s.cond.Wait()
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	if s.fin {
		s.mu.Unlock()
		return 0, errSmpClosed
	}
	h := smpHeader{
		Smid:   smpMagic,
		Flags:  smpDATA,
		Sid:    s.sid,
		Length: uint32(smpHeaderSize + len(b)),
		Seqnum: s.seqnum,
		Wndw:   s.recvWnd,
	}
	s.seqnum++
	s.mu.Unlock()

	if err := s.c.writeFrame(h, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *smpStream) Close() error {
	s.mu.Lock()
	if s.fin {
		s.mu.Unlock()
		return nil
	}
	s.fin = true
	h := smpHeader{
		Smid:   smpMagic,
		Flags:  smpFIN,
		Sid:    s.sid,
		Length: smpHeaderSize,
		Seqnum: s.seqnum,
		Wndw:   s.recvWnd,
	}
	s.mu.Unlock()
	err := s.c.writeFrame(h, nil)
	s.c.removeSession(s.sid)
	return err
}
