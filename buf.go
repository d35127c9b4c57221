package mssql

import (
	"encoding/binary"
	"fmt"
	"io"
)

// message types carried in the packet header
const (
	packSQLBatch     packetType = 1
	packRPCRequest   packetType = 3
	packReply        packetType = 4
	packAttention    packetType = 6
	packBulkLoadBCP  packetType = 7
	packFedAuthToken packetType = 8
	packTransMgrReq  packetType = 14
	packLogin7       packetType = 16
	packSSPIMessage  packetType = 17
	packPrelogin     packetType = 18
)

type packetType uint8

// packet status bits
const (
	packStatusEOM          = 1
	packStatusIgnore       = 2
	packStatusResetSession = 8
)

// the fixed packet header: type, status, length (big-endian), spid
// (big-endian), sequence number, window
const packetHeaderSize = 8

// tdsStream frames messages into packets of at most the negotiated
// size on the way out and reassembles inbound packets into a single
// readable byte stream. Write and read state are independent so an
// attention message can go out while a reply is being consumed.
type tdsStream struct {
	transport io.ReadWriteCloser
	size      int

	// outgoing message
	wbuf  []byte
	wpos  int
	wseq  uint8
	wtype packetType

	// incoming message
	rbuf  []byte
	rpos  int
	rlen  int
	last  bool
	rtype packetType

	// invoked once after the next packet goes out, used to switch
	// the transport off TLS when only the login was encrypted
	onFirstFlush func()
}

func newTdsStream(size uint16, transport io.ReadWriteCloser) *tdsStream {
	return &tdsStream{
		transport: transport,
		size:      int(size),
		wbuf:      make([]byte, size),
		rbuf:      make([]byte, size),
		rpos:      packetHeaderSize,
	}
}

func (s *tdsStream) packetSize() int {
	return s.size
}

// setPacketSize is called when the server renegotiates the packet
// size via ENVCHANGE.
func (s *tdsStream) setPacketSize(n int) {
	s.size = n
	if len(s.rbuf) != n {
		rbuf := make([]byte, n)
		copy(rbuf, s.rbuf)
		s.rbuf = rbuf
	}
	if len(s.wbuf) != n {
		wbuf := make([]byte, n)
		copy(wbuf, s.wbuf)
		s.wbuf = wbuf
	}
}

func (s *tdsStream) beginMsg(t packetType, resetSession bool) {
	status := uint8(0)
	if resetSession {
		switch t {
		// the reset bit is only meaningful on request messages
		case packSQLBatch, packRPCRequest, packTransMgrReq:
			status = packStatusResetSession
		}
	}
	s.wbuf[1] = status
	s.wpos = packetHeaderSize
	s.wseq = 1
	s.wtype = t
}

// flush writes out the packet accumulated so far. Only the final
// packet of a message carries the end-of-message bit.
func (s *tdsStream) flush(final bool) error {
	s.wbuf[0] = byte(s.wtype)
	if final {
		s.wbuf[1] |= packStatusEOM
	}
	binary.BigEndian.PutUint16(s.wbuf[2:], uint16(s.wpos))
	s.wbuf[6] = s.wseq

	if _, err := s.transport.Write(s.wbuf[:s.wpos]); err != nil {
		return err
	}
	if s.onFirstFlush != nil {
		s.onFirstFlush()
		s.onFirstFlush = nil
	}
	s.wpos = packetHeaderSize
	s.wseq++ // wraps at 256, informational only
	return nil
}

func (s *tdsStream) endMsg() error {
	return s.flush(true)
}

func (s *tdsStream) Write(p []byte) (total int, err error) {
	for {
		n := copy(s.wbuf[s.wpos:], p)
		s.wpos += n
		total += n
		if n == len(p) {
			return
		}
		if err = s.flush(false); err != nil {
			return
		}
		p = p[n:]
	}
}

func (s *tdsStream) WriteByte(b byte) error {
	if s.wpos == len(s.wbuf) {
		if err := s.flush(false); err != nil {
			return err
		}
	}
	s.wbuf[s.wpos] = b
	s.wpos++
	return nil
}

func (s *tdsStream) nextPacket() error {
	hdr := s.rbuf[:packetHeaderSize]
	if _, err := io.ReadFull(s.transport, hdr); err != nil {
		return err
	}
	length := int(binary.BigEndian.Uint16(hdr[2:4]))
	if length > s.size {
		return fmt.Errorf("packet length %d exceeds the negotiated size %d", length, s.size)
	}
	if length < packetHeaderSize {
		return fmt.Errorf("packet length %d is shorter than the header", length)
	}
	if _, err := io.ReadFull(s.transport, s.rbuf[packetHeaderSize:length]); err != nil {
		return err
	}
	s.rtype = packetType(hdr[0])
	s.last = hdr[1]&packStatusEOM != 0
	s.rpos = packetHeaderSize
	s.rlen = length
	return nil
}

// beginRead consumes the first packet of the next inbound message
// and reports its type.
func (s *tdsStream) beginRead() (packetType, error) {
	if err := s.nextPacket(); err != nil {
		return 0, err
	}
	return s.rtype, nil
}

func (s *tdsStream) Read(p []byte) (int, error) {
	if s.rpos == s.rlen {
		if s.last {
			return 0, io.EOF
		}
		if err := s.nextPacket(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.rbuf[s.rpos:s.rlen])
	s.rpos += n
	return n, nil
}

func (s *tdsStream) ReadByte() (byte, error) {
	if s.rpos == s.rlen {
		if s.last {
			return 0, io.EOF
		}
		if err := s.nextPacket(); err != nil {
			return 0, err
		}
	}
	b := s.rbuf[s.rpos]
	s.rpos++
	return b, nil
}

// The r-prefixed accessors below feed the token parser; a short read
// aborts the response via protoPanic.

func (s *tdsStream) rbyte() byte {
	b, err := s.ReadByte()
	if err != nil {
		protoPanic(err)
	}
	return b
}

func (s *tdsStream) readFull(p []byte) {
	if _, err := io.ReadFull(s, p); err != nil {
		protoPanic(err)
	}
}

func (s *tdsStream) ruint16() uint16 {
	var b [2]byte
	s.readFull(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (s *tdsStream) ruint32() uint32 {
	var b [4]byte
	s.readFull(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (s *tdsStream) rint32() int32 {
	return int32(s.ruint32())
}

func (s *tdsStream) ruint64() uint64 {
	var b [8]byte
	s.readFull(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (s *tdsStream) bVarChar() string {
	res, err := readBVarChar(s)
	if err != nil {
		protoPanic(err)
	}
	return res
}

func (s *tdsStream) usVarChar() string {
	res, err := readUsVarChar(s)
	if err != nil {
		protoPanic(err)
	}
	return res
}

// multipartName reads the dotted table name that trails TEXT, NTEXT
// and IMAGE column metadata.
func (s *tdsStream) multipartName() string {
	parts := int(s.rbyte())
	name := ""
	for i := 0; i < parts; i++ {
		if name != "" {
			name += "."
		}
		name += s.usVarChar()
	}
	return name
}
