package mssql

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory stand-in for the TCP connection,
// shared by tests across the package.
type fakeTransport struct {
	r *bytes.Reader
	w bytes.Buffer
}

func newFakeTransport(data []byte) *fakeTransport {
	return &fakeTransport{r: bytes.NewReader(data)}
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	if f.r == nil {
		return 0, nil
	}
	return f.r.Read(p)
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *fakeTransport) Close() error {
	return nil
}

// singlePacket frames a payload as one final packet of the given
// type.
func singlePacket(pt packetType, payload []byte) []byte {
	buf := make([]byte, packetHeaderSize+len(payload))
	buf[0] = byte(pt)
	buf[1] = packStatusEOM
	binary.BigEndian.PutUint16(buf[2:], uint16(len(buf)))
	buf[6] = 1
	copy(buf[packetHeaderSize:], payload)
	return buf
}

func makePattern(n int) []byte {
	res := make([]byte, n)
	for i := range res {
		res[i] = byte(i % 251)
	}
	return res
}

func TestWriteSplitsMessageIntoPackets(t *testing.T) {
	tr := &fakeTransport{}
	s := newTdsStream(4096, tr)

	payload := makePattern(10000)
	s.beginMsg(packSQLBatch, false)
	_, err := s.Write(payload)
	require.NoError(t, err)
	require.NoError(t, s.endMsg())

	raw := tr.w.Bytes()
	var got []byte
	packets := 0
	for len(raw) > 0 {
		require.True(t, len(raw) >= packetHeaderSize, "truncated packet header")
		size := int(binary.BigEndian.Uint16(raw[2:4]))
		require.True(t, size <= 4096)
		require.True(t, size <= len(raw))
		assert.Equal(t, byte(packSQLBatch), raw[0])
		last := raw[1]&packStatusEOM != 0
		got = append(got, raw[packetHeaderSize:size]...)
		packets++
		raw = raw[size:]
		if last {
			assert.Equal(t, 0, len(raw), "data after the final packet")
		} else {
			assert.Equal(t, 4096, size, "only the final packet may be short")
		}
	}
	assert.Equal(t, 3, packets)
	assert.Equal(t, payload, got)
}

func TestReadReassemblesMessage(t *testing.T) {
	tr := &fakeTransport{}
	out := newTdsStream(4096, tr)
	payload := makePattern(9000)
	out.beginMsg(packReply, false)
	_, err := out.Write(payload)
	require.NoError(t, err)
	require.NoError(t, out.endMsg())

	in := newTdsStream(4096, newFakeTransport(tr.w.Bytes()))
	pt, err := in.beginRead()
	require.NoError(t, err)
	assert.Equal(t, packReply, pt)
	got, err := ioutil.ReadAll(in)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, in.last)
}

func TestReadRejectsOversizedPacket(t *testing.T) {
	pkt := singlePacket(packReply, make([]byte, 100))
	binary.BigEndian.PutUint16(pkt[2:], 5000) // longer than the negotiated size

	in := newTdsStream(4096, newFakeTransport(pkt))
	_, err := in.beginRead()
	assert.Error(t, err)
}

func TestReadRejectsShortHeaderLength(t *testing.T) {
	pkt := singlePacket(packReply, nil)
	binary.BigEndian.PutUint16(pkt[2:], 4) // shorter than the header itself

	in := newTdsStream(4096, newFakeTransport(pkt))
	_, err := in.beginRead()
	assert.Error(t, err)
}

func TestPacketSequenceNumbersWrap(t *testing.T) {
	tr := &fakeTransport{}
	s := newTdsStream(512, tr)
	// 300 packets of 504 payload bytes each
	payload := make([]byte, 504*300)
	s.beginMsg(packSQLBatch, false)
	_, err := s.Write(payload)
	require.NoError(t, err)
	require.NoError(t, s.endMsg())

	raw := tr.w.Bytes()
	seq := 0
	for len(raw) > 0 {
		size := int(binary.BigEndian.Uint16(raw[2:4]))
		assert.Equal(t, byte((seq+1)%256), raw[6])
		seq++
		raw = raw[size:]
	}
	assert.Equal(t, 300, seq)
}

func TestSetPacketSize(t *testing.T) {
	s := newTdsStream(4096, &fakeTransport{})
	s.setPacketSize(512)
	assert.Equal(t, 512, s.packetSize())
	assert.Equal(t, 512, len(s.wbuf))
	assert.Equal(t, 512, len(s.rbuf))
}
