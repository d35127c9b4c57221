package mssql

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManglePassword(t *testing.T) {
	// each UCS-2 byte is nibble swapped then xored with 0xA5
	assert.Equal(t,
		[]byte{0xa2, 0xa5, 0xb3, 0xa5, 0x92, 0xa5, 0x92, 0xa5},
		manglePassword("pass"))

	// round trip through the inverse transformation
	mangled := manglePassword("swordfish")
	unmangled := make([]byte, len(mangled))
	for i, ch := range mangled {
		ch ^= 0xA5
		unmangled[i] = (ch << 4) | (ch >> 4)
	}
	s, err := ucs22str(unmangled)
	require.NoError(t, err)
	assert.Equal(t, "swordfish", s)
}

func TestPreloginRoundTrip(t *testing.T) {
	fields := map[uint8][]byte{
		preloginVERSION:    {0, 0, 0, 0, 0, 0},
		preloginENCRYPTION: {encryptOn},
		preloginINSTOPT:    {0},
		preloginTHREADID:   {0, 0, 0, 0},
		preloginMARS:       {1},
	}

	var tr fakeTransport
	out := newTdsStream(4096, &tr)
	require.NoError(t, writePrelogin(out, fields))

	raw := tr.w.Bytes()
	assert.Equal(t, byte(packPrelogin), raw[0])

	// the server's reply uses the same layout in a reply packet
	raw[0] = byte(packReply)
	in := newTdsStream(4096, newFakeTransport(raw))
	got, err := readPrelogin(in)
	require.NoError(t, err)
	assert.Equal(t, fields, got)
}

func TestBuildPreloginAdvertisesMars(t *testing.T) {
	cfg := Config{MARS: true}
	fields := buildPrelogin(&cfg)
	assert.Equal(t, []byte{1}, fields[preloginMARS])
	assert.Equal(t, 36, len(fields[preloginTRACEID]))

	cfg = Config{Encryption: EncryptionRequired}
	fields = buildPrelogin(&cfg)
	assert.Equal(t, []byte{encryptOn}, fields[preloginENCRYPTION])

	cfg = Config{Encryption: EncryptionDisabled}
	fields = buildPrelogin(&cfg)
	assert.Equal(t, []byte{encryptNotSup}, fields[preloginENCRYPTION])
}

func TestNegotiateEncryption(t *testing.T) {
	cfg := Config{Encryption: EncryptionRequired}
	_, err := negotiateEncryption(&cfg, map[uint8][]byte{preloginENCRYPTION: {encryptNotSup}})
	assert.Error(t, err)

	level, err := negotiateEncryption(&cfg, map[uint8][]byte{preloginENCRYPTION: {encryptOn}})
	require.NoError(t, err)
	assert.Equal(t, byte(encryptOn), level)

	_, err = negotiateEncryption(&cfg, map[uint8][]byte{})
	assert.Error(t, err)
}

func TestAllHeadersCarriesTransactionDescriptor(t *testing.T) {
	headers := []headerStruct{{
		hdrtype: dataStmHdrTransDescr,
		data:    transDescrHdr{0x1122334455667788, 1}.pack(),
	}}
	var buf bytes.Buffer
	require.NoError(t, writeAllHeaders(&buf, headers))

	raw := buf.Bytes()
	require.Equal(t, 22, len(raw))
	assert.Equal(t, uint32(22), binary.LittleEndian.Uint32(raw[0:4])) // total length
	assert.Equal(t, uint32(18), binary.LittleEndian.Uint32(raw[4:8])) // header length
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(raw[8:10])) // transaction descriptor
	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(raw[10:18]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[18:22])) // outstanding requests
}

func TestSendBatch(t *testing.T) {
	var tr fakeTransport
	s := newTdsStream(4096, &tr)

	headers := []headerStruct{{
		hdrtype: dataStmHdrTransDescr,
		data:    transDescrHdr{42, 1}.pack(),
	}}
	require.NoError(t, sendBatch(s, "select 1", headers, false))

	raw := tr.w.Bytes()
	assert.Equal(t, byte(packSQLBatch), raw[0])
	assert.Equal(t, byte(packStatusEOM), raw[1])

	payload := raw[packetHeaderSize:]
	assert.Equal(t, uint32(22), binary.LittleEndian.Uint32(payload[0:4]))
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(payload[10:18]))
	assert.Equal(t, str2ucs2("select 1"), payload[22:])
}

func TestSessionHeadersFollowEnvChange(t *testing.T) {
	// after ENVCHANGE begin, the descriptor goes out with the next
	// request; after commit it reverts to zero
	sess := testSession()

	var payload bytes.Buffer
	payload.Write(envChangeBeginTran(77))
	doneToken(&payload, 0, 0)
	runResponse(t, sess, payload.Bytes())
	require.Equal(t, uint64(77), sess.state.tranid)

	var tr fakeTransport
	s := newTdsStream(4096, &tr)
	require.NoError(t, sendBatch(s, "select 1", sess.sessionHeaders(), false))
	assert.Equal(t, uint64(77),
		binary.LittleEndian.Uint64(tr.w.Bytes()[packetHeaderSize+10:packetHeaderSize+18]))

	payload.Reset()
	payload.Write(envChangeEndTran(envCommitTrans))
	doneToken(&payload, 0, 0)
	runResponse(t, sess, payload.Bytes())
	assert.Equal(t, uint64(0), sess.state.tranid)

	tr.w.Reset()
	require.NoError(t, sendBatch(s, "select 1", sess.sessionHeaders(), false))
	assert.Equal(t, uint64(0),
		binary.LittleEndian.Uint64(tr.w.Bytes()[packetHeaderSize+10:packetHeaderSize+18]))
}

func TestLoginSerialization(t *testing.T) {
	var tr fakeTransport
	s := newTdsStream(4096, &tr)

	li := loginInfo{
		hostName:   "host",
		userName:   "user",
		password:   "secret",
		appName:    "app",
		serverName: "server",
		database:   "db",
	}
	require.NoError(t, sendLogin(s, li))

	raw := tr.w.Bytes()
	assert.Equal(t, byte(packLogin7), raw[0])
	payload := raw[packetHeaderSize:]

	length := binary.LittleEndian.Uint32(payload[0:4])
	assert.Equal(t, int(length), len(payload))
	assert.Equal(t, uint32(verTDS74), binary.LittleEndian.Uint32(payload[4:8]))

	// the password never appears in clear text
	assert.False(t, bytes.Contains(payload, str2ucs2("secret")))

	// the fixed record is 94 bytes; the variable region starts with
	// the host name
	assert.Equal(t, str2ucs2("host"), payload[94:94+8])
}

func TestLoginFeatureExtBlock(t *testing.T) {
	blob := encodeFeatureExts([]featureExt{utf8Feature{}, colEncFeature{}})
	require.NotNil(t, blob)
	assert.Equal(t, featExtUTF8SUPPORT, blob[0])
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(blob[1:5]))
	assert.Equal(t, byte(1), blob[5])
	assert.Equal(t, featExtCOLUMNENCRYPTION, blob[6])
	assert.Equal(t, byte(featExtTERMINATOR), blob[len(blob)-1])

	assert.Nil(t, encodeFeatureExts(nil))
}

func TestTmRequests(t *testing.T) {
	var tr fakeTransport
	s := newTdsStream(4096, &tr)
	headers := []headerStruct{{
		hdrtype: dataStmHdrTransDescr,
		data:    transDescrHdr{0, 1}.pack(),
	}}

	require.NoError(t, sendBeginXact(s, headers, uint8(IsolationSnapshot), "", false))
	raw := tr.w.Bytes()
	assert.Equal(t, byte(packTransMgrReq), raw[0])
	payload := raw[packetHeaderSize:]
	assert.Equal(t, uint16(tmBeginXact), binary.LittleEndian.Uint16(payload[22:24]))
	assert.Equal(t, byte(IsolationSnapshot), payload[24])

	tr.w.Reset()
	require.NoError(t, sendEndXact(s, headers, tmRollbackXact, "", false))
	payload = tr.w.Bytes()[packetHeaderSize:]
	assert.Equal(t, uint16(tmRollbackXact), binary.LittleEndian.Uint16(payload[22:24]))
}

func TestAttentionAcknowledgedByDone(t *testing.T) {
	// an executor dropped mid-result sends attention; the
	// confirmation is a DONE with the attention bit
	var tr fakeTransport
	s := newTdsStream(4096, &tr)
	require.NoError(t, sendAttention(s))

	var payload bytes.Buffer
	doneToken(&payload, doneAttn, 0)
	items := runResponse(t, testSession(), payload.Bytes())
	done := items[len(items)-1].(doneMsg)
	assert.True(t, done.status&doneAttn != 0)
}
