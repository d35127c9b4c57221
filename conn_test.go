package mssql

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSession returns a session whose stream reads the given
// canned reply and records what the executor sends.
func scriptedSession(reply []byte) (*Session, *fakeTransport) {
	tr := newFakeTransport(singlePacket(packReply, reply))
	sess := testSession()
	sess.buf = newTdsStream(4096, tr)
	return &Session{sess: sess}, tr
}

func singleIntColumn(rows ...uint32) []byte {
	var payload bytes.Buffer
	wByte(&payload, byte(tokenColMetadata))
	wUint16(&payload, 1)
	colMetaInt4(&payload, "n")
	for _, v := range rows {
		wByte(&payload, byte(tokenRow))
		wUint32(&payload, v)
	}
	doneToken(&payload, doneCount, uint64(len(rows)))
	return payload.Bytes()
}

func TestSessionBatchRows(t *testing.T) {
	s, tr := scriptedSession(singleIntColumn(1, 2, 3))

	rows, err := s.Batch(context.Background(), "select n from t")
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, rows.Columns())

	var got []int64
	for {
		row, err := rows.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, row[0].(int64))
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, int64(3), rows.RowsAffected())
	require.NoError(t, rows.Close())

	// the request went out as a batch message
	assert.Equal(t, byte(packSQLBatch), tr.w.Bytes()[0])
}

func TestSessionExecRowCount(t *testing.T) {
	var payload bytes.Buffer
	doneToken(&payload, doneCount, 5)
	s, _ := scriptedSession(payload.Bytes())

	n, err := s.Exec(context.Background(), "update t set x = 1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestSessionQueryThroughExecuteSql(t *testing.T) {
	// SELECT @n * 2 with @n = 42 comes back as a single row [84]
	var payload bytes.Buffer
	wByte(&payload, byte(tokenColMetadata))
	wUint16(&payload, 1)
	colMetaInt4(&payload, "")
	wByte(&payload, byte(tokenRow))
	wUint32(&payload, 84)
	wByte(&payload, byte(tokenReturnStatus))
	wUint32(&payload, 0)
	wByte(&payload, byte(tokenDoneProc))
	wUint16(&payload, 0)
	wUint16(&payload, 0)
	wUint64(&payload, 0)

	s, tr := scriptedSession(payload.Bytes())
	rows, err := s.Query(context.Background(), "SELECT @n * 2", Param{Name: "n", Value: int64(42)})
	require.NoError(t, err)

	row, err := rows.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(84), row[0])

	_, err = rows.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, ReturnStatus(0), rows.Status())

	// the request used the sp_executesql special proc
	raw := tr.w.Bytes()
	assert.Equal(t, byte(packRPCRequest), raw[0])
	payloadOut := raw[packetHeaderSize:]
	assert.Equal(t, uint16(0xffff), binary.LittleEndian.Uint16(payloadOut[22:24]))
	assert.Equal(t, uint16(10), binary.LittleEndian.Uint16(payloadOut[24:26]))
}

func TestSessionRpcOutputParam(t *testing.T) {
	var payload bytes.Buffer
	wByte(&payload, byte(tokenReturnStatus))
	wUint32(&payload, 0)
	wByte(&payload, byte(tokenReturnValue))
	wUint16(&payload, 1)
	wBVarChar(&payload, "@n")
	wByte(&payload, 1)
	wUint32(&payload, 0)
	wUint16(&payload, 0)
	wByte(&payload, typeIntN)
	wByte(&payload, 4)
	wByte(&payload, 4)
	wUint32(&payload, 84)
	wByte(&payload, byte(tokenDoneProc))
	wUint16(&payload, 0)
	wUint16(&payload, 0)
	wUint64(&payload, 0)

	s, tr := scriptedSession(payload.Bytes())
	var out int64
	rows, err := s.Rpc(context.Background(), "sp_double",
		[]Param{{Name: "n", Value: int64(42), Out: true}},
		map[string]interface{}{"n": &out})
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	assert.Equal(t, int64(84), out)

	// the proc was invoked by name
	raw := tr.w.Bytes()
	assert.Equal(t, byte(packRPCRequest), raw[0])
	payloadOut := raw[packetHeaderSize:]
	name, err := ucs22str(payloadOut[24 : 24+18])
	require.NoError(t, err)
	assert.Equal(t, "sp_double", name)
}

func TestSessionBatchServerError(t *testing.T) {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, int32(208)) // invalid object name
	wByte(&body, 1)
	wByte(&body, 16)
	msg := str2ucs2("Invalid object name 'missing'.")
	wUint16(&body, uint16(len(msg)/2))
	body.Write(msg)
	wBVarChar(&body, "server")
	wBVarChar(&body, "")
	binary.Write(&body, binary.LittleEndian, int32(1))

	var payload bytes.Buffer
	wByte(&payload, byte(tokenError))
	wUint16(&payload, uint16(body.Len()))
	payload.Write(body.Bytes())
	doneToken(&payload, doneError, 0)

	s, _ := scriptedSession(payload.Bytes())
	_, err := s.Batch(context.Background(), "select * from missing")
	require.Error(t, err)
	srvErr, ok := err.(Error)
	require.True(t, ok)
	assert.Equal(t, int32(208), srvErr.Number)
}

func TestRowsNextResultSet(t *testing.T) {
	var payload bytes.Buffer
	wByte(&payload, byte(tokenColMetadata))
	wUint16(&payload, 1)
	colMetaInt4(&payload, "a")
	wByte(&payload, byte(tokenRow))
	wUint32(&payload, 1)
	doneToken(&payload, doneMore, 0)
	wByte(&payload, byte(tokenColMetadata))
	wUint16(&payload, 1)
	colMetaInt4(&payload, "b")
	wByte(&payload, byte(tokenRow))
	wUint32(&payload, 2)
	doneToken(&payload, 0, 0)

	s, _ := scriptedSession(payload.Bytes())
	rows, err := s.Batch(context.Background(), "select 1; select 2")
	require.NoError(t, err)

	row, err := rows.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1), row[0])
	_, err = rows.Next()
	assert.Equal(t, io.EOF, err)

	require.True(t, rows.NextResultSet())
	assert.Equal(t, []string{"b"}, rows.Columns())
	row, err = rows.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(2), row[0])
	_, err = rows.Next()
	assert.Equal(t, io.EOF, err)
	assert.False(t, rows.NextResultSet())
}

// closeOnWrite ends the in-flight response channel once a packet has
// been written to the transport.
type closeOnWrite struct {
	*fakeTransport
	ch chan tokenItem
}

func (c closeOnWrite) Write(p []byte) (int, error) {
	n, err := c.fakeTransport.Write(p)
	close(c.ch)
	return n, err
}

func TestCancellationSendsAttention(t *testing.T) {
	// the statement is still in flight when the context is cancelled;
	// its response ends once the attention is out, and the
	// acknowledgement arrives in the next response
	var payload bytes.Buffer
	doneToken(&payload, doneAttn, 0)
	tr := newFakeTransport(singlePacket(packReply, payload.Bytes()))
	inFlight := make(chan tokenItem)
	sess := testSession()
	sess.buf = newTdsStream(4096, closeOnWrite{tr, inFlight})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rr := &responseReader{ch: inFlight, ctx: ctx, sess: sess}

	item, err := rr.next()
	assert.Nil(t, item)
	assert.Equal(t, context.Canceled, err)

	// an empty attention message went out
	raw := tr.w.Bytes()
	require.Equal(t, packetHeaderSize, len(raw))
	assert.Equal(t, byte(packAttention), raw[0])
	assert.Equal(t, byte(packStatusEOM), raw[1]&packStatusEOM)
}

func TestNewSessionRequiresMars(t *testing.T) {
	s, _ := scriptedSession(nil)
	c := &Conn{Session: *s}
	_, err := c.NewSession(context.Background())
	assert.Error(t, err)
}

func TestTransactionRequests(t *testing.T) {
	var payload bytes.Buffer
	doneToken(&payload, 0, 0)
	s, tr := scriptedSession(payload.Bytes())

	require.NoError(t, s.Begin(context.Background(), IsolationSerializable))
	raw := tr.w.Bytes()
	assert.Equal(t, byte(packTransMgrReq), raw[0])
	body := raw[packetHeaderSize:]
	assert.Equal(t, uint16(tmBeginXact), binary.LittleEndian.Uint16(body[22:24]))
	// a begin request always carries descriptor zero
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(body[10:18]))
}
