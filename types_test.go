package mssql

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateTimeRoundTrip(t *testing.T) {
	values := []time.Time{
		time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 6, 15, 13, 45, 30, 0, time.UTC),
		time.Date(1753, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	for _, v := range values {
		buf := encodeDateTime(v)
		require.Equal(t, 8, len(buf))
		assert.Equal(t, v, decodeDateTime(buf), v.String())
	}
}

func TestDateTimeThirdOfSecondTicks(t *testing.T) {
	// 1/300 second resolution survives within rounding
	v := time.Date(2020, 2, 3, 4, 5, 6, 10000000, time.UTC)
	got := decodeDateTime(encodeDateTime(v))
	assert.True(t, got.Sub(v) < 4*time.Millisecond && v.Sub(got) < 4*time.Millisecond)
}

func TestSmallDateTimeRoundTrip(t *testing.T) {
	values := []time.Time{
		time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2021, 3, 4, 17, 30, 0, 0, time.UTC),
	}
	for _, v := range values {
		buf := encodeDateTim4(v)
		require.Equal(t, 4, len(buf))
		assert.Equal(t, v, decodeDateTim4(buf))
	}
}

func TestSmallDateTimeClampsRange(t *testing.T) {
	buf := encodeDateTim4(time.Date(1800, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestDateRoundTrip(t *testing.T) {
	values := []time.Time{
		time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
	}
	for _, v := range values {
		buf := encodeDate(v)
		require.Equal(t, 3, len(buf))
		assert.Equal(t, v, decodeDate(buf))
	}
}

func TestDateTime2ScaleWidths(t *testing.T) {
	v := time.Date(2022, 8, 9, 10, 11, 12, 0, time.UTC)
	widths := map[int]int{0: 3, 2: 3, 3: 4, 4: 4, 5: 5, 7: 5}
	for scale, timesize := range widths {
		buf := encodeDateTime2(v, scale)
		assert.Equal(t, timesize+3, len(buf), "scale %d", scale)
		assert.Equal(t, v, decodeDateTime2(uint8(scale), buf))
	}
}

func TestDateTime2FractionalSeconds(t *testing.T) {
	v := time.Date(2022, 8, 9, 10, 11, 12, 123456700, time.UTC)
	buf := encodeDateTime2(v, 7)
	assert.Equal(t, v, decodeDateTime2(7, buf))
}

func TestTimeRoundTrip(t *testing.T) {
	buf := encodeTime(13, 14, 15, 123456700, 7)
	require.Equal(t, 5, len(buf))
	got := decodeTime(7, buf)
	assert.Equal(t, 13, got.Hour())
	assert.Equal(t, 14, got.Minute())
	assert.Equal(t, 15, got.Second())
	assert.Equal(t, 123456700, got.Nanosecond())
}

func TestDateTimeOffsetRoundTrip(t *testing.T) {
	loc := time.FixedZone("", 2*3600)
	v := time.Date(2022, 5, 6, 7, 8, 9, 0, loc)
	buf := encodeDateTimeOffset(v, 7)
	got := decodeDateTimeOffset(7, buf)
	assert.True(t, v.Equal(got))
	_, offset := got.Zone()
	assert.Equal(t, 2*3600, offset)
}

func TestMoneyRoundTrip(t *testing.T) {
	// money keeps four decimal places; the high dword leads
	buf := encodeMoney(1234567891)
	require.Equal(t, 8, len(buf))
	assert.Equal(t, "123456.7891", decodeMoney(buf))

	buf4 := encodeMoney4(567891)
	assert.Equal(t, "56.7891", decodeMoney4(buf4))
}

func TestMoneyHighDwordFirst(t *testing.T) {
	amount := int64(0x0102030405060708)
	buf := encodeMoney(amount)
	assert.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(0x05060708), binary.LittleEndian.Uint32(buf[4:8]))
}

func plpStream(chunks [][]byte, terminated bool) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(plpUnknown))
	for _, c := range chunks {
		binary.Write(&buf, binary.LittleEndian, uint32(len(c)))
		buf.Write(c)
	}
	if terminated {
		binary.Write(&buf, binary.LittleEndian, uint32(0))
	}
	return buf.Bytes()
}

func readPLPValue(t *testing.T, data []byte) (res interface{}, panicked error) {
	in := newTdsStream(4096, newFakeTransport(singlePacket(packReply, data)))
	_, err := in.beginRead()
	require.NoError(t, err)
	ti := typeInfo{id: typeNVarChar, plp: true}
	defer func() {
		if r := recover(); r != nil {
			panicked = r.(error)
		}
	}()
	res = ti.readValue(in)
	return
}

func TestPLPChunkedDecode(t *testing.T) {
	payload := str2ucs2("hello world")

	single, err := readPLPValue(t, plpStream([][]byte{payload}, true))
	require.NoError(t, err)

	split, err := readPLPValue(t, plpStream([][]byte{payload[:6], payload[6:]}, true))
	require.NoError(t, err)

	assert.Equal(t, "hello world", single)
	assert.Equal(t, single, split)
}

func TestPLPMissingTerminatorIsError(t *testing.T) {
	payload := str2ucs2("hello world")
	_, err := readPLPValue(t, plpStream([][]byte{payload}, false))
	assert.Error(t, err, "chunk stream without the zero length terminator must be rejected")
}

func TestPLPNull(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(plpNull))
	res, err := readPLPValue(t, buf.Bytes())
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestWritePLPTerminatesStream(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("abc")
	require.NoError(t, writePLP(&buf, payload))
	raw := buf.Bytes()
	assert.Equal(t, uint64(plpUnknown), binary.LittleEndian.Uint64(raw[:8]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw[8:12]))
	assert.Equal(t, payload, raw[12:15])
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(raw[15:19]))
}

func TestTypeInfoRoundTrip(t *testing.T) {
	// the tail written for a parameter parses back identically
	tis := []typeInfo{
		{id: typeIntN, size: 8, scratch: make([]byte, 8)},
		{id: typeDecimalN, size: 17, prec: 38, scale: 10, scratch: make([]byte, 17)},
		{id: typeNVarChar, size: 40, collation: defaultCollation, scratch: make([]byte, 40)},
		{id: typeTimeN, size: 5, scale: 7, scratch: make([]byte, 5)},
		{id: typeGuid, size: 16, scratch: make([]byte, 16)},
	}
	for _, ti := range tis {
		var buf bytes.Buffer
		require.NoError(t, ti.writeInfo(&buf))

		in := newTdsStream(4096, newFakeTransport(singlePacket(packReply, buf.Bytes())))
		_, err := in.beginRead()
		require.NoError(t, err)
		id := in.rbyte()
		got := parseTypeInfo(in, id)
		assert.Equal(t, ti, got, "type %#x", ti.id)
	}
}

func TestSqlTypeName(t *testing.T) {
	values := []struct {
		ti   typeInfo
		decl string
	}{
		{typeInfo{id: typeInt4}, "int"},
		{typeInfo{id: typeIntN, size: 8}, "bigint"},
		{typeInfo{id: typeFltN, size: 8}, "float"},
		{typeInfo{id: typeNVarChar, size: 20}, "nvarchar(10)"},
		{typeInfo{id: typeNVarChar, plp: true}, "nvarchar(max)"},
		{typeInfo{id: typeBigVarBin, size: 16}, "varbinary(16)"},
		{typeInfo{id: typeDecimalN, prec: 38, scale: 10}, "decimal(38, 10)"},
		{typeInfo{id: typeGuid}, "uniqueidentifier"},
		{typeInfo{id: typeDateTime2N, scale: 7}, "datetime2(7)"},
	}
	for _, v := range values {
		assert.Equal(t, v.decl, sqlTypeName(v.ti))
	}
}

func TestUcs2Conversions(t *testing.T) {
	s := "héllo wörld"
	back, err := ucs22str(str2ucs2(s))
	require.NoError(t, err)
	assert.Equal(t, s, back)

	_, err = ucs22str([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUniqueIdentifierWireSwap(t *testing.T) {
	u, err := ParseUniqueIdentifier("01020304-0506-0708-090A-0B0C0D0E0F10")
	require.NoError(t, err)

	wire := u.wireBytes()
	// the first three groups travel byte swapped
	assert.Equal(t, []byte{4, 3, 2, 1, 6, 5, 8, 7}, wire[:8])
	assert.Equal(t, []byte{9, 10, 11, 12, 13, 14, 15, 16}, wire[8:])

	assert.Equal(t, u, guidFromWire(wire))
	assert.Equal(t, "01020304-0506-0708-090A-0B0C0D0E0F10", u.String())

	_, err = ParseUniqueIdentifier("zz")
	assert.Error(t, err)
}

func TestDecodeIntWidths(t *testing.T) {
	ti := typeInfo{id: typeIntN}
	assert.Equal(t, int64(7), ti.decode([]byte{7}))
	assert.Equal(t, int64(-2), ti.decode([]byte{0xfe, 0xff}))
	assert.Equal(t, int64(1<<20), ti.decode([]byte{0, 0, 0x10, 0}))
	assert.Equal(t, int64(-1), ti.decode([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}))
}
