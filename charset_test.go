package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a Windows collation for a given LCID, no sort id
func lcidCollation(lcid uint32) collation {
	return collation{lcidAndFlags: lcid}
}

func TestCharsetDecodeWindows1252(t *testing.T) {
	col := lcidCollation(0x0409) // en-US
	s, err := cpDecode(col, []byte{0x80, 0x61})
	require.NoError(t, err)
	assert.Equal(t, "€a", s)
}

func TestCharsetDecodeShiftJIS(t *testing.T) {
	col := lcidCollation(0x0411) // ja-JP
	s, err := cpDecode(col, []byte{0x82, 0xa0})
	require.NoError(t, err)
	assert.Equal(t, "あ", s)
}

func TestCharsetEncodeRoundTrip(t *testing.T) {
	cases := []struct {
		lcid uint32
		s    string
	}{
		{0x0409, "héllo"},  // cp1252
		{0x0419, "привет"}, // cp1251
		{0x0411, "こんにちは"},  // cp932
		{0x0412, "안녕하세요"},  // cp949
		{0x0804, "你好"},     // cp936
		{0x0404, "你好"},     // cp950
		{0x041e, "สวัสดี"}, // cp874
		{0x041f, "ğüşıöç"}, // cp1254
	}
	for _, c := range cases {
		col := lcidCollation(c.lcid)
		enc, err := cpEncode(col, c.s)
		require.NoError(t, err, "lcid %#x", c.lcid)
		back, err := cpDecode(col, enc)
		require.NoError(t, err)
		assert.Equal(t, c.s, back, "lcid %#x", c.lcid)
	}
}

func TestCharsetUnknownLcidIsError(t *testing.T) {
	_, err := cpDecode(lcidCollation(0x00ff), []byte("x"))
	assert.Error(t, err)
}

func TestCharsetUTF8FlagPassesThrough(t *testing.T) {
	col := collation{lcidAndFlags: 0x0409 | cFlagUTF8}
	s := "héllo, мир"
	enc, err := cpEncode(col, s)
	require.NoError(t, err)
	assert.Equal(t, []byte(s), enc)
	back, err := cpDecode(col, enc)
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestSortIdCodePages(t *testing.T) {
	cases := map[uint8]int{
		30:  437,
		40:  850,
		52:  1252,
		80:  1250,
		106: 1251,
		113: 1253,
		129: 1254,
		137: 1255,
		145: 1256,
		155: 1257,
		192: 932,
		194: 949,
		196: 950,
		198: 936,
		204: 874,
	}
	for sortId, cp := range cases {
		got, err := sortIdCodePage(sortId)
		require.NoError(t, err, "sort id %d", sortId)
		assert.Equal(t, cp, got, "sort id %d", sortId)
	}

	_, err := sortIdCodePage(1)
	assert.Error(t, err)
}

func TestCollationFlagAccessors(t *testing.T) {
	col := collation{lcidAndFlags: 0x00d00409}
	assert.Equal(t, uint32(0x0409), col.getLcid())
	assert.False(t, col.isUTF8())

	col.lcidAndFlags |= cFlagUTF8
	assert.True(t, col.isUTF8())
}

func TestReadWriteCollation(t *testing.T) {
	var tr fakeTransport
	out := newTdsStream(4096, &tr)
	out.beginMsg(packReply, false)
	require.NoError(t, writeCollation(out, defaultCollation))
	require.NoError(t, out.endMsg())

	in := newTdsStream(4096, newFakeTransport(tr.w.Bytes()))
	_, err := in.beginRead()
	require.NoError(t, err)
	assert.Equal(t, defaultCollation, readCollation(in))
}
