package mssql

import (
	"encoding/binary"
	"io"
)

// collation is the 5-byte descriptor attached to character columns:
// 20 bits of LCID, comparison flag bits, a version nibble and the
// sort id used by legacy SQL collations.
type collation struct {
	lcidAndFlags uint32
	sortId       uint8
}

const (
	cFlagIgnoreCase   = 0x00100000
	cFlagIgnoreAccent = 0x00200000
	cFlagIgnoreWidth  = 0x00400000
	cFlagIgnoreKana   = 0x00800000
	cFlagBinary       = 0x01000000
	cFlagBinary2      = 0x02000000
	cFlagUTF8         = 0x04000000
)

func (c collation) getLcid() uint32 {
	return c.lcidAndFlags & 0x000fffff
}

func (c collation) getVersion() uint32 {
	return c.lcidAndFlags >> 28
}

// isUTF8 reports whether non-unicode values under this collation are
// UTF-8 and pass through without code page conversion.
func (c collation) isUTF8() bool {
	return c.lcidAndFlags&cFlagUTF8 != 0
}

func readCollation(r *tdsStream) collation {
	var c collation
	c.lcidAndFlags = r.ruint32()
	c.sortId = r.rbyte()
	return c
}

func writeCollation(w io.Writer, c collation) error {
	var b [5]byte
	binary.LittleEndian.PutUint32(b[:4], c.lcidAndFlags)
	b[4] = c.sortId
	_, err := w.Write(b[:])
	return err
}

// used for parameters sent before the server announces its collation
var defaultCollation = collation{lcidAndFlags: 0x00d00409} // Latin1_General_CI_AS
