package mssql

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// wire type ids
// http://msdn.microsoft.com/en-us/library/dd358341.aspx
const (
	typeNull     = 0x1f
	typeInt1     = 0x30
	typeBit      = 0x32
	typeInt2     = 0x34
	typeInt4     = 0x38
	typeDateTim4 = 0x3a
	typeFlt4     = 0x3b
	typeMoney    = 0x3c
	typeDateTime = 0x3d
	typeFlt8     = 0x3e
	typeMoney4   = 0x7a
	typeInt8     = 0x7f

	typeGuid            = 0x24
	typeIntN            = 0x26
	typeDecimal         = 0x37 // legacy
	typeNumeric         = 0x3f // legacy
	typeBitN            = 0x68
	typeDecimalN        = 0x6a
	typeNumericN        = 0x6c
	typeFltN            = 0x6d
	typeMoneyN          = 0x6e
	typeDateTimeN       = 0x6f
	typeDateN           = 0x28
	typeTimeN           = 0x29
	typeDateTime2N      = 0x2a
	typeDateTimeOffsetN = 0x2b
	typeChar            = 0x2f // legacy
	typeVarChar         = 0x27 // legacy
	typeBinary          = 0x2d // legacy
	typeVarBinary       = 0x25 // legacy

	typeBigVarBin  = 0xa5
	typeBigVarChar = 0xa7
	typeBigBinary  = 0xad
	typeBigChar    = 0xaf
	typeNVarChar   = 0xe7
	typeNChar      = 0xef
	typeXml        = 0xf1
	typeUdt        = 0xf0

	typeText  = 0x23
	typeImage = 0x22
	typeNText = 0x63
)

// sentinels of the variable length framings
const (
	plpNull    = 0xFFFFFFFFFFFFFFFF
	plpUnknown = 0xFFFFFFFFFFFFFFFE
	varNull    = 0xFFFF
	longNull   = 0xFFFFFFFF
)

// days between 0001-01-01 and 1900-01-01
const basedays1900 = 693595

type udtInfo struct {
	dbName       string
	schemaName   string
	typeName     string
	assemblyName string
}

// typeInfo is everything needed to move one column's values across
// the wire: the type id and the width/precision/scale/collation tail
// that COLMETADATA and RPC parameter headers carry.
type typeInfo struct {
	id        uint8
	userType  uint32
	flags     uint16
	size      int
	prec      uint8
	scale     uint8
	collation collation
	plp       bool
	udt       udtInfo

	// per-row backing store; overwritten when the next value of this
	// column is read
	scratch []byte
}

func fixedWidth(id uint8) (int, bool) {
	switch id {
	case typeNull:
		return 0, true
	case typeInt1, typeBit:
		return 1, true
	case typeInt2:
		return 2, true
	case typeInt4, typeDateTim4, typeFlt4, typeMoney4:
		return 4, true
	case typeMoney, typeDateTime, typeFlt8, typeInt8:
		return 8, true
	}
	return 0, false
}

func isByteLenType(id uint8) bool {
	switch id {
	case typeGuid, typeIntN, typeDecimal, typeNumeric, typeBitN,
		typeDecimalN, typeNumericN, typeFltN, typeMoneyN, typeDateTimeN,
		typeDateN, typeTimeN, typeDateTime2N, typeDateTimeOffsetN,
		typeChar, typeVarChar, typeBinary, typeVarBinary:
		return true
	}
	return false
}

func isShortLenType(id uint8) bool {
	switch id {
	case typeBigVarBin, typeBigVarChar, typeBigBinary, typeBigChar,
		typeNVarChar, typeNChar:
		return true
	}
	return false
}

func isLongType(id uint8) bool {
	switch id {
	case typeText, typeNText, typeImage:
		return true
	}
	return false
}

// usesPLP reports whether values travel as a chunked partially
// length prefixed stream: MAX declarations, XML and UDTs.
func (ti *typeInfo) usesPLP() bool {
	if ti.plp || ti.id == typeXml || ti.id == typeUdt {
		return true
	}
	return isShortLenType(ti.id) && (ti.size == 0 || ti.size > 8000)
}

// width of the scaled time field for TIME/DATETIME2/DATETIMEOFFSET
func timeWidth(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	case scale <= 7:
		return 5
	}
	protoPanicf("invalid time scale %d", scale)
	return 0
}

// parseTypeInfo reads the type tail that follows a type id in
// COLMETADATA and RETURNVALUE streams.
func parseTypeInfo(r *tdsStream, id uint8) typeInfo {
	ti := typeInfo{id: id}
	if w, ok := fixedWidth(id); ok {
		ti.size = w
		ti.scratch = make([]byte, w)
		return ti
	}
	switch {
	case id == typeDateN:
		ti.size = 3
	case id == typeTimeN || id == typeDateTime2N || id == typeDateTimeOffsetN:
		ti.scale = r.rbyte()
		ti.size = timeWidth(ti.scale)
		if id == typeDateTime2N {
			ti.size += 3
		} else if id == typeDateTimeOffsetN {
			ti.size += 5
		}
	case isByteLenType(id):
		ti.size = int(r.rbyte())
		switch id {
		case typeDecimal, typeNumeric, typeDecimalN, typeNumericN:
			ti.prec = r.rbyte()
			ti.scale = r.rbyte()
		case typeChar, typeVarChar:
			ti.collation = readCollation(r)
		}
	case id == typeXml:
		if r.rbyte() != 0 {
			// schema collection names, not needed to parse values
			r.bVarChar()
			r.bVarChar()
			r.usVarChar()
		}
		ti.plp = true
	case id == typeUdt:
		ti.size = int(r.ruint16())
		ti.udt.dbName = r.bVarChar()
		ti.udt.schemaName = r.bVarChar()
		ti.udt.typeName = r.bVarChar()
		ti.udt.assemblyName = r.usVarChar()
		ti.plp = true
	case isShortLenType(id):
		ti.size = int(r.ruint16())
		switch id {
		case typeBigVarChar, typeBigChar, typeNVarChar, typeNChar:
			ti.collation = readCollation(r)
		}
		if ti.size == varNull {
			ti.plp = true
		}
	case isLongType(id):
		ti.size = int(r.rint32())
		if id == typeText || id == typeNText {
			ti.collation = readCollation(r)
		}
	default:
		protoPanicf("unsupported type id %#x", id)
	}
	if !ti.plp && !isLongType(id) && ti.scratch == nil {
		ti.scratch = make([]byte, ti.size)
	}
	return ti
}

// writeInfo serializes the type tail the way RPC parameters and BCP
// column metadata carry it.
func (ti *typeInfo) writeInfo(w io.Writer) error {
	if _, err := w.Write([]byte{ti.id}); err != nil {
		return err
	}
	if _, ok := fixedWidth(ti.id); ok {
		return nil
	}
	switch {
	case ti.id == typeDateN:
		return nil
	case ti.id == typeTimeN || ti.id == typeDateTime2N || ti.id == typeDateTimeOffsetN:
		_, err := w.Write([]byte{ti.scale})
		return err
	case isByteLenType(ti.id):
		if ti.size > 0xff {
			return fmt.Errorf("type %#x cannot carry %d bytes", ti.id, ti.size)
		}
		if _, err := w.Write([]byte{byte(ti.size)}); err != nil {
			return err
		}
		switch ti.id {
		case typeDecimal, typeNumeric, typeDecimalN, typeNumericN:
			_, err := w.Write([]byte{ti.prec, ti.scale})
			return err
		case typeChar, typeVarChar:
			return writeCollation(w, ti.collation)
		}
		return nil
	case ti.id == typeXml:
		// no schema collection
		_, err := w.Write([]byte{0})
		return err
	case ti.id == typeUdt:
		if err := writeBVarChar(w, ti.udt.dbName); err != nil {
			return err
		}
		if err := writeBVarChar(w, ti.udt.schemaName); err != nil {
			return err
		}
		return writeBVarChar(w, ti.udt.typeName)
	case isShortLenType(ti.id):
		size := uint16(ti.size)
		if ti.usesPLP() {
			size = varNull
		}
		if err := binary.Write(w, binary.LittleEndian, size); err != nil {
			return err
		}
		switch ti.id {
		case typeBigVarChar, typeBigChar, typeNVarChar, typeNChar:
			return writeCollation(w, ti.collation)
		}
		return nil
	case isLongType(ti.id):
		if err := binary.Write(w, binary.LittleEndian, uint32(ti.size)); err != nil {
			return err
		}
		if ti.id == typeText || ti.id == typeNText {
			return writeCollation(w, ti.collation)
		}
		return nil
	}
	return fmt.Errorf("cannot serialize type %#x", ti.id)
}

// readPLP consumes a partially length prefixed stream: an 8 byte
// total length or sentinel, then 4-byte-prefixed chunks closed by a
// zero length chunk. A missing terminator is a protocol error.
func readPLP(r *tdsStream) []byte {
	total := r.ruint64()
	if total == plpNull {
		return nil
	}
	hint := 1024
	if total != plpUnknown {
		hint = int(total)
	}
	acc := bytes.NewBuffer(make([]byte, 0, hint))
	for {
		n := r.ruint32()
		if n == 0 {
			return acc.Bytes()
		}
		if _, err := io.CopyN(acc, r, int64(n)); err != nil {
			protoPanic(err)
		}
	}
}

func writePLP(w io.Writer, raw []byte) error {
	if raw == nil {
		return binary.Write(w, binary.LittleEndian, uint64(plpNull))
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(plpUnknown)); err != nil {
		return err
	}
	if len(raw) > 0 {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(raw))); err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.LittleEndian, uint32(0))
}

// readValue reads one value in the framing its type uses and decodes
// it. nil is SQL NULL. The backing storage of variable values is
// ti.scratch and only lives until the next row.
func (ti *typeInfo) readValue(r *tdsStream) interface{} {
	if _, ok := fixedWidth(ti.id); ok {
		r.readFull(ti.scratch)
		return ti.decode(ti.scratch)
	}
	switch {
	case ti.usesPLP():
		return ti.decode(readPLP(r))
	case isByteLenType(ti.id):
		n := int(r.rbyte())
		if n == 0 {
			return nil
		}
		if n > len(ti.scratch) {
			protoPanicf("value length %d exceeds the declared size %d", n, len(ti.scratch))
		}
		buf := ti.scratch[:n]
		r.readFull(buf)
		return ti.decode(buf)
	case isShortLenType(ti.id):
		n := int(r.ruint16())
		if n == varNull {
			return nil
		}
		if n > len(ti.scratch) {
			protoPanicf("value length %d exceeds the declared size %d", n, len(ti.scratch))
		}
		buf := ti.scratch[:n]
		r.readFull(buf)
		return ti.decode(buf)
	case isLongType(ti.id):
		// rows carry a text pointer and timestamp ahead of the value
		ptrLen := int(r.rbyte())
		if ptrLen == 0 {
			return nil
		}
		skip := make([]byte, ptrLen+8)
		r.readFull(skip)
		n := r.ruint32()
		if n == longNull {
			return nil
		}
		buf := make([]byte, n)
		r.readFull(buf)
		return ti.decode(buf)
	}
	protoPanicf("unsupported type id %#x", ti.id)
	return nil
}

// writeValue frames one raw value for an RPC parameter or a bulk
// copy row. nil raw means SQL NULL.
func (ti *typeInfo) writeValue(w io.Writer, raw []byte) error {
	if _, ok := fixedWidth(ti.id); ok {
		_, err := w.Write(raw)
		return err
	}
	switch {
	case ti.usesPLP():
		return writePLP(w, raw)
	case isByteLenType(ti.id):
		if raw == nil {
			_, err := w.Write([]byte{0})
			return err
		}
		if len(raw) > 0xff {
			return fmt.Errorf("value of %d bytes does not fit a byte length type", len(raw))
		}
		if _, err := w.Write([]byte{byte(len(raw))}); err != nil {
			return err
		}
		_, err := w.Write(raw)
		return err
	case isShortLenType(ti.id):
		if raw == nil {
			return binary.Write(w, binary.LittleEndian, uint16(varNull))
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(raw))); err != nil {
			return err
		}
		_, err := w.Write(raw)
		return err
	case isLongType(ti.id):
		if raw == nil {
			return binary.Write(w, binary.LittleEndian, uint32(longNull))
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(raw))); err != nil {
			return err
		}
		_, err := w.Write(raw)
		return err
	}
	return fmt.Errorf("cannot serialize type %#x", ti.id)
}

// decode converts the raw wire bytes of a value into its Go
// representation.
func (ti *typeInfo) decode(buf []byte) interface{} {
	if buf == nil {
		return nil
	}
	switch ti.id {
	case typeNull:
		return nil
	case typeInt1:
		return int64(buf[0])
	case typeBit, typeBitN:
		return buf[0] != 0
	case typeInt2:
		return int64(int16(binary.LittleEndian.Uint16(buf)))
	case typeInt4:
		return int64(int32(binary.LittleEndian.Uint32(buf)))
	case typeInt8:
		return int64(binary.LittleEndian.Uint64(buf))
	case typeIntN:
		switch len(buf) {
		case 1:
			return int64(buf[0])
		case 2:
			return int64(int16(binary.LittleEndian.Uint16(buf)))
		case 4:
			return int64(int32(binary.LittleEndian.Uint32(buf)))
		case 8:
			return int64(binary.LittleEndian.Uint64(buf))
		}
		protoPanicf("invalid width %d for INTN", len(buf))
	case typeFlt4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	case typeFlt8:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	case typeFltN:
		switch len(buf) {
		case 4:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		case 8:
			return math.Float64frombits(binary.LittleEndian.Uint64(buf))
		}
		protoPanicf("invalid width %d for FLTN", len(buf))
	case typeDateTim4:
		return decodeDateTim4(buf)
	case typeDateTime:
		return decodeDateTime(buf)
	case typeDateTimeN:
		switch len(buf) {
		case 4:
			return decodeDateTim4(buf)
		case 8:
			return decodeDateTime(buf)
		}
		protoPanicf("invalid width %d for DATETIMN", len(buf))
	case typeDateN:
		if len(buf) != 3 {
			protoPanicf("invalid width %d for DATE", len(buf))
		}
		return decodeDate(buf)
	case typeTimeN:
		return decodeTime(ti.scale, buf)
	case typeDateTime2N:
		return decodeDateTime2(ti.scale, buf)
	case typeDateTimeOffsetN:
		return decodeDateTimeOffset(ti.scale, buf)
	case typeMoney4:
		return decodeMoney4(buf)
	case typeMoney:
		return decodeMoney(buf)
	case typeMoneyN:
		switch len(buf) {
		case 4:
			return decodeMoney4(buf)
		case 8:
			return decodeMoney(buf)
		}
		protoPanicf("invalid width %d for MONEYN", len(buf))
	case typeDecimal, typeNumeric, typeDecimalN, typeNumericN:
		if len(buf) < 2 {
			protoPanicf("decimal value of %d bytes", len(buf))
		}
		return decodeDecimal(ti.prec, ti.scale, buf[0] != 0, buf[1:]).String()
	case typeChar, typeVarChar, typeBigChar, typeBigVarChar, typeText:
		s, err := cpDecode(ti.collation, buf)
		if err != nil {
			protoPanic(err)
		}
		return s
	case typeNChar, typeNVarChar, typeNText, typeXml:
		s, err := ucs22str(buf)
		if err != nil {
			protoPanic(err)
		}
		return s
	case typeBinary, typeVarBinary, typeBigBinary, typeBigVarBin, typeImage, typeUdt:
		out := make([]byte, len(buf))
		copy(out, buf)
		return out
	case typeGuid:
		if len(buf) != 16 {
			protoPanicf("invalid width %d for GUID", len(buf))
		}
		return guidFromWire(buf)
	}
	protoPanicf("no decoder for type %#x", ti.id)
	return nil
}

// temporal encodings
// http://msdn.microsoft.com/en-us/library/ee780895.aspx

func decodeDateInt(buf []byte) int {
	return int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
}

func decodeDate(buf []byte) time.Time {
	return time.Date(1, 1, 1+decodeDateInt(buf), 0, 0, 0, 0, time.UTC)
}

func encodeDate(t time.Time) []byte {
	days, _, _ := splitDateTime2(t)
	return []byte{byte(days), byte(days >> 8), byte(days >> 16)}
}

func decodeTimeInt(scale uint8, buf []byte) (sec int, ns int) {
	var ticks uint64
	for i := len(buf) - 1; i >= 0; i-- {
		ticks = ticks<<8 | uint64(buf[i])
	}
	for i := int(scale); i < 7; i++ {
		ticks *= 10
	}
	total := ticks * 100 // nanoseconds
	return int(total / 1e9), int(total % 1e9)
}

// encodeTimeInt fills up to five bytes of scaled ticks; callers copy
// out the width their scale needs.
func encodeTimeInt(sec, ns, scale int, out []byte) {
	total := int64(sec)*1e9 + int64(ns)
	ticks := total / int64(math.Pow10(9-scale))
	for i := 0; i < 5; i++ {
		out[i] = byte(ticks >> (8 * i))
	}
}

func decodeTime(scale uint8, buf []byte) time.Time {
	sec, ns := decodeTimeInt(scale, buf)
	return time.Date(1, 1, 1, 0, 0, sec, ns, time.UTC)
}

func encodeTime(hour, minute, second, ns, scale int) []byte {
	var five [5]byte
	encodeTimeInt(hour*3600+minute*60+second, ns, scale, five[:])
	out := make([]byte, timeWidth(uint8(scale)))
	copy(out, five[:])
	return out
}

func decodeDateTime2(scale uint8, buf []byte) time.Time {
	split := len(buf) - 3
	sec, ns := decodeTimeInt(scale, buf[:split])
	return time.Date(1, 1, 1+decodeDateInt(buf[split:]), 0, 0, sec, ns, time.UTC)
}

func encodeDateTime2(t time.Time, scale int) []byte {
	days, sec, ns := splitDateTime2(t)
	tw := timeWidth(uint8(scale))
	out := make([]byte, tw+3)
	var five [5]byte
	encodeTimeInt(sec, ns, scale, five[:])
	copy(out, five[:tw])
	out[tw] = byte(days)
	out[tw+1] = byte(days >> 8)
	out[tw+2] = byte(days >> 16)
	return out
}

func decodeDateTimeOffset(scale uint8, buf []byte) time.Time {
	split := len(buf) - 5
	sec, ns := decodeTimeInt(scale, buf[:split])
	days := decodeDateInt(buf[split : split+3])
	offsetMins := int(int16(binary.LittleEndian.Uint16(buf[split+3:])))
	return time.Date(1, 1, 1+days, 0, 0, sec+offsetMins*60, ns,
		time.FixedZone("", offsetMins*60))
}

func encodeDateTimeOffset(t time.Time, scale int) []byte {
	_, offset := t.Zone()
	days, sec, ns := splitDateTime2(t.In(time.UTC))
	tw := timeWidth(uint8(scale))
	out := make([]byte, tw+5)
	var five [5]byte
	encodeTimeInt(sec, ns, scale, five[:])
	copy(out, five[:tw])
	out[tw] = byte(days)
	out[tw+1] = byte(days >> 8)
	out[tw+2] = byte(days >> 16)
	binary.LittleEndian.PutUint16(out[tw+3:], uint16(int16(offset/60)))
	return out
}

// gregorianDays counts days since 0001-01-01 in the proleptic
// Gregorian calendar.
func gregorianDays(year, yearday int) int {
	y := year - 1
	return y*365 + y/4 - y/100 + y/400 + yearday - 1
}

// splitDateTime2 clamps to the DATETIME2 range and splits a time
// into its wire components.
func splitDateTime2(t time.Time) (days, sec, ns int) {
	days = gregorianDays(t.Year(), t.YearDay())
	sec = t.Hour()*3600 + t.Minute()*60 + t.Second()
	ns = t.Nanosecond()
	if days < 0 {
		return 0, 0, 0
	}
	if max := gregorianDays(9999, 365); days > max {
		return max, 23*3600 + 59*60 + 59, 999999900
	}
	return
}

// DATETIME: days since 1900-01-01, then 1/300 second ticks since
// midnight.
func decodeDateTime(buf []byte) time.Time {
	days := int(int32(binary.LittleEndian.Uint32(buf)))
	ticks := binary.LittleEndian.Uint32(buf[4:])
	sec := int(ticks / 300)
	ns := int(math.Trunc(float64(ticks%300)/0.3+0.5)) * 1e6
	return time.Date(1900, 1, 1+days, 0, 0, sec, ns, time.UTC)
}

func encodeDateTime(t time.Time) []byte {
	days := gregorianDays(t.Year(), t.YearDay()) - basedays1900
	ticks := 300*(t.Hour()*3600+t.Minute()*60+t.Second()) + t.Nanosecond()*300/1e9
	if min := gregorianDays(1753, 1) - basedays1900; days < min {
		days, ticks = min, 0
	}
	if max := gregorianDays(9999, 365) - basedays1900; days > max {
		days, ticks = max, (23*3600+59*60+59)*300+299
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out, uint32(days))
	binary.LittleEndian.PutUint32(out[4:], uint32(ticks))
	return out
}

// SMALLDATETIME: unsigned days since 1900-01-01, then minutes since
// midnight.
func decodeDateTim4(buf []byte) time.Time {
	days := binary.LittleEndian.Uint16(buf)
	mins := binary.LittleEndian.Uint16(buf[2:])
	return time.Date(1900, 1, 1+int(days), 0, int(mins), 0, 0, time.UTC)
}

func encodeDateTim4(t time.Time) []byte {
	days := gregorianDays(t.Year(), t.YearDay()) - basedays1900
	mins := t.Hour()*60 + t.Minute()
	if days < 0 {
		days, mins = 0, 0
	}
	if days > 0xffff {
		days, mins = 0xffff, 23*60+59
	}
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out, uint16(days))
	binary.LittleEndian.PutUint16(out[2:], uint16(mins))
	return out
}

// money: a fixed point integer scaled by 10^4; the 8 byte form keeps
// its high dword first.
func decodeMoney(buf []byte) string {
	v := int64(binary.LittleEndian.Uint32(buf))<<32 |
		int64(binary.LittleEndian.Uint32(buf[4:]))
	return moneyString(v)
}

func encodeMoney(v int64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out, uint32(v>>32))
	binary.LittleEndian.PutUint32(out[4:], uint32(v))
	return out
}

func decodeMoney4(buf []byte) string {
	return moneyString(int64(int32(binary.LittleEndian.Uint32(buf))))
}

func encodeMoney4(v int32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(v))
	return out
}

func moneyString(v int64) string {
	d := Int64ToDecimalScale(v, 0)
	d.scale = 4
	d.prec = 20
	return d.String()
}

// UniqueIdentifier is a GUID as the server stores it. The first
// three groups are byte swapped on the wire.
type UniqueIdentifier [16]byte

func guidFromWire(b []byte) UniqueIdentifier {
	var u UniqueIdentifier
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

func (u UniqueIdentifier) wireBytes() []byte {
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b
}

func (u UniqueIdentifier) String() string {
	return fmt.Sprintf("%X-%X-%X-%X-%X", u[0:4], u[4:6], u[6:8], u[8:10], u[10:])
}

// ParseUniqueIdentifier accepts the canonical dashed form.
func ParseUniqueIdentifier(s string) (UniqueIdentifier, error) {
	var u UniqueIdentifier
	clean := strings.ReplaceAll(s, "-", "")
	if len(clean) != 32 {
		return u, fmt.Errorf("mssql: invalid GUID %q", s)
	}
	_, err := hex.Decode(u[:], []byte(clean))
	return u, err
}

// sqlTypeName renders the T-SQL declaration of a type, as used in
// INSERT BULK column lists and sp_executesql parameter declarations.
func sqlTypeName(ti typeInfo) string {
	switch ti.id {
	case typeNull:
		return "nvarchar(1)"
	case typeInt1:
		return "tinyint"
	case typeInt2:
		return "smallint"
	case typeInt4:
		return "int"
	case typeInt8:
		return "bigint"
	case typeIntN:
		switch ti.size {
		case 1:
			return "tinyint"
		case 2:
			return "smallint"
		case 4:
			return "int"
		}
		return "bigint"
	case typeFlt4:
		return "real"
	case typeFlt8:
		return "float"
	case typeFltN:
		if ti.size == 4 {
			return "real"
		}
		return "float"
	case typeBit, typeBitN:
		return "bit"
	case typeDecimal, typeDecimalN:
		return fmt.Sprintf("decimal(%d, %d)", ti.prec, ti.scale)
	case typeNumeric, typeNumericN:
		return fmt.Sprintf("numeric(%d, %d)", ti.prec, ti.scale)
	case typeMoney4:
		return "smallmoney"
	case typeMoney:
		return "money"
	case typeMoneyN:
		if ti.size == 4 {
			return "smallmoney"
		}
		return "money"
	case typeDateN:
		return "date"
	case typeDateTim4:
		return "smalldatetime"
	case typeDateTime:
		return "datetime"
	case typeDateTimeN:
		if ti.size == 4 {
			return "smalldatetime"
		}
		return "datetime"
	case typeTimeN:
		return fmt.Sprintf("time(%d)", ti.scale)
	case typeDateTime2N:
		return fmt.Sprintf("datetime2(%d)", ti.scale)
	case typeDateTimeOffsetN:
		return fmt.Sprintf("datetimeoffset(%d)", ti.scale)
	case typeBigVarBin:
		if ti.usesPLP() {
			return "varbinary(max)"
		}
		return fmt.Sprintf("varbinary(%d)", ti.size)
	case typeBigBinary:
		return fmt.Sprintf("binary(%d)", ti.size)
	case typeBigVarChar, typeVarChar:
		if ti.usesPLP() {
			return "varchar(max)"
		}
		return fmt.Sprintf("varchar(%d)", ti.size)
	case typeBigChar, typeChar:
		return fmt.Sprintf("char(%d)", ti.size)
	case typeNVarChar:
		if ti.usesPLP() {
			return "nvarchar(max)"
		}
		return fmt.Sprintf("nvarchar(%d)", ti.size/2)
	case typeNChar:
		return fmt.Sprintf("nchar(%d)", ti.size/2)
	case typeText:
		return "text"
	case typeNText:
		return "ntext"
	case typeImage:
		return "image"
	case typeGuid:
		return "uniqueidentifier"
	case typeXml:
		return "xml"
	case typeUdt:
		return ti.udt.typeName
	}
	panic(fmt.Sprintf("no declaration for type %#x", ti.id))
}
