package mssql

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang-sql/civil"
)

// Bulk drives one INSERT BULK operation: a batch statement switches
// the server into bulk mode, then a bulk-load message carries the
// column metadata and the rows.
type Bulk struct {
	ctx     context.Context
	session *Session
	table   string
	names   []string

	meta    []column // destination table columns
	cols    []column // the subset being loaded, in load order
	numRows int
	started bool

	Options BulkOptions
}

type BulkOptions struct {
	CheckConstraints  bool
	FireTriggers      bool
	KeepNulls         bool
	KilobytesPerBatch int
	RowsPerBatch      int
	Order             []string
	Tablock           bool
}

// BulkImport prepares a bulk insert into table; columns name the
// destination columns in the order AddRow expects values.
func (s *Session) BulkImport(ctx context.Context, table string, columns []string) *Bulk {
	return &Bulk{ctx: ctx, session: s, table: table, names: columns}
}

// start queries the destination metadata, issues the INSERT BULK
// statement and opens the bulk-load message.
func (b *Bulk) start() error {
	if err := b.fetchMetadata(); err != nil {
		return err
	}

	for _, name := range b.names {
		var found *column
		for i := range b.meta {
			if strings.EqualFold(b.meta[i].name, name) {
				found = &b.meta[i]
				break
			}
		}
		if found == nil {
			return fmt.Errorf("mssql: column %s does not exist in %s", name, b.table)
		}
		col := *found
		if col.ti.id == typeUdt {
			// user defined types load as their binary form
			col.ti.id = typeBigVarBin
		}
		b.cols = append(b.cols, col)
	}

	decls := make([]string, len(b.cols))
	for i, col := range b.cols {
		decls[i] = "[" + col.name + "] " + sqlTypeName(col.ti)
	}

	var opts []string
	if b.Options.CheckConstraints {
		opts = append(opts, "CHECK_CONSTRAINTS")
	}
	if b.Options.FireTriggers {
		opts = append(opts, "FIRE_TRIGGERS")
	}
	if b.Options.KeepNulls {
		opts = append(opts, "KEEP_NULLS")
	}
	if b.Options.KilobytesPerBatch > 0 {
		opts = append(opts, fmt.Sprintf("KILOBYTES_PER_BATCH = %d", b.Options.KilobytesPerBatch))
	}
	if b.Options.RowsPerBatch > 0 {
		opts = append(opts, fmt.Sprintf("ROWS_PER_BATCH = %d", b.Options.RowsPerBatch))
	}
	if len(b.Options.Order) > 0 {
		opts = append(opts, fmt.Sprintf("ORDER(%s)", strings.Join(b.Options.Order, ",")))
	}
	if b.Options.Tablock {
		opts = append(opts, "TABLOCK")
	}
	with := ""
	if len(opts) > 0 {
		with = fmt.Sprintf(" WITH (%s)", strings.Join(opts, ","))
	}

	query := fmt.Sprintf("INSERT BULK %s (%s)%s", b.table, strings.Join(decls, ", "), with)
	if _, err := b.session.Exec(b.ctx, query); err != nil {
		return err
	}

	b.started = true
	buf := b.session.sess.buf
	buf.beginMsg(packBulkLoadBCP, false)
	_, err := buf.Write(b.colMetadata())
	return err
}

// fetchMetadata learns the destination column types without reading
// any data.
func (b *Bulk) fetchMetadata() error {
	if _, err := b.session.Exec(b.ctx, "SET FMTONLY ON"); err != nil {
		return err
	}
	rows, err := b.session.Batch(b.ctx, fmt.Sprintf("select * from %s SET FMTONLY OFF", b.table))
	if err != nil {
		return fmt.Errorf("mssql: cannot read metadata of %s: %v", b.table, err)
	}
	b.meta = rows.cols
	return rows.Close()
}

// AddRow writes one row into the bulk stream. Values appear in the
// order the columns were named.
func (b *Bulk) AddRow(row []interface{}) error {
	if !b.started {
		if err := b.start(); err != nil {
			return err
		}
	}
	if len(row) != len(b.cols) {
		return fmt.Errorf("mssql: row has %d values, the load expects %d", len(row), len(b.cols))
	}

	out := new(bytes.Buffer)
	out.WriteByte(byte(tokenRow))
	for i := range b.cols {
		raw, err := encodeColValue(row[i], &b.cols[i])
		if err != nil {
			return err
		}
		if err := writeBcpValue(out, &b.cols[i], raw); err != nil {
			return err
		}
	}

	if _, err := b.session.sess.buf.Write(out.Bytes()); err != nil {
		return err
	}
	b.numRows++
	return nil
}

// writeBcpValue frames one column value inside a bulk row. The null
// markers differ per type class: a zero length byte, the two byte
// 0xFFFF, or the eight byte PLP sentinel; PLP values carry the chunk
// terminator even when empty.
func writeBcpValue(out *bytes.Buffer, col *column, raw []byte) error {
	ti := &col.ti
	if _, ok := fixedWidth(ti.id); ok {
		if raw == nil {
			return fmt.Errorf("mssql: column %s cannot be null", col.name)
		}
		out.Write(raw)
		return nil
	}
	switch {
	case ti.usesPLP():
		if raw == nil {
			binary.Write(out, binary.LittleEndian, uint64(plpNull))
			return nil
		}
		binary.Write(out, binary.LittleEndian, uint64(len(raw)))
		if len(raw) > 0 {
			binary.Write(out, binary.LittleEndian, uint32(len(raw)))
			out.Write(raw)
		}
		binary.Write(out, binary.LittleEndian, uint32(0))
	case isByteLenType(ti.id):
		if raw == nil {
			out.WriteByte(0)
			return nil
		}
		if len(raw) > 0xff {
			return fmt.Errorf("mssql: column %s: value of %d bytes is too long", col.name, len(raw))
		}
		out.WriteByte(byte(len(raw)))
		out.Write(raw)
	case isShortLenType(ti.id):
		if raw == nil {
			binary.Write(out, binary.LittleEndian, uint16(varNull))
			return nil
		}
		binary.Write(out, binary.LittleEndian, uint16(len(raw)))
		out.Write(raw)
	case isLongType(ti.id):
		if raw == nil {
			binary.Write(out, binary.LittleEndian, uint32(longNull))
			return nil
		}
		binary.Write(out, binary.LittleEndian, uint32(len(raw)))
		out.Write(raw)
	default:
		return fmt.Errorf("mssql: column %s: type %#x cannot be bulk loaded", col.name, ti.id)
	}
	return nil
}

// Done closes the bulk stream with a DONE token and reads the
// server's verdict, returning the inserted row count.
func (b *Bulk) Done() (int64, error) {
	if !b.started {
		return 0, nil
	}
	buf := b.session.sess.buf
	buf.WriteByte(byte(tokenDone))
	binary.Write(buf, binary.LittleEndian, uint16(doneFinal))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // current command
	binary.Write(buf, binary.LittleEndian, uint64(0)) // row count, server fills its own
	if err := buf.endMsg(); err != nil {
		return 0, err
	}

	rr := startResponse(b.ctx, b.session.sess, nil)
	if err := rr.drain(); err != nil {
		return 0, err
	}
	return rr.rowCount, nil
}

// colMetadata renders the COLMETADATA token describing the load:
// XML loads as nvarchar(max), UDTs as varbinary(max).
func (b *Bulk) colMetadata() []byte {
	out := new(bytes.Buffer)
	out.WriteByte(byte(tokenColMetadata))
	binary.Write(out, binary.LittleEndian, uint16(len(b.cols)))
	for _, col := range b.cols {
		ti := col.ti
		switch ti.id {
		case typeUdt:
			ti.id = typeBigVarBin
		case typeXml:
			ti.id = typeNVarChar
			ti.size = 0xffff
			ti.plp = true
		}
		binary.Write(out, binary.LittleEndian, col.userType)
		binary.Write(out, binary.LittleEndian, col.flags)
		ti.writeInfo(out)
		writeBVarChar(out, col.name)
	}
	return out.Bytes()
}

// encodeColValue converts a value into the raw wire bytes of the
// destination column's type, rescaling and range checking on the
// way. nil stays nil.
func encodeColValue(v interface{}, col *column) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	ti := &col.ti
	switch ti.id {
	case typeInt1, typeInt2, typeInt4, typeInt8, typeIntN:
		var n int64
		switch val := v.(type) {
		case int:
			n = int64(val)
		case int32:
			n = int64(val)
		case int64:
			n = val
		case float64:
			n = int64(val)
		default:
			return nil, valueErrorf(col.name, "cannot load %T into an integer column", v)
		}
		out := make([]byte, ti.size)
		switch ti.size {
		case 1:
			if n < 0 || n > math.MaxUint8 {
				return nil, valueErrorf(col.name, "value %d out of range for tinyint", n)
			}
			out[0] = byte(n)
		case 2:
			if n < math.MinInt16 || n > math.MaxInt16 {
				return nil, valueErrorf(col.name, "value %d out of range for smallint", n)
			}
			binary.LittleEndian.PutUint16(out, uint16(n))
		case 4:
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, valueErrorf(col.name, "value %d out of range for int", n)
			}
			binary.LittleEndian.PutUint32(out, uint32(n))
		case 8:
			binary.LittleEndian.PutUint64(out, uint64(n))
		default:
			return nil, valueErrorf(col.name, "integer column of width %d", ti.size)
		}
		return out, nil

	case typeFlt4, typeFlt8, typeFltN:
		var f float64
		switch val := v.(type) {
		case float32:
			f = float64(val)
		case float64:
			f = val
		case int:
			f = float64(val)
		case int64:
			f = float64(val)
		default:
			return nil, valueErrorf(col.name, "cannot load %T into a float column", v)
		}
		if ti.size == 4 {
			out := make([]byte, 4)
			binary.LittleEndian.PutUint32(out, math.Float32bits(float32(f)))
			return out, nil
		}
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, math.Float64bits(f))
		return out, nil

	case typeBit, typeBitN:
		val, ok := v.(bool)
		if !ok {
			return nil, valueErrorf(col.name, "cannot load %T into a bit column", v)
		}
		if val {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case typeNVarChar, typeNChar, typeNText, typeXml:
		switch val := v.(type) {
		case string:
			return str2ucs2(val), nil
		case []byte:
			return val, nil
		}
		return nil, valueErrorf(col.name, "cannot load %T into a unicode column", v)

	case typeVarChar, typeBigVarChar, typeChar, typeBigChar, typeText:
		switch val := v.(type) {
		case string:
			if ti.collation.isUTF8() {
				return []byte(val), nil
			}
			out, err := cpEncode(ti.collation, val)
			if err != nil {
				return nil, valueErrorf(col.name, "%v", err)
			}
			return out, nil
		case []byte:
			return val, nil
		}
		return nil, valueErrorf(col.name, "cannot load %T into a character column", v)

	case typeDateTim4, typeDateTime, typeDateTimeN:
		t, err := coerceTime(v, col.name)
		if err != nil {
			return nil, err
		}
		if ti.size == 4 {
			if days := gregorianDays(t.Year(), t.YearDay()) - basedays1900; days < 0 || days > 0xffff {
				return nil, valueErrorf(col.name, "date %v out of range for smalldatetime", t)
			}
			return encodeDateTim4(t), nil
		}
		return encodeDateTime(t), nil

	case typeDateN:
		switch val := v.(type) {
		case time.Time:
			return encodeDate(val), nil
		case civil.Date:
			return encodeDate(val.In(time.UTC)), nil
		case string:
			t, err := time.Parse(sqlDateFormat, val)
			if err != nil {
				return nil, valueErrorf(col.name, "invalid date string %q", val)
			}
			return encodeDate(t), nil
		}
		return nil, valueErrorf(col.name, "cannot load %T into a date column", v)

	case typeTimeN:
		switch val := v.(type) {
		case time.Time:
			return encodeTime(val.Hour(), val.Minute(), val.Second(), val.Nanosecond(), int(ti.scale)), nil
		case civil.Time:
			return encodeTime(val.Hour, val.Minute, val.Second, val.Nanosecond, int(ti.scale)), nil
		}
		return nil, valueErrorf(col.name, "cannot load %T into a time column", v)

	case typeDateTime2N:
		switch val := v.(type) {
		case time.Time:
			return encodeDateTime2(val, int(ti.scale)), nil
		case civil.DateTime:
			return encodeDateTime2(val.In(time.UTC), int(ti.scale)), nil
		}
		return nil, valueErrorf(col.name, "cannot load %T into a datetime2 column", v)

	case typeDateTimeOffsetN:
		if val, ok := v.(time.Time); ok {
			return encodeDateTimeOffset(val, int(ti.scale)), nil
		}
		return nil, valueErrorf(col.name, "cannot load %T into a datetimeoffset column", v)

	case typeMoney, typeMoney4, typeMoneyN:
		dec, err := coerceDecimal(v, 20, 4)
		if err != nil {
			return nil, valueErrorf(col.name, "%v", err)
		}
		units := int64(binary.LittleEndian.Uint64(dec.UnscaledBytes()[:8]))
		if !dec.IsPositive() {
			units = -units
		}
		if ti.size == 4 {
			if units < math.MinInt32 || units > math.MaxInt32 {
				return nil, valueErrorf(col.name, "value out of range for smallmoney")
			}
			return encodeMoney4(int32(units)), nil
		}
		return encodeMoney(units), nil

	case typeDecimal, typeDecimalN, typeNumeric, typeNumericN:
		dec, err := coerceDecimal(v, ti.prec, ti.scale)
		if err != nil {
			return nil, valueErrorf(col.name, "%v", err)
		}
		dec.prec = ti.prec
		if !dec.fitsPrecision(ti.prec) {
			return nil, valueErrorf(col.name, "value does not fit in decimal(%d,%d)", ti.prec, ti.scale)
		}
		return dec.Bytes(), nil

	case typeBigVarBin, typeBigBinary, typeImage, typeUdt:
		if val, ok := v.([]byte); ok {
			return val, nil
		}
		return nil, valueErrorf(col.name, "cannot load %T into a binary column", v)

	case typeGuid:
		switch val := v.(type) {
		case UniqueIdentifier:
			return val.wireBytes(), nil
		case []byte:
			return val, nil
		case string:
			u, err := ParseUniqueIdentifier(val)
			if err != nil {
				return nil, valueErrorf(col.name, "%v", err)
			}
			return u.wireBytes(), nil
		}
		return nil, valueErrorf(col.name, "cannot load %T into a uniqueidentifier column", v)
	}
	return nil, valueErrorf(col.name, "bulk load of type %#x is not implemented", ti.id)
}

func coerceTime(v interface{}, colName string) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case civil.DateTime:
		return val.In(time.UTC), nil
	case string:
		t, err := time.Parse(sqlTimeFormat, val)
		if err != nil {
			t, err = time.Parse(sqlDateTimeFormat, val)
		}
		if err != nil {
			return time.Time{}, valueErrorf(colName, "invalid datetime string %q", val)
		}
		return t, nil
	}
	return time.Time{}, valueErrorf(colName, "cannot load %T into a datetime column", v)
}

func coerceDecimal(v interface{}, prec, scale uint8) (Decimal, error) {
	switch val := v.(type) {
	case int:
		return Int64ToDecimalScale(int64(val), scale), nil
	case int64:
		return Int64ToDecimalScale(val, scale), nil
	case float32:
		return Float64ToDecimalScale(float64(val), scale)
	case float64:
		return Float64ToDecimalScale(val, scale)
	case string:
		return StringToDecimalScale(val, prec, scale)
	case Decimal:
		return val.Rescale(scale)
	}
	return Decimal{}, fmt.Errorf("cannot convert %T to decimal", v)
}

const (
	sqlDateFormat     = "2006-01-02"
	sqlDateTimeFormat = "2006-01-02 15:04:05.999999999"
	sqlTimeFormat     = "2006-01-02 15:04:05.999999999Z07:00"
)
