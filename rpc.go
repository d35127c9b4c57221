package mssql

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/golang-sql/civil"
)

// stored procedures invoked by number instead of name
// http://msdn.microsoft.com/en-us/library/dd303353.aspx
type procId struct {
	id   uint16
	name string
}

var sp_ExecuteSql = procId{id: 10}

// parameter status flag: value is returned after execution
const fByRevValue = 1

// Param is one RPC parameter. Out marks an output parameter whose
// final value arrives in a RETURNVALUE token.
type Param struct {
	Name  string
	Value interface{}
	Out   bool
}

// wireParam is a parameter ready for the wire.
type wireParam struct {
	name  string
	flags uint8
	ti    typeInfo
	data  []byte
}

// Parameter value types selecting a specific wire type where the Go
// type alone is ambiguous.
type (
	// VarChar sends a string in the connection code page instead of
	// UCS-2.
	VarChar string
	// VarCharMax and NVarCharMax force the MAX wire forms.
	VarCharMax  string
	NVarCharMax string
	// NChar is a fixed width unicode string.
	NChar string
	// DateTime1 selects the legacy DATETIME type.
	DateTime1 time.Time
	// DateTimeOffset carries the value's zone to the server.
	DateTimeOffset time.Time
	// HierarchyID is the packed form of the one supported CLR type.
	HierarchyID []byte
)

// buildParam converts a Go value into its wire type and raw bytes.
func buildParam(v interface{}) (p wireParam, err error) {
	switch val := v.(type) {
	case nil:
		p.ti.id = typeNull
	case int:
		return buildParam(int64(val))
	case int64:
		p.ti.id = typeIntN
		p.ti.size = 8
		p.data = make([]byte, 8)
		binary.LittleEndian.PutUint64(p.data, uint64(val))
	case float64:
		p.ti.id = typeFltN
		p.ti.size = 8
		p.data = make([]byte, 8)
		binary.LittleEndian.PutUint64(p.data, math.Float64bits(val))
	case bool:
		p.ti.id = typeBitN
		p.ti.size = 1
		p.data = []byte{0}
		if val {
			p.data[0] = 1
		}
	case string:
		p.ti.id = typeNVarChar
		p.data = str2ucs2(val)
		p.ti.size = len(p.data)
	case []byte:
		p.ti.id = typeBigVarBin
		p.data = val
		p.ti.size = len(val)
	case VarChar:
		p.ti.id = typeBigVarChar
		p.ti.collation = defaultCollation
		if p.data, err = cpEncode(p.ti.collation, string(val)); err != nil {
			return p, err
		}
		p.ti.size = len(p.data)
	case VarCharMax:
		p.ti.id = typeBigVarChar
		p.ti.collation = defaultCollation
		p.ti.plp = true
		if p.data, err = cpEncode(p.ti.collation, string(val)); err != nil {
			return p, err
		}
	case NVarCharMax:
		p.ti.id = typeNVarChar
		p.ti.plp = true
		p.data = str2ucs2(string(val))
	case NChar:
		p.ti.id = typeNChar
		p.data = str2ucs2(string(val))
		p.ti.size = len(p.data)
	case time.Time:
		p.ti.id = typeDateTime2N
		p.ti.scale = 7
		p.data = encodeDateTime2(val, 7)
		p.ti.size = len(p.data)
	case DateTime1:
		p.ti.id = typeDateTimeN
		p.data = encodeDateTime(time.Time(val))
		p.ti.size = len(p.data)
	case DateTimeOffset:
		p.ti.id = typeDateTimeOffsetN
		p.ti.scale = 7
		p.data = encodeDateTimeOffset(time.Time(val), 7)
		p.ti.size = len(p.data)
	case civil.Date:
		p.ti.id = typeDateN
		p.data = encodeDate(val.In(time.UTC))
		p.ti.size = len(p.data)
	case civil.Time:
		p.ti.id = typeTimeN
		p.ti.scale = 7
		p.data = encodeTime(val.Hour, val.Minute, val.Second, val.Nanosecond, 7)
		p.ti.size = len(p.data)
	case civil.DateTime:
		p.ti.id = typeDateTime2N
		p.ti.scale = 7
		p.data = encodeDateTime2(val.In(time.UTC), 7)
		p.ti.size = len(p.data)
	case Decimal:
		p.ti.id = typeDecimalN
		p.ti.prec = val.Precision()
		p.ti.scale = val.Scale()
		p.data = val.Bytes()
		p.ti.size = len(p.data)
	case UniqueIdentifier:
		p.ti.id = typeGuid
		p.ti.size = 16
		p.data = val.wireBytes()
	case HierarchyID:
		p.ti.id = typeUdt
		p.ti.udt = udtInfo{schemaName: "sys", typeName: "HIERARCHYID"}
		p.data = []byte(val)
		p.ti.size = len(val)
	default:
		return p, fmt.Errorf("mssql: no wire type for %T", v)
	}
	return p, nil
}

// paramDecl renders the sp_executesql declaration of a parameter.
func paramDecl(p wireParam) string {
	decl := p.name + " " + sqlTypeName(p.ti)
	if p.flags&fByRevValue != 0 {
		decl += " output"
	}
	return decl
}

// http://msdn.microsoft.com/en-us/library/dd357576.aspx
func sendRpc(s *tdsStream, headers []headerStruct, proc procId, flags uint16, params []wireParam, reset bool) error {
	s.beginMsg(packRPCRequest, reset)
	if err := writeAllHeaders(s, headers); err != nil {
		return err
	}
	if proc.name == "" {
		if err := binary.Write(s, binary.LittleEndian, uint16(0xffff)); err != nil {
			return err
		}
		if err := binary.Write(s, binary.LittleEndian, proc.id); err != nil {
			return err
		}
	} else {
		if err := writeUsVarChar(s, proc.name); err != nil {
			return err
		}
	}
	if err := binary.Write(s, binary.LittleEndian, flags); err != nil {
		return err
	}
	for i := range params {
		p := &params[i]
		if err := writeBVarChar(s, p.name); err != nil {
			return err
		}
		if err := s.WriteByte(p.flags); err != nil {
			return err
		}
		if err := p.ti.writeInfo(s); err != nil {
			return err
		}
		if err := p.ti.writeValue(s, p.data); err != nil {
			return err
		}
	}
	return s.endMsg()
}
