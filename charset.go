package mssql

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

const utf8CodePage = 65001

// Windows code page numbers resolved to golang.org/x/text codecs.
// UTF-8 (65001) is a passthrough and handled before this table.
var cpEncodings = map[int]encoding.Encoding{
	437:  charmap.CodePage437,
	850:  charmap.CodePage850,
	874:  charmap.Windows874,
	932:  japanese.ShiftJIS,
	936:  simplifiedchinese.GBK,
	949:  korean.EUCKR,
	950:  traditionalchinese.Big5,
	1250: charmap.Windows1250,
	1251: charmap.Windows1251,
	1252: charmap.Windows1252,
	1253: charmap.Windows1253,
	1254: charmap.Windows1254,
	1255: charmap.Windows1255,
	1256: charmap.Windows1256,
	1257: charmap.Windows1257,
	1258: charmap.Windows1258,
}

// collationCodePage resolves the code page of a collation: legacy
// SQL collations carry a sort id, Windows collations are keyed on
// LCID, and the UTF-8 flag overrides both.
func collationCodePage(col collation) (int, error) {
	if col.isUTF8() {
		return utf8CodePage, nil
	}
	if col.sortId != 0 {
		return sortIdCodePage(col.sortId)
	}
	return lcidCodePage(col.getLcid())
}

func sortIdCodePage(sortId uint8) (int, error) {
	switch sortId {
	case 30, 31, 32, 33, 34:
		return 437, nil
	case 40, 41, 42, 44, 49, 55, 56, 57, 58, 59, 60, 61:
		return 850, nil
	case 50, 51, 52, 53, 54, 71, 72, 73, 74, 75,
		183, 184, 185, 186, 210, 211, 212, 213, 214, 215, 216, 217:
		return 1252, nil
	case 80, 81, 82, 83, 84, 85, 86, 87, 88, 89, 90, 91, 92, 93, 94, 95, 96:
		return 1250, nil
	case 104, 105, 106, 107, 108:
		return 1251, nil
	case 112, 113, 114, 120, 121, 124:
		return 1253, nil
	case 128, 129, 130:
		return 1254, nil
	case 136, 137, 138:
		return 1255, nil
	case 144, 145, 146:
		return 1256, nil
	case 152, 153, 154, 155, 156, 157, 158, 159, 160:
		return 1257, nil
	case 192, 193, 200:
		return 932, nil
	case 194, 195, 201:
		return 949, nil
	case 196, 197, 202:
		return 950, nil
	case 198, 199, 203:
		return 936, nil
	case 204, 205, 206:
		return 874, nil
	}
	return 0, fmt.Errorf("mssql: no code page for sort id %d", sortId)
}

func lcidCodePage(lcid uint32) (int, error) {
	// the primary language id decides the code page for everything
	// we support
	switch lcid & 0xff {
	case 0x01: // Arabic
		return 1256, nil
	case 0x02: // Bulgarian
		return 1251, nil
	case 0x04: // Chinese
		switch lcid {
		case 0x0404, 0x0c04, 0x1404, 0x7c04:
			return 950, nil
		}
		return 936, nil
	case 0x05, 0x0e, 0x15, 0x18, 0x1b, 0x24: // Czech, Hungarian, Polish, Romanian, Slovak, Slovenian
		return 1250, nil
	case 0x08: // Greek
		return 1253, nil
	case 0x0d: // Hebrew
		return 1255, nil
	case 0x11: // Japanese
		return 932, nil
	case 0x12: // Korean
		return 949, nil
	case 0x19, 0x22, 0x2f: // Russian, Ukrainian, Macedonian
		return 1251, nil
	case 0x1a: // Serbo-Croatian block, split by script
		switch lcid {
		case 0x0c1a, 0x081a, 0x301a, 0x281a, 0x2c1a, 0x1c1a:
			return 1251, nil
		}
		return 1250, nil
	case 0x1e: // Thai
		return 874, nil
	case 0x1f: // Turkish
		return 1254, nil
	case 0x25, 0x26, 0x27: // Estonian, Latvian, Lithuanian
		return 1257, nil
	case 0x2a: // Vietnamese
		return 1258, nil
	case 0x03, 0x06, 0x07, 0x09, 0x0a, 0x0b, 0x0c, 0x0f, 0x10,
		0x13, 0x14, 0x16, 0x1d, 0x29, 0x36, 0x38, 0x3e:
		return 1252, nil
	}
	return 0, fmt.Errorf("mssql: no code page for LCID %#x", lcid)
}

// cpDecode converts bytes in the collation's code page to a UTF-8
// string.
func cpDecode(col collation, b []byte) (string, error) {
	cp, err := collationCodePage(col)
	if err != nil {
		return "", err
	}
	if cp == utf8CodePage {
		return string(b), nil
	}
	enc, ok := cpEncodings[cp]
	if !ok {
		return "", fmt.Errorf("mssql: unsupported code page %d", cp)
	}
	res, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(res), nil
}

// cpEncode converts a UTF-8 string into the collation's code page.
func cpEncode(col collation, s string) ([]byte, error) {
	cp, err := collationCodePage(col)
	if err != nil {
		return nil, err
	}
	if cp == utf8CodePage {
		return []byte(s), nil
	}
	enc, ok := cpEncodings[cp]
	if !ok {
		return nil, fmt.Errorf("mssql: unsupported code page %d", cp)
	}
	return enc.NewEncoder().Bytes([]byte(s))
}
