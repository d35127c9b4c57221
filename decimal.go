package mssql

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Decimal represents the decimal type in the Microsoft Open Specifications:
// http://msdn.microsoft.com/en-us/library/ee780893.aspx
//
// The magnitude is kept as a 128 bit unsigned integer in four
// little-endian 32 bit words, the sign separately.
type Decimal struct {
	integer  [4]uint32 // little-endian
	positive bool
	prec     uint8
	scale    uint8
}

const autoScale = 100

// doubleExpBias is the IEEE-754 exponent for which the 52 bit
// fraction holds the integer part unshifted.
const doubleExpBias = 0x433

var scaletblflt64 [39]float64

func init() {
	var acc float64 = 1
	for i := 0; i <= 38; i++ {
		scaletblflt64[i] = acc
		acc *= 10
	}
}

func (d Decimal) IsPositive() bool {
	return d.positive
}

func (d Decimal) Precision() uint8 {
	return d.prec
}

func (d Decimal) Scale() uint8 {
	return d.scale
}

func (d Decimal) isZero() bool {
	return d.integer[0] == 0 && d.integer[1] == 0 && d.integer[2] == 0 && d.integer[3] == 0
}

// mul10 multiplies the magnitude by ten in place using shifts and
// adds: 10x = 8x + 2x. Reports overflow out of 128 bits.
func (d *Decimal) mul10() bool {
	x2, c2 := shl(d.integer, 1)
	x8, c8 := shl(d.integer, 3)
	var carry uint64
	for i := 0; i < 4; i++ {
		s := uint64(x2[i]) + uint64(x8[i]) + carry
		d.integer[i] = uint32(s)
		carry = s >> 32
	}
	return c2 || c8 || carry != 0
}

// div10 divides the magnitude by ten in place and returns the
// remainder.
func (d *Decimal) div10() uint32 {
	var rem uint64
	for i := 3; i >= 0; i-- {
		cur := rem<<32 | uint64(d.integer[i])
		d.integer[i] = uint32(cur / 10)
		rem = cur % 10
	}
	return uint32(rem)
}

func shl(x [4]uint32, n uint) (res [4]uint32, overflow bool) {
	for ; n > 0; n-- {
		carry := uint32(0)
		for i := 0; i < 4; i++ {
			next := x[i] >> 31
			x[i] = x[i]<<1 | carry
			carry = next
		}
		if carry != 0 {
			overflow = true
		}
	}
	return x, overflow
}

func shr(x [4]uint32) [4]uint32 {
	for i := 0; i < 4; i++ {
		x[i] >>= 1
		if i < 3 {
			x[i] |= x[i+1] << 31
		}
	}
	return x
}

// pow10Magnitude returns 10^n as a 128 bit magnitude. n must be at
// most 38.
func pow10Magnitude(n int) (res [4]uint32) {
	res[0] = 1
	d := Decimal{integer: res}
	for i := 0; i < n; i++ {
		d.mul10()
	}
	return d.integer
}

func cmpMagnitude(a, b [4]uint32) int {
	for i := 3; i >= 0; i-- {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return 1
			}
			return -1
		}
	}
	return 0
}

// fitsPrecision reports whether |d| < 10^prec.
func (d Decimal) fitsPrecision(prec uint8) bool {
	if prec >= 39 {
		return true
	}
	return cmpMagnitude(d.integer, pow10Magnitude(int(prec))) < 0
}

// Rescale returns an equal value with the given scale. Scaling up
// multiplies the magnitude by ten per step; scaling down divides,
// truncating toward zero.
func (d Decimal) Rescale(scale uint8) (Decimal, error) {
	res := d
	for res.scale < scale {
		if res.mul10() {
			return res, errors.New("decimal out of range during rescale")
		}
		res.scale++
	}
	for res.scale > scale {
		res.div10()
		res.scale--
	}
	return res, nil
}

func (d Decimal) ToFloat64() float64 {
	val := float64(0)
	for i := 3; i >= 0; i-- {
		val *= 0x100000000
		val += float64(d.integer[i])
	}
	if !d.positive {
		val = -val
	}
	if d.scale != 0 {
		val /= scaletblflt64[d.scale]
	}
	return val
}

// Float64ToDecimal converts a float to a decimal, choosing the smallest
// scale (at most 38) at which the scaled value is a whole number.
func Float64ToDecimal(f float64) (Decimal, error) {
	return Float64ToDecimalScale(f, autoScale)
}

// Float64ToDecimalScale converts a float to a decimal of the given
// scale by multiplying by 10^scale and extracting the IEEE-754
// mantissa, shifting it by the biased exponent minus 0x433.
func Float64ToDecimalScale(f float64, scale uint8) (Decimal, error) {
	var dec Decimal
	if math.IsNaN(f) {
		return dec, errors.New("NaN")
	}
	if math.IsInf(f, 0) {
		return dec, errors.New("Infinity")
	}
	dec.positive = f >= 0
	if !dec.positive {
		f = math.Abs(f)
	}
	if f > 3.402823669209385e+38 {
		return dec, errors.New("float value is out of range")
	}
	dec.prec = 20
	if scale == autoScale {
		// smallest scale at which the scaled value has no fraction
		for dec.scale = 0; dec.scale < 38; dec.scale++ {
			if _, frac := math.Modf(f * scaletblflt64[dec.scale]); frac == 0 {
				break
			}
		}
	} else {
		if scale > 38 {
			return dec, errors.New("scale is out of range")
		}
		dec.scale = scale
	}
	integer := f * scaletblflt64[dec.scale]

	// Pull the scaled value apart via its bit pattern.
	bits := math.Float64bits(integer)
	exp := int(bits >> 52 & 0x7ff)
	frac := bits & 0xfffffffffffff
	if exp != 0 {
		frac |= 1 << 52 // implicit leading bit
	}
	dec.integer[0] = uint32(frac)
	dec.integer[1] = uint32(frac >> 32)
	for ; exp > doubleExpBias; exp-- {
		var overflow bool
		dec.integer, overflow = shl(dec.integer, 1)
		if overflow {
			return dec, errors.New("float value is out of range")
		}
	}
	for ; exp < doubleExpBias; exp++ {
		dec.integer = shr(dec.integer)
	}
	return dec, nil
}

// Int64ToDecimalScale converts an integer to a decimal of the given
// scale.
func Int64ToDecimalScale(v int64, scale uint8) Decimal {
	positive := v >= 0
	if !positive {
		if v == math.MinInt64 {
			// cannot negate, special case
			d := Decimal{positive: false, prec: 20, scale: 0,
				integer: [4]uint32{0, 0x80000000, 0, 0}}
			res, _ := d.Rescale(scale)
			return res
		}
		v = -v
	}
	d := Decimal{
		positive: positive,
		prec:     20,
		integer:  [4]uint32{uint32(v), uint32(uint64(v) >> 32), 0, 0},
	}
	res, _ := d.Rescale(scale)
	return res
}

// StringToDecimalScale parses a decimal string into the target
// precision and scale.
func StringToDecimalScale(s string, prec, scale uint8) (Decimal, error) {
	var dec Decimal
	dec.positive = true
	dec.prec = prec
	point := false
	digits := 0
	for i, r := range s {
		switch {
		case r == '-' && i == 0:
			dec.positive = false
		case r == '+' && i == 0:
		case r == '.' && !point:
			point = true
		case r >= '0' && r <= '9':
			if point && dec.scale >= scale {
				// discard digits beyond the target scale
				continue
			}
			if dec.mul10() {
				return dec, fmt.Errorf("decimal %q out of range", s)
			}
			add := uint64(r - '0')
			for i := 0; i < 4 && add != 0; i++ {
				sum := uint64(dec.integer[i]) + add
				dec.integer[i] = uint32(sum)
				add = sum >> 32
			}
			if add != 0 {
				return dec, fmt.Errorf("decimal %q out of range", s)
			}
			if point {
				dec.scale++
			}
			digits++
		default:
			return dec, fmt.Errorf("invalid decimal %q", s)
		}
	}
	if digits == 0 {
		return dec, fmt.Errorf("invalid decimal %q", s)
	}
	res, err := dec.Rescale(scale)
	if err != nil {
		return res, err
	}
	if !res.fitsPrecision(prec) {
		return res, fmt.Errorf("decimal %q does not fit in precision %d", s, prec)
	}
	return res, nil
}

// decimalWireSize gives the magnitude width on the wire for a
// precision.
func decimalWireSize(prec uint8) int {
	switch {
	case prec < 10:
		return 4
	case prec < 20:
		return 8
	case prec < 29:
		return 12
	default:
		return 16
	}
}

// UnscaledBytes returns the little-endian magnitude, sized for the
// precision.
func (d Decimal) UnscaledBytes() []byte {
	size := decimalWireSize(d.prec)
	buf := make([]byte, size)
	for i := 0; i < size/4; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], d.integer[i])
	}
	return buf
}

// Bytes serializes the decimal as it appears on the wire: a sign
// byte (1 positive) then the magnitude.
func (d Decimal) Bytes() []byte {
	buf := make([]byte, 1, 17)
	if d.positive {
		buf[0] = 1
	}
	return append(buf, d.UnscaledBytes()...)
}

// decodeDecimal builds a Decimal back from wire bytes.
func decodeDecimal(prec uint8, scale uint8, positive bool, buf []byte) Decimal {
	var dec Decimal
	dec.positive = positive
	dec.prec = prec
	dec.scale = scale
	for i := 0; i < len(buf)/4 && i < 4; i++ {
		dec.integer[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return dec
}

func (d Decimal) String() string {
	digits := make([]byte, 0, 39)
	work := d
	for {
		digit := work.div10()
		digits = append(digits, byte(digit)+'0')
		if work.isZero() {
			break
		}
	}
	// digits are accumulated least significant first
	for len(digits) <= int(d.scale) {
		digits = append(digits, '0')
	}
	var b strings.Builder
	if !d.positive {
		b.WriteByte('-')
	}
	for i := len(digits) - 1; i >= 0; i-- {
		b.WriteByte(digits[i])
		if d.scale != 0 && i == int(d.scale) {
			b.WriteByte('.')
		}
	}
	return b.String()
}
