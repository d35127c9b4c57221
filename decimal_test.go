package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecimalString(t *testing.T) {
	values := []struct {
		dec Decimal
		s   string
	}{
		{Decimal{positive: true, prec: 10, scale: 0, integer: [4]uint32{42, 0, 0, 0}}, "42"},
		{Decimal{positive: false, prec: 10, scale: 0, integer: [4]uint32{42, 0, 0, 0}}, "-42"},
		{Decimal{positive: true, prec: 10, scale: 2, integer: [4]uint32{1500, 0, 0, 0}}, "15.00"},
		{Decimal{positive: true, prec: 30, scale: 0, integer: [4]uint32{0, 1, 0, 0}}, "4294967296"},
		{Decimal{positive: true, prec: 38, scale: 3, integer: [4]uint32{5, 0, 0, 0}}, "0.005"},
		{Decimal{positive: true, prec: 5, scale: 0, integer: [4]uint32{0, 0, 0, 0}}, "0"},
	}
	for _, v := range values {
		assert.Equal(t, v.s, v.dec.String())
	}
}

func TestStringToDecimalRoundTrips(t *testing.T) {
	values := []struct {
		s     string
		prec  uint8
		scale uint8
	}{
		{"12345", 5, 0},
		{"123456789", 9, 0},
		{"1234567890123456789", 19, 0},
		{"1234567890123456789012345678", 28, 0},
		{"12345678901234567890123456789012345678", 38, 0},
		{"1234567890.1234567890", 38, 10},
		{"-0.123", 9, 3},
		{"0.500", 5, 3},
	}
	for _, v := range values {
		dec, err := StringToDecimalScale(v.s, v.prec, v.scale)
		require.NoError(t, err, v.s)
		assert.Equal(t, v.s, dec.String())

		// wire roundtrip: sign byte plus magnitude
		wire := dec.Bytes()
		back := decodeDecimal(v.prec, v.scale, wire[0] != 0, wire[1:])
		assert.Equal(t, v.s, back.String())
	}
}

func TestDecimalWireSizeFollowsPrecision(t *testing.T) {
	sizes := map[uint8]int{5: 4, 9: 4, 19: 8, 28: 12, 38: 16}
	for prec, size := range sizes {
		assert.Equal(t, size, decimalWireSize(prec), "precision %d", prec)
		dec := Decimal{positive: true, prec: prec}
		assert.Equal(t, size, len(dec.UnscaledBytes()))
	}
}

func TestDecimalRescale(t *testing.T) {
	dec, err := StringToDecimalScale("123.456", 9, 3)
	require.NoError(t, err)

	up, err := dec.Rescale(6)
	require.NoError(t, err)
	assert.Equal(t, "123.456000", up.String())

	down, err := up.Rescale(3)
	require.NoError(t, err)
	assert.Equal(t, "123.456", down.String())

	// scaling down truncates toward zero
	trunc, err := dec.Rescale(1)
	require.NoError(t, err)
	assert.Equal(t, "123.4", trunc.String())
}

func TestDecimalRescaleLargePrecisions(t *testing.T) {
	for _, prec := range []uint8{19, 28, 38} {
		dec, err := StringToDecimalScale("987654321.123", prec, 3)
		require.NoError(t, err)
		up, err := dec.Rescale(6)
		require.NoError(t, err)
		assert.Equal(t, "987654321.123000", up.String())
		down, err := up.Rescale(3)
		require.NoError(t, err)
		assert.Equal(t, "987654321.123", down.String())
	}
}

func TestStringToDecimalRejectsOverflow(t *testing.T) {
	_, err := StringToDecimalScale("100000", 5, 0)
	assert.Error(t, err)

	_, err = StringToDecimalScale("1e5", 5, 0)
	assert.Error(t, err)

	_, err = StringToDecimalScale("", 5, 0)
	assert.Error(t, err)
}

func TestInt64ToDecimal(t *testing.T) {
	assert.Equal(t, "42", Int64ToDecimalScale(42, 0).String())
	assert.Equal(t, "-5.00", Int64ToDecimalScale(-5, 2).String())
	assert.Equal(t, "0", Int64ToDecimalScale(0, 0).String())
}

func TestFloat64ToDecimal(t *testing.T) {
	dec, err := Float64ToDecimalScale(1.5, 1)
	require.NoError(t, err)
	assert.Equal(t, "1.5", dec.String())

	dec, err = Float64ToDecimalScale(-2.25, 2)
	require.NoError(t, err)
	assert.Equal(t, "-2.25", dec.String())

	// integers survive the mantissa shift exactly
	dec, err = Float64ToDecimalScale(123456789, 0)
	require.NoError(t, err)
	assert.Equal(t, "123456789", dec.String())

	dec, err = Float64ToDecimal(0.125)
	require.NoError(t, err)
	assert.Equal(t, "0.125", dec.String())
}

func TestDecimalToFloat64(t *testing.T) {
	dec, err := StringToDecimalScale("1234.5678", 18, 4)
	require.NoError(t, err)
	assert.InDelta(t, 1234.5678, dec.ToFloat64(), 1e-9)
}

func TestDecimalFitsPrecision(t *testing.T) {
	dec, err := StringToDecimalScale("99999", 5, 0)
	require.NoError(t, err)
	assert.True(t, dec.fitsPrecision(5))
	assert.False(t, dec.fitsPrecision(4))
}
