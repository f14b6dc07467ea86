package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testPolicy = ThermalPolicy{
	HighThreshold: 70,
	LowThreshold:  45,
	Hysteresis:    5,
	HighSpeed:     0x32,
	LowSpeed:      0x15,
}

func TestThermalPolicy_decide(t *testing.T) {
	tests := []struct {
		name   string
		signal int
		want   decision
		wantDC uint8
	}{
		{name: "hot", signal: 76, want: raise, wantDC: 0x32},
		{name: "upper edge is exclusive", signal: 75, want: hold},
		{name: "above high threshold, inside band", signal: 74, want: hold},
		{name: "middle", signal: 60, want: hold},
		{name: "below low threshold, inside band", signal: 42, want: hold},
		{name: "lower edge is exclusive", signal: 40, want: hold},
		{name: "cold", signal: 39, want: lower, wantDC: 0x15},
		{name: "very hot", signal: 110, want: raise, wantDC: 0x32},
		{name: "sub zero", signal: -5, want: lower, wantDC: 0x15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, dc := testPolicy.decide(tt.signal)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.wantDC, dc)
		})
	}
}

func TestThermalPolicy_decide_noHysteresis(t *testing.T) {
	p := testPolicy
	p.Hysteresis = 0

	d, dc := p.decide(71)
	require.Equal(t, raise, d)
	require.Equal(t, uint8(0x32), dc)

	d, _ = p.decide(70)
	require.Equal(t, hold, d)

	d, _ = p.decide(45)
	require.Equal(t, hold, d)

	d, dc = p.decide(44)
	require.Equal(t, lower, d)
	require.Equal(t, uint8(0x15), dc)
}

func TestThermalPolicy_validate(t *testing.T) {
	require.NoError(t, testPolicy.validate())

	p := testPolicy
	p.LowThreshold = 70
	require.Error(t, p.validate())

	p = testPolicy
	p.Hysteresis = -1
	require.Error(t, p.validate())

	p = testPolicy
	p.HighSpeed = 101
	require.Error(t, p.validate())
}

func Test_maxReading(t *testing.T) {
	tests := []struct {
		name   string
		temps  []int
		want   int
		wantOk bool
	}{
		{name: "nil", temps: nil},
		{name: "empty", temps: []int{}},
		{name: "single", temps: []int{54}, want: 54, wantOk: true},
		{name: "two", temps: []int{50, 60}, want: 60, wantOk: true},
		{name: "first is max", temps: []int{74, 72}, want: 74, wantOk: true},
		{name: "negative", temps: []int{-3, -7}, want: -3, wantOk: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := maxReading(tt.temps)
			require.Equal(t, tt.wantOk, ok)
			require.Equal(t, tt.want, got)
		})
	}
}
