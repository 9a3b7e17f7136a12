package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFloats(t *testing.T) {
	v, err := parseFloats(" 1.2, 3 ,")
	require.NoError(t, err)
	require.Equal(t, []float64{1.2, 3}, v)

	_, err = parseFloats("1,x")
	require.Error(t, err)
	_, err = parseFloats(" , ")
	require.Error(t, err)
}

func TestParsePoints(t *testing.T) {
	v, err := parsePoints("1,2;3,4;")
	require.NoError(t, err)
	require.Equal(t, [][]float64{{1, 2}, {3, 4}}, v)

	_, err = parsePoints(";")
	require.Error(t, err)
}

func TestParseNamed(t *testing.T) {
	v, err := parseNamed("fz=0.12, usage = 30")
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"fz": 0.12, "usage": 30}, v)

	for _, bad := range []string{"fz", "=1", "fz=x", ""} {
		_, err := parseNamed(bad)
		require.Error(t, err, bad)
	}
}
