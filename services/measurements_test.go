package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func allowedBuilds() PublishedMeasurements {
	return PublishedMeasurements{
		{
			MeasurementID: "keyserver-v1",
			Measurements: map[int]MeasurementValue{
				0: {Expected: "01"},
				1: {Expected: "02"},
			},
		},
		{
			MeasurementID: "keyserver-v2",
			Measurements: map[int]MeasurementValue{
				0: {Expected: "03"},
				1: {Expected: "04"},
			},
		},
	}
}

func TestVerifyMeasurementsMatch(t *testing.T) {
	tests := []struct {
		name    string
		allowed PublishedMeasurements
		actual  Measurements
		want    string
		wantErr bool
	}{
		{name: "first build", allowed: allowedBuilds(), actual: Measurements{0: {0x01}, 1: {0x02}}, want: "keyserver-v1"},
		{name: "second build", allowed: allowedBuilds(), actual: Measurements{0: {0x03}, 1: {0x04}}, want: "keyserver-v2"},
		{name: "extra registers ignored", allowed: allowedBuilds(), actual: Measurements{0: {0x01}, 1: {0x02}, 4: {0xaa}}, want: "keyserver-v1"},
		{name: "no match", allowed: allowedBuilds(), actual: Measurements{0: {0xff}, 1: {0xff}}, wantErr: true},
		{name: "mixed builds", allowed: allowedBuilds(), actual: Measurements{0: {0x01}, 1: {0x04}}, wantErr: true},
		{name: "missing register", allowed: allowedBuilds(), actual: Measurements{0: {0x01}}, wantErr: true},
		{name: "nothing allowed", allowed: PublishedMeasurements{}, actual: Measurements{0: {0x01}}, wantErr: true},
		{name: "build without registers", allowed: PublishedMeasurements{{MeasurementID: "empty"}}, actual: Measurements{0: {0x01}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := VerifyMeasurementsMatch(tt.allowed, tt.actual)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoMatchingBuild)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, matched.MeasurementID)
		})
	}
}

func TestDemoMeasurementSource(t *testing.T) {
	measurements, err := DemoMeasurementSource().GetAllowedMeasurements()
	require.NoError(t, err)
	require.Len(t, measurements, 1)

	m, err := measurements[0].ToMeasurements()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.Equal(t, []byte{byte(i)}, m[i])
	}
}

func TestMeasurementEntryInvalidHex(t *testing.T) {
	entry := MeasurementEntry{
		MeasurementID: "broken",
		Measurements:  map[int]MeasurementValue{0: {Expected: "zz"}},
	}
	_, err := entry.ToMeasurements()
	require.Error(t, err)
}

func TestRemoteMeasurementSourceCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		json.NewEncoder(w).Encode(allowedBuilds())
	}))
	defer srv.Close()

	source := NewRemoteMeasurementSource(srv.URL)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := source.GetAllowedMeasurements()
			require.NoError(t, err)
			require.Len(t, got, 2)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())

	source.CacheTTL = 0
	source.expires = time.Time{}
	_, err := source.GetAllowedMeasurements()
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestRemoteMeasurementSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewRemoteMeasurementSource(srv.URL).GetAllowedMeasurements()
	require.ErrorContains(t, err, "404")
}
