package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	ObserveOperation("provision", "ok", time.Now().Add(-10*time.Millisecond))
	IncCASConflict()
	AddDecryptions(3)

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf, false)
	out := buf.String()

	require.True(t, strings.Contains(out, `techmap_operations_total{op="provision",result="ok"}`))
	require.True(t, strings.Contains(out, `techmap_aggregate_cas_conflicts_total`))
	require.True(t, strings.Contains(out, `techmap_decryptions_total`))
}

func TestNewRequiresName(t *testing.T) {
	_, err := New("", ":0")
	require.Error(t, err)

	srv, err := New("techmap", "")
	require.NoError(t, err)
	require.NotNil(t, srv)
}
