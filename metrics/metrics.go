// Package metrics exposes protocol counters and latency histograms in the
// Prometheus text format.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	casConflicts   = metrics.NewCounter(`techmap_aggregate_cas_conflicts_total`)
	replayRejected = metrics.NewCounter(`techmap_replayed_tokens_total`)
	decryptions    = metrics.NewCounter(`techmap_decryptions_total`)
	keyServerCalls = metrics.NewCounter(`techmap_key_server_calls_total`)
)

// IncCASConflict counts lost compare-and-swap races on aggregates.
func IncCASConflict() {
	casConflicts.Inc()
}

func IncReplayRejected() {
	replayRejected.Inc()
}

// AddDecryptions counts ciphertexts decrypted by the key server.
func AddDecryptions(n int) {
	decryptions.Add(n)
}

func IncKeyServerCall() {
	keyServerCalls.Inc()
}

// ObserveOperation records the outcome and duration of a protocol operation.
// result is "ok" or an error kind.
func ObserveOperation(op string, result string, start time.Time) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`techmap_operations_total{op=%q,result=%q}`, op, result)).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`techmap_operation_duration_seconds{op=%q}`, op)).UpdateDuration(start)
}

// MetricsServer serves /metrics on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the named service. An empty addr yields a
// server that is never started.
func New(name string, addr string) (*MetricsServer, error) {
	if name == "" {
		return nil, fmt.Errorf("metrics: empty service name")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
