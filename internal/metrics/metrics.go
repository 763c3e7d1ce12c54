// Package metrics exposes a node's operational counters both as a small
// JSON document over plain HTTP (grounded on the teacher's ptp4u stats
// server) and as Prometheus counters for scraping.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Stats holds one node's atomically-updated counters plus their Prometheus
// mirrors. All increments are cheap (a single atomic add and a single
// Prometheus counter increment), safe to call from any connection handler.
type Stats struct {
	iterationsCompleted int64
	forwardsSent        int64
	mpRecordsWritten    int64
	avRecordsWritten    int64
	peersConnected      int64
	clientsConnected    int64
	protocolErrors      int64

	promIterations prometheus.Counter
	promForwards   prometheus.Counter
	promMPRecords  prometheus.Counter
	promAVRecords  prometheus.Counter
	promPeers      prometheus.Gauge
	promClients    prometheus.Gauge
	promErrors     prometheus.Counter
}

// New creates a Stats registered against its own Prometheus registry, so
// multiple nodes in the same process (e.g. in tests) never collide on
// Prometheus's default global registry.
func New() (*Stats, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	s := &Stats{
		promIterations: prometheus.NewCounter(prometheus.CounterOpts{Name: "cpv_iterations_completed_total"}),
		promForwards:   prometheus.NewCounter(prometheus.CounterOpts{Name: "cpv_forwards_sent_total"}),
		promMPRecords:  prometheus.NewCounter(prometheus.CounterOpts{Name: "cpv_mp_records_written_total"}),
		promAVRecords:  prometheus.NewCounter(prometheus.CounterOpts{Name: "cpv_av_records_written_total"}),
		promPeers:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "cpv_peers_connected"}),
		promClients:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "cpv_clients_connected"}),
		promErrors:     prometheus.NewCounter(prometheus.CounterOpts{Name: "cpv_protocol_errors_total"}),
	}
	reg.MustRegister(s.promIterations, s.promForwards, s.promMPRecords, s.promAVRecords, s.promPeers, s.promClients, s.promErrors)
	return s, reg
}

// IncIterationsCompleted records one finished measurement iteration.
func (s *Stats) IncIterationsCompleted() {
	atomic.AddInt64(&s.iterationsCompleted, 1)
	s.promIterations.Inc()
}

// IncForwardsSent records one FORWARD_TIMESTAMP actually sent to a peer.
func (s *Stats) IncForwardsSent() {
	atomic.AddInt64(&s.forwardsSent, 1)
	s.promForwards.Inc()
}

// IncMPRecordsWritten records one MP log line appended.
func (s *Stats) IncMPRecordsWritten() {
	atomic.AddInt64(&s.mpRecordsWritten, 1)
	s.promMPRecords.Inc()
}

// IncAVRecordsWritten records one AV log line appended.
func (s *Stats) IncAVRecordsWritten() {
	atomic.AddInt64(&s.avRecordsWritten, 1)
	s.promAVRecords.Inc()
}

// SetPeersConnected reports the current size of the peer link table.
func (s *Stats) SetPeersConnected(n int) {
	atomic.StoreInt64(&s.peersConnected, int64(n))
	s.promPeers.Set(float64(n))
}

// SetClientsConnected reports the current size of the client link table.
func (s *Stats) SetClientsConnected(n int) {
	atomic.StoreInt64(&s.clientsConnected, int64(n))
	s.promClients.Set(float64(n))
}

// IncProtocolErrors records one dropped/unknown message or failed write.
func (s *Stats) IncProtocolErrors() {
	atomic.AddInt64(&s.protocolErrors, 1)
	s.promErrors.Inc()
}

func (s *Stats) toMap() map[string]int64 {
	return map[string]int64{
		"iterations_completed": atomic.LoadInt64(&s.iterationsCompleted),
		"forwards_sent":        atomic.LoadInt64(&s.forwardsSent),
		"mp_records_written":   atomic.LoadInt64(&s.mpRecordsWritten),
		"av_records_written":   atomic.LoadInt64(&s.avRecordsWritten),
		"peers_connected":      atomic.LoadInt64(&s.peersConnected),
		"clients_connected":    atomic.LoadInt64(&s.clientsConnected),
		"protocol_errors":      atomic.LoadInt64(&s.protocolErrors),
	}
}

func (s *Stats) handleJSON(w http.ResponseWriter, r *http.Request) {
	js, err := json.Marshal(s.toMap())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("metrics: writing response: %v", err)
	}
}

// Serve starts the combined JSON ("/") and Prometheus ("/metrics") handler
// on addr. It blocks until the listener fails and is meant to be run in its
// own goroutine by the caller.
func (s *Stats) Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("metrics: serving JSON and Prometheus stats on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		return fmt.Errorf("metrics: serving %s: %w", addr, err)
	}
	return nil
}
