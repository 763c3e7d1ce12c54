// Package delaylog implements the append-only JSON-lines delay log sink
// described in the CPV wire/log interface: one JSON object per line,
// truncated on process startup, safe for concurrent writers.
package delaylog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Record is one line of the delay log.
type Record struct {
	SessionID string      `json:"session_id"`
	Iteration int         `json:"iteration"`
	Data      interface{} `json:"data"`
	Timestamp float64     `json:"timestamp"`
}

// MPData is the data body of an MP log record.
type MPData struct {
	MinSums map[string]float64 `json:"min_sums"`
}

// AVData is the data body of an AV log record.
type AVData struct {
	Delays map[string]float64 `json:"delays"`
}

// Sink is a single append-only log file with its own mutex, matching the
// "per-file mutex" option the spec allows for delay log writes.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// Open truncates (or creates) path and returns a Sink ready for appending.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("delaylog: opening %s: %w", path, err)
	}
	return &Sink{file: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one JSON-encoded Record followed by a newline. The caller
// supplies timestamp explicitly (seconds, float) so log output is
// reproducible in tests without touching wall-clock time here.
func (s *Sink) Append(sessionID string, iteration int, data interface{}, timestamp float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(Record{
		SessionID: sessionID,
		Iteration: iteration,
		Data:      data,
		Timestamp: timestamp,
	})
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
