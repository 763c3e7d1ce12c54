// Package wire implements the line-oriented message protocol spoken between
// verifiers and between a verifier and its client: one message per line,
// whitespace separated, of the form "TYPE arg1 arg2 ...".
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Type identifies one of the fixed set of message types the protocol knows.
type Type string

// The canonical message types. Any other token is treated as unknown.
const (
	Hello                  Type = "HELLO"
	Timestamp              Type = "TIMESTAMP"
	ForwardTimestamp       Type = "FORWARD_TIMESTAMP"
	RTTMeasurementRequest  Type = "RTT_MEASUREMENT_REQUEST"
	RTTMeasurementResponse Type = "RTT_MEASUREMENT_RESPONSE"
	StartMeasurements      Type = "START_MEASUREMENTS"
)

// Message is a parsed wire line.
type Message struct {
	Type   Type
	Fields []string
}

// ErrUnknownType is returned by Parse when the first token isn't one of the
// known message types. Callers are expected to log and drop, per spec, never
// treat this as fatal.
var ErrUnknownType = fmt.Errorf("wire: unknown message type")

// Parse splits a single line into a Message. Lines with no tokens return an
// error; malformed field counts are caught by the typed constructors below,
// not here, since field arity depends on Type.
func Parse(line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, fmt.Errorf("wire: empty message")
	}
	t := Type(fields[0])
	switch t {
	case Hello, Timestamp, ForwardTimestamp, RTTMeasurementRequest, RTTMeasurementResponse, StartMeasurements:
		return Message{Type: t, Fields: fields[1:]}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, fields[0])
	}
}

func build(t Type, args ...interface{}) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, string(t))
	for _, a := range args {
		switch v := a.(type) {
		case float64:
			parts = append(parts, strconv.FormatFloat(v, 'f', 9, 64))
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, " ")
}

// HelloMsg builds "HELLO <id>".
func HelloMsg(id string) string { return build(Hello, id) }

// TimestampMsg builds "TIMESTAMP <sender> <t> <iteration>".
func TimestampMsg(sender string, t float64, iteration int) string {
	return build(Timestamp, sender, t, iteration)
}

// ForwardTimestampMsg builds "FORWARD_TIMESTAMP <origin> <t> <iteration>".
func ForwardTimestampMsg(origin string, t float64, iteration int) string {
	return build(ForwardTimestamp, origin, t, iteration)
}

// RTTMeasurementRequestMsg builds "RTT_MEASUREMENT_REQUEST <sender> <t_send> <iteration>".
func RTTMeasurementRequestMsg(sender string, tSend float64, iteration int) string {
	return build(RTTMeasurementRequest, sender, tSend, iteration)
}

// RTTMeasurementResponseMsg builds "RTT_MEASUREMENT_RESPONSE <responder> <t_resp> <iteration>".
func RTTMeasurementResponseMsg(responder string, tResp float64, iteration int) string {
	return build(RTTMeasurementResponse, responder, tResp, iteration)
}

// StartMeasurementsMsg builds "START_MEASUREMENTS <session_id> <iterations>".
func StartMeasurementsMsg(sessionID string, iterations int) string {
	return build(StartMeasurements, sessionID, iterations)
}

// HelloFields extracts the node id from a parsed HELLO message.
func HelloFields(m Message) (nodeID string, err error) {
	if len(m.Fields) != 1 {
		return "", fmt.Errorf("wire: HELLO wants 1 field, got %d", len(m.Fields))
	}
	return m.Fields[0], nil
}

// TimestampFields extracts sender/t/iteration from a TIMESTAMP or
// FORWARD_TIMESTAMP message (same shape).
func TimestampFields(m Message) (sender string, t float64, iteration int, err error) {
	if len(m.Fields) != 3 {
		return "", 0, 0, fmt.Errorf("wire: %s wants 3 fields, got %d", m.Type, len(m.Fields))
	}
	t, err = strconv.ParseFloat(m.Fields[1], 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("wire: bad timestamp: %w", err)
	}
	iteration, err = strconv.Atoi(m.Fields[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("wire: bad iteration: %w", err)
	}
	return m.Fields[0], t, iteration, nil
}

// RTTFields extracts sender/t/iteration from an RTT request or response
// (same shape as TimestampFields, kept distinct for callsite clarity).
func RTTFields(m Message) (peer string, t float64, iteration int, err error) {
	return TimestampFields(m)
}

// StartMeasurementsFields extracts session id and iteration count.
func StartMeasurementsFields(m Message) (sessionID string, iterations int, err error) {
	if len(m.Fields) != 2 {
		return "", 0, fmt.Errorf("wire: START_MEASUREMENTS wants 2 fields, got %d", len(m.Fields))
	}
	iterations, err = strconv.Atoi(m.Fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("wire: bad iteration count: %w", err)
	}
	return m.Fields[0], iterations, nil
}

// Writer serializes message sends on one connection. The protocol requires
// writes to a given socket to be serialized even if two goroutines (an
// orchestrator loop and a synchronous request handler) both hold a reference
// to it, so WriteLine takes an internal lock for the duration of one line.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteLine writes one already-built message line, newline terminated.
func (w *Writer) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.w, line+"\n")
	return err
}

// Reader reads successive lines off a connection.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r with a line scanner.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	return &Reader{scanner: s}
}

// ReadMessage reads and parses the next line. It returns io.EOF when the
// peer has closed the connection.
func (r *Reader) ReadMessage() (Message, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	return Parse(r.scanner.Text())
}
