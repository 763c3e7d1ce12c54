// Package measure implements the Measurement Orchestrator: the per-node
// state machine that drives one MP (Minimum-Pairs) and one AV
// (Adjacent-Verifiers) exchange per iteration and appends the derived
// MinSum/AvDelay tables to the delay logs.
//
// PairSum(i,j) is, by construction, only ever directly observable by the
// verifier that received i's forwarded timestamp -- the value never reaches
// any other process through the client relay alone. To let every verifier
// converge on the same symmetric MinSum table, a verifier that computes a
// PairSum locally also reports the already-computed value to its peers over
// the existing peer connections, reusing the FORWARD_TIMESTAMP message
// shape: on a client connection the third field is the origin's raw send
// time (requiring a local subtraction); on a peer connection it is instead
// the reporting peer's already-computed delta (stored as-is, no further
// arithmetic). This keeps the wire vocabulary at exactly the six canonical
// message types while giving every node the full picture needed to log an
// identical, fully symmetric table.
package measure

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cpvnet/cpv/internal/delaylog"
	"github.com/cpvnet/cpv/internal/wire"
)

// PairKey identifies one ordered (sender, receiver) verifier pair within a
// single iteration's PairSum table.
type PairKey struct {
	Sender   string
	Receiver string
}

// Orchestrator holds the mutable per-iteration MP and AV state for one node
// and knows how to turn it into delay-log records. It is safe for
// concurrent use: readers of one connection and the main iteration loop may
// call its methods from different goroutines.
type Orchestrator struct {
	selfID      string
	settleDelay time.Duration
	now         func() float64

	mpSink *delaylog.Sink
	avSink *delaylog.Sink

	mu         sync.Mutex
	pairSum    map[PairKey]float64
	avSendTime map[string]float64
	avDelay    map[string]float64
}

// New creates an Orchestrator for selfID. now is the clock to use for all
// timestamps (time.Now-backed in production, a deterministic stub in
// tests); mpSink/avSink may be nil to disable logging (e.g. in unit tests
// that only care about the computed tables).
func New(selfID string, settleDelay time.Duration, now func() float64, mpSink, avSink *delaylog.Sink) *Orchestrator {
	return &Orchestrator{
		selfID:      selfID,
		settleDelay: settleDelay,
		now:         now,
		mpSink:      mpSink,
		avSink:      avSink,
		pairSum:     make(map[PairKey]float64),
		avSendTime:  make(map[string]float64),
		avDelay:     make(map[string]float64),
	}
}

// SendTimestamp stamps the current time and writes TIMESTAMP to every
// client writer, per MP step 1. It returns the stamp used.
func (o *Orchestrator) SendTimestamp(iteration int, clients map[string]*wire.Writer) float64 {
	t := o.now()
	msg := wire.TimestampMsg(o.selfID, t, iteration)
	for id, w := range clients {
		if err := w.WriteLine(msg); err != nil {
			log.Errorf("[%s] sending TIMESTAMP to client %s: %v", o.selfID, id, err)
		}
	}
	return t
}

// HandleClientForward processes a FORWARD_TIMESTAMP received on a client
// connection: origin is the verifier whose stamp this is, t its raw send
// time. It records PairSum(origin, self) once -- a late duplicate for the
// same pair is ignored -- and reports the computed value onward to every
// connected peer so they can learn this half without their own clock.
func (o *Orchestrator) HandleClientForward(origin string, t float64, iteration int, peers map[string]*wire.Writer) {
	value := o.now() - t
	key := PairKey{Sender: origin, Receiver: o.selfID}

	o.mu.Lock()
	if _, exists := o.pairSum[key]; exists {
		o.mu.Unlock()
		return
	}
	o.pairSum[key] = value
	o.mu.Unlock()

	msg := wire.ForwardTimestampMsg(origin, value, iteration)
	for id, w := range peers {
		if err := w.WriteLine(msg); err != nil {
			log.Errorf("[%s] reporting PairSum(%s,%s) to %s: %v", o.selfID, origin, o.selfID, id, err)
		}
	}
}

// HandlePeerForward processes a FORWARD_TIMESTAMP received on a peer
// connection from peerID: value is peerID's own already-computed
// PairSum(origin, peerID), taken as-is. As with HandleClientForward, a
// duplicate report for the same pair is ignored.
func (o *Orchestrator) HandlePeerForward(peerID, origin string, value float64, iteration int) {
	key := PairKey{Sender: origin, Receiver: peerID}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.pairSum[key]; exists {
		return
	}
	o.pairSum[key] = value
}

// FinishMP waits the settling delay, derives MinSum{i,j} for every ordered
// pair where both directions were observed, appends the record to the MP
// log (if configured) and clears the PairSum table for the next iteration.
// The returned map is keyed "<sender>_<receiver>" per the delay-log format.
func (o *Orchestrator) FinishMP(ctx context.Context, sessionID string, iteration int) (map[string]float64, error) {
	select {
	case <-time.After(o.settleDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	minSums := make(map[string]float64)
	for key, v1 := range o.pairSum {
		mirror := PairKey{Sender: key.Receiver, Receiver: key.Sender}
		v2, ok := o.pairSum[mirror]
		if !ok {
			continue
		}
		minSums[key.Sender+"_"+key.Receiver] = math.Min(v1, v2)
	}
	o.pairSum = make(map[PairKey]float64)
	o.mu.Unlock()

	if o.mpSink != nil {
		if err := o.mpSink.Append(sessionID, iteration, delaylog.MPData{MinSums: minSums}, o.now()); err != nil {
			return minSums, fmt.Errorf("measure: writing MP log: %w", err)
		}
	}
	return minSums, nil
}

// SendRTTRequests fires RTT_MEASUREMENT_REQUEST at every peer and records
// the send time needed later to turn a response into a half-RTT delay.
func (o *Orchestrator) SendRTTRequests(iteration int, peers map[string]*wire.Writer) {
	for id, w := range peers {
		t := o.now()
		o.mu.Lock()
		o.avSendTime[id] = t
		o.mu.Unlock()
		if err := w.WriteLine(wire.RTTMeasurementRequestMsg(o.selfID, t, iteration)); err != nil {
			log.Errorf("[%s] sending RTT_MEASUREMENT_REQUEST to %s: %v", o.selfID, id, err)
		}
	}
}

// HandleRTTRequest answers an inbound RTT_MEASUREMENT_REQUEST synchronously
// on the same connection it arrived on, matching the per-socket write
// serialization the protocol requires: the caller must invoke this from the
// same goroutine that reads that connection, never dispatch it elsewhere.
func (o *Orchestrator) HandleRTTRequest(iteration int, w *wire.Writer) error {
	return w.WriteLine(wire.RTTMeasurementResponseMsg(o.selfID, o.now(), iteration))
}

// HandleRTTResponse turns an RTT_MEASUREMENT_RESPONSE from peerID into a
// one-way delay estimate (half the measured round trip) and records it. A
// response with no matching outstanding request (already cleared, or never
// sent) is ignored.
func (o *Orchestrator) HandleRTTResponse(peerID string, iteration int) {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	sendTime, ok := o.avSendTime[peerID]
	if !ok {
		return
	}
	o.avDelay[peerID] = (now - sendTime) / 2
}

// FinishAV waits the settling delay so outstanding RTT responses have time
// to arrive, then appends the current AvDelay table to the AV log (if
// configured) and clears per-iteration AV state for the next round.
func (o *Orchestrator) FinishAV(ctx context.Context, sessionID string, iteration int) (map[string]float64, error) {
	select {
	case <-time.After(o.settleDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	delays := make(map[string]float64, len(o.avDelay))
	for id, d := range o.avDelay {
		delays[id] = d
	}
	o.avDelay = make(map[string]float64)
	o.avSendTime = make(map[string]float64)
	o.mu.Unlock()

	if o.avSink != nil {
		if err := o.avSink.Append(sessionID, iteration, delaylog.AVData{Delays: delays}, o.now()); err != nil {
			return delays, fmt.Errorf("measure: writing AV log: %w", err)
		}
	}
	return delays, nil
}
