// Package relay implements the client-side half of the MP protocol: forward
// a timestamp received from one verifier to the other two, exactly once per
// (sender, timestamp, iteration) triple, and track the current session id
// without ever originating timestamps or interpreting delays itself.
package relay

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cpvnet/cpv/internal/wire"
)

type forwardKey struct {
	sender    string
	t         float64
	iteration int
}

// State is the client relay's tiny state machine: IDLE until a
// START_MEASUREMENTS arrives, IN_SESSION(sid) after, returning to IDLE only
// implicitly (there is no explicit END message in this protocol).
type State int

// The two relay states.
const (
	Idle State = iota
	InSession
)

// Relay is the verifier-facing side of the Client: it never originates
// timestamps and never interprets delays, only forwards and dedups.
type Relay struct {
	selfID string

	mu        sync.Mutex
	forwarded map[forwardKey]struct{}
	state     State
	sessionID string
}

// New creates an empty Relay for a client identified by selfID.
func New(selfID string) *Relay {
	return &Relay{
		selfID:    selfID,
		forwarded: make(map[forwardKey]struct{}),
	}
}

// StartSession records a new session id on receipt of START_MEASUREMENTS.
// The client takes no other action -- verifiers initiate all measurement
// traffic.
func (r *Relay) StartSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = sessionID
	r.state = InSession
	log.Infof("[%s] starting measurements for session %s", r.selfID, sessionID)
}

// Session returns the current session id and state.
func (r *Relay) Session() (string, State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID, r.state
}

// Peer is the minimal sink the relay forwards onto: one verifier's outbound
// line writer, keyed by verifier id.
type Peer struct {
	ID     string
	Writer *wire.Writer
}

// Forward delivers a TIMESTAMP received from sender to every other
// connected verifier, as FORWARD_TIMESTAMP, exactly once per
// (sender, t, iteration) triple no matter how many times Forward is called
// with the same triple -- the idempotence invariant required by spec §8.
// It returns the set of peer ids the message was actually sent to.
func (r *Relay) Forward(sender string, t float64, iteration int, peers []Peer) []string {
	key := forwardKey{sender: sender, t: t, iteration: iteration}

	r.mu.Lock()
	if _, already := r.forwarded[key]; already {
		r.mu.Unlock()
		return nil
	}
	r.forwarded[key] = struct{}{}
	r.mu.Unlock()

	msg := wire.ForwardTimestampMsg(sender, t, iteration)

	var sentTo []string
	for _, p := range peers {
		if p.ID == sender {
			continue
		}
		if err := p.Writer.WriteLine(msg); err != nil {
			log.Errorf("[%s] forwarding timestamp to %s: %v", r.selfID, p.ID, err)
			continue
		}
		sentTo = append(sentTo, p.ID)
	}
	return sentTo
}
