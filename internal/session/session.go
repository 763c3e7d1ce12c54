// Package session owns the PeerLink and ClientLink tables: the mutex-guarded
// maps of node id -> connection state that every other component consults to
// find a socket to write to. It also implements the HELLO classification
// rule from the handshake contract.
package session

import (
	"net"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Kind says what an incoming HELLO id resolved to.
type Kind int

// The two connection kinds a HELLO id can resolve to, or Rejected when the
// id matches neither prefix.
const (
	KindPeer Kind = iota
	KindClient
	KindRejected
)

// ClassifyID applies the HELLO prefix rule: an id starting with "server"
// is a peer, an id starting with "client" is a client, and any other id is
// rejected. It does not compare id against the node's own id.
func ClassifyID(id string) Kind {
	switch {
	case strings.HasPrefix(id, "server"):
		return KindPeer
	case strings.HasPrefix(id, "client"):
		return KindClient
	default:
		return KindRejected
	}
}

// PeerLink is the bidirectional connection state for one peer verifier. At
// most one PeerLink exists per peer id at a time; its two halves may be
// asymmetrically present during bring-up, but the link is considered "up"
// once at least the outbound half exists.
type PeerLink struct {
	Incoming net.Conn
	Outgoing net.Conn
}

// Up reports whether this link has at least its outbound half.
func (l *PeerLink) Up() bool {
	return l != nil && l.Outgoing != nil
}

// Table is the process-wide link table: one instance per node, guarding
// peer links and client links behind a single mutex, per the spec's shared
// mutex policy. The mutex is only ever held across small critical sections;
// callers must never perform blocking I/O while holding it indirectly
// through a method here (all methods here return promptly).
type Table struct {
	mu      sync.Mutex
	selfID  string
	peers   map[string]*PeerLink
	clients map[string]net.Conn
}

// NewTable creates an empty table for a node identified by selfID.
func NewTable(selfID string) *Table {
	return &Table{
		selfID:  selfID,
		peers:   make(map[string]*PeerLink),
		clients: make(map[string]net.Conn),
	}
}

// RegisterIncoming classifies id and records conn as the appropriate half of
// a PeerLink, or as a ClientLink. It returns the resolved Kind so the caller
// knows which read-loop to spawn. A rejected id leaves no state behind.
func (t *Table) RegisterIncoming(id string, conn net.Conn) Kind {
	kind := ClassifyID(id)
	switch kind {
	case KindClient:
		t.mu.Lock()
		t.clients[id] = conn
		t.mu.Unlock()
	case KindPeer:
		t.mu.Lock()
		l, ok := t.peers[id]
		if !ok {
			l = &PeerLink{}
			t.peers[id] = l
		}
		l.Incoming = conn
		t.mu.Unlock()
	}
	return kind
}

// RegisterOutgoing records conn as the outbound half of peerID's PeerLink,
// creating the link if it does not exist yet.
func (t *Table) RegisterOutgoing(peerID string, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.peers[peerID]
	if !ok {
		l = &PeerLink{}
		t.peers[peerID] = l
	}
	l.Outgoing = conn
}

// HasOutgoing reports whether an outbound half already exists for peerID,
// used by connect() to make re-issuing connect a no-op per spec §8.
func (t *Table) HasOutgoing(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.peers[peerID]
	return ok && l.Outgoing != nil
}

// RemovePeerHalf clears one half of a peer link after its connection drops.
// When both halves are gone the link entry itself is removed, matching
// "destroyed when both halves are closed".
func (t *Table) RemovePeerHalf(peerID string, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.peers[peerID]
	if !ok {
		return
	}
	if l.Incoming == conn {
		l.Incoming = nil
	}
	if l.Outgoing == conn {
		l.Outgoing = nil
	}
	if l.Incoming == nil && l.Outgoing == nil {
		delete(t.peers, peerID)
	}
}

// RemoveClient drops a client link after its connection closes.
func (t *Table) RemoveClient(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, clientID)
}

// Peer returns a snapshot copy of the named PeerLink, or nil if absent.
func (t *Table) Peer(peerID string) *PeerLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.peers[peerID]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// Client returns the connection for a client id, or nil if absent.
func (t *Table) Client(clientID string) net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clients[clientID]
}

// Peers returns a snapshot of every peer link in the table, whichever of its
// halves are present, suitable for iteration without holding the table's
// lock.
func (t *Table) Peers() map[string]*PeerLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*PeerLink, len(t.peers))
	for id, l := range t.peers {
		cp := *l
		out[id] = &cp
	}
	return out
}

// Clients returns a snapshot of all connected client ids and connections.
func (t *Table) Clients() map[string]net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]net.Conn, len(t.clients))
	for id, c := range t.clients {
		out[id] = c
	}
	return out
}

// List logs the current link table, mirroring the REPL "list" command.
func (t *Table) List() {
	t.mu.Lock()
	defer t.mu.Unlock()
	log.Infof("[%s] Connections:", t.selfID)
	for id, l := range t.peers {
		if l.Incoming != nil || l.Outgoing != nil {
			log.Infof("  - Peer: %s", id)
		}
	}
	for id := range t.clients {
		log.Infof("  - Client: %s", id)
	}
}

// CloseAll closes every half of every link and every client connection, for
// use during shutdown. Errors closing individual sockets are logged, not
// returned, matching the spec's steady-state error policy.
func (t *Table) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, l := range t.peers {
		if l.Incoming != nil {
			if err := l.Incoming.Close(); err != nil {
				log.Debugf("[%s] closing incoming half to %s: %v", t.selfID, id, err)
			}
		}
		if l.Outgoing != nil {
			if err := l.Outgoing.Close(); err != nil {
				log.Debugf("[%s] closing outgoing half to %s: %v", t.selfID, id, err)
			}
		}
	}
	t.peers = make(map[string]*PeerLink)
	for id, c := range t.clients {
		if err := c.Close(); err != nil {
			log.Debugf("[%s] closing client %s: %v", t.selfID, id, err)
		}
	}
	t.clients = make(map[string]net.Conn)
}
