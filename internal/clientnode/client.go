// Package clientnode implements the Client process: it maintains one
// connection to each configured verifier, forwards TIMESTAMP messages on to
// every other verifier via internal/relay, and tracks the current
// measurement session -- it never originates timestamps or interprets
// delays itself.
package clientnode

import (
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cpvnet/cpv/internal/config"
	"github.com/cpvnet/cpv/internal/metrics"
	"github.com/cpvnet/cpv/internal/relay"
	"github.com/cpvnet/cpv/internal/wire"
)

// Node is the client-side process: a thin shell around a Relay that owns
// the actual verifier connections.
type Node struct {
	cfg   *config.Config
	relay *relay.Relay
	stats *metrics.Stats

	mu      sync.Mutex
	conns   map[string]net.Conn
	writers map[string]*wire.Writer
}

// New creates a Node for cfg (cfg.Peers names each verifier's address,
// keyed by verifier id). stats may be nil to disable metrics.
func New(cfg *config.Config, stats *metrics.Stats) *Node {
	return &Node{
		cfg:     cfg,
		relay:   relay.New(cfg.SelfID),
		stats:   stats,
		conns:   make(map[string]net.Conn),
		writers: make(map[string]*wire.Writer),
	}
}

// ConnectToServers dials every configured verifier. A verifier already
// connected is skipped.
func (n *Node) ConnectToServers() error {
	for id, addr := range n.cfg.Peers {
		if err := n.connect(id, addr); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) connect(id, addr string) error {
	n.mu.Lock()
	_, already := n.conns[id]
	n.mu.Unlock()
	if already {
		log.Infof("[%s] already connected to %s, skipping", n.cfg.SelfID, id)
		return nil
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("clientnode: dialing %s at %s: %w", id, addr, err)
	}
	writer := wire.NewWriter(conn)
	if err := writer.WriteLine(wire.HelloMsg(n.cfg.SelfID)); err != nil {
		conn.Close()
		return fmt.Errorf("clientnode: sending HELLO to %s: %w", id, err)
	}

	n.mu.Lock()
	n.conns[id] = conn
	n.writers[id] = writer
	n.mu.Unlock()

	log.Infof("[%s] connected to verifier %s (%s)", n.cfg.SelfID, id, addr)
	go n.handleServer(id, conn)
	return nil
}

func (n *Node) handleServer(id string, conn net.Conn) {
	reader := wire.NewReader(conn)
	defer n.disconnect(id, conn)

	for {
		msg, err := reader.ReadMessage()
		if errors.Is(err, wire.ErrUnknownType) {
			log.Debugf("[%s] dropping message from %s: %v", n.cfg.SelfID, id, err)
			continue
		}
		if err != nil {
			log.Infof("[%s] disconnected from %s: %v", n.cfg.SelfID, id, err)
			return
		}

		switch msg.Type {
		case wire.Timestamp:
			sender, t, iteration, err := wire.TimestampFields(msg)
			if err != nil {
				log.Debugf("[%s] malformed TIMESTAMP from %s: %v", n.cfg.SelfID, id, err)
				continue
			}
			sentTo := n.relay.Forward(sender, t, iteration, n.peerSnapshot())
			if n.stats != nil {
				for range sentTo {
					n.stats.IncForwardsSent()
				}
			}
		case wire.StartMeasurements:
			sessionID, _, err := wire.StartMeasurementsFields(msg)
			if err != nil {
				log.Debugf("[%s] malformed START_MEASUREMENTS from %s: %v", n.cfg.SelfID, id, err)
				continue
			}
			n.relay.StartSession(sessionID)
		default:
			log.Debugf("[%s] received %s from %s", n.cfg.SelfID, msg.Type, id)
		}
	}
}

func (n *Node) peerSnapshot() []relay.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]relay.Peer, 0, len(n.writers))
	for id, w := range n.writers {
		peers = append(peers, relay.Peer{ID: id, Writer: w})
	}
	return peers
}

func (n *Node) disconnect(id string, conn net.Conn) {
	conn.Close()
	n.mu.Lock()
	delete(n.conns, id)
	delete(n.writers, id)
	n.mu.Unlock()
}

// List logs the currently connected verifiers.
func (n *Node) List() {
	n.mu.Lock()
	defer n.mu.Unlock()
	log.Infof("[%s] connected verifiers:", n.cfg.SelfID)
	for id := range n.conns {
		log.Infof("  - %s", id)
	}
}

// Shutdown closes every verifier connection.
func (n *Node) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, conn := range n.conns {
		if err := conn.Close(); err != nil {
			log.Debugf("[%s] closing connection to %s: %v", n.cfg.SelfID, id, err)
		}
	}
	n.conns = make(map[string]net.Conn)
	n.writers = make(map[string]*wire.Writer)
}
