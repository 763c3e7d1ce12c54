// Package supervisor implements a verifier node's lifecycle: bind and
// accept, dial every configured peer, broadcast a new measurement session,
// and tear everything down on shutdown. It wires together internal/session
// (link bookkeeping), internal/measure (the MP/AV state machine) and
// internal/wire (the line protocol).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cpvnet/cpv/internal/config"
	"github.com/cpvnet/cpv/internal/measure"
	"github.com/cpvnet/cpv/internal/metrics"
	"github.com/cpvnet/cpv/internal/session"
	"github.com/cpvnet/cpv/internal/wire"
)

// Supervisor owns one verifier node's listener, link table and measurement
// orchestrator for the lifetime of the process.
type Supervisor struct {
	cfg   *config.Config
	table *session.Table
	orch  *measure.Orchestrator
	stats *metrics.Stats

	listener net.Listener

	mu            sync.Mutex
	terminating   bool
	peerWriters   map[string]*wire.Writer
	clientWriters map[string]*wire.Writer
}

// New creates a Supervisor for cfg, wired to orch for measurement state and
// stats for counters. stats may be nil to disable metrics.
func New(cfg *config.Config, orch *measure.Orchestrator, stats *metrics.Stats) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		table:         session.NewTable(cfg.SelfID),
		orch:          orch,
		stats:         stats,
		peerWriters:   make(map[string]*wire.Writer),
		clientWriters: make(map[string]*wire.Writer),
	}
}

// Start binds the configured listener and spawns the acceptance loop. It
// returns once the listener is bound; acceptance runs in the background
// until Shutdown closes the listener. Cancelling ctx does not stop it.
func (s *Supervisor) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("supervisor: binding %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	log.Infof("[%s] listening on %s", s.cfg.SelfID, s.cfg.ListenAddr)
	go s.acceptLoop(ctx)
	return nil
}

func (s *Supervisor) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isTerminating() {
				return
			}
			log.Errorf("[%s] accept: %v", s.cfg.SelfID, err)
			continue
		}
		go s.handleInbound(ctx, conn)
	}
}

// handleInbound implements the acceptance contract: the first line must be
// HELLO id; any other first message, or a rejected id, drops the
// connection.
func (s *Supervisor) handleInbound(ctx context.Context, conn net.Conn) {
	reader := wire.NewReader(conn)
	msg, err := reader.ReadMessage()
	if err != nil {
		log.Debugf("[%s] inbound connection closed before HELLO: %v", s.cfg.SelfID, err)
		conn.Close()
		return
	}
	if msg.Type != wire.Hello {
		log.Warnf("[%s] first message was %s, not HELLO; dropping connection", s.cfg.SelfID, msg.Type)
		conn.Close()
		return
	}
	id, err := wire.HelloFields(msg)
	if err != nil {
		log.Warnf("[%s] malformed HELLO: %v", s.cfg.SelfID, err)
		conn.Close()
		return
	}

	kind := s.table.RegisterIncoming(id, conn)
	if kind == session.KindRejected {
		log.Warnf("[%s] rejected HELLO from unrecognized id %q", s.cfg.SelfID, id)
		conn.Close()
		return
	}

	// Only the outbound half of a peer link (registered by ConnectToPeers)
	// is ever used for proactive sends; an inbound peer connection replies
	// synchronously within its own read loop instead, so it has no place in
	// peerWriters. Client connections have only one half, so it is the
	// sole writer for that client.
	if kind == session.KindClient {
		s.mu.Lock()
		s.clientWriters[id] = wire.NewWriter(conn)
		s.mu.Unlock()
	}
	s.reportLinkCounts()

	s.serveConnection(id, kind, conn, reader)
}

// ConnectToPeers dials every configured peer, sends HELLO self_id, and
// registers the stream as the outbound half of that peer's link. Re-dialing
// a peer that already has an outbound half is a no-op.
func (s *Supervisor) ConnectToPeers(ctx context.Context) error {
	for peerID, addr := range s.cfg.Peers {
		if s.table.HasOutgoing(peerID) {
			continue
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return fmt.Errorf("supervisor: dialing peer %s at %s: %w", peerID, addr, err)
		}
		writer := wire.NewWriter(conn)
		if err := writer.WriteLine(wire.HelloMsg(s.cfg.SelfID)); err != nil {
			conn.Close()
			return fmt.Errorf("supervisor: sending HELLO to %s: %w", peerID, err)
		}
		s.table.RegisterOutgoing(peerID, conn)
		s.mu.Lock()
		s.peerWriters[peerID] = writer
		s.mu.Unlock()
		s.reportLinkCounts()

		go s.serveConnection(peerID, session.KindPeer, conn, wire.NewReader(conn))
	}
	return nil
}

// serveConnection runs the read loop for one connection (either half of a
// peer link, or a client link), dispatching each message to the
// orchestrator and, for RTT requests, replying synchronously on the same
// connection as the per-socket serialization contract requires.
func (s *Supervisor) serveConnection(peerOrClientID string, kind session.Kind, conn net.Conn, reader *wire.Reader) {
	defer s.teardownConnection(peerOrClientID, kind, conn)
	replyWriter := wire.NewWriter(conn)

	for {
		msg, err := reader.ReadMessage()
		if errors.Is(err, wire.ErrUnknownType) {
			s.noteProtocolError(err)
			continue
		}
		if err != nil {
			log.Debugf("[%s] connection to %s closed: %v", s.cfg.SelfID, peerOrClientID, err)
			return
		}

		switch msg.Type {
		case wire.Timestamp:
			// TIMESTAMP only travels from a verifier to a client; a verifier
			// has no use for one and ignores it on every connection.
		case wire.ForwardTimestamp:
			origin, t, iteration, err := wire.TimestampFields(msg)
			if err != nil {
				s.noteProtocolError(err)
				continue
			}
			if kind == session.KindClient {
				s.orch.HandleClientForward(origin, t, iteration, s.snapshotPeerWriters())
			} else {
				// t carries the reporting peer's already-finished PairSum value.
				s.orch.HandlePeerForward(peerOrClientID, origin, t, iteration)
			}
		case wire.RTTMeasurementRequest:
			if _, _, iteration, err := wire.RTTFields(msg); err != nil {
				s.noteProtocolError(err)
			} else if err := s.orch.HandleRTTRequest(iteration, replyWriter); err != nil {
				log.Errorf("[%s] replying to RTT request from %s: %v", s.cfg.SelfID, peerOrClientID, err)
			}
		case wire.RTTMeasurementResponse:
			if _, _, iteration, err := wire.RTTFields(msg); err != nil {
				s.noteProtocolError(err)
			} else {
				s.orch.HandleRTTResponse(peerOrClientID, iteration)
			}
		case wire.StartMeasurements:
			// A peer's BroadcastStart announces its session here: adopt the
			// session id and run the same number of iterations locally.
			sessionID, n, err := wire.StartMeasurementsFields(msg)
			if err != nil {
				s.noteProtocolError(err)
				continue
			}
			log.Infof("[%s] joining session %s (%d iterations) from %s", s.cfg.SelfID, sessionID, n, peerOrClientID)
			go func() {
				if err := s.runIterations(context.Background(), sessionID, n); err != nil {
					log.Errorf("[%s] session %s: %v", s.cfg.SelfID, sessionID, err)
				}
			}()
		default:
			log.Debugf("[%s] unknown message type %s from %s", s.cfg.SelfID, msg.Type, peerOrClientID)
		}
	}
}

func (s *Supervisor) teardownConnection(id string, kind session.Kind, conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	if kind == session.KindPeer {
		delete(s.peerWriters, id)
	} else {
		delete(s.clientWriters, id)
	}
	s.mu.Unlock()

	if kind == session.KindPeer {
		s.table.RemovePeerHalf(id, conn)
	} else {
		s.table.RemoveClient(id)
	}
	s.reportLinkCounts()
}

func (s *Supervisor) snapshotPeerWriters() map[string]*wire.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*wire.Writer, len(s.peerWriters))
	for id, w := range s.peerWriters {
		out[id] = w
	}
	return out
}

func (s *Supervisor) snapshotClientWriters() map[string]*wire.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*wire.Writer, len(s.clientWriters))
	for id, w := range s.clientWriters {
		out[id] = w
	}
	return out
}

func (s *Supervisor) noteProtocolError(err error) {
	log.Debugf("[%s] protocol error: %v", s.cfg.SelfID, err)
	if s.stats != nil {
		s.stats.IncProtocolErrors()
	}
}

func (s *Supervisor) reportLinkCounts() {
	if s.stats == nil {
		return
	}
	s.mu.Lock()
	peers, clients := len(s.peerWriters), len(s.clientWriters)
	s.mu.Unlock()
	s.stats.SetPeersConnected(peers)
	s.stats.SetClientsConnected(clients)
}

// BroadcastStart generates a fresh session id, announces it to every peer
// and client link, and then drives N measurement iterations locally.
func (s *Supervisor) BroadcastStart(ctx context.Context, n int) (sessionID string, err error) {
	sessionID = uuid.NewString()
	msg := wire.StartMeasurementsMsg(sessionID, n)

	for id, w := range s.snapshotPeerWriters() {
		if err := w.WriteLine(msg); err != nil {
			log.Errorf("[%s] announcing session to peer %s: %v", s.cfg.SelfID, id, err)
		}
	}
	for id, w := range s.snapshotClientWriters() {
		if err := w.WriteLine(msg); err != nil {
			log.Errorf("[%s] announcing session to client %s: %v", s.cfg.SelfID, id, err)
		}
	}

	if err := s.runIterations(ctx, sessionID, n); err != nil {
		return sessionID, err
	}
	return sessionID, nil
}

func (s *Supervisor) runIterations(ctx context.Context, sessionID string, n int) error {
	for iter := 1; iter <= n; iter++ {
		clients := s.snapshotClientWriters()
		peers := s.snapshotPeerWriters()

		s.orch.SendTimestamp(iter, clients)
		s.orch.SendRTTRequests(iter, peers)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			_, err := s.orch.FinishMP(gctx, sessionID, iter)
			if err == nil && s.stats != nil {
				s.stats.IncMPRecordsWritten()
			}
			return err
		})
		g.Go(func() error {
			_, err := s.orch.FinishAV(gctx, sessionID, iter)
			if err == nil && s.stats != nil {
				s.stats.IncAVRecordsWritten()
			}
			return err
		})
		if err := g.Wait(); err != nil {
			return fmt.Errorf("supervisor: iteration %d: %w", iter, err)
		}
		if s.stats != nil {
			s.stats.IncIterationsCompleted()
		}
	}
	return nil
}

// List logs the current link table.
func (s *Supervisor) List() {
	s.table.List()
}

func (s *Supervisor) isTerminating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminating
}

// Shutdown marks the supervisor as terminating, closes the listener and
// every link. It is safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.terminating = true
	s.mu.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			log.Debugf("[%s] closing listener: %v", s.cfg.SelfID, err)
		}
	}
	s.table.CloseAll()

	s.mu.Lock()
	s.peerWriters = make(map[string]*wire.Writer)
	s.clientWriters = make(map[string]*wire.Writer)
	s.mu.Unlock()
}
