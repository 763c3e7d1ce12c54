package clientnode

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpvnet/cpv/internal/config"
	"github.com/cpvnet/cpv/internal/wire"
)

// fakeVerifier accepts exactly one connection on a loopback listener and
// hands the caller the accepted net.Conn along with its address.
type fakeVerifier struct {
	ln   net.Listener
	conn chan net.Conn
}

func newFakeVerifier(t *testing.T) *fakeVerifier {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fv := &fakeVerifier{ln: ln, conn: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fv.conn <- conn
	}()
	t.Cleanup(func() { ln.Close() })
	return fv
}

func (fv *fakeVerifier) accepted(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-fv.conn:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for verifier to accept")
		return nil
	}
}

func newTestNode(selfID string, peers map[string]string) *Node {
	return New(&config.Config{SelfID: selfID, Peers: peers}, nil)
}

func TestConnectToServersSendsHello(t *testing.T) {
	fv := newFakeVerifier(t)
	n := newTestNode("client1", map[string]string{"server1": fv.ln.Addr().String()})
	t.Cleanup(n.Shutdown)

	require.NoError(t, n.ConnectToServers())

	conn := fv.accepted(t)
	reader := wire.NewReader(conn)
	msg, err := reader.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.Hello, msg.Type)
	id, err := wire.HelloFields(msg)
	require.NoError(t, err)
	require.Equal(t, "client1", id)
}

func TestConnectToServersIsIdempotent(t *testing.T) {
	fv := newFakeVerifier(t)
	n := newTestNode("client1", map[string]string{"server1": fv.ln.Addr().String()})
	t.Cleanup(n.Shutdown)

	require.NoError(t, n.ConnectToServers())
	fv.accepted(t)

	n.mu.Lock()
	first := n.conns["server1"]
	n.mu.Unlock()

	// Re-issuing connect must not dial again: the connection registered
	// for server1 must still be the original one, and the only one.
	require.NoError(t, n.ConnectToServers())

	n.mu.Lock()
	count := len(n.conns)
	second := n.conns["server1"]
	n.mu.Unlock()
	require.Equal(t, 1, count)
	require.Same(t, first, second)
}

func TestTimestampForwardedToOtherVerifiersOnly(t *testing.T) {
	fvA := newFakeVerifier(t)
	fvB := newFakeVerifier(t)
	n := newTestNode("client1", map[string]string{
		"server1": fvA.ln.Addr().String(),
		"server2": fvB.ln.Addr().String(),
	})
	t.Cleanup(n.Shutdown)

	require.NoError(t, n.ConnectToServers())
	connA := fvA.accepted(t)
	connB := fvB.accepted(t)

	// Drain each verifier's HELLO first.
	readerA := wire.NewReader(connA)
	readerB := wire.NewReader(connB)
	_, err := readerA.ReadMessage()
	require.NoError(t, err)
	_, err = readerB.ReadMessage()
	require.NoError(t, err)

	// server1 sends a TIMESTAMP; it should be forwarded only to server2.
	_, err = connA.Write([]byte(wire.TimestampMsg("server1", 10.5, 3) + "\n"))
	require.NoError(t, err)

	connB.SetReadDeadline(time.Now().Add(time.Second))
	msg, err := readerB.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.ForwardTimestamp, msg.Type)
	origin, value, iteration, err := wire.TimestampFields(msg)
	require.NoError(t, err)
	require.Equal(t, "server1", origin)
	require.Equal(t, 10.5, value)
	require.Equal(t, 3, iteration)
}

func TestStartMeasurementsRecordsSession(t *testing.T) {
	fv := newFakeVerifier(t)
	n := newTestNode("client1", map[string]string{"server1": fv.ln.Addr().String()})
	t.Cleanup(n.Shutdown)

	require.NoError(t, n.ConnectToServers())
	conn := fv.accepted(t)
	reader := wire.NewReader(conn)
	_, err := reader.ReadMessage() // HELLO
	require.NoError(t, err)

	_, err = conn.Write([]byte(wire.StartMeasurementsMsg("sess-1", 5) + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sid, _ := n.relay.Session()
		return sid == "sess-1"
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	fv := newFakeVerifier(t)
	n := newTestNode("client1", map[string]string{"server1": fv.ln.Addr().String()})

	require.NoError(t, n.ConnectToServers())
	fv.accepted(t)

	n.Shutdown()

	n.mu.Lock()
	count := len(n.conns)
	n.mu.Unlock()
	require.Equal(t, 0, count)
}
