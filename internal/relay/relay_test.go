package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpvnet/cpv/internal/wire"
)

// pipePeer returns a Peer backed by a net.Pipe, with the remote end drained
// continuously in the background so WriteLine never blocks; counts is
// incremented once per message read.
func pipePeer(id string, counts *int) Peer {
	client, server := net.Pipe()
	r := wire.NewReader(server)
	go func() {
		for {
			if _, err := r.ReadMessage(); err != nil {
				return
			}
			if counts != nil {
				*counts++
			}
		}
	}()
	return Peer{ID: id, Writer: wire.NewWriter(client)}
}

// TestForwardIdempotence covers spec §8: for any triple (sender,t,iter)
// delivered to the Client N times, exactly one FORWARD_TIMESTAMP is emitted
// per other verifier.
func TestForwardIdempotence(t *testing.T) {
	r := New("client1")

	p2 := pipePeer("server2", nil)
	p3 := pipePeer("server3", nil)
	peers := []Peer{p2, p3}

	for i := 0; i < 5; i++ {
		sent := r.Forward("server1", 1234.5, 1, peers)
		if i == 0 {
			require.ElementsMatch(t, []string{"server2", "server3"}, sent)
		} else {
			require.Empty(t, sent)
		}
	}
}

func TestForwardNeverSendsBackToSender(t *testing.T) {
	r := New("client1")
	p2 := pipePeer("server2", nil)
	psender := pipePeer("server1", nil)

	sent := r.Forward("server1", 1.0, 1, []Peer{p2, psender})
	require.Equal(t, []string{"server2"}, sent)
}

func TestSessionStateMachine(t *testing.T) {
	r := New("client1")
	sid, state := r.Session()
	require.Equal(t, "", sid)
	require.Equal(t, Idle, state)

	r.StartSession("sid-1")
	sid, state = r.Session()
	require.Equal(t, "sid-1", sid)
	require.Equal(t, InSession, state)
}
