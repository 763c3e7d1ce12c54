package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyID(t *testing.T) {
	require.Equal(t, KindPeer, ClassifyID("server2"))
	require.Equal(t, KindClient, ClassifyID("client7"))
	require.Equal(t, KindRejected, ClassifyID("bogus1"))
}

// TestLinkUniqueness covers spec §8: after a full handshake between any two
// verifiers, the PeerLink table contains exactly one entry keyed by the
// peer id, with both halves set; re-issuing connect is a no-op.
func TestLinkUniqueness(t *testing.T) {
	tbl := NewTable("server1")

	inConn, _ := net.Pipe()
	tbl.RegisterIncoming("server2", inConn)

	outConn, _ := net.Pipe()
	tbl.RegisterOutgoing("server2", outConn)

	peers := tbl.Peers()
	require.Len(t, peers, 1)
	l := peers["server2"]
	require.NotNil(t, l.Incoming)
	require.NotNil(t, l.Outgoing)

	require.True(t, tbl.HasOutgoing("server2"))
}

// TestDuplicateHello covers spec §8 scenario 2: verifier A sends HELLO
// server1 twice to verifier B; B's link table contains one entry for
// server1 with the newer inbound half.
func TestDuplicateHello(t *testing.T) {
	tbl := NewTable("server2")

	first, _ := net.Pipe()
	tbl.RegisterIncoming("server1", first)

	second, _ := net.Pipe()
	tbl.RegisterIncoming("server1", second)

	peers := tbl.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, second, peers["server1"].Incoming)
}

func TestRemovePeerHalfDestroysLinkWhenBothGone(t *testing.T) {
	tbl := NewTable("server1")
	in, _ := net.Pipe()
	out, _ := net.Pipe()
	tbl.RegisterIncoming("server2", in)
	tbl.RegisterOutgoing("server2", out)

	tbl.RemovePeerHalf("server2", in)
	require.NotNil(t, tbl.Peer("server2"))

	tbl.RemovePeerHalf("server2", out)
	require.Nil(t, tbl.Peer("server2"))
}

func TestRejectedIDLeavesNoState(t *testing.T) {
	tbl := NewTable("server1")
	conn, _ := net.Pipe()
	kind := tbl.RegisterIncoming("weirdnode", conn)
	require.Equal(t, KindRejected, kind)
	require.Empty(t, tbl.Peers())
	require.Empty(t, tbl.Clients())
}

func TestClientLink(t *testing.T) {
	tbl := NewTable("server1")
	conn, _ := net.Pipe()
	kind := tbl.RegisterIncoming("client9", conn)
	require.Equal(t, KindClient, kind)
	require.Equal(t, conn, tbl.Client("client9"))

	tbl.RemoveClient("client9")
	require.Nil(t, tbl.Client("client9"))
}
