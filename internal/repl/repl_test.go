package repl

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeVerifierNode struct {
	listCalls      int
	connectCalls   int
	broadcastCalls int
	shutdownCalls  int
	broadcastN     int
}

func (f *fakeVerifierNode) List()                          { f.listCalls++ }
func (f *fakeVerifierNode) ConnectToPeers(context.Context) error { f.connectCalls++; return nil }
func (f *fakeVerifierNode) BroadcastStart(context.Context, int) (string, error) {
	f.broadcastCalls++
	return "sess-1", nil
}
func (f *fakeVerifierNode) Shutdown() { f.shutdownCalls++ }

func TestRunVerifierDispatchesCommands(t *testing.T) {
	node := &fakeVerifierNode{}
	in := strings.NewReader("list\nconnect\nmeasure_delays\nbogus\nclose\n")
	var out bytes.Buffer

	RunVerifier(context.Background(), node, in, &out)

	require.Equal(t, 1, node.listCalls)
	require.Equal(t, 1, node.connectCalls)
	require.Equal(t, 1, node.broadcastCalls)
	require.Equal(t, 1, node.shutdownCalls)
}

func TestRunVerifierReturnsOnEOF(t *testing.T) {
	node := &fakeVerifierNode{}
	in := strings.NewReader("list\n")
	var out bytes.Buffer

	RunVerifier(context.Background(), node, in, &out)
	require.Equal(t, 1, node.listCalls)
	require.Equal(t, 0, node.shutdownCalls)
}

type fakeClientNode struct {
	listCalls     int
	connectCalls  int
	shutdownCalls int
}

func (f *fakeClientNode) List()                 { f.listCalls++ }
func (f *fakeClientNode) ConnectToServers() error { f.connectCalls++; return nil }
func (f *fakeClientNode) Shutdown()              { f.shutdownCalls++ }

func TestRunClientDispatchesCommands(t *testing.T) {
	node := &fakeClientNode{}
	in := strings.NewReader("connect\nlist\nclose\n")
	var out bytes.Buffer

	RunClient(node, in, &out)

	require.Equal(t, 1, node.connectCalls)
	require.Equal(t, 1, node.listCalls)
	require.Equal(t, 1, node.shutdownCalls)
}

func TestParseIterationsDefaultsWhenEmpty(t *testing.T) {
	n, err := ParseIterations("")
	require.NoError(t, err)
	require.Equal(t, VerifierIterations, n)
}

func TestParseIterationsParsesOverride(t *testing.T) {
	n, err := ParseIterations("25")
	require.NoError(t, err)
	require.Equal(t, 25, n)
}
