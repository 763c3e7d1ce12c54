package delaylog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendProducesOneJSONObjectPerLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "delays_mp.json")

	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Append("sid-1", 1, MPData{MinSums: map[string]float64{"server1_server2": 0.001}}, 1000.0))
	require.NoError(t, s.Append("sid-1", 2, MPData{MinSums: map[string]float64{"server1_server2": 0.0012}}, 1001.0))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "sid-1", rec.SessionID)
	require.Equal(t, 1, rec.Iteration)
}

func TestOpenTruncatesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "delays_av.json")
	require.NoError(t, os.WriteFile(path, []byte("stale content\n"), 0644))

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append("sid", 1, AVData{Delays: map[string]float64{"server2": 0.002}}, 1.0))
	require.NoError(t, s.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(content), "stale content")
}
