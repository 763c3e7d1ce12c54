// Package repl implements the interactive command loops for both process
// kinds: a verifier's "list/connect/measure_delays/close" loop and a
// client's simpler "list/connect/close" loop. Neither loop is part of the
// measurement protocol itself -- it only drives the operations that are.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// VerifierNode is the subset of *supervisor.Supervisor the verifier REPL
// drives, kept as an interface so this package never imports supervisor.
type VerifierNode interface {
	List()
	ConnectToPeers(ctx context.Context) error
	BroadcastStart(ctx context.Context, n int) (string, error)
	Shutdown()
}

// VerifierIterations is the fixed iteration count used by the
// "measure_delays" command, matching the original operator tooling.
const VerifierIterations = 10

// RunVerifier reads commands from in until "close" is entered or in is
// exhausted, driving node for each one. It blocks until the loop ends.
func RunVerifier(ctx context.Context, node VerifierNode, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Enter command (list/connect/measure_delays/close): ")
		if !scanner.Scan() {
			return
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "list":
			node.List()
		case "connect":
			if err := node.ConnectToPeers(ctx); err != nil {
				log.Errorf("connect: %v", err)
			}
		case "measure_delays":
			sessionID, err := node.BroadcastStart(ctx, VerifierIterations)
			if err != nil {
				log.Errorf("measure_delays: %v", err)
				continue
			}
			log.Infof("started session %s", sessionID)
		case "close":
			node.Shutdown()
			return
		default:
			log.Info("Available commands: list, connect, measure_delays, close")
		}
	}
}

// ParseIterations is used by the non-interactive cobra wrapper to accept an
// optional override of VerifierIterations from a flag value.
func ParseIterations(s string) (int, error) {
	if s == "" {
		return VerifierIterations, nil
	}
	return strconv.Atoi(s)
}
