package repl

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ClientNode is the subset of *clientnode.Node the client REPL drives.
type ClientNode interface {
	List()
	ConnectToServers() error
	Shutdown()
}

// RunClient reads commands from in until "close" is entered or in is
// exhausted, mirroring the original operator's simpler three-command loop
// (no measure_delays -- a client never originates a measurement session).
func RunClient(node ClientNode, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Enter command (list/connect/close): ")
		if !scanner.Scan() {
			return
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "list":
			node.List()
		case "connect":
			if err := node.ConnectToServers(); err != nil {
				log.Errorf("connect: %v", err)
			}
		case "close":
			node.Shutdown()
			return
		default:
			log.Info("Available commands: list, connect, close")
		}
	}
}
