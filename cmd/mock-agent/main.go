// Package main implements a mock agent binary that speaks the Claude CLI
// stream-json protocol over the SDK WebSocket. Pointed at by the adapter
// launch catalog it stands in for the real CLI, generating simulated
// turns for development and end-to-end tests without burning tokens.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gorilla/websocket"
)

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(2)
	}

	conn, _, err := websocket.DefaultDialer.Dial(opts.sdkURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: dial %s: %v\n", opts.sdkURL, err)
		os.Exit(1)
	}

	a := newAgent(conn, opts)
	if err := a.run(); err != nil {
		// The broker closing the socket is the normal way a session ends.
		os.Exit(0)
	}
}

// options carries the subset of Claude CLI flags the broker passes when
// spawning an agent.
type options struct {
	sdkURL string
	model  string
	resume string
}

// parseArgs parses the launch flags. Format flags are accepted for CLI
// compatibility but ignored: stream-json is the only format spoken.
func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("mock-agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	sdkURL := fs.String("sdk-url", "", "WebSocket URL of the broker's SDK socket")
	model := fs.String("model", "mock-default", "model name to report")
	resume := fs.String("resume", "", "session id to resume")
	fs.String("input-format", "stream-json", "accepted for compatibility")
	fs.String("output-format", "stream-json", "accepted for compatibility")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *sdkURL == "" {
		return options{}, fmt.Errorf("--sdk-url is required")
	}
	return options{sdkURL: *sdkURL, model: *model, resume: *resume}, nil
}
