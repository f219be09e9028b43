package jobserver

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smak-build/smak/internal/protocol"
)

// Client is a connected control-client session against a job server's
// master port (spec.md §4.5/§4.8).
type Client struct {
	conn net.Conn
	w    *protocol.Writer
	r    *protocol.Reader
}

// Dial connects to addr, sends the ENV handshake, and waits for
// JOBSERVER_WORKERS_READY.
func Dial(addr string, env map[string]string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("jobserver: dial %s: %w", addr, err)
	}
	w := protocol.NewWriter(conn)
	r := protocol.NewReader(conn)

	if env == nil {
		env = map[string]string{}
	}
	env["SMAK_CLI_PID"] = strconv.Itoa(os.Getpid())
	if err := protocol.WriteEnv(w, env); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := r.Line()
	conn.SetReadDeadline(time.Time{})
	if err != nil || line != "JOBSERVER_WORKERS_READY" {
		conn.Close()
		return nil, fmt.Errorf("jobserver: handshake failed (got %q): %v", line, err)
	}
	return &Client{conn: conn, w: w, r: r}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Build submits targets and streams output to onLine until BUILD_END,
// returning each target's outcome.
func (c *Client) Build(targets []string, onLine func(string)) ([]protocol.BuildOutcome, error) {
	if err := c.w.Line("BUILD %s", joinArgs(targets)); err != nil {
		return nil, err
	}
	var outcomes []protocol.BuildOutcome
	for {
		line, err := c.r.Line()
		if err != nil {
			return outcomes, err
		}
		switch {
		case line == "BUILD_END":
			return outcomes, nil
		case strings.HasPrefix(line, "OUTPUT "):
			onLine(strings.TrimPrefix(line, "OUTPUT "))
		case strings.HasPrefix(line, "BUILD_SUCCESS "):
			outcomes = append(outcomes, protocol.BuildOutcome{Target: strings.TrimPrefix(line, "BUILD_SUCCESS "), Success: true})
		case strings.HasPrefix(line, "BUILD_ERROR:"):
			rest := strings.TrimPrefix(line, "BUILD_ERROR:")
			target, msg, _ := strings.Cut(rest, " ")
			outcomes = append(outcomes, protocol.BuildOutcome{Target: target, Success: false, Message: msg})
		}
	}
}

// Resume reattaches to a build already in progress or finished on the
// server, replaying its ring-buffered output to onLine and returning
// once the build's stream closes (spec.md §4.8 detach/reattach).
func (c *Client) Resume(buildID string, onLine func(string)) error {
	if err := c.w.Line("BUILD :%s", buildID); err != nil {
		return err
	}
	for {
		line, err := c.r.Line()
		if err != nil {
			return err
		}
		switch {
		case line == "BUILD_END":
			return nil
		case strings.HasPrefix(line, "OUTPUT "):
			onLine(strings.TrimPrefix(line, "OUTPUT "))
		}
	}
}

// Status sends STATUS and returns the summary line (any STATUS_DETAIL
// lines that follow under -v are discarded here; a future -v client
// mode can surface them instead).
func (c *Client) Status() (string, error) {
	if err := c.w.Line("STATUS"); err != nil {
		return "", err
	}
	summary, err := c.r.Line()
	if err != nil {
		return "", err
	}
	for {
		line, err := c.r.Line()
		if err != nil {
			return summary, err
		}
		if line == "STATUS_END" {
			return summary, nil
		}
	}
}

// Shutdown sends SHUTDOWN and waits for the ack.
func (c *Client) Shutdown() error {
	if err := c.w.Line("SHUTDOWN"); err != nil {
		return err
	}
	_, err := c.r.Line()
	return err
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
