// Worker connection loop: greets the job server with READY, receives
// its environment snapshot, then services TASK dispatches until
// SHUTDOWN (spec.md §4.6). Grounded on the teacher's subprocess
// reservation discipline in mk.go, reshaped from in-process goroutine
// fan-out to a single persistent TCP connection per worker process.
package worker

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smak-build/smak/internal/protocol"
)

// Config controls a worker process's connection to its job server.
type Config struct {
	Address string // host:port of the job server's master-facing worker port
	Dry     bool
}

// Run dials addr and services task dispatches until the server sends
// SHUTDOWN or the connection drops.
func Run(cfg Config) error {
	conn, err := net.DialTimeout("tcp", cfg.Address, 10*time.Second)
	if err != nil {
		return fmt.Errorf("worker: dial %s: %w", cfg.Address, err)
	}
	defer conn.Close()

	w := protocol.NewWriter(conn)
	r := protocol.NewReader(conn)

	if err := w.Line("READY"); err != nil {
		return err
	}
	if _, err := protocol.ReadEnv(r); err != nil {
		return fmt.Errorf("worker: reading env snapshot: %w", err)
	}

	idleSince := time.Time{}
	for {
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		line, err := r.Line()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Since(idleSince) >= time.Second {
					idleSince = time.Now()
					w.Line("IDLE %d", idleSince.Unix())
				}
				continue
			}
			return err
		}

		switch {
		case line == "SHUTDOWN":
			return nil
		case strings.HasPrefix(line, "CLI_OWNER"):
			continue // informational; interactive prompt routing is out of scope here
		case strings.HasPrefix(line, "TASK "):
			if err := serviceTask(r, w, line); err != nil {
				return err
			}
		}
	}
}

func serviceTask(r *protocol.Reader, w *protocol.Writer, taskLine string) error {
	t, err := protocol.ReadTask(r, taskLine)
	if err != nil {
		return err
	}
	if err := protocol.WriteTaskStart(w, t.ID); err != nil {
		return err
	}

	onLine := func(line string) {
		protocol.WriteOutput(w, line)
	}

	exit := 0
	if t.Dry {
		RunDry(t.ExternalCommands, onLine)
	} else {
		for _, cmd := range t.ExternalCommands {
			res := RunCommand(t.Dir, cmd, t.Env, onLine)
			if res.ExitCode != 0 {
				exit = res.ExitCode
				break
			}
		}
		if exit == 0 {
			for _, b := range t.TrailingBuiltins {
				res := RunCommand(t.Dir, b, t.Env, onLine)
				if res.ExitCode != 0 {
					exit = res.ExitCode
					break
				}
			}
		}
	}

	if err := protocol.WriteTaskEnd(w, t.ID, exit); err != nil {
		return err
	}
	return w.Line("READY")
}

// PID returns this worker's OS process id, used in log lines and
// CLI_OWNER bookkeeping.
func PID() int { return os.Getpid() }

// ParseAddress normalizes "host:port" or a bare port into a dialable
// address against localhost.
func ParseAddress(s string) string {
	if _, err := strconv.Atoi(s); err == nil {
		return "127.0.0.1:" + s
	}
	return s
}
