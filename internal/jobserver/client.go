package jobserver

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sanity-io/litter"

	"github.com/smak-build/smak/internal/diag"
	"github.com/smak-build/smak/internal/graph"
	"github.com/smak-build/smak/internal/protocol"
	"github.com/smak-build/smak/internal/queue"
)

// handleClient services a control connection: the ENV handshake,
// JOBSERVER_WORKERS_READY, then a loop over command lines (spec.md
// §4.5/§4.8). The observer port reuses the same handshake but its
// connection is never read from for commands — it only ever receives
// the owning client's mirrored stream.
func (s *Server) handleClient(conn interface{ Close() error }, w *protocol.Writer, r *protocol.Reader, first string, observer bool) {
	env, err := readEnvFrom(r, first)
	if err != nil {
		return
	}
	if err := w.Line("JOBSERVER_WORKERS_READY"); err != nil {
		return
	}

	if observer {
		s.serveObserver(w)
		return
	}

	pid := 0
	if v, ok := env["SMAK_CLI_PID"]; ok {
		pid, _ = strconv.Atoi(v)
	}
	s.becomeOwner(pid, env)

	for {
		line, err := r.Line()
		if err != nil {
			return
		}
		cmd := protocol.ParseControlLine(line)
		if cmd.Name == "" {
			continue
		}
		if !s.dispatchCommand(w, r, cmd) {
			return
		}
	}
}

func readEnvFrom(r *protocol.Reader, first string) (map[string]string, error) {
	env := make(map[string]string)
	line := first
	for {
		if line == "ENV_END" {
			return env, nil
		}
		rest, ok := strings.CutPrefix(line, "ENV ")
		if ok {
			if name, value, ok := strings.Cut(rest, "="); ok {
				env[name] = value
			}
		}
		next, err := r.Line()
		if err != nil {
			return env, err
		}
		line = next
	}
}

func (s *Server) becomeOwner(pid int, env map[string]string) {
	s.mu.Lock()
	s.ownerPID = pid
	s.ownerEnv = env
	workers := make([]*workerConn, 0, len(s.workers))
	for _, wc := range s.workers {
		workers = append(workers, wc)
	}
	s.mu.Unlock()
	for _, wc := range workers {
		wc.w.Line("CLI_OWNER %d", pid)
	}
}

// serveObserver mirrors the owning client's output stream read-only
// (spec.md §4.5); since this server keeps per-build ring buffers
// rather than a single global stream, the observer tails whichever
// build is currently most recent, moving on to the next one once a
// build finishes.
func (s *Server) serveObserver(w *protocol.Writer) {
	mirrored := ""
	for {
		id := s.currentBuild()
		if id == "" || id == mirrored {
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-s.shutdown:
				return
			}
		}
		rb, ok := s.builds.Get(id)
		if !ok {
			continue
		}
		mirrored = id
		streamBuild(w, rb)
	}
}

// dispatchCommand executes one control command, returning false if
// the connection should close (SHUTDOWN or an unrecoverable write
// error).
func (s *Server) dispatchCommand(w *protocol.Writer, r *protocol.Reader, cmd protocol.ControlCommand) bool {
	switch cmd.Name {
	case protocol.CmdBuild:
		s.cmdBuild(w, cmd.Args)
		return true
	case protocol.CmdListStale:
		s.cmdListStale(w)
		return true
	case protocol.CmdDirty:
		s.mu.Lock()
		for _, t := range cmd.Args {
			s.forceStale[t] = true
		}
		s.mu.Unlock()
		return true
	case protocol.CmdTouch:
		for _, f := range cmd.Args {
			now := time.Now()
			_ = touchFile(f, now)
		}
		return true
	case protocol.CmdRm:
		for _, f := range cmd.Args {
			_ = removeFile(f)
		}
		return true
	case protocol.CmdRescan:
		if err := s.rescan(); err != nil {
			w.Line("ERROR rescan: %v", err)
		}
		return true
	case protocol.CmdReset:
		s.mu.Lock()
		s.forceStale = make(map[string]bool)
		s.mu.Unlock()
		return true
	case protocol.CmdStatus:
		s.cmdStatus(w)
		return true
	case protocol.CmdStart:
		s.setPaused(false)
		w.Line("START_ACK")
		return true
	case protocol.CmdStop:
		s.setPaused(true)
		w.Line("STOP_ACK")
		return true
	case protocol.CmdAddRule:
		s.cmdAddRule(w, r, cmd.Args)
		return true
	case protocol.CmdModRule:
		s.cmdModRule(w, r, cmd.Args)
		return true
	case protocol.CmdModDeps:
		s.cmdModDeps(w, r, cmd.Args)
		return true
	case protocol.CmdDelRule:
		s.cmdDelRule(w, cmd.Args)
		return true
	case protocol.CmdSave:
		s.cmdSave(w, cmd.Args)
		return true
	case protocol.CmdShutdown:
		w.Line("SHUTDOWN_ACK")
		go s.Shutdown()
		return false
	default:
		w.Line("ERROR unknown command %s", cmd.Name)
		return true
	}
}

// cmdBuild implements BUILD (spec.md §4.8): "Submit and wait; streams
// OUTPUT." A single argument of the form ":<build-id>" instead resumes
// an earlier build's stream rather than starting a new one (spec.md
// §4.8 detach/reattach; the colon prefix follows the protocol's own
// convention for out-of-band values, e.g. STALE:<target>).
func (s *Server) cmdBuild(w *protocol.Writer, targets []string) {
	if len(targets) == 1 && strings.HasPrefix(targets[0], ":") {
		s.resumeBuild(w, strings.TrimPrefix(targets[0], ":"))
		return
	}
	if len(targets) == 0 {
		if s.rs.Default != "" {
			targets = []string{s.rs.Default}
		}
	}
	buildID := uuid.NewString()
	rb := s.builds.Create(buildID)
	s.mu.Lock()
	s.lastBuild = buildID
	s.mu.Unlock()
	w.Line("BUILD_ID %s", buildID)
	defer rb.Close()

	idx := 0
	g := graph.New(s.rs, s.rootDir, s.forceStale)
	for _, target := range targets {
		n, err := g.Resolve(target)
		if err != nil {
			protocol.WriteBuildOutcome(w, protocol.BuildOutcome{Target: target, Success: false, Message: err.Error()})
			continue
		}
		s.submitTree(n, buildID, buildID, false)
		for !s.targetDone(n) {
			idx = drainOutput(w, rb, idx)
			time.Sleep(20 * time.Millisecond)
		}
		idx = drainOutput(w, rb, idx)
		if s.targetFailed(n) {
			protocol.WriteBuildOutcome(w, protocol.BuildOutcome{Target: target, Success: false, Message: "build failed"})
		} else {
			protocol.WriteBuildOutcome(w, protocol.BuildOutcome{Target: target, Success: true})
		}
	}
	protocol.WriteBuildEnd(w)
}

// drainOutput streams any ring-buffer lines appended since idx,
// without blocking, returning the new index. Used from within
// cmdBuild's own polling loop so the owning client sees OUTPUT frames
// as the build progresses rather than only at the end.
func drainOutput(w *protocol.Writer, rb *ringBuffer, idx int) int {
	lines, _ := rb.Snapshot()
	for ; idx < len(lines); idx++ {
		protocol.WriteOutput(w, lines[idx])
	}
	return idx
}

// resumeBuild implements the ":<build-id>" resume form of BUILD
// (spec.md §4.8): a client presenting a build id it already holds
// reads that build's ring buffer from the start, tailing live output
// until the build closes, exactly like the observer mirror.
func (s *Server) resumeBuild(w *protocol.Writer, id string) {
	rb, ok := s.builds.Get(id)
	if !ok {
		w.Line("ERROR unknown build id %s", id)
		protocol.WriteBuildEnd(w)
		return
	}
	streamBuild(w, rb)
	protocol.WriteBuildEnd(w)
}

func (s *Server) targetDone(n *graph.Node) bool {
	j, ok := s.q.Job(queue.Key{Dir: n.Dir, Target: n.Target})
	if !ok {
		return true // nothing stale to build: already satisfied
	}
	st := j.State
	return st == queue.StateDone || st == queue.StateFailed
}

func (s *Server) targetFailed(n *graph.Node) bool {
	j, ok := s.q.Job(queue.Key{Dir: n.Dir, Target: n.Target})
	if !ok {
		return false
	}
	return j.State == queue.StateFailed
}

func (s *Server) cmdListStale(w *protocol.Writer) {
	g := graph.New(s.rs, s.rootDir, s.forceStale)
	if s.rs.Default != "" {
		if n, err := g.Resolve(s.rs.Default); err == nil {
			for _, node := range graph.Flatten(n) {
				protocol.WriteStale(w, node.Target)
			}
		}
	}
	protocol.WriteStaleEnd(w)
}

func (s *Server) cmdStatus(w *protocol.Writer) {
	s.mu.Lock()
	numWorkers := len(s.workers)
	busy := 0
	for _, wc := range s.workers {
		if wc.busy {
			busy++
		}
	}
	s.mu.Unlock()
	w.Line("STATUS workers=%d busy=%d queued=%d", numWorkers, busy, len(s.q.Snapshot()))
	if diag.Verbose {
		for _, line := range strings.Split(litter.Sdump(s.q.Snapshot()), "\n") {
			if line != "" {
				w.Line("STATUS_DETAIL %s", line)
			}
		}
	}
	w.Line("STATUS_END")
}
