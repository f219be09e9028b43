// Package jobserver implements the persistent build daemon of spec.md
// §4.5: two TCP listeners (master for control clients and workers,
// observer for read-only mirroring), a port-file for detached-client
// discovery, and the reactor loop that is the sole mutator of the rule
// store, queue, and in-progress map. Grounded on the teacher's
// single-threaded command dispatch in mk.go, moved from an in-process
// goroutine-per-target model to a persistent network service per
// spec.md §5.
package jobserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smak-build/smak/internal/diag"
	"github.com/smak-build/smak/internal/graph"
	"github.com/smak-build/smak/internal/protocol"
	"github.com/smak-build/smak/internal/queue"
	"github.com/smak-build/smak/internal/recurse"
	"github.com/smak-build/smak/internal/rules"
)

// Server is one running job server instance.
type Server struct {
	rootDir string
	rs      *rules.RuleSet
	q       *queue.Queue
	builds  *buildRegistry

	mu         sync.Mutex
	workers    map[string]*workerConn
	ownerPID   int
	ownerEnv   map[string]string
	forceStale map[string]bool
	nodeOwner  map[queue.Key]string // job key -> owning build id, for ring-buffer routing
	paused     bool                 // true between STOP and START: dispatch withheld, not cancelled
	lastBuild  string               // most recent BUILD's id, mirrored by the observer port

	wake     chan struct{}
	shutdown chan struct{}
	once     sync.Once

	masterLn   net.Listener
	observerLn net.Listener

	ready      chan struct{}
	readyOnce  sync.Once
	masterAddr string
}

type workerConn struct {
	id   string
	conn net.Conn
	w    *protocol.Writer
	r    *protocol.Reader
	busy bool
}

// New creates a server over an already-parsed rule set, sized to
// jobsCap concurrent workers.
func New(rs *rules.RuleSet, rootDir string, jobsCap int) *Server {
	return &Server{
		rootDir:    rootDir,
		rs:         rs,
		q:          queue.New(jobsCap, 5),
		builds:     newBuildRegistry(),
		workers:    make(map[string]*workerConn),
		forceStale: make(map[string]bool),
		nodeOwner:  make(map[queue.Key]string),
		wake:       make(chan struct{}, 1),
		shutdown:   make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// WaitReady blocks until the server's listeners are bound and returns
// the master port's dialable address, for an in-process control
// client or worker to connect to.
func (s *Server) WaitReady() string {
	<-s.ready
	return s.masterAddr
}

// ListenAndServe starts both listeners, writes the port file, and
// blocks until Shutdown is called or a listener errors.
func (s *Server) ListenAndServe() error {
	masterLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("jobserver: master listen: %w", err)
	}
	observerLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		masterLn.Close()
		return fmt.Errorf("jobserver: observer listen: %w", err)
	}
	s.masterLn = masterLn
	s.observerLn = observerLn

	masterPort := masterLn.Addr().(*net.TCPAddr).Port
	observerPort := observerLn.Addr().(*net.TCPAddr).Port
	portFile, err := WritePortFile(os.Getpid(), masterPort, observerPort, s.rootDir)
	if err != nil {
		diag.Errorf("jobserver: writing port file: %v", err)
	} else {
		diag.Verbosef("jobserver: listening on %d (master) %d (observer), port file %s", masterPort, observerPort, portFile)
	}

	s.masterAddr = fmt.Sprintf("127.0.0.1:%d", masterPort)
	s.readyOnce.Do(func() { close(s.ready) })

	go s.dispatchLoop()
	go s.acceptLoop(masterLn, false)
	go s.acceptLoop(observerLn, true)

	<-s.shutdown
	return nil
}

// Shutdown drains the queue, notifies workers, and closes listeners
// (spec.md §4.5 "Shutdown").
func (s *Server) Shutdown() {
	s.once.Do(func() {
		s.q.Cancel()
		s.mu.Lock()
		for _, wc := range s.workers {
			wc.w.Line("SHUTDOWN")
		}
		s.mu.Unlock()
		if s.masterLn != nil {
			s.masterLn.Close()
		}
		if s.observerLn != nil {
			s.observerLn.Close()
		}
		RemovePortFile(os.Getpid())
		close(s.shutdown)
	})
}

func (s *Server) acceptLoop(ln net.Listener, observer bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, observer)
	}
}

func (s *Server) handleConn(conn net.Conn, observer bool) {
	defer conn.Close()
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	first, err := r.Line()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return
	}

	if first == "READY" {
		if observer {
			return // workers never dial the observer port
		}
		s.handleWorker(conn, w, r)
		return
	}
	s.handleClient(conn, w, r, first, observer)
}

func (s *Server) currentEnv() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.ownerEnv))
	for k, v := range s.ownerEnv {
		out[k] = v
	}
	return out
}

func (s *Server) handleWorker(conn net.Conn, w *protocol.Writer, r *protocol.Reader) {
	if err := protocol.WriteEnv(w, s.currentEnv()); err != nil {
		return
	}

	id := uuid.NewString()
	wc := &workerConn{id: id, conn: conn, w: w, r: r}
	s.mu.Lock()
	s.workers[id] = wc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.workers, id)
		s.mu.Unlock()
	}()

	s.signalWake()
	<-s.shutdown
}

func (s *Server) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the reactor's assignment half: whenever a worker
// frees up or a new job is submitted, assign ready jobs to idle
// workers (spec.md §4.4 dispatch, §5 single-mutator reactor).
func (s *Server) dispatchLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.assignReady()
	}
}

// currentBuild returns the most recently started build's id, for the
// observer port to mirror (spec.md §4.5).
func (s *Server) currentBuild() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBuild
}

// setPaused implements the STOP/START pair (spec.md §4.8's worker-pool
// lifecycle commands): paused withholds further dispatch without
// cancelling anything already running or queued.
func (s *Server) setPaused(p bool) {
	s.mu.Lock()
	s.paused = p
	s.mu.Unlock()
	if !p {
		s.signalWake()
	}
}

func (s *Server) assignReady() {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return
	}
	for {
		s.mu.Lock()
		var wc *workerConn
		for _, w := range s.workers {
			if !w.busy {
				wc = w
				break
			}
		}
		s.mu.Unlock()
		if wc == nil {
			return
		}
		job := s.q.TryDispatch(context.Background())
		if job == nil {
			return
		}
		s.mu.Lock()
		wc.busy = true
		s.mu.Unlock()
		go s.runJob(wc, job)
	}
}

func (s *Server) runJob(wc *workerConn, job *queue.Job) {
	defer func() {
		s.mu.Lock()
		wc.busy = false
		s.mu.Unlock()
		s.signalWake()
	}()

	taskID := job.Dir + "#" + job.Target
	task := protocol.Task{
		ID:               taskID,
		Dir:              job.Dir,
		Dry:              job.Dry,
		ExternalCommands: job.ExternalCommands,
		TrailingBuiltins: job.TrailingBuiltins,
		Env:              s.recurseEnv(),
	}
	if err := protocol.WriteTask(wc.w, task); err != nil {
		s.failJob(job, 1, []string{err.Error()})
		return
	}

	var output []string
	exit := 0
	for {
		line, err := wc.r.Line()
		if err != nil {
			exit = 1
			output = append(output, "ERROR: worker connection lost: "+err.Error())
			break
		}
		switch {
		case strings.HasPrefix(line, "TASK_START"):
			continue
		case strings.HasPrefix(line, "OUTPUT "):
			out := strings.TrimPrefix(line, "OUTPUT ")
			output = append(output, out)
			s.appendBuildOutput(job, out)
		case strings.HasPrefix(line, "TASK_END"):
			fields := strings.Fields(line)
			if len(fields) == 3 {
				exit, _ = strconv.Atoi(fields[2])
			}
		case line == "READY":
			goto done
		}
	}
done:
	retrying, backoff := s.q.Complete(job.Key, exit, output)
	if retrying {
		s.appendBuildOutput(job, "Transient failure detected, retrying")
		time.AfterFunc(backoff, func() {
			s.q.Requeue(job.Key)
			s.signalWake()
		})
	}
}

// recurseEnv builds the extra environment every dispatched task carries
// so a recipe that turns out to invoke smak/make -C recursively (and
// could not be classified in-process, spec.md §4.7's fallback path)
// connects back to this same server rather than spawning its own.
func (s *Server) recurseEnv() map[string]string {
	s.mu.Lock()
	level, _ := strconv.Atoi(s.ownerEnv["SMAK_RECURSION_LEVEL"])
	s.mu.Unlock()
	return map[string]string{
		"SMAK_JOB_SERVER":      s.masterAddr,
		"SMAK_RECURSION_LEVEL": strconv.Itoa(level + 1),
	}
}

func (s *Server) failJob(job *queue.Job, exit int, output []string) {
	s.q.Complete(job.Key, exit, output)
}

func (s *Server) appendBuildOutput(job *queue.Job, line string) {
	s.mu.Lock()
	buildID := s.nodeOwner[job.Key]
	s.mu.Unlock()
	if buildID == "" {
		return
	}
	if rb, ok := s.builds.Get(buildID); ok {
		rb.Append(line)
	}
}

// submitTree flattens target's resolved graph.Node into layered jobs
// and submits each one to the queue, tagging them with buildID for
// ring-buffer routing (spec.md §4.4/§4.8).
func (s *Server) submitTree(n *graph.Node, buildID string, owner string, dry bool) {
	for _, node := range graph.Flatten(n) {
		var externals, trailing []string
		if node.Compound != nil {
			trailing = placeholderTrailing(node)
		} else {
			externals, trailing = toCommands(node, s.rs)
		}

		if clauses, ok := recurse.Classify(strings.Join(externals, " && ")); ok {
			s.submitRecursive(node, clauses, buildID, owner, dry)
			continue
		}

		exclusive := node.Exclusive
		_, dup := s.q.Submit(node.Dir, node.Target, node.Layer, exclusive, dry, externals, trailing, owner)
		if !dup {
			s.mu.Lock()
			s.nodeOwner[queue.Key{Dir: node.Dir, Target: node.Target}] = buildID
			s.mu.Unlock()
		}
	}
	s.signalWake()
}

// submitRecursive implements spec.md §4.7's in-server fork-and-expand:
// the clauses' child scopes are resolved and merged as ordinary jobs
// at a lower layer, and the calling node becomes a job with no
// commands at all, placed in a layer above every imported job.
func (s *Server) submitRecursive(node *graph.Node, clauses []recurse.Clause, buildID, owner string, dry bool) {
	imported, err := recurse.Expand(node.Dir, clauses, nil, toCommands)
	if err != nil {
		diag.Errorf("recurse: %v", err)
		s.q.Submit(node.Dir, node.Target, node.Layer, false, dry, nil, nil, owner)
		return
	}

	maxLayer := 0
	for _, j := range imported {
		layer := j.Layer
		if layer >= node.Layer {
			layer = node.Layer - 1
		}
		if layer < 1 {
			layer = 1
		}
		if layer > maxLayer {
			maxLayer = layer
		}
		_, dup := s.q.Submit(j.Dir, j.Target, layer, j.Exclusive, dry, j.ExternalCommands, j.TrailingBuiltins, owner)
		if !dup {
			s.mu.Lock()
			s.nodeOwner[queue.Key{Dir: j.Dir, Target: j.Target}] = buildID
			s.mu.Unlock()
		}
	}

	callerLayer := node.Layer
	if maxLayer >= callerLayer {
		callerLayer = maxLayer + 1
	}
	s.q.Submit(node.Dir, node.Target, callerLayer, false, dry, nil, nil, owner)
	s.mu.Lock()
	s.nodeOwner[queue.Key{Dir: node.Dir, Target: node.Target}] = buildID
	s.mu.Unlock()
}
