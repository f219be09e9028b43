package jobserver

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/smak-build/smak/internal/protocol"
)

func TestRingBufferAppendAndSnapshot(t *testing.T) {
	rb := newRingBuffer(4096)
	rb.Append("line1")
	rb.Append("line2")

	lines, closed := rb.Snapshot()
	if closed {
		t.Error("ring buffer should not be closed yet")
	}
	if len(lines) != 2 || lines[0] != "line1" || lines[1] != "line2" {
		t.Errorf("lines = %v, want [line1 line2]", lines)
	}
}

func TestRingBufferCapsHistory(t *testing.T) {
	rb := newRingBuffer(2)
	rb.Append("a")
	rb.Append("b")
	rb.Append("c")

	lines, _ := rb.Snapshot()
	if len(lines) != 2 || lines[0] != "b" || lines[1] != "c" {
		t.Errorf("lines = %v, want [b c] (oldest dropped)", lines)
	}
}

func TestRingBufferClose(t *testing.T) {
	rb := newRingBuffer(4096)
	rb.Append("only")
	rb.Close()

	lines, closed := rb.Snapshot()
	if !closed {
		t.Error("ring buffer should report closed after Close")
	}
	if len(lines) != 1 || lines[0] != "only" {
		t.Errorf("lines = %v, want [only]", lines)
	}
}

func TestRingBufferWaitUnblocksOnAppendAndClose(t *testing.T) {
	rb := newRingBuffer(4096)

	ch := rb.Wait()
	select {
	case <-ch:
		t.Fatal("Wait channel closed before any Append or Close")
	default:
	}

	rb.Append("line1")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Wait channel did not close after Append")
	}

	closedCh := rb.Wait()
	rb.Close()
	select {
	case <-closedCh:
	case <-time.After(time.Second):
		t.Fatal("Wait channel did not close after Close")
	}

	// Wait on an already-closed buffer must return an already-closed channel.
	select {
	case <-rb.Wait():
	default:
		t.Fatal("Wait on a closed ring buffer should return a closed channel immediately")
	}
}

func TestStreamBuildRepliesThenBlocksThenFinishes(t *testing.T) {
	rb := newRingBuffer(4096)
	rb.Append("first")

	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	done := make(chan struct{})
	go func() {
		streamBuild(w, rb)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	rb.Append("second")
	rb.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("streamBuild did not return after the ring buffer closed")
	}

	out := buf.String()
	if !strings.Contains(out, "OUTPUT first") || !strings.Contains(out, "OUTPUT second") {
		t.Errorf("output = %q, want OUTPUT frames for both lines", out)
	}
}

func TestBuildRegistryCreateAndGet(t *testing.T) {
	reg := newBuildRegistry()
	rb := reg.Create("build-1")
	rb.Append("hello")

	got, ok := reg.Get("build-1")
	if !ok {
		t.Fatal("expected to find registered build")
	}
	lines, _ := got.Snapshot()
	if len(lines) != 1 || lines[0] != "hello" {
		t.Errorf("lines = %v, want [hello]", lines)
	}

	if _, ok := reg.Get("missing"); ok {
		t.Error("unregistered build id should not be found")
	}
}
