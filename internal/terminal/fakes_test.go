package terminal

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakePTY stands in for a shell. Output written with shellWrite is read by the
// pump; input written by the session is recorded in an event log shared with
// resizes so tests can check ordering.
type fakePTY struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	size    Size
	events  []string
	input   []byte
	closed  bool
	resizeE error
	exitE   error

	readerClaimed bool
	writerClaimed bool

	done     chan struct{}
	doneOnce sync.Once
}

func newFakePTY() *fakePTY {
	r, w := io.Pipe()
	return &fakePTY{outR: r, outW: w, size: DefaultSize, done: make(chan struct{})}
}

func (f *fakePTY) Reader() (io.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readerClaimed {
		return nil, ErrAlreadyClaimed
	}
	f.readerClaimed = true
	return f.outR, nil
}

func (f *fakePTY) Writer() (io.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writerClaimed {
		return nil, ErrAlreadyClaimed
	}
	f.writerClaimed = true
	return fakeWriter{f}, nil
}

type fakeWriter struct{ f *fakePTY }

func (w fakeWriter) Write(p []byte) (int, error) {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	if w.f.closed {
		return 0, errors.New("write to closed pty")
	}
	w.f.events = append(w.f.events, "data:"+string(p))
	w.f.input = append(w.f.input, p...)
	return len(p), nil
}

func (f *fakePTY) Resize(s Size) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resizeE != nil {
		return f.resizeE
	}
	f.size = s
	f.events = append(f.events, "resize:"+s.String())
	return nil
}

func (f *fakePTY) Size() (Size, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size, nil
}

func (f *fakePTY) Done() <-chan struct{} { return f.done }

func (f *fakePTY) ExitErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitE
}

func (f *fakePTY) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.exit()
	return f.outW.Close()
}

// shellWrite emits output as the shell. It blocks until the pump reads it.
func (f *fakePTY) shellWrite(p string) error {
	_, err := f.outW.Write([]byte(p))
	return err
}

// eof simulates the PTY output stream ending.
func (f *fakePTY) eof() { _ = f.outW.Close() }

// exit simulates the shell process exiting.
func (f *fakePTY) exit() { f.doneOnce.Do(func() { close(f.done) }) }

func (f *fakePTY) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakePTY) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeConn is an in-memory network session.
type fakeConn struct {
	in     chan Frame
	broken chan struct{}
	closed chan struct{}

	mu          sync.Mutex
	out         [][]byte
	pongs       [][]byte
	closeCode   int
	closeReason string
	closeCalls  int
	lateWrites  int

	breakOnce sync.Once
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Frame, 64),
		broken: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.broken:
		return Frame{}, errors.New("connection reset")
	case <-c.closed:
		return Frame{}, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteData(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCalls > 0 {
		c.lateWrites++
		return errors.New("write after close")
	}
	c.out = append(c.out, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) WritePong(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongs = append(c.pongs, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) CloseWithReason(code int, reason string) error {
	c.mu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()
	return c.Close()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(f Frame) { c.in <- f }

func (c *fakeConn) fail() { c.breakOnce.Do(func() { close(c.broken) }) }

func (c *fakeConn) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s string
	for _, p := range c.out {
		s += string(p)
	}
	return s
}

func (c *fakeConn) closeInfo() (code int, reason string, calls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closeCalls
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// runSession starts s.Run in the background and returns a channel with its result.
func runSession(s *Session) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- s.Run(testContext()) }()
	return ch
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	return Result{}
}

func mustEqualEvents(t *testing.T, got, want []string) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events: got %q, want %q", got, want)
	}
}
