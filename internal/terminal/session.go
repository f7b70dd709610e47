package terminal

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Close codes sent to the client (RFC 6455 section 7.4.1).
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

// Conn is the network side of a terminal session.
//
// ReadFrame is only ever called from one goroutine. WriteData, WritePong and
// the close methods are only called from the session event loop.
type Conn interface {
	// ReadFrame blocks until the next inbound frame. A clean close by the
	// peer is reported as a FrameClose frame, not an error.
	ReadFrame() (Frame, error)
	WriteData(p []byte) error
	WritePong(p []byte) error
	// CloseWithReason sends a close frame and releases the connection.
	CloseWithReason(code int, reason string) error
	// Close releases the connection without sending a close frame.
	Close() error
}

// State is the lifecycle stage of a Session.
type State int32

const (
	StateEstablishing State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// EndReason records why a session left the Active state.
type EndReason string

const (
	ReasonClientClosed   EndReason = "client closed"
	ReasonTransportError EndReason = "transport error"
	ReasonPTYReadFailed  EndReason = "terminal read failed"
	ReasonPTYWriteFailed EndReason = "terminal write failed"
	ReasonProcessExited  EndReason = "process exited"
	ReasonShutdown       EndReason = "server shutting down"
	ReasonTerminated     EndReason = "session terminated"
	ReasonInternal       EndReason = "internal error"
)

// closeCode maps a reason to the close frame sent to the client. Zero means
// no close frame is sent: the peer already closed or the transport is broken.
func (r EndReason) closeCode() int {
	switch r {
	case ReasonClientClosed, ReasonTransportError:
		return 0
	case ReasonShutdown:
		return CloseGoingAway
	case ReasonPTYReadFailed, ReasonPTYWriteFailed, ReasonInternal:
		return CloseInternalError
	}
	return CloseNormal
}

// Options tunes session teardown.
type Options struct {
	// DrainTimeout bounds how long output is still forwarded after the shell
	// has exited, waiting for the pump to hit end-of-stream.
	DrainTimeout time.Duration
	// PumpWaitTimeout bounds how long teardown waits for the pump goroutine.
	PumpWaitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 250 * time.Millisecond
	}
	if o.PumpWaitTimeout <= 0 {
		o.PumpWaitTimeout = 2 * time.Second
	}
	return o
}

// Result summarises a finished session.
type Result struct {
	Reason   EndReason
	Err      error
	BytesIn  int64
	BytesOut int64
	Size     Size
	Duration time.Duration
	// ExitErr is the shell's wait status when the PTY reports one.
	ExitErr error
}

// exitReporter is implemented by PTYs that know how their child exited.
type exitReporter interface {
	ExitErr() error
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	BytesIn   int64     `json:"bytes_in"`
	BytesOut  int64     `json:"bytes_out"`
}

// Session bridges one PTY and one network connection.
type Session struct {
	ID        string
	Subject   string
	StartedAt time.Time

	pty  PTY
	conn Conn
	opts Options
	log  zerolog.Logger

	state    atomic.Int32
	size     atomic.Uint32 // cols<<16 | rows
	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	killOnce   sync.Once
	kill       chan struct{}
	killReason EndReason

	exitErr error // set by teardown
}

// NewSession wires a spawned PTY to a connection. The PTY must have been
// opened with the given initial size.
func NewSession(p PTY, conn Conn, subject string, initial Size, opts Options, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		Subject:   subject,
		StartedAt: time.Now().UTC(),
		pty:       p,
		conn:      conn,
		opts:      opts.withDefaults(),
		log:       logger.With().Str("session_id", id).Str("subject", subject).Logger(),
		kill:      make(chan struct{}),
	}
	s.storeSize(initial)
	return s
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Size returns the last geometry applied to the PTY.
func (s *Session) Size() Size {
	v := s.size.Load()
	return Size{Cols: uint16(v >> 16), Rows: uint16(v)}
}

func (s *Session) storeSize(sz Size) {
	s.size.Store(uint32(sz.Cols)<<16 | uint32(sz.Rows))
}

// Info returns a snapshot for listings.
func (s *Session) Info() Info {
	sz := s.Size()
	return Info{
		ID:        s.ID,
		Subject:   s.Subject,
		StartedAt: s.StartedAt,
		State:     s.State().String(),
		Cols:      sz.Cols,
		Rows:      sz.Rows,
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
	}
}

// Terminate asks the event loop to end the session. The first reason wins.
func (s *Session) Terminate(reason EndReason) {
	s.killOnce.Do(func() {
		s.killReason = reason
		close(s.kill)
	})
}

type inbound struct {
	frame Frame
	err   error
}

type ending struct {
	reason EndReason
	err    error
}

// Run drives the session until either side goes away, then tears everything
// down. It always returns with the PTY closed and the connection released.
func (s *Session) Run(ctx context.Context) Result {
	end := s.run(ctx)
	return Result{
		Reason:   end.reason,
		Err:      end.err,
		BytesIn:  s.bytesIn.Load(),
		BytesOut: s.bytesOut.Load(),
		Size:     s.Size(),
		Duration: time.Since(s.StartedAt),
		ExitErr:  s.exitErr,
	}
}

func (s *Session) run(ctx context.Context) ending {
	reader, err := s.pty.Reader()
	if err != nil {
		end := ending{reason: ReasonInternal, err: err}
		s.setState(StateClosing)
		s.teardown(nil, end)
		return end
	}
	writer, err := s.pty.Writer()
	if err != nil {
		end := ending{reason: ReasonInternal, err: err}
		s.setState(StateClosing)
		s.teardown(nil, end)
		return end
	}

	pump := StartPump(reader)
	frames := make(chan inbound)
	stop := make(chan struct{})
	go s.readInbound(frames, stop)

	s.setState(StateActive)
	s.log.Debug().Str("size", s.Size().String()).Msg("terminal session active")

	end := s.loop(ctx, pump, writer, frames)

	s.setState(StateClosing)
	close(stop)
	s.teardown(pump, end)
	return end
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// readInbound forwards frames in arrival order until the connection fails,
// the peer closes, or the session stops listening.
func (s *Session) readInbound(out chan<- inbound, stop <-chan struct{}) {
	for {
		f, err := s.conn.ReadFrame()
		select {
		case out <- inbound{frame: f, err: err}:
		case <-stop:
			return
		}
		if err != nil || f.Kind == FrameClose {
			return
		}
	}
}

func (s *Session) loop(ctx context.Context, pump *Pump, w io.Writer, frames <-chan inbound) ending {
	for {
		select {
		case <-ctx.Done():
			return ending{reason: ReasonShutdown, err: ctx.Err()}

		case <-s.kill:
			return ending{reason: s.killReason}

		case <-pump.Ready():
			chunks, closed, err := pump.Drain()
			if werr := s.forward(chunks); werr != nil {
				return ending{reason: ReasonTransportError, err: werr}
			}
			if closed {
				if err != nil {
					return ending{reason: ReasonPTYReadFailed, err: err}
				}
				return ending{reason: ReasonProcessExited}
			}

		case in := <-frames:
			if in.err != nil {
				return ending{reason: ReasonTransportError, err: in.err}
			}
			if end, stop := s.handleFrame(in.frame, w); stop {
				return end
			}

		case <-s.pty.Done():
			return s.drainAfterExit(ctx, pump)
		}
	}
}

// handleFrame applies one inbound frame. stop reports that the session must
// leave the Active state.
func (s *Session) handleFrame(f Frame, w io.Writer) (ending, bool) {
	switch f.Kind {
	case FrameData:
		if len(f.Payload) == 0 {
			return ending{}, false
		}
		if _, err := w.Write(f.Payload); err != nil {
			return ending{reason: ReasonPTYWriteFailed, err: err}, true
		}
		s.bytesIn.Add(int64(len(f.Payload)))

	case FrameResize:
		if f.Err != nil {
			s.log.Warn().Err(f.Err).Msg("dropping malformed resize")
			return ending{}, false
		}
		if err := s.pty.Resize(f.Size); err != nil {
			s.log.Warn().Err(err).Str("size", f.Size.String()).Msg("resize failed")
			return ending{}, false
		}
		s.storeSize(f.Size)

	case FramePing:
		if err := s.conn.WritePong(f.Payload); err != nil {
			return ending{reason: ReasonTransportError, err: err}, true
		}

	case FramePong:
		// liveness only

	case FrameClose:
		return ending{reason: ReasonClientClosed}, true
	}
	return ending{}, false
}

// drainAfterExit keeps forwarding output the shell produced before it exited,
// until the pump reports end-of-stream or the drain window closes.
func (s *Session) drainAfterExit(ctx context.Context, pump *Pump) ending {
	timer := time.NewTimer(s.opts.DrainTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ending{reason: ReasonShutdown, err: ctx.Err()}
		case <-timer.C:
			return ending{reason: ReasonProcessExited}
		case <-pump.Ready():
			chunks, closed, _ := pump.Drain()
			if err := s.forward(chunks); err != nil {
				return ending{reason: ReasonTransportError, err: err}
			}
			if closed {
				return ending{reason: ReasonProcessExited}
			}
		}
	}
}

func (s *Session) forward(chunks [][]byte) error {
	for _, c := range chunks {
		if err := s.conn.WriteData(c); err != nil {
			return err
		}
		s.bytesOut.Add(int64(len(c)))
	}
	return nil
}

// teardown runs in the Closing state. Nothing is written to the connection
// except the final close frame.
func (s *Session) teardown(pump *Pump, end ending) {
	if err := s.pty.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing pty")
	}
	if er, ok := s.pty.(exitReporter); ok {
		s.exitErr = er.ExitErr()
	}

	var err error
	if code := end.reason.closeCode(); code != 0 {
		err = s.conn.CloseWithReason(code, string(end.reason))
	} else {
		err = s.conn.Close()
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Debug().Err(err).Msg("closing connection")
	}

	if pump != nil && !pump.Wait(s.opts.PumpWaitTimeout) {
		s.log.Warn().Dur("timeout", s.opts.PumpWaitTimeout).Msg("output pump did not exit")
	}
	s.setState(StateClosed)

	ev := s.log.Info()
	if end.err != nil && end.reason != ReasonShutdown {
		ev = s.log.Warn().Err(end.err)
	}
	if s.exitErr != nil {
		ev = ev.Str("exit", s.exitErr.Error())
	}
	ev.Str("reason", string(end.reason)).
		Int64("bytes_in", s.bytesIn.Load()).
		Int64("bytes_out", s.bytesOut.Load()).
		Msg("terminal session closed")
}
