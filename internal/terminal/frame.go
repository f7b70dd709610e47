package terminal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrCapabilityDenied is returned by the Gate when terminal access is switched off.
	ErrCapabilityDenied = errors.New("developer mode is disabled")
	// ErrSpawnFailed wraps any failure to allocate the PTY or start the shell.
	ErrSpawnFailed = errors.New("failed to start shell")
	// ErrResizeFailed is returned when the device rejects a geometry change.
	ErrResizeFailed = errors.New("resize rejected")
	// ErrInvalidGeometry is returned for resize requests outside 1..MaxDimension.
	ErrInvalidGeometry = errors.New("invalid terminal geometry")
	// ErrAlreadyClaimed is returned when a PTY reader or writer is claimed twice.
	ErrAlreadyClaimed = errors.New("pty handle already claimed")
)

const (
	// ResizePrefix marks a text frame as a geometry change: "RESIZE:<cols>x<rows>".
	ResizePrefix = "RESIZE:"

	// MaxDimension caps both cols and rows of a resize request.
	MaxDimension = 1000

	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// FrameKind tags a Frame.
type FrameKind int

const (
	FrameData FrameKind = iota
	FrameResize
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameData:
		return "data"
	case FrameResize:
		return "resize"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	}
	return "unknown"
}

// Size is a terminal geometry.
type Size struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// DefaultSize is the geometry every session starts with.
var DefaultSize = Size{Cols: DefaultCols, Rows: DefaultRows}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Cols, s.Rows)
}

// Frame is one logical message on the network session.
type Frame struct {
	Kind    FrameKind
	Payload []byte // Data bytes, or Ping/Pong application data
	Size    Size   // Resize only

	// Err is set on a Resize frame whose text could not be parsed. The frame
	// is dropped by the session and never reaches the shell.
	Err error
}

// DataFrame builds a Data frame.
func DataFrame(p []byte) Frame { return Frame{Kind: FrameData, Payload: p} }

// ResizeFrame builds a Resize frame.
func ResizeFrame(cols, rows uint16) Frame {
	return Frame{Kind: FrameResize, Size: Size{Cols: cols, Rows: rows}}
}

// ClassifyText maps a text message to a Frame. Text starting with the resize
// prefix is always a Resize frame, even if malformed; anything else is Data.
func ClassifyText(text string) Frame {
	if !strings.HasPrefix(text, ResizePrefix) {
		return DataFrame([]byte(text))
	}
	size, err := ParseResize(strings.TrimPrefix(text, ResizePrefix))
	return Frame{Kind: FrameResize, Size: size, Err: err}
}

// ParseResize parses "<cols>x<rows>".
func ParseResize(dims string) (Size, error) {
	colsStr, rowsStr, ok := strings.Cut(dims, "x")
	if !ok {
		return Size{}, fmt.Errorf("%w: %q", ErrInvalidGeometry, dims)
	}
	cols, err := parseDimension(colsStr)
	if err != nil {
		return Size{}, err
	}
	rows, err := parseDimension(rowsStr)
	if err != nil {
		return Size{}, err
	}
	return Size{Cols: cols, Rows: rows}, nil
}

// FormatResize is the inverse of ClassifyText for Resize frames.
func FormatResize(s Size) string {
	return ResizePrefix + strconv.Itoa(int(s.Cols)) + "x" + strconv.Itoa(int(s.Rows))
}

func parseDimension(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidGeometry, s)
	}
	return uint16(n), validateDimension(uint16(n))
}

func validateDimension(n uint16) error {
	if n == 0 || n > MaxDimension {
		return fmt.Errorf("%w: %d out of range 1..%d", ErrInvalidGeometry, n, MaxDimension)
	}
	return nil
}

// Validate checks both dimensions against the geometry cap.
func (s Size) Validate() error {
	if err := validateDimension(s.Cols); err != nil {
		return err
	}
	return validateDimension(s.Rows)
}
