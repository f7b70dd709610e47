//go:build !windows

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opensandbox/wadm/internal/terminal"
)

var termCmd = &cobra.Command{
	Use:   "term",
	Short: "Open an interactive shell on the server",
	Long: `Open an interactive shell on the server. Developer mode must be on.
The session ends when the shell exits or the server closes it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ws, err := newClient().DialTerminal(ctx)
		if err != nil {
			return fmt.Errorf("failed to open terminal: %w", err)
		}
		defer ws.Close()

		fd := int(os.Stdin.Fd())
		resizes := make(chan terminal.Size, 1)
		if term.IsTerminal(fd) {
			old, err := term.MakeRaw(fd)
			if err != nil {
				return fmt.Errorf("raw mode: %w", err)
			}
			defer term.Restore(fd, old)
			go watchSize(ctx, fd, resizes)
		}

		return runTerminal(ctx, ws, os.Stdin, os.Stdout, resizes)
	},
}

// watchSize reports the local terminal size now and on every SIGWINCH.
func watchSize(ctx context.Context, fd int, out chan<- terminal.Size) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	for {
		if cols, rows, err := term.GetSize(fd); err == nil {
			sz := terminal.Size{Cols: uint16(cols), Rows: uint16(rows)}
			if sz.Validate() == nil {
				select {
				case out <- sz:
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case <-winch:
		case <-ctx.Done():
			return
		}
	}
}

// runTerminal relays in to the remote shell and its output to out until the
// server closes the session. Input is sent as binary messages, resizes as
// text control messages.
func runTerminal(ctx context.Context, ws *websocket.Conn, in io.Reader, out io.Writer, resizes <-chan terminal.Size) error {
	var writeMu sync.Mutex
	send := func(mt int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteMessage(mt, data)
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if mt == websocket.BinaryMessage {
				if _, err := out.Write(data); err != nil {
					readErr <- err
					return
				}
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if werr := send(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			writeMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			writeMu.Unlock()
			return ctx.Err()
		case sz := <-resizes:
			if err := send(websocket.TextMessage, []byte(terminal.FormatResize(sz))); err != nil {
				return fmt.Errorf("send resize: %w", err)
			}
		case err := <-readErr:
			return closeResult(err)
		}
	}
}

// closeResult turns the read error that ended the session into the command
// result. A normal close is success.
func closeResult(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure {
			return nil
		}
		if ce.Text != "" {
			return fmt.Errorf("session closed (%d): %s", ce.Code, ce.Text)
		}
		return fmt.Errorf("session closed (%d)", ce.Code)
	}
	return fmt.Errorf("connection lost: %w", err)
}

func init() {
	rootCmd.AddCommand(termCmd)
}
