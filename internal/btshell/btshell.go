// Package btshell drives an interactive bluetoothctl process, sending
// commands and waiting for known substrings in its output. It is the
// fallback path for pairings that need out-of-band PIN entry, where no
// long-lived agent is registered with BlueZ.
package btshell

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

var (
	// ErrEOF is returned by Expect when the shell output ends before any
	// pattern matched.
	ErrEOF = errors.New("btshell: output closed")

	// ErrTimeout is returned by Expect when no pattern matched in time.
	ErrTimeout = errors.New("btshell: expect timed out")
)

// Shell is a line-oriented control shell. Output is consumed incrementally,
// so patterns that are printed without a trailing newline (bluetoothctl's
// "Enter PIN code:" prompt) still match.
type Shell struct {
	in       io.WriteCloser
	cmd      *exec.Cmd
	procDone chan struct{} // closed once the process has been reaped
	done     chan struct{} // closed by Close; unblocks a stalled readLoop
	chunks   chan []byte
	buf      bytes.Buffer // unmatched output, owned by the Expect caller

	closeOnce sync.Once
	closeErr  error
}

// Start launches bluetoothctl with stdout and stderr merged into one stream.
func Start() (*Shell, error) {
	cmd := exec.Command("bluetoothctl")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("btshell: stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("btshell: start bluetoothctl: %w", err)
	}

	s := newShell(pr, stdin, cmd)
	go func() {
		_ = cmd.Wait()
		_ = pw.Close()
		close(s.procDone)
	}()
	return s, nil
}

// New wraps existing streams into a shell not backed by a real process
// (scripted shells in tests).
func New(out io.Reader, in io.WriteCloser) *Shell {
	return newShell(out, in, nil)
}

func newShell(out io.Reader, in io.WriteCloser, cmd *exec.Cmd) *Shell {
	s := &Shell{
		in:       in,
		cmd:      cmd,
		procDone: make(chan struct{}),
		done:     make(chan struct{}),
		chunks:   make(chan []byte, 16),
	}
	go s.readLoop(out)
	return s
}

func (s *Shell) readLoop(out io.Reader) {
	for {
		buf := make([]byte, 4096)
		n, err := out.Read(buf)
		if n > 0 {
			// Nobody may be expecting; do not wedge on a full channel
			// once the shell is closed.
			select {
			case s.chunks <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			close(s.chunks)
			return
		}
	}
}

// SendLine writes one command line to the shell.
func (s *Shell) SendLine(line string) error {
	if _, err := io.WriteString(s.in, line+"\n"); err != nil {
		return fmt.Errorf("btshell: send %q: %w", line, err)
	}
	return nil
}

// Expect blocks until one of the patterns appears in the output stream and
// returns its index. Output up to and including the match is consumed;
// anything after it stays buffered for the next call. Returns ErrEOF when
// the stream ends and ErrTimeout when the deadline passes first.
func (s *Shell) Expect(timeout time.Duration, patterns ...string) (int, error) {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if idx, end := s.match(patterns); idx >= 0 {
			s.buf.Next(end)
			return idx, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1, ErrTimeout
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(remaining)

		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				// Drained; one last look at what is buffered.
				if idx, end := s.match(patterns); idx >= 0 {
					s.buf.Next(end)
					return idx, nil
				}
				return -1, ErrEOF
			}
			s.buf.Write(chunk)
		case <-timer.C:
			return -1, ErrTimeout
		}
	}
}

// match finds the pattern matching earliest in the buffered output; ties go
// to the lower pattern index. Returns the pattern index and the offset just
// past the match, or -1.
func (s *Shell) match(patterns []string) (int, int) {
	data := s.buf.Bytes()
	best, bestPos, bestEnd := -1, -1, 0
	for i, p := range patterns {
		pos := bytes.Index(data, []byte(p))
		if pos < 0 {
			continue
		}
		if best == -1 || pos < bestPos {
			best, bestPos, bestEnd = i, pos, pos+len(p)
		}
	}
	return best, bestEnd
}

// Close terminates the shell session: a best-effort quit command, then stdin
// close; a still-running process is killed after a short grace period.
// Idempotent.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		_ = s.SendLine("quit")
		s.closeErr = s.in.Close()
		close(s.done)
		if s.cmd != nil {
			select {
			case <-s.procDone:
			case <-time.After(2 * time.Second):
				_ = s.cmd.Process.Kill()
			}
		}
	})
	return s.closeErr
}
