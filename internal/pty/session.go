package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Session wraps a child process running on the slave side of a Pair.
type Session struct {
	id        string
	name      string
	argv      []string
	createdAt time.Time

	cmd    *exec.Cmd
	pair   *Pair
	master io.ReadWriter

	events   chan Event
	readDone chan struct{}
	done     chan struct{}

	mu        sync.Mutex
	cols      uint16
	rows      uint16
	closed    bool
	closeOnce sync.Once
}

// newSession opens a pair, starts argv on its slave as session leader with
// the slave as controlling terminal, and starts the pumps.
func newSession(id, name string, opts Options) (*Session, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("pty: argv must not be empty")
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	pair := NewPair()
	if err := pair.Open(); err != nil {
		return nil, err
	}
	slave, err := pair.OpenSlave()
	if err != nil {
		pair.Close()
		return nil, err
	}
	if err := pair.Resize(rows, cols); err != nil {
		pair.Close()
		return nil, fmt.Errorf("pty: set initial size: %w", err)
	}
	master, err := pair.Master()
	if err != nil {
		pair.Close()
		return nil, err
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}
	if err := cmd.Start(); err != nil {
		pair.Close()
		return nil, fmt.Errorf("pty: start %s: %w", opts.Argv[0], err)
	}

	s := &Session{
		id:        id,
		name:      name,
		argv:      append([]string(nil), opts.Argv...),
		createdAt: time.Now(),
		cmd:       cmd,
		pair:      pair,
		master:    master,
		events:    make(chan Event, 1024),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
		cols:      cols,
		rows:      rows,
	}

	go s.readPump()
	go s.waitExit()

	return s, nil
}

func (s *Session) readPump() {
	defer close(s.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			s.events <- Event{
				Type: EventOutput,
				ID:   s.id,
				Data: string(buf[:n]),
			}
		}
		if err != nil {
			return
		}
	}
}

// drainTimeout bounds how long waitExit lets the master drain when a
// grandchild still holds the slave open.
const drainTimeout = 2 * time.Second

// waitExit reaps the child, releases the parent's slave so the master hits
// EOF, waits for the reader, then closes the channel. The reader is always
// finished before the channel is closed.
func (s *Session) waitExit() {
	_ = s.cmd.Wait()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	_ = s.pair.CloseSlave()
	select {
	case <-s.readDone:
	case <-time.After(drainTimeout):
	}
	_ = s.pair.Close()
	<-s.readDone

	s.events <- Event{Type: EventClosed, ID: s.id}
	close(s.events)
	close(s.done)
}

func (s *Session) ID() string { return s.id }

func (s *Session) Name() string { return s.name }

// Argv returns the command the session runs.
func (s *Session) Argv() []string { return append([]string(nil), s.argv...) }

// Events returns the session's event stream. It is closed after EventClosed.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the child has exited and all events were sent.
func (s *Session) Done() <-chan struct{} { return s.done }

// Pid returns the child's process id.
func (s *Session) Pid() int { return s.cmd.Process.Pid }

// SlavePath returns the device path of the session's terminal.
func (s *Session) SlavePath() string { return s.pair.SlavePath() }

// IsClosed reports whether the child has exited or Close was called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Size returns the last size applied with Resize.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Write sends data to the child's terminal input.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return s.master.Write(data)
}

// Resize changes the terminal size. Requests are applied in call order.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.pair.Resize(rows, cols); err != nil {
		return err
	}
	s.cols = cols
	s.rows = rows
	return nil
}

// Close hangs up the child and releases the pty. It is safe to call
// multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGHUP)
		}
		err = s.pair.Close()
	})
	return err
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.id,
		Name:      s.name,
		Active:    !s.closed,
		Command:   append([]string(nil), s.argv...),
		Cols:      s.cols,
		Rows:      s.rows,
		CreatedAt: s.createdAt,
	}
}
