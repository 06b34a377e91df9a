package pty

import (
	"io"
	"os"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
)

// Pair owns one pseudo-terminal: the master descriptor for the lifetime of
// the pair, and the slave descriptor from OpenSlave until it is handed to a
// child and released with CloseSlave (or Close).
type Pair struct {
	mu        sync.Mutex
	master    *os.File
	slave     *os.File
	slavePath string
	opened    bool
	closed    bool
}

// NewPair returns an unopened pair.
func NewPair() *Pair {
	return &Pair{}
}

// Open allocates the master, grants and unlocks the slave and records its
// device path. A second call returns ErrAlreadyOpen. On failure nothing is
// left open.
func (p *Pair) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.opened {
		return ErrAlreadyOpen
	}
	master, path, err := openMaster()
	if err != nil {
		return err
	}
	p.master = master
	p.slavePath = path
	p.opened = true
	return nil
}

// SlavePath returns the slave device path, or "" before Open.
func (p *Pair) SlavePath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slavePath
}

// Master returns a non-owning read/write handle on the master side. Reads
// and writes through it fail with an error once the pair is closed.
func (p *Pair) Master() (io.ReadWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil, ErrNotOpen
	}
	return masterChannel{f: p.master}, nil
}

type masterChannel struct {
	f *os.File
}

func (c masterChannel) Read(b []byte) (int, error)  { return c.f.Read(b) }
func (c masterChannel) Write(b []byte) (int, error) { return c.f.Write(b) }

// OpenSlave opens the slave device for the child process. Repeat calls
// return the same file until CloseSlave.
func (p *Pair) OpenSlave() (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slave != nil {
		return p.slave, nil
	}
	if p.closed || p.slavePath == "" {
		return nil, newError("open slave", ErrNoSlavePath, nil)
	}
	slave, err := os.OpenFile(p.slavePath, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, newError("open slave", ErrSlaveOpenFailed, err)
	}
	p.slave = slave
	return slave, nil
}

// Resize sets the window size on the slave. It is a no-op until the slave
// has been opened.
func (p *Pair) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slave == nil {
		return nil
	}
	return creackpty.Setsize(p.slave, &creackpty.Winsize{Rows: rows, Cols: cols})
}

// Size reports the current window size of the slave.
func (p *Pair) Size() (rows, cols uint16, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slave == nil {
		return 0, 0, ErrNotOpen
	}
	ws, err := creackpty.GetsizeFull(p.slave)
	if err != nil {
		return 0, 0, err
	}
	return ws.Rows, ws.Cols, nil
}

// CloseSlave releases the parent's slave descriptor. Once the child holding
// the other copies exits, reads on the master return an error.
func (p *Pair) CloseSlave() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slave == nil {
		return nil
	}
	err := p.slave.Close()
	p.slave = nil
	return err
}

// Close releases both descriptors. It is safe to call more than once.
func (p *Pair) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	if p.slave != nil {
		firstErr = p.slave.Close()
		p.slave = nil
	}
	if p.master != nil {
		if err := p.master.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
