package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
)

const (
	DefaultCols = 120
	DefaultRows = 30
)

// Pair is a pseudo-terminal master/slave pair, optionally with a program
// running on the slave side.
type Pair struct {
	master *os.File
	slave  *os.File
	name   string

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Open allocates a new pair sized cols x rows. Zero dimensions fall back
// to DefaultCols x DefaultRows.
func Open(cols, rows uint16) (*Pair, error) {
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}

	master, slave, err := creackpty.Open()
	if err != nil {
		return nil, fmt.Errorf("pty: open: %w", err)
	}
	if err := creackpty.Setsize(master, &creackpty.Winsize{Cols: cols, Rows: rows}); err != nil {
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("pty: set size: %w", err)
	}

	return &Pair{
		master: master,
		slave:  slave,
		name:   slave.Name(),
	}, nil
}

// Master returns the master side. The Pair keeps ownership.
func (p *Pair) Master() *os.File { return p.master }

// Slave returns the slave side, or nil once a program has been spawned on it.
func (p *Pair) Slave() *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slave
}

// Name returns the slave device path (e.g. /dev/pts/3).
func (p *Pair) Name() string { return p.name }

// Spawn starts argv with the slave as its controlling terminal and standard
// streams. The parent's copy of the slave is closed afterwards so that the
// master reports end-of-stream once the program and its children exit.
func (p *Pair) Spawn(argv []string, workDir string, env []string) error {
	if len(argv) == 0 {
		return errors.New("pty: argv must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return errors.New("pty: program already spawned")
	}
	if p.slave == nil {
		return errors.New("pty: slave is closed")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.Stdin = p.slave
	cmd.Stdout = p.slave
	cmd.Stderr = p.slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in the child is the slave
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("pty: start %s: %w", argv[0], err)
	}

	p.slave.Close()
	p.slave = nil
	p.cmd = cmd
	p.exited = make(chan struct{})

	go p.waitExit(cmd, p.exited)
	return nil
}

func (p *Pair) waitExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()

	close(exited)
}

// Exited is closed once the spawned program has exited. It is nil when
// nothing was spawned.
func (p *Pair) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// ExitErr returns the spawned program's wait error after Exited is closed.
func (p *Pair) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Pid returns the spawned program's process id, or 0.
func (p *Pair) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Resize changes the terminal window size.
func (p *Pair) Resize(cols, rows uint16) error {
	if err := creackpty.Setsize(p.master, &creackpty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("pty: resize: %w", err)
	}
	return nil
}

// Close sends SIGTERM to the spawned program, if any, and closes both
// sides. It is safe to call Close multiple times.
func (p *Pair) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		if p.cmd != nil && p.cmd.Process != nil {
			select {
			case <-p.exited:
			default:
				_ = p.cmd.Process.Signal(syscall.SIGTERM)
			}
		}
		if p.slave != nil {
			p.slave.Close()
			p.slave = nil
		}
		p.mu.Unlock()

		err = p.master.Close()
	})
	return err
}
