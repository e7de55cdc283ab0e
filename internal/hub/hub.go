// Package hub runs the broadcasting side of a relay: it owns one pty
// master, accepts observers on a listening socket, copies everything the
// master produces to every observer and feeds observer input back into
// the master.
//
// All descriptor work happens on the goroutine that calls Run, one ready
// descriptor per wake-up. Observers that cannot take a whole chunk are
// dropped; nothing is buffered on their behalf.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/user/ptyrelay/internal/journal"
	"github.com/user/ptyrelay/internal/mux"
	"github.com/user/ptyrelay/internal/registry"
	"github.com/user/ptyrelay/internal/termmode"
)

const (
	chunkSize = 8192

	maxWaitFailures = 5
	waitBackoff     = 10 * time.Millisecond
)

// ErrMasterClosed is returned by Run when the pty master reaches
// end-of-stream or becomes unusable: the served program is gone.
var ErrMasterClosed = errors.New("hub: pty master closed")

// Recorder receives session events. *journal.Journal implements it.
type Recorder interface {
	Record(journal.Event)
}

type poller interface {
	Add(fd int) error
	Remove(fd int) error
	Wait(timeoutMillis int) (n int, fd int, err error)
	Close() error
}

// Options configures a Hub. Master and Listener are required; the caller
// keeps ownership of every file passed in.
type Options struct {
	Master   *os.File
	Listener *os.File

	// LogMirror, when set, receives a copy of every chunk read from the master.
	LogMirror io.Writer
	// InputMirror, when set, is read like an extra client whose input goes
	// to the master. It is switched to raw mode if it is a terminal.
	InputMirror *os.File
	// DisableSignals clears ISIG when normalizing InputMirror.
	DisableSignals bool

	Logger  *slog.Logger
	Journal Recorder
}

// Hub is one broadcast session.
type Hub struct {
	masterFD   int
	listenerFD int

	logMirror       io.Writer
	mirrorLog       bool
	logMirrorWarned bool

	inputFD        int
	mirrorInput    bool
	disableSignals bool

	events  poller
	clients *registry.Registry

	wakeR, wakeW *os.File
	wakeFD       int

	logger  *slog.Logger
	journal Recorder

	buf         []byte
	running     atomic.Bool
	clientCount atomic.Int64
	stats       counters

	// keep the files alive; their descriptors are used directly
	files []*os.File

	// writes to the master and accepts on the listener go through these
	writeFD  func(fd int, p []byte) (int, error)
	acceptFD func(fd int) (int, unix.Sockaddr, error)
}

// New builds a Hub and registers the master, the listener and the optional
// input mirror for read readiness.
func New(opts Options) (*Hub, error) {
	events, err := mux.New()
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	h, err := newHub(opts, events)
	if err != nil {
		events.Close()
		return nil, err
	}
	return h, nil
}

func newHub(opts Options, events poller) (*Hub, error) {
	if opts.Master == nil {
		return nil, errors.New("hub: master is required")
	}
	if opts.Listener == nil {
		return nil, errors.New("hub: listener is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		masterFD:       int(opts.Master.Fd()),
		listenerFD:     int(opts.Listener.Fd()),
		logMirror:      opts.LogMirror,
		mirrorLog:      opts.LogMirror != nil,
		inputFD:        -1,
		disableSignals: opts.DisableSignals,
		events:         events,
		logger:         logger,
		journal:        opts.Journal,
		buf:            make([]byte, chunkSize),
		files:          []*os.File{opts.Master, opts.Listener},
		writeFD:        unix.Write,
		acceptFD:       unix.Accept,
	}
	h.clients = registry.New(events)

	if err := events.Add(h.masterFD); err != nil {
		return nil, fmt.Errorf("hub: watch master: %w", err)
	}
	if err := events.Add(h.listenerFD); err != nil {
		return nil, fmt.Errorf("hub: watch listener: %w", err)
	}

	if opts.InputMirror != nil {
		h.inputFD = int(opts.InputMirror.Fd())
		h.files = append(h.files, opts.InputMirror)
		if term.IsTerminal(h.inputFD) {
			if err := termmode.Normalize(h.inputFD, h.disableSignals); err != nil {
				logger.Warn("failed to set raw mode on local input", "error", err)
			}
		}
		// epoll refuses regular files and /dev/null
		switch err := events.Add(h.inputFD); {
		case errors.Is(err, unix.EPERM):
			logger.Warn("local input cannot be watched, not mirroring it", "fd", h.inputFD, "error", err)
		case err != nil:
			return nil, fmt.Errorf("hub: watch local input: %w", err)
		default:
			h.mirrorInput = true
		}
	}

	wakeR, wakeW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("hub: wake pipe: %w", err)
	}
	h.wakeR, h.wakeW = wakeR, wakeW
	h.wakeFD = int(wakeR.Fd())
	if err := events.Add(h.wakeFD); err != nil {
		wakeR.Close()
		wakeW.Close()
		return nil, fmt.Errorf("hub: watch wake pipe: %w", err)
	}

	return h, nil
}

// Run services descriptors until ctx is cancelled (returning ctx.Err()),
// the master closes (returning ErrMasterClosed), or the readiness wait
// keeps failing. Run may only be called once.
func (h *Hub) Run(ctx context.Context) (err error) {
	if !h.running.CompareAndSwap(false, true) {
		return errors.New("hub: Run called twice")
	}

	stop := context.AfterFunc(ctx, h.wake)
	defer stop()

	h.record(journal.Event{Kind: journal.KindSessionStart, FD: h.masterFD})
	defer func() {
		detail := "stopped"
		if err != nil {
			detail = err.Error()
		}
		h.record(journal.Event{Kind: journal.KindSessionEnd, FD: h.masterFD, Detail: detail})
	}()

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, fd, err := h.events.Wait(mux.Infinite)
		if err != nil {
			h.stats.waitErrors.Add(1)
			failures++
			if failures >= maxWaitFailures {
				return fmt.Errorf("hub: readiness wait failed %d times in a row: %w", failures, err)
			}
			backoff := waitBackoff << (failures - 1)
			h.logger.Warn("readiness wait failed, retrying", "error", err, "attempt", failures, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		failures = 0
		if n == 0 {
			continue
		}

		if err := h.dispatch(fd); err != nil {
			return err
		}
	}
}

func (h *Hub) dispatch(fd int) error {
	switch {
	case fd == h.wakeFD:
		h.drainWake()
		return nil
	case h.mirrorInput && fd == h.inputFD:
		return h.pullInput()
	case fd == h.masterFD:
		return h.broadcast()
	case fd == h.listenerFD:
		h.accept()
		return nil
	}

	if handle, ok := h.clients.Lookup(fd); ok {
		return h.pullClient(handle)
	}
	h.logger.Debug("readiness on unknown descriptor", "fd", fd)
	return nil
}

// ClientCount returns the number of connected observers. Safe for
// concurrent use.
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// Close disconnects every observer and releases the hub's own descriptors.
// It must not be called while Run is executing.
func (h *Hub) Close() error {
	err := h.clients.Close()
	h.clientCount.Store(0)
	if h.wakeR != nil {
		h.events.Remove(h.wakeFD)
		h.wakeR.Close()
		h.wakeW.Close()
		h.wakeR, h.wakeW = nil, nil
	}
	if cerr := h.events.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (h *Hub) wake() {
	_, _ = h.wakeW.Write([]byte{0})
}

func (h *Hub) drainWake() {
	var scratch [64]byte
	_, _ = unix.Read(h.wakeFD, scratch[:])
}

func (h *Hub) record(ev journal.Event) {
	if h.journal != nil {
		h.journal.Record(ev)
	}
}

func transient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
