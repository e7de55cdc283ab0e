package hub

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/user/ptyrelay/internal/journal"
	"github.com/user/ptyrelay/internal/registry"
)

// broadcast reads one chunk from the master and hands it to the log
// mirror and every client, in registration order.
func (h *Hub) broadcast() error {
	n, err := unix.Read(h.masterFD, h.buf)
	if err != nil {
		if transient(err) {
			return nil
		}
		// Linux reports EIO once the last slave descriptor is closed.
		if errors.Is(err, unix.EIO) {
			return ErrMasterClosed
		}
		return fmt.Errorf("%w: read: %v", ErrMasterClosed, err)
	}
	if n == 0 {
		return ErrMasterClosed
	}
	chunk := h.buf[:n]

	h.stats.chunksBroadcast.Add(1)
	h.stats.bytesBroadcast.Add(uint64(n))

	if h.mirrorLog {
		h.writeLogMirror(chunk)
	}

	h.clients.ForEach(func(handle registry.Handle, c registry.Client) bool {
		written, err := unix.Write(c.FD, chunk)
		if err != nil || written != len(chunk) {
			h.drop(handle, c, written, len(chunk), err)
		}
		return true
	})
	return nil
}

func (h *Hub) writeLogMirror(chunk []byte) {
	written, err := h.logMirror.Write(chunk)
	if err == nil && written == len(chunk) {
		return
	}
	h.stats.logMirrorFailures.Add(1)

	detail := fmt.Sprintf("wrote %d of %d bytes", written, len(chunk))
	if err != nil {
		detail = err.Error()
	}
	if !h.logMirrorWarned {
		h.logMirrorWarned = true
		h.logger.Warn("failed to mirror pty output", "detail", detail)
	} else {
		h.logger.Debug("failed to mirror pty output", "detail", detail)
	}
	h.record(journal.Event{Kind: journal.KindLogMirrorFailed, FD: -1, Bytes: written, Detail: detail})
}

// drop disconnects a client that could not take a whole chunk.
func (h *Hub) drop(handle registry.Handle, c registry.Client, written, want int, cause error) {
	detail := fmt.Sprintf("short write: %d of %d bytes", written, want)
	if cause != nil {
		detail = cause.Error()
	}
	if err := h.clients.Remove(handle); err != nil {
		h.logger.Debug("error while removing client", "client", c.ID, "error", err)
	}
	total := h.clientCount.Add(-1)
	h.stats.clientsDropped.Add(1)
	h.logger.Info("client dropped", "client", c.ID, "fd", c.FD, "addr", c.Addr, "reason", detail, "clients", total)
	h.record(journal.Event{Kind: journal.KindClientDropped, ClientID: c.ID, FD: c.FD, Addr: c.Addr, Bytes: written, Detail: detail})
}

// pullClient forwards one read from a client to the master. End-of-stream
// or a read error disconnects the client.
func (h *Hub) pullClient(handle registry.Handle) error {
	c, ok := h.clients.Get(handle)
	if !ok {
		return nil
	}

	n, err := unix.Read(c.FD, h.buf)
	if err != nil && transient(err) {
		return nil
	}
	if err != nil || n <= 0 {
		h.disconnect(handle, c, err)
		return nil
	}
	return h.writeMaster(h.buf[:n], journal.KindMasterWriteFailed, c.ID)
}

func (h *Hub) disconnect(handle registry.Handle, c registry.Client, cause error) {
	detail := "end of stream"
	if cause != nil {
		detail = cause.Error()
	}
	if err := h.clients.Remove(handle); err != nil {
		h.logger.Debug("error while removing client", "client", c.ID, "error", err)
	}
	total := h.clientCount.Add(-1)
	h.stats.clientsDisconnected.Add(1)
	h.logger.Info("client disconnected", "client", c.ID, "fd", c.FD, "addr", c.Addr, "reason", detail, "clients", total)
	h.record(journal.Event{Kind: journal.KindClientLeft, ClientID: c.ID, FD: c.FD, Addr: c.Addr, Detail: detail})
}

// pullInput forwards one read from the local input mirror to the master.
// Once the input reaches end-of-stream it is no longer watched.
func (h *Hub) pullInput() error {
	n, err := unix.Read(h.inputFD, h.buf)
	if err != nil && transient(err) {
		return nil
	}
	if err != nil || n <= 0 {
		if rerr := h.events.Remove(h.inputFD); rerr != nil {
			h.logger.Debug("failed to unwatch local input", "error", rerr)
		}
		h.mirrorInput = false
		h.logger.Info("local input closed, no longer mirroring it", "error", err)
		return nil
	}
	return h.writeMaster(h.buf[:n], journal.KindInputMirrorFailed, 0)
}

// writeMaster makes a single write attempt. A master that is gone ends the
// session; any other failure loses the data and is reported.
func (h *Hub) writeMaster(p []byte, kind journal.Kind, clientID uint64) error {
	written, err := h.writeFD(h.masterFD, p)
	if err != nil && (errors.Is(err, unix.EIO) || errors.Is(err, unix.EBADF)) {
		return fmt.Errorf("%w: write: %v", ErrMasterClosed, err)
	}
	if err == nil && written == len(p) {
		return nil
	}

	detail := fmt.Sprintf("short write: %d of %d bytes", written, len(p))
	if err != nil {
		detail = err.Error()
		written = 0
	}
	if kind == journal.KindInputMirrorFailed {
		h.stats.inputMirrorFailures.Add(1)
	} else {
		h.stats.masterWriteFailures.Add(1)
	}
	h.logger.Warn("failed to write to pty master", "client", clientID, "detail", detail)
	h.record(journal.Event{Kind: kind, ClientID: clientID, FD: h.masterFD, Bytes: written, Detail: detail})
	return nil
}
