package hub

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/user/ptyrelay/internal/journal"
)

// accept takes one pending connection off the listener. Failures are
// logged and the session carries on.
func (h *Hub) accept() {
	fd, sa, err := h.acceptFD(h.listenerFD)
	if err != nil {
		if transient(err) || err == unix.ECONNABORTED {
			return
		}
		h.stats.acceptFailures.Add(1)
		h.logger.Warn("failed to accept client", "error", err)
		h.record(journal.Event{Kind: journal.KindAcceptFailed, FD: -1, Detail: err.Error()})
		return
	}
	unix.CloseOnExec(fd)

	// a full socket buffer must show up as a short write, not a stall
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		h.stats.acceptFailures.Add(1)
		h.logger.Warn("failed to configure client socket", "fd", fd, "error", err)
		h.record(journal.Event{Kind: journal.KindAcceptFailed, FD: fd, Detail: err.Error()})
		return
	}

	addr := sockaddrString(sa)
	handle, err := h.clients.Insert(fd, addr)
	if err != nil {
		unix.Close(fd)
		h.stats.acceptFailures.Add(1)
		h.logger.Warn("failed to register client", "fd", fd, "addr", addr, "error", err)
		h.record(journal.Event{Kind: journal.KindAcceptFailed, FD: fd, Addr: addr, Detail: err.Error()})
		return
	}
	c, _ := h.clients.Get(handle)

	total := h.clientCount.Add(1)
	h.stats.clientsAccepted.Add(1)
	h.logger.Info("client connected", "client", c.ID, "fd", fd, "addr", addr, "clients", total)
	h.record(journal.Event{Kind: journal.KindClientConnected, ClientID: c.ID, FD: fd, Addr: addr})
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		if a.Name == "" {
			return "@"
		}
		return a.Name
	default:
		return "unknown"
	}
}
