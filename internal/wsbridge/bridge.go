// Package wsbridge exposes a broadcast session to browsers. Every
// websocket connection dials the session like any other observer and
// carries raw terminal bytes in binary messages.
package wsbridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/ptyrelay/internal/config"
)

const (
	readLimit    = 32768
	chunkSize    = 8192
	pingInterval = 30 * time.Second
	dialTimeout  = 5 * time.Second
)

// Handler upgrades requests to websockets and bridges each one to the
// session at its relay address.
type Handler struct {
	relayAddress string
	token        string
	logger       *slog.Logger

	active atomic.Int64
}

// New returns a Handler for the session listening on relayAddress. When
// token is non-empty requests must carry it as the "token" query parameter.
func New(relayAddress, token string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{relayAddress: relayAddress, token: token, logger: logger}
}

// Active returns the number of open bridges.
func (h *Handler) Active() int {
	return int(h.active.Load())
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.URL.Query().Get("token") != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	network, address, err := config.ParseAddress(h.relayAddress)
	if err != nil {
		http.Error(w, "session unavailable", http.StatusBadGateway)
		return
	}
	upstream, err := net.DialTimeout(network, address, dialTimeout)
	if err != nil {
		h.logger.Warn("failed to reach session", "addr", h.relayAddress, "error", err)
		http.Error(w, "session unavailable", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept error", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	h.active.Add(1)
	defer h.active.Add(-1)
	h.logger.Info("websocket observer connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		h.writePump(ctx, conn, upstream)
		cancel()
	}()
	h.readPump(ctx, conn, upstream)
	cancel()

	h.logger.Info("websocket observer disconnected", "remote", r.RemoteAddr)
}

// readPump forwards websocket messages, text or binary, to the session.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, upstream net.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		if _, err := upstream.Write(data); err != nil {
			h.logger.Debug("session write error", "error", err)
			return
		}
	}
}

// writePump forwards session output as binary messages and keeps the
// connection alive with pings.
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, upstream net.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	output := make(chan []byte, 16)
	go func() {
		defer close(output)
		for {
			buf := make([]byte, chunkSize)
			n, err := upstream.Read(buf)
			if n > 0 {
				select {
				case output <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					h.logger.Debug("session read error", "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case data, ok := <-output:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
				return
			}
		}
	}
}
