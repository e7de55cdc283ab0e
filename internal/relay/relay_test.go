package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	creackpty "github.com/creack/pty"
	"golang.org/x/term"

	"github.com/user/ptyrelay/internal/config"
	"github.com/user/ptyrelay/internal/hub"
	"github.com/user/ptyrelay/internal/termmode"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipe(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return r, w
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, n)
		_, err := io.ReadFull(r, buf)
		ch <- result{buf, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("read error = %v", res.err)
		}
		return res.data
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out reading %d bytes", n)
		return nil
	}
}

// startBroadcast runs a hub over a raw pty on a unix socket and returns
// the socket path and the slave side.
func startBroadcast(t *testing.T) (string, *os.File, *hub.Hub) {
	t.Helper()

	master, tty, err := creackpty.Open()
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	if err := termmode.Normalize(int(tty.Fd()), true); err != nil {
		t.Fatalf("Normalize(slave) error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "session.sock")
	ln, _, err := config.Listen(path)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	h, err := hub.New(hub.Options{Master: master, Listener: ln, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("hub.New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
		h.Close()
		ln.Close()
		tty.Close()
		master.Close()
	})
	return path, tty, h
}

func TestRelayToSession(t *testing.T) {
	path, tty, h := startBroadcast(t)

	inR, inW := newPipe(t)
	outR, outW := newPipe(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			RemoteAddress: path,
			Input:         inR,
			Output:        outW,
			Logger:        quietLogger(),
		})
	}()

	if _, err := inW.Write([]byte("ls\n")); err != nil {
		t.Fatalf("write to relay input error = %v", err)
	}
	if got := readN(t, tty, 3); string(got) != "ls\n" {
		t.Errorf("master received %q, want %q", got, "ls\n")
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("relay never registered with the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := tty.Write([]byte("total 0\n")); err != nil {
		t.Fatalf("write to slave error = %v", err)
	}
	if got := readN(t, outR, 8); string(got) != "total 0\n" {
		t.Errorf("relay output %q, want %q", got, "total 0\n")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func TestRelayEndsWhenRemoteCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closing.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("bye\n"))
		conn.Close()
	}()

	inR, _ := newPipe(t)
	outR, outW := newPipe(t)

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Options{RemoteAddress: path, Input: inR, Output: outW, Logger: quietLogger()})
	}()

	if got := readN(t, outR, 4); string(got) != "bye\n" {
		t.Errorf("relay output %q, want %q", got, "bye\n")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after the remote closed")
	}
}

func TestRelayDialFailure(t *testing.T) {
	inR, _ := newPipe(t)
	_, outW := newPipe(t)

	err := Run(context.Background(), Options{
		RemoteAddress: filepath.Join(t.TempDir(), "nobody.sock"),
		Input:         inR,
		Output:        outW,
		DialTimeout:   time.Second,
		Logger:        quietLogger(),
	})
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestRelayCapturesTerminalState(t *testing.T) {
	master, tty, err := creackpty.Open()
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	defer master.Close()
	defer tty.Close()

	called := false
	err = Run(context.Background(), Options{
		RemoteAddress: filepath.Join(t.TempDir(), "nobody.sock"),
		Input:         tty,
		Output:        tty,
		DialTimeout:   time.Second,
		OnState:       func(s *term.State) { called = s != nil },
		Logger:        quietLogger(),
	})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !called {
		t.Error("OnState was not called for a terminal input")
	}
}
