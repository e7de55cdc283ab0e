// Package registry keeps the ordered set of observers connected to a
// session. Clients live in an arena of slots addressed by generation-checked
// handles, so a handle held across a removal can never reach a recycled slot.
//
// A client is registered with the Watcher for exactly as long as it is in
// the registry: Insert adds read interest, Remove drops it and closes the
// descriptor.
package registry

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrDuplicate is returned by Insert when the descriptor is already registered.
	ErrDuplicate = errors.New("registry: descriptor already registered")
	// ErrStale is returned for handles whose client has already been removed.
	ErrStale = errors.New("registry: stale client handle")
)

// Watcher is the readiness set that mirrors the registry's contents.
type Watcher interface {
	Add(fd int) error
	Remove(fd int) error
}

// Handle identifies a registered client. The zero Handle is never valid.
type Handle struct {
	index int
	gen   uint32
}

// Client is one connected observer.
type Client struct {
	ID          uint64
	FD          int
	Addr        string
	ConnectedAt time.Time
}

const none = -1

type slot struct {
	client Client
	gen    uint32
	live   bool
	prev   int
	next   int
}

// Registry is not safe for concurrent use; it belongs to the goroutine that
// runs the session's event loop.
type Registry struct {
	watcher Watcher
	closeFD func(int) error

	slots []slot
	free  []int
	head  int
	tail  int
	byFD  map[int]int
	count int

	nextID uint64
}

// New creates an empty Registry mirrored into watcher.
func New(watcher Watcher) *Registry {
	return &Registry{
		watcher: watcher,
		closeFD: unix.Close,
		head:    none,
		tail:    none,
		byFD:    make(map[int]int),
	}
}

// Insert appends fd at the tail and registers it with the watcher. On error
// nothing is registered and the caller still owns fd.
func (r *Registry) Insert(fd int, addr string) (Handle, error) {
	if _, exists := r.byFD[fd]; exists {
		return Handle{}, fmt.Errorf("%w: fd %d", ErrDuplicate, fd)
	}
	if err := r.watcher.Add(fd); err != nil {
		return Handle{}, fmt.Errorf("registry: watch fd %d: %w", fd, err)
	}

	var index int
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		index = len(r.slots) - 1
	}

	r.nextID++
	s := &r.slots[index]
	// gen 0 marks the zero Handle.
	if s.gen++; s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.client = Client{
		ID:          r.nextID,
		FD:          fd,
		Addr:        addr,
		ConnectedAt: time.Now(),
	}
	s.prev = r.tail
	s.next = none
	if r.tail != none {
		r.slots[r.tail].next = index
	} else {
		r.head = index
	}
	r.tail = index

	r.byFD[fd] = index
	r.count++
	return Handle{index: index, gen: s.gen}, nil
}

// Remove deregisters the client from the watcher, closes its descriptor and
// frees its slot. The descriptor is closed even if deregistration fails.
func (r *Registry) Remove(h Handle) error {
	s, ok := r.lookup(h)
	if !ok {
		return ErrStale
	}
	fd := s.client.FD

	if s.prev != none {
		r.slots[s.prev].next = s.next
	} else {
		r.head = s.next
	}
	if s.next != none {
		r.slots[s.next].prev = s.prev
	} else {
		r.tail = s.prev
	}
	s.live = false
	s.prev, s.next = none, none
	s.client = Client{}
	delete(r.byFD, fd)
	r.free = append(r.free, h.index)
	r.count--

	var errs []error
	if err := r.watcher.Remove(fd); err != nil {
		errs = append(errs, fmt.Errorf("registry: unwatch fd %d: %w", fd, err))
	}
	if err := r.closeFD(fd); err != nil {
		errs = append(errs, fmt.Errorf("registry: close fd %d: %w", fd, err))
	}
	return errors.Join(errs...)
}

// Lookup finds the client registered under fd.
func (r *Registry) Lookup(fd int) (Handle, bool) {
	index, ok := r.byFD[fd]
	if !ok {
		return Handle{}, false
	}
	return Handle{index: index, gen: r.slots[index].gen}, true
}

// Get returns a copy of the client behind h.
func (r *Registry) Get(h Handle) (Client, bool) {
	s, ok := r.lookup(h)
	if !ok {
		return Client{}, false
	}
	return s.client, true
}

// ForEach calls fn for every client in arrival order until fn returns false.
// fn may remove the client it is visiting or any client not yet visited;
// removed clients are skipped. Clients inserted by fn are not visited.
func (r *Registry) ForEach(fn func(h Handle, c Client) bool) {
	if r.count == 0 {
		return
	}
	handles := make([]Handle, 0, r.count)
	for i := r.head; i != none; i = r.slots[i].next {
		handles = append(handles, Handle{index: i, gen: r.slots[i].gen})
	}
	for _, h := range handles {
		s, ok := r.lookup(h)
		if !ok {
			continue
		}
		if !fn(h, s.client) {
			return
		}
	}
}

// Len returns the number of registered clients.
func (r *Registry) Len() int { return r.count }

// Close removes every client, returning the first error encountered.
func (r *Registry) Close() error {
	var first error
	r.ForEach(func(h Handle, _ Client) bool {
		if err := r.Remove(h); err != nil && first == nil {
			first = err
		}
		return true
	})
	return first
}

func (r *Registry) lookup(h Handle) (*slot, bool) {
	if h.gen == 0 || h.index < 0 || h.index >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil, false
	}
	return s, true
}
