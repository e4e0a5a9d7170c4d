//go:build !linux

package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Epoll is the portable stand-in for the Linux poller. Each connection is
// offered to the server once per Rearm, so at most one worker reads it at a
// time. It trades a parked goroutine per connection for portability and is
// meant for local development.
type Epoll struct {
	mu      sync.Mutex
	rearm   map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		rearm:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts offering conn to Wait.
func (e *Epoll) Add(conn net.Conn) error {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.rearm[conn] = ch
	e.mu.Unlock()

	go e.offer(conn, ch)
	return nil
}

func (e *Epoll) offer(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Rearm lets conn be offered again after the server finished reading it.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	ch, ok := e.rearm[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Remove stops offering conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	ch, ok := e.rearm[conn]
	delete(e.rearm, conn)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
	fds.Delete(conn)
	return nil
}

// Wait returns the connections offered within timeout.
func (e *Epoll) Wait(timeout time.Duration) ([]net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every offer goroutine.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

var (
	fds    sync.Map // net.Conn -> int
	nextFD atomic.Int64
)

// socketFD hands out a stable synthetic descriptor per connection so the
// connection manager can index by it as on Linux.
func socketFD(conn net.Conn) int {
	if v, ok := fds.Load(conn); ok {
		return v.(int)
	}
	v, _ := fds.LoadOrStore(conn, int(nextFD.Add(1)))
	return v.(int)
}
