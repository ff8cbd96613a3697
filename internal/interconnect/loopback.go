package interconnect

import (
	"fmt"
	"io"
	"sync"

	"github.com/kickboxer/racdb/internal/wire"
)

// LoopbackTransport is an in-process fake Transport used by tests: peers
// are identified purely by the addr string passed to Listen/Dial, and
// messages move over buffered Go channels instead of sockets. This plays
// the same role as the teacher's testing_mocks.go fakes.
type LoopbackTransport struct {
	mu        sync.Mutex
	listeners map[string]func(Conn)
}

func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{listeners: make(map[string]func(Conn))}
}

func (lt *LoopbackTransport) Listen(bindAddr string, onConn func(Conn)) (io_Closer, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if _, exists := lt.listeners[bindAddr]; exists {
		return nil, fmt.Errorf("loopback: address %q already listening", bindAddr)
	}
	lt.listeners[bindAddr] = onConn
	return closerFunc(func() error {
		lt.mu.Lock()
		defer lt.mu.Unlock()
		delete(lt.listeners, bindAddr)
		return nil
	}), nil
}

func (lt *LoopbackTransport) Dial(addr string) (Conn, error) {
	lt.mu.Lock()
	onConn, ok := lt.listeners[addr]
	lt.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loopback: no listener at %q", addr)
	}
	a, b := newLoopbackPair(addr)
	onConn(b)
	return a, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// loopbackConn is one end of an in-memory, message-pipe connection.
type loopbackConn struct {
	remote string
	out    chan *wire.Message
	in     chan *wire.Message
	closed chan struct{}
	once   sync.Once
}

func newLoopbackPair(remote string) (a, b *loopbackConn) {
	ab := make(chan *wire.Message, 64)
	ba := make(chan *wire.Message, 64)
	closedA := make(chan struct{})
	closedB := make(chan struct{})
	a = &loopbackConn{remote: remote, out: ab, in: ba, closed: closedA}
	b = &loopbackConn{remote: "", out: ba, in: ab, closed: closedB}
	return a, b
}

func (c *loopbackConn) Send(m *wire.Message) error {
	select {
	case c.out <- m:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *loopbackConn) Recv() (*wire.Message, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-c.closed:
		return nil, io.ErrClosedPipe
	}
}

func (c *loopbackConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *loopbackConn) RemoteAddr() string { return c.remote }
