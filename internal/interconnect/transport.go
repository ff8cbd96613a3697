package interconnect

import (
	"net"
	"sync"

	"github.com/kickboxer/racdb/internal/wire"
)

// Transport abstracts how bytes move between instances, so tests can swap
// in an in-memory fake the way the teacher's testing_mocks.go fakes out
// collaborators instead of spinning up real sockets.
type Transport interface {
	// Dial returns a connection to addr. The connection need not be
	// pooled by the caller; Interconnect keeps one open connection per
	// peer and reuses it.
	Dial(addr string) (Conn, error)
	// Listen starts accepting inbound connections on bindAddr, calling
	// onConn for each one until Close is called.
	Listen(bindAddr string, onConn func(Conn)) (io_Closer, error)
}

// Conn is a framed, bidirectional message stream.
type Conn interface {
	Send(m *wire.Message) error
	Recv() (*wire.Message, error)
	Close() error
	RemoteAddr() string
}

// io_Closer avoids importing io just for this one method name collision
// with net.Listener's Close, keeping the Transport interface self
// contained.
type io_Closer interface {
	Close() error
}

// TCPTransport is the real, production Transport: one TCP connection per
// peer, multiplexed, framed with internal/wire — exactly the "length
// prefixed over TCP... one connection per pair, multiplexed" of spec §6.
type TCPTransport struct{}

func NewTCPTransport() *TCPTransport { return &TCPTransport{} }

func (t *TCPTransport) Dial(addr string) (Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpConn{conn: c}, nil
}

func (t *TCPTransport) Listen(bindAddr string, onConn func(Conn)) (io_Closer, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			onConn(&tcpConn{conn: c})
		}
	}()
	return ln, nil
}

type tcpConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *tcpConn) Send(m *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.WriteMessage(c.conn, m)
}

func (c *tcpConn) Recv() (*wire.Message, error) {
	return wire.ReadMessage(c.conn)
}

func (c *tcpConn) Close() error        { return c.conn.Close() }
func (c *tcpConn) RemoteAddr() string  { return c.conn.RemoteAddr().String() }
