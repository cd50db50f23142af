// Package transport wraps byte-stream connections with timeout-bounded
// reads and writes and maps their failures onto result codes.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-branch/result"
)

// Transport is a bidirectional byte stream. Read and Write may transfer fewer
// bytes than requested; each call fails with result.ErrTimeout when the
// configured timeout elapses and with result.ErrCanceled after Close.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	CreatedFromIncoming() bool
	PeerDescription() string
	PeerAddress() net.IP
}

type Options struct {
	// non-positive means no timeout
	Timeout time.Duration
	// caps bytes per Read/Write call, 0 means unlimited
	TransceiveByteLimit int
	CreatedFromIncoming bool
}

// ConnTransport implements Transport on top of any net.Conn.
type ConnTransport struct {
	conn        net.Conn
	options     Options
	description string
	closed      atomic.Bool
}

func NewConnTransport(conn net.Conn, options Options) *ConnTransport {
	return &ConnTransport{
		conn:        conn,
		options:     options,
		description: describe(conn.RemoteAddr()),
		closed:      atomic.Bool{},
	}
}

func describe(addr net.Addr) string {
	if addr == nil {
		return "<unknown>"
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return fmt.Sprintf("%s port %d", tcpAddr.IP.String(), tcpAddr.Port)
	}
	return addr.String()
}

func (t *ConnTransport) Conn() net.Conn {
	return t.conn
}

func (t *ConnTransport) CreatedFromIncoming() bool {
	return t.options.CreatedFromIncoming
}

func (t *ConnTransport) PeerDescription() string {
	return t.description
}

func (t *ConnTransport) PeerAddress() net.IP {
	if tcpAddr, ok := t.conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}

func (t *ConnTransport) limit(p []byte) []byte {
	if t.options.TransceiveByteLimit > 0 && len(p) > t.options.TransceiveByteLimit {
		return p[:t.options.TransceiveByteLimit]
	}
	return p
}

func (t *ConnTransport) deadline() time.Time {
	if t.options.Timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(t.options.Timeout)
}

func (t *ConnTransport) Read(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, result.ErrCanceled
	}

	_ = t.conn.SetReadDeadline(t.deadline())
	n, err := t.conn.Read(t.limit(p))
	if err != nil {
		return n, t.mapError(err)
	}
	return n, nil
}

func (t *ConnTransport) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, result.ErrCanceled
	}

	_ = t.conn.SetWriteDeadline(t.deadline())
	n, err := t.conn.Write(t.limit(p))
	if err != nil {
		return n, t.mapError(err)
	}
	return n, nil
}

// Close shuts the connection down; blocked Read and Write calls return
// result.ErrCanceled.
func (t *ConnTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

func (t *ConnTransport) mapError(err error) error {
	if t.closed.Load() {
		return result.ErrCanceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return result.ErrTimeout
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return result.Newf(result.CodeRwSocketFailed, "connection closed by %s", t.description)
	}

	return result.Newf(result.CodeRwSocketFailed, "%v", err)
}

// NewPipe returns two connected in-memory transports; the first reports
// itself as created from an incoming connection.
func NewPipe(timeout time.Duration, transceiveByteLimit int) (*ConnTransport, *ConnTransport) {
	a, b := net.Pipe()
	server := NewConnTransport(a, Options{
		Timeout:             timeout,
		TransceiveByteLimit: transceiveByteLimit,
		CreatedFromIncoming: true,
	})
	client := NewConnTransport(b, Options{
		Timeout:             timeout,
		TransceiveByteLimit: transceiveByteLimit,
		CreatedFromIncoming: false,
	})
	return server, client
}
