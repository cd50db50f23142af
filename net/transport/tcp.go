package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-branch/result"
)

const (
	tcpKeepAliveInterval time.Duration = time.Second * 17
)

// Dial opens an outgoing TCP connection; the connect attempt itself is bounded
// by options.Timeout.
func Dial(ctx context.Context, address string, options Options) (*ConnTransport, error) {
	dialer := net.Dialer{
		KeepAlive: tcpKeepAliveInterval,
	}
	if options.Timeout > 0 {
		dialer.Timeout = options.Timeout
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, result.Newf(result.CodeTimeout, "connecting to %s", address)
		}
		if errors.Is(err, context.Canceled) {
			return nil, result.ErrCanceled
		}
		return nil, result.Newf(result.CodeConnectSocketFailed, "%v", err)
	}

	options.CreatedFromIncoming = false
	return NewConnTransport(conn, options), nil
}

type ListenerOptions struct {
	Address   string
	Transport Options
	LogPrefix string
	Logger    *zap.SugaredLogger
}

// Listener accepts incoming TCP connections and hands each one, wrapped as a
// transport, to the accept handler on the accept goroutine.
type Listener struct {
	options    *ListenerOptions
	log        *zap.SugaredLogger
	listener   *net.TCPListener
	inShutdown atomic.Bool
	exitwg     sync.WaitGroup
}

func Listen(options *ListenerOptions) (*Listener, error) {
	if options.Logger == nil {
		return nil, result.Newf(result.CodeInvalidParam, "%s: nil Logger", options.LogPrefix)
	}

	log := options.Logger.Named("TcpListener")

	addr, err := net.ResolveTCPAddr("tcp", options.Address)
	if err != nil {
		err = result.Newf(result.CodeBindSocketFailed, "invalid address=%s: %v", options.Address, err)
		log.Errorf("%s: %s", options.LogPrefix, err.Error())
		return nil, err
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		err = result.Newf(result.CodeListenSocketFailed, "address=%s: %v", options.Address, err)
		log.Errorf("%s: %s", options.LogPrefix, err.Error())
		return nil, err
	}

	l := &Listener{
		options:    options,
		log:        log,
		listener:   listener,
		inShutdown: atomic.Bool{},
		exitwg:     sync.WaitGroup{},
	}

	log.Infof("%s: listening on %s", options.LogPrefix, listener.Addr().String())
	return l, nil
}

func (l *Listener) Addr() *net.TCPAddr {
	return l.listener.Addr().(*net.TCPAddr)
}

func (l *Listener) Port() uint16 {
	return uint16(l.Addr().Port)
}

// Serve starts the accept goroutine.
func (l *Listener) Serve(onAccepted func(*ConnTransport)) {
	l.exitwg.Add(1)
	go func() {
		defer l.exitwg.Done()

		for {
			conn, err := l.listener.AcceptTCP()
			if err != nil {
				if l.inShutdown.Load() {
					l.log.Infof("%s: accept loop exiting", l.options.LogPrefix)
					return
				}

				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}

				l.log.Errorf(
					"%s: %s",
					l.options.LogPrefix,
					result.Newf(result.CodeAcceptSocketFailed, "%v", err).Error(),
				)
				<-time.After(time.Millisecond * 100)
				continue
			}

			_ = conn.SetKeepAlive(true)
			_ = conn.SetKeepAlivePeriod(tcpKeepAliveInterval)

			options := l.options.Transport
			options.CreatedFromIncoming = true
			onAccepted(NewConnTransport(conn, options))
		}
	}()
}

func (l *Listener) Close() error {
	if l.inShutdown.Swap(true) {
		return nil
	}
	err := l.listener.Close()
	l.exitwg.Wait()
	return err
}
