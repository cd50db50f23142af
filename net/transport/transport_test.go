package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-branch/logging"
	"github.com/Meander-Cloud/go-branch/result"
)

func TestPipeReadTimeout(t *testing.T) {
	server, client := NewPipe(time.Millisecond*50, 0)
	defer server.Close()
	defer client.Close()

	buf := make([]byte, 8)
	_, err := server.Read(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ErrTimeout))
	assert.False(t, errors.Is(err, result.ErrCanceled))
}

func TestPipeCloseCancelsRead(t *testing.T) {
	server, client := NewPipe(0, 0)
	defer client.Close()

	errch := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, err := server.Read(buf)
		errch <- err
	}()

	<-time.After(time.Millisecond * 20)
	require.NoError(t, server.Close())

	select {
	case err := <-errch:
		assert.True(t, errors.Is(err, result.ErrCanceled))
	case <-time.After(time.Second * 5):
		t.Fatal("read did not return after close")
	}
}

func TestPipeTransceiveByteLimit(t *testing.T) {
	server, client := NewPipe(time.Second, 3)
	defer server.Close()
	defer client.Close()

	go func() {
		buf := make([]byte, 16)
		_, _ = io.ReadAtLeast(server, buf, 3)
	}()

	n, err := client.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.True(t, server.CreatedFromIncoming())
	assert.False(t, client.CreatedFromIncoming())
}

func TestPeerClosedIsSocketFailure(t *testing.T) {
	server, client := NewPipe(time.Second, 0)
	defer server.Close()
	require.NoError(t, client.Close())

	_, err := server.Read(make([]byte, 4))
	require.Error(t, err)
	assert.Equal(t, result.CodeRwSocketFailed, result.FromError(err))
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), address, Options{Timeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, result.CodeConnectSocketFailed, result.FromError(err))
}

func TestListenerAcceptsAndDialConnects(t *testing.T) {
	l, err := Listen(&ListenerOptions{
		Address:   "127.0.0.1:0",
		Transport: Options{Timeout: time.Second},
		LogPrefix: "test",
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan *ConnTransport, 1)
	l.Serve(func(t *ConnTransport) {
		accepted <- t
	})

	client, err := Dial(context.Background(), l.Addr().String(), Options{Timeout: time.Second})
	require.NoError(t, err)
	defer client.Close()

	var server *ConnTransport
	select {
	case server = <-accepted:
	case <-time.After(time.Second * 5):
		t.Fatal("connection not accepted")
	}
	defer server.Close()

	assert.True(t, server.CreatedFromIncoming())
	assert.False(t, client.CreatedFromIncoming())
	assert.True(t, server.PeerAddress().IsLoopback())
	assert.Contains(t, client.PeerDescription(), "127.0.0.1 port")

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}
