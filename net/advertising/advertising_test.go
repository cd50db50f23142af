package advertising

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-branch/arbiter"
	"github.com/Meander-Cloud/go-branch/logging"
	"github.com/Meander-Cloud/go-branch/message"
)

type advertisement struct {
	id   uuid.UUID
	addr *net.TCPAddr
}

func newTestReceiver(t *testing.T) *Receiver {
	r, err := NewReceiver(&ReceiverOptions{
		Address:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		LogPrefix: "test",
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestFilterInterfacesLocalhost(t *testing.T) {
	ifcs, err := FilterInterfaces([]string{"localhost"}, false)
	require.NoError(t, err)
	require.NotEmpty(t, ifcs)

	for _, ifc := range ifcs {
		assert.True(t, ifc.IsLoopback)
		for _, ip := range ifc.Addresses {
			assert.NotNil(t, ip.To4())
		}
	}

	ifcs, err = FilterInterfaces([]string{"no-such-interface0"}, false)
	require.NoError(t, err)
	assert.Empty(t, ifcs)
}

func TestSenderToReceiver(t *testing.T) {
	r := newTestReceiver(t)

	ownID := uuid.New()
	peerID := uuid.New()

	advch := make(chan advertisement, 16)
	r.Start(ownID, func(id uuid.UUID, addr *net.TCPAddr) {
		advch <- advertisement{id: id, addr: addr}
	})

	a, err := arbiter.NewArbiter(&arbiter.Options{LogPrefix: "test", Logger: logging.Nop()})
	require.NoError(t, err)
	defer a.Shutdown()

	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.LocalPort()}

	own, err := NewSender(&SenderOptions{
		Arbiter:   a,
		Address:   target,
		Interval:  time.Millisecond * 20,
		LogPrefix: "own",
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	defer own.Close()
	own.Start(ownID, 1111)

	// junk is ignored and does not stop reception
	conn, err := net.DialUDP("udp4", nil, target)
	require.NoError(t, err)
	_, err = conn.Write([]byte("not an advertisement"))
	require.NoError(t, err)
	_ = conn.Close()

	peer, err := NewSender(&SenderOptions{
		Arbiter:   a,
		Address:   target,
		Interval:  time.Millisecond * 20,
		LogPrefix: "peer",
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	defer peer.Close()
	peer.Start(peerID, 2222)

	for i := 0; i < 3; i++ {
		select {
		case adv := <-advch:
			assert.Equal(t, peerID, adv.id)
			assert.Equal(t, 2222, adv.addr.Port)
			assert.True(t, adv.addr.IP.IsLoopback())
		case <-time.After(time.Second * 5):
			t.Fatal("advertisement not received")
		}
	}
}

func TestReceiverIgnoresBadVersion(t *testing.T) {
	r := newTestReceiver(t)

	advch := make(chan advertisement, 4)
	r.Start(uuid.New(), func(id uuid.UUID, addr *net.TCPAddr) {
		advch <- advertisement{id: id, addr: addr}
	})

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.LocalPort()})
	require.NoError(t, err)
	defer conn.Close()

	id := uuid.New()
	bad := message.MakeAdvertisingMessage(id, 3333)
	bad[5] = 9
	_, err = conn.Write(bad)
	require.NoError(t, err)

	_, err = conn.Write(message.MakeAdvertisingMessage(id, 4444))
	require.NoError(t, err)

	select {
	case adv := <-advch:
		assert.Equal(t, id, adv.id)
		assert.Equal(t, 4444, adv.addr.Port)
	case <-time.After(time.Second * 5):
		t.Fatal("advertisement not received")
	}
	assert.Len(t, advch, 0)
}
